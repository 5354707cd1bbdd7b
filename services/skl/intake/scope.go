// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package intake turns an agent's pushed files into queue proposals.
//
// It runs the submission gates (file scope, semantic scope, queue budget,
// acceptance criteria, RFC scope pause), derives the risk signals the
// classifier consumes from static-analysis facts and the knowledge model,
// and compares scanned imports with declared dependencies. Everything here
// is pure: callers supply the knowledge model, RFCs and scope definitions
// and persist the returned snapshot.
package intake

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
)

// AgentContext is an agent's registered working area.
type AgentContext struct {
	AgentID       string   `json:"agent_id"`
	SemanticScope string   `json:"semantic_scope"`
	FileScope     []string `json:"file_scope"`
}

// ScopeEntry defines one semantic scope.
type ScopeEntry struct {
	AllowedPaths          []string `json:"allowed_paths"`
	AllowedPathPrefixes   []string `json:"allowed_path_prefixes"`
	ForbiddenPathPrefixes []string `json:"forbidden_path_prefixes"`
}

// ScopeDefinitions is the .skl/scope_definitions.json document.
type ScopeDefinitions struct {
	Definitions struct {
		Scopes map[string]ScopeEntry `json:"scopes"`
	} `json:"scope_definitions"`

	// KnownExpected lists cross-scope imports that are allowed without a
	// declaration. Entries ending in "/" match by prefix.
	KnownExpected []KnownImport `json:"known_expected_cross_scope_imports"`
}

// Scope returns the entry for name, or nil.
func (d *ScopeDefinitions) Scope(name string) *ScopeEntry {
	if d == nil {
		return nil
	}
	e, ok := d.Definitions.Scopes[name]
	if !ok {
		return nil
	}
	return &e
}

// KnownImport is an expected cross-scope import. It decodes from either a
// bare string or an object with an imported_path field.
type KnownImport string

// UnmarshalJSON implements json.Unmarshaler.
func (k *KnownImport) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*k = KnownImport(s)
		return nil
	}
	var obj struct {
		ImportedPath string `json:"imported_path"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("known import must be a string or {imported_path}: %w", err)
	}
	*k = KnownImport(obj.ImportedPath)
	return nil
}

// ParseScopeDefinitions decodes a scope definitions document.
func ParseScopeDefinitions(data []byte) (*ScopeDefinitions, error) {
	var d ScopeDefinitions
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse scope definitions: %w", err)
	}
	return &d, nil
}

// FileFlags are the per-file results of the scope checks.
type FileFlags struct {
	Path       string
	OutOfScope bool
	CrossScope bool
}

// CheckFileScope flags files outside the agent's file scope. An empty scope
// allows every file.
func CheckFileScope(files []string, fileScope []string) []FileFlags {
	out := make([]FileFlags, len(files))
	for i, f := range files {
		out[i] = FileFlags{
			Path:       f,
			OutOfScope: len(fileScope) > 0 && !slices.Contains(fileScope, f),
		}
	}
	return out
}

// CheckSemanticScope flags files that cross the agent's semantic scope.
// A file passes if it is an allowed path or under an allowed prefix, and
// is flagged if it is under a forbidden prefix. A nil entry skips the check.
func CheckSemanticScope(flags []FileFlags, entry *ScopeEntry) []FileFlags {
	out := slices.Clone(flags)
	if entry == nil {
		return out
	}
	for i := range out {
		p := out[i].Path
		if slices.Contains(entry.AllowedPaths, p) || hasAnyPrefix(p, entry.AllowedPathPrefixes) {
			continue
		}
		if hasAnyPrefix(p, entry.ForbiddenPathPrefixes) {
			out[i].CrossScope = true
		}
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// normalizePath cleans p the same way for every comparison.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}
