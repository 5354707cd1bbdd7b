// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intake

import (
	"slices"
	"strings"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// BlockCrossScopeUndeclared is the blocking reason for undeclared imports
// that reach into another semantic scope.
const BlockCrossScopeUndeclared = "cross_scope_undeclared_dependency"

// ValidateDependencies compares scanned imports with the file's declared
// dependencies.
//
// Description:
//
//	undeclared = scanned minus declared, stale = declared minus scanned.
//	A new file (rec nil) has no declarations, so every scanned import is
//	considered undeclared for the cross-scope check but none is reported
//	as undeclared or stale. An undeclared import is cross-scope when the
//	record that owns it has a non-empty semantic scope different from
//	agentScope and it is not a known expected import.
//
// Inputs:
//
//	scanned - Repo-relative paths of project-internal imports.
//	rec - The file's current state record, or nil for a new file.
//	records - All state records, used to resolve import scopes.
//	known - Known expected cross-scope imports.
//	agentScope - The submitting agent's semantic scope.
func ValidateDependencies(scanned []string, rec *knowledge.StateRecord, records []knowledge.StateRecord, known []KnownImport, agentScope string) knowledge.DependencyScan {
	scannedSet := normalizedSet(scanned)

	var undeclared, stale []string
	if rec != nil {
		declared := normalizedSet(rec.Dependencies)
		undeclared = difference(scannedSet, declared)
		stale = difference(declared, scannedSet)
	} else {
		undeclared = difference(scannedSet, nil)
	}

	scopeOf := make(map[string]string, len(records))
	for _, r := range records {
		if p := normalizePath(r.Path); p != "" {
			scopeOf[p] = r.SemanticScope
		}
	}

	crossScope := []string{}
	for _, imp := range undeclared {
		s := scopeOf[imp]
		if s != "" && s != agentScope && !isKnownExpected(imp, known) {
			crossScope = append(crossScope, imp)
		}
	}

	scan := knowledge.DependencyScan{
		UndeclaredImports:    []string{},
		StaleDeclaredDeps:    []string{},
		CrossScopeUndeclared: crossScope,
	}
	if rec != nil {
		scan.UndeclaredImports = undeclared
		scan.StaleDeclaredDeps = stale
	}
	return scan
}

func isKnownExpected(imp string, known []KnownImport) bool {
	for _, k := range known {
		entry := string(k)
		if strings.HasSuffix(entry, "/") {
			if strings.HasPrefix(imp, normalizePath(strings.TrimRight(entry, "/"))) {
				return true
			}
		} else if imp == normalizePath(entry) {
			return true
		}
	}
	return false
}

func normalizedSet(paths []string) map[string]struct{} {
	out := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		out[normalizePath(p)] = struct{}{}
	}
	return out
}

// difference returns the sorted members of a not in b.
func difference(a, b map[string]struct{}) []string {
	out := []string{}
	for p := range a {
		if _, ok := b[p]; !ok {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
