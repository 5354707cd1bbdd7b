// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound matches every *NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrGuard matches every *GuardError via errors.Is.
	ErrGuard = errors.New("guard violation")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// FieldError is one field-level schema failure.
type FieldError struct {
	// Field is the JSON path of the offending field, e.g. "state[2].version".
	Field string `json:"field"`

	// Rule is the constraint that failed, e.g. "min" or "session_id".
	Rule string `json:"rule"`

	// Detail is a human-readable explanation.
	Detail string `json:"detail,omitempty"`
}

// ValidationError reports persisted data that failed schema checks.
// It is never retried.
type ValidationError struct {
	// Path is the document that failed (file path or store key).
	Path string

	// Fields lists every failing field.
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed")
	if e.Path != "" {
		sb.WriteString(" for ")
		sb.WriteString(e.Path)
	}
	if len(e.Fields) > 0 {
		sb.WriteString(": ")
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			if f.Detail != "" {
				parts[i] = fmt.Sprintf("%s (%s: %s)", f.Field, f.Rule, f.Detail)
			} else {
				parts[i] = fmt.Sprintf("%s (%s)", f.Field, f.Rule)
			}
		}
		sb.WriteString(strings.Join(parts, "; "))
	}
	return sb.String()
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// WithPath returns a copy of e with Path set.
func (e *ValidationError) WithPath(path string) *ValidationError {
	cp := *e
	cp.Path = path
	return &cp
}

// NotFoundError reports a required record that is absent.
type NotFoundError struct {
	// Kind is the record kind: "knowledge", "rfc", "adr", "session_log", "proposal".
	Kind string

	// ID identifies the missing record, or is empty for singletons.
	ID string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// GuardError reports a contract violation by the caller: duplicate state
// creation, rationale on an unknown proposal, empty rationale, ADR id
// collision. The session loop catches it per proposal.
type GuardError struct {
	// Op is the operation whose precondition failed.
	Op string

	// Reason explains the violation.
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *GuardError) Unwrap() error { return ErrGuard }

// NewGuardError builds a GuardError with a formatted reason.
func NewGuardError(op, format string, args ...any) *GuardError {
	return &GuardError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
