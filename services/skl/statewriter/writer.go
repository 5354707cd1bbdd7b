// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package statewriter holds the knowledge-model transition functions.
//
// Every transition takes a snapshot and returns a new one; inputs are never
// mutated, so transitions can be composed, retried and replayed freely.
// Contract violations by the caller (duplicate creation, rationale on an
// unknown proposal, empty rationale, ADR id collision) are reported as
// *knowledge.GuardError.
//
// PromoteRFCToADR is the only function with side effects, and those are
// limited to writing the ADR and the resolved RFC through the store.
package statewriter

import (
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// Writer applies state transitions.
//
// Thread Safety: Safe for concurrent use; it holds no mutable state.
type Writer struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger for non-fatal warnings.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock overrides the time source used for rationale and ADR timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a Writer.
func New(opts ...Option) *Writer {
	w := &Writer{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// DeriveStateID returns the stable record id for a file path:
// separators normalised, path separators replaced by "_", extension
// stripped and leading underscores removed.
// "app/utils/tokens.py" becomes "app_utils_tokens".
func DeriveStateID(p string) string {
	p = path.Clean(strings.ReplaceAll(p, `\`, "/"))
	p = strings.TrimSuffix(p, path.Ext(p))
	p = strings.ReplaceAll(p, "/", "_")
	return strings.TrimLeft(p, "_")
}

// CreateStateEntry appends a new record for p.Path at version 1 and
// uncertainty level 2.
//
// Outputs:
//
//	*knowledge.KnowledgeModel - New snapshot.
//	error - *knowledge.GuardError if a record for the path or derived id
//	        already exists; callers must route existing paths to
//	        UpdateStateEntry.
func (w *Writer) CreateStateEntry(p *knowledge.QueueProposal, scopeVersion string, k *knowledge.KnowledgeModel) (*knowledge.KnowledgeModel, error) {
	const op = "create state entry"
	if k.FindStateByPath(p.Path) >= 0 {
		return nil, knowledge.NewGuardError(op, "record for path %q already exists", p.Path)
	}
	id := DeriveStateID(p.Path)
	for _, r := range k.State {
		if r.ID == id {
			return nil, knowledge.NewGuardError(op, "record id %q already used by %q", id, r.Path)
		}
	}

	rec := knowledge.StateRecord{
		ID:                 id,
		Path:               p.Path,
		SemanticScope:      p.SemanticScope,
		ScopeSchemaVersion: scopeVersion,
		Responsibilities:   p.Responsibilities,
		Dependencies:       nonNil(p.Dependencies),
		InvariantsTouched:  []string{},
		Assumptions:        cloneAssumptions(p.Assumptions),
		Owner:              p.AgentID,
		Version:            1,
		UncertaintyLevel:   knowledge.LevelProposed,
	}

	next := k.Clone()
	next.State = append(next.State, rec)
	return next, nil
}

// UpdateStateEntry applies an accepted change from p to existing.
//
// Description:
//
//	Increments version and change_count_since_review by one. Levels 0 and
//	1 drop to 2 and lose uncertainty_reduced_by; level 2 stays 2.
//	last_reviewed_at is preserved. A level-3 record is returned unchanged
//	with a warning, since contested targets should have been escalated.
//
// Outputs:
//
//	*knowledge.KnowledgeModel - New snapshot.
//	error - *knowledge.GuardError if existing is not in k.
func (w *Writer) UpdateStateEntry(p *knowledge.QueueProposal, existing knowledge.StateRecord, scopeVersion string, k *knowledge.KnowledgeModel) (*knowledge.KnowledgeModel, error) {
	idx := -1
	for i := range k.State {
		if k.State[i].ID == existing.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, knowledge.NewGuardError("update state entry", "record %q not found", existing.ID)
	}

	next := k.Clone()
	rec := next.State[idx]
	if rec.UncertaintyLevel == knowledge.LevelContested {
		w.logger.Warn("state record is contested, leaving it unchanged",
			"record_id", rec.ID,
			"proposal_id", p.ProposalID)
		return next, nil
	}

	rec.Version++
	rec.ChangeCountSinceReview++
	if rec.UncertaintyLevel < knowledge.LevelProposed {
		rec.UncertaintyLevel = knowledge.LevelProposed
		rec.UncertaintyReducedBy = ""
	}
	if scopeVersion != "" {
		rec.ScopeSchemaVersion = scopeVersion
	}
	if p.SemanticScope != "" {
		rec.SemanticScope = p.SemanticScope
	}
	if p.Responsibilities != "" {
		rec.Responsibilities = p.Responsibilities
	}
	if p.Dependencies != nil {
		rec.Dependencies = append([]string{}, p.Dependencies...)
	}
	if p.Assumptions != nil {
		rec.Assumptions = cloneAssumptions(p.Assumptions)
	}

	next.State[idx] = rec
	return next, nil
}

// ApplyAccepted creates or updates the record for p.Path, whichever
// applies.
func (w *Writer) ApplyAccepted(p *knowledge.QueueProposal, scopeVersion string, k *knowledge.KnowledgeModel) (*knowledge.KnowledgeModel, error) {
	if idx := k.FindStateByPath(p.Path); idx >= 0 {
		return w.UpdateStateEntry(p, k.State[idx], scopeVersion, k)
	}
	return w.CreateStateEntry(p, scopeVersion, k)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}

func cloneAssumptions(a []knowledge.Assumption) []knowledge.Assumption {
	out := make([]knowledge.Assumption, len(a))
	copy(out, a)
	return out
}
