// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conflict checks a proposal against the knowledge model for
// contested targets and contradicted shared assumptions.
package conflict

import (
	"strings"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// Kind classifies a detection result.
type Kind string

const (
	KindNone               Kind = "none"
	KindContestedTarget    Kind = "contested_target"
	KindAssumptionConflict Kind = "assumption_conflict"
)

// AssumptionConflict pairs a proposal assumption with the shared assumption
// it contradicts.
type AssumptionConflict struct {
	// RecordID is the state record that carries the shared assumption.
	RecordID string

	// Declared is the proposal's assumption.
	Declared knowledge.Assumption

	// Existing is the shared assumption already recorded.
	Existing knowledge.Assumption
}

// Result is the outcome of Detect.
type Result struct {
	Kind Kind

	// ContestedRecordID is set when Kind is KindContestedTarget.
	ContestedRecordID string

	// Conflicts lists every contradicted shared assumption. It is populated
	// even when the target is contested so callers can report both.
	Conflicts []AssumptionConflict
}

// RequiresEscalation reports whether the result forbids automatic
// resolution regardless of classification.
func (r Result) RequiresEscalation() bool {
	return r.Kind == KindContestedTarget
}

// HasConflict reports whether any conflict was found.
func (r Result) HasConflict() bool {
	return r.Kind != KindNone
}

// Detect checks p against k.
//
// Description:
//
//	A target record at uncertainty level 3 makes the proposal a contested
//	target. Otherwise, a proposal assumption that shares an id (or a
//	non-empty scope) with a shared assumption on an overlapping record but
//	states different text is an assumption conflict. Records overlap when
//	they have the proposal's path or its non-empty semantic scope.
//	Contested targets take precedence.
//
// Inputs:
//
//	p - The proposal under review. Not modified.
//	k - The current knowledge model. Not modified.
//
// Outputs:
//
//	Result - Never nil-valued; Kind is KindNone when nothing collides.
func Detect(p *knowledge.QueueProposal, k *knowledge.KnowledgeModel) Result {
	res := Result{Kind: KindNone}

	for i := range k.State {
		rec := &k.State[i]
		if !overlaps(p, rec) {
			continue
		}
		if rec.Path == p.Path && rec.UncertaintyLevel == knowledge.LevelContested && res.ContestedRecordID == "" {
			res.ContestedRecordID = rec.ID
		}
		res.Conflicts = append(res.Conflicts, contradictions(p.Assumptions, rec)...)
	}

	switch {
	case res.ContestedRecordID != "":
		res.Kind = KindContestedTarget
	case len(res.Conflicts) > 0:
		res.Kind = KindAssumptionConflict
	}
	recordDetection(res.Kind)
	return res
}

func overlaps(p *knowledge.QueueProposal, rec *knowledge.StateRecord) bool {
	if rec.Path == p.Path {
		return true
	}
	return p.SemanticScope != "" && rec.SemanticScope == p.SemanticScope
}

func contradictions(declared []knowledge.Assumption, rec *knowledge.StateRecord) []AssumptionConflict {
	var out []AssumptionConflict
	for _, d := range declared {
		for _, e := range rec.Assumptions {
			if !e.Shared || !sameSubject(d, e) {
				continue
			}
			if normalizeText(d.Text) != normalizeText(e.Text) {
				out = append(out, AssumptionConflict{RecordID: rec.ID, Declared: d, Existing: e})
			}
		}
	}
	return out
}

func sameSubject(a, b knowledge.Assumption) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	return a.Scope != "" && a.Scope == b.Scope
}

// normalizeText folds case and collapses whitespace.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
