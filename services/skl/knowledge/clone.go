// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import "github.com/go-openapi/strfmt"

// Deep copies. Every transition function works on a clone so that callers'
// snapshots are never mutated.

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneTime(t *strfmt.DateTime) *strfmt.DateTime {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneAssumptions(a []Assumption) []Assumption {
	if a == nil {
		return nil
	}
	out := make([]Assumption, len(a))
	copy(out, a)
	return out
}

// Clone returns a deep copy of the invariants.
func (i Invariants) Clone() Invariants {
	return Invariants{
		TechStack:        cloneStrings(i.TechStack),
		AuthModel:        i.AuthModel,
		DataStorage:      i.DataStorage,
		SecurityPatterns: cloneStrings(i.SecurityPatterns),
	}
}

// Clone returns a deep copy of the record.
func (r StateRecord) Clone() StateRecord {
	r.Dependencies = cloneStrings(r.Dependencies)
	r.InvariantsTouched = cloneStrings(r.InvariantsTouched)
	r.Assumptions = cloneAssumptions(r.Assumptions)
	r.LastReviewedAt = cloneTime(r.LastReviewedAt)
	return r
}

// Clone returns a deep copy of the proposal.
func (p QueueProposal) Clone() QueueProposal {
	p.Dependencies = cloneStrings(p.Dependencies)
	p.Assumptions = cloneAssumptions(p.Assumptions)
	p.BlockingReasons = cloneStrings(p.BlockingReasons)
	p.DependencyScan = DependencyScan{
		UndeclaredImports:    cloneStrings(p.DependencyScan.UndeclaredImports),
		StaleDeclaredDeps:    cloneStrings(p.DependencyScan.StaleDeclaredDeps),
		CrossScopeUndeclared: cloneStrings(p.DependencyScan.CrossScopeUndeclared),
	}
	if p.ClassificationVerification.Agreement != nil {
		a := *p.ClassificationVerification.Agreement
		p.ClassificationVerification.Agreement = &a
	}
	if p.DecisionRationale != nil {
		dr := *p.DecisionRationale
		p.DecisionRationale = &dr
	}
	return p
}

// Clone returns a deep copy of the knowledge model.
func (k *KnowledgeModel) Clone() *KnowledgeModel {
	if k == nil {
		return nil
	}
	out := &KnowledgeModel{Invariants: k.Invariants.Clone()}
	if k.State != nil {
		out.State = make([]StateRecord, len(k.State))
		for i, r := range k.State {
			out.State[i] = r.Clone()
		}
	}
	if k.Queue != nil {
		out.Queue = make([]QueueProposal, len(k.Queue))
		for i, p := range k.Queue {
			out.Queue[i] = p.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the RFC.
func (r RFC) Clone() RFC {
	if r.Options != nil {
		opts := make([]RFCOption, len(r.Options))
		for i, o := range r.Options {
			if o.Ranking != nil {
				rk := *o.Ranking
				o.Ranking = &rk
			}
			opts[i] = o
		}
		r.Options = opts
	}
	if r.AcceptanceCriteria != nil {
		ac := make([]AcceptanceCriterion, len(r.AcceptanceCriteria))
		copy(ac, r.AcceptanceCriteria)
		r.AcceptanceCriteria = ac
	}
	r.ResolvedAt = cloneTime(r.ResolvedAt)
	return r
}

// Clone returns a deep copy of the session log.
func (l SessionLog) Clone() SessionLog {
	l.Escalations = cloneStrings(l.Escalations)
	l.RFCsOpened = cloneStrings(l.RFCsOpened)
	l.UncertainDecisions = cloneStrings(l.UncertainDecisions)
	l.CircuitBreakersTriggered = cloneStrings(l.CircuitBreakersTriggered)
	l.RecurringPatterns = cloneStrings(l.RecurringPatterns)
	l.DeferredProposals = cloneStrings(l.DeferredProposals)
	return l
}

// =============================================================================
// Lookups
// =============================================================================

// FindStateByPath returns the index of the record for path, or -1.
func (k *KnowledgeModel) FindStateByPath(path string) int {
	for i := range k.State {
		if k.State[i].Path == path {
			return i
		}
	}
	return -1
}

// FindProposal returns the index of the proposal with id, or -1.
func (k *KnowledgeModel) FindProposal(id string) int {
	for i := range k.Queue {
		if k.Queue[i].ProposalID == id {
			return i
		}
	}
	return -1
}

// PendingProposals returns the ids of pending proposals in queue order.
func (k *KnowledgeModel) PendingProposals() []string {
	var ids []string
	for _, p := range k.Queue {
		if p.Status == StatusPending {
			ids = append(ids, p.ProposalID)
		}
	}
	return ids
}
