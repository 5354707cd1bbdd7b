// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package statewriter

import (
	"strings"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// Decision is the outcome recorded on a proposal.
type Decision struct {
	// Status is the new proposal status. Must not be pending.
	Status knowledge.ProposalStatus

	// Rationale explains the decision. Must not be blank.
	Rationale string

	// DecisionType is the change type the decision was made under.
	DecisionType knowledge.ChangeType

	// DecidedBy defaults to the orchestrator.
	DecidedBy knowledge.Decider

	// AutoApproved marks an approval made without individual review.
	AutoApproved bool
}

// WriteRationale sets the proposal's status and attaches a timestamped
// rationale.
//
// Outputs:
//
//	*knowledge.KnowledgeModel - New snapshot.
//	error - *knowledge.GuardError on blank rationale, unknown proposal id,
//	        a pending status or an unknown decision type.
func (w *Writer) WriteRationale(proposalID string, d Decision, k *knowledge.KnowledgeModel) (*knowledge.KnowledgeModel, error) {
	const op = "write rationale"
	text := strings.TrimSpace(d.Rationale)
	if text == "" {
		return nil, knowledge.NewGuardError(op, "rationale for %q is empty", proposalID)
	}
	idx := k.FindProposal(proposalID)
	if idx < 0 {
		return nil, knowledge.NewGuardError(op, "proposal %q not found in queue", proposalID)
	}
	if !d.Status.Decided() {
		return nil, knowledge.NewGuardError(op, "status %q is not a decision", d.Status)
	}
	if !d.DecisionType.Valid() {
		return nil, knowledge.NewGuardError(op, "unknown decision type %q", d.DecisionType)
	}
	decider := d.DecidedBy
	if decider == "" {
		decider = knowledge.DecidedByOrchestrator
	}

	next := k.Clone()
	p := &next.Queue[idx]
	p.Status = d.Status
	p.DecisionRationale = &knowledge.DecisionRationale{
		Text:         text,
		DecisionType: d.DecisionType,
		RecordedAt:   knowledge.Timestamp(w.now()),
		DecidedBy:    decider,
		AutoApproved: d.AutoApproved && d.Status == knowledge.StatusApproved,
	}
	return next, nil
}
