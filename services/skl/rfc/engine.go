// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rfc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/statewriter"
)

// Engine opens and resolves RFCs with a shared clock and state writer.
type Engine struct {
	writer *statewriter.Writer
	logger *slog.Logger
	now    func() time.Time
	window time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithResponseWindow sets how long humans have to answer a new RFC.
func WithResponseWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// NewEngine creates an Engine. A nil writer gets a default one sharing the
// engine's logger and clock.
func NewEngine(writer *statewriter.Writer, opts ...EngineOption) *Engine {
	e := &Engine{logger: slog.Default(), now: time.Now, window: DefaultResponseWindow}
	for _, opt := range opts {
		opt(e)
	}
	if writer == nil {
		writer = statewriter.New(statewriter.WithLogger(e.logger), statewriter.WithClock(e.now))
	}
	e.writer = writer
	return e
}

// Open builds a new open RFC using the engine's clock and response window.
func (e *Engine) Open(p *knowledge.QueueProposal, trigger Trigger, k *knowledge.KnowledgeModel, seq int) (knowledge.RFC, error) {
	return open(p, trigger, k, seq, e.now(), e.window)
}

// Outcome is everything a resolution changed.
type Outcome struct {
	ADR       knowledge.ADR
	RFC       knowledge.RFC
	Knowledge *knowledge.KnowledgeModel
}

// Resolve applies a human resolution to an open RFC.
//
// Description:
//
//	Validates res, records selection, rationale and acceptance criteria
//	on a copy of r, and promotes it to an ADR through the state writer
//	(which writes both ADR and RFC to store). The proposal decision is
//	checked against k first; if it would be refused nothing is written. When res.ProposalStatus is
//	set, the triggering proposal is decided by a human in the returned
//	knowledge snapshot, and an approval also updates its state record.
//	The knowledge snapshot is not persisted here.
//
// Outputs:
//
//	Outcome - The ADR, the resolved RFC and the new knowledge snapshot.
//	error - *knowledge.ValidationError for an incomplete resolution,
//	        *knowledge.GuardError if r is not open, or store errors.
func (e *Engine) Resolve(ctx context.Context, r knowledge.RFC, res Resolution, k *knowledge.KnowledgeModel, store statewriter.DecisionStore) (Outcome, error) {
	if r.Status != knowledge.RFCOpen {
		return Outcome{}, knowledge.NewGuardError("resolve rfc", "%s is %s", r.ID, r.Status)
	}
	if err := ValidateResolution(r, res); err != nil {
		return Outcome{}, err
	}

	now := e.now()
	working := r.Clone()
	working.HumanSelection = res.Selection
	working.HumanRationale = strings.TrimSpace(res.Rationale)
	working.MergeBlockedUntilCriteriaPass = res.BlockMerge
	working.AcceptanceCriteria = normalizeCriteria(res.AcceptanceCriteria)
	working.ResolvedAt = knowledge.TimestampPtr(now)

	// Decide on the snapshot before anything is written, so a refused
	// decision leaves the RFC open for another attempt.
	decide := res.ProposalStatus != "" && k != nil
	if decide {
		if _, err := e.decideProposal(working, "", res, k); err != nil {
			return Outcome{}, fmt.Errorf("decide %s: %w", r.TriggeringProposal, err)
		}
	}

	adr, resolved, err := e.writer.PromoteRFCToADR(ctx, working, res.Rationale, k, store)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{ADR: adr, RFC: resolved, Knowledge: k}

	if decide {
		next, err := e.decideProposal(resolved, adr.ID, res, k)
		if err != nil {
			return out, fmt.Errorf("decide %s: %w", r.TriggeringProposal, err)
		}
		out.Knowledge = next
	}
	e.logger.Info("rfc resolved",
		"rfc_id", r.ID,
		"selection", res.Selection,
		"adr_id", adr.ID,
		"criteria", len(resolved.AcceptanceCriteria))
	return out, nil
}

func (e *Engine) decideProposal(r knowledge.RFC, adrID string, res Resolution, k *knowledge.KnowledgeModel) (*knowledge.KnowledgeModel, error) {
	idx := k.FindProposal(r.TriggeringProposal)
	if idx < 0 {
		return nil, &knowledge.NotFoundError{Kind: "proposal", ID: r.TriggeringProposal}
	}
	p := k.Queue[idx]
	decisionType := p.ClassificationVerification.ResolvedClassification
	if !decisionType.Valid() {
		decisionType = p.DeclaredChangeType()
	}

	next, err := e.writer.WriteRationale(p.ProposalID, statewriter.Decision{
		Status:       res.ProposalStatus,
		Rationale:    decisionText(r.ID, adrID, res),
		DecisionType: decisionType,
		DecidedBy:    knowledge.DecidedByHuman,
	}, k)
	if err != nil {
		return nil, err
	}
	if res.ProposalStatus == knowledge.StatusApproved {
		return e.writer.ApplyAccepted(&p, p.ScopeSchemaVersion, next)
	}
	return next, nil
}

func decisionText(rfcID, adrID string, res Resolution) string {
	ref := ""
	if adrID != "" {
		ref = " (" + adrID + ")"
	}
	return fmt.Sprintf("%s resolved by option %s%s: %s", rfcID, res.Selection, ref, strings.TrimSpace(res.Rationale))
}

func normalizeCriteria(in []knowledge.AcceptanceCriterion) []knowledge.AcceptanceCriterion {
	out := make([]knowledge.AcceptanceCriterion, len(in))
	for i, ac := range in {
		if ac.ACID == "" {
			ac.ACID = knowledge.FormatSeqID("ac", i+1)
		}
		if ac.Status == "" {
			ac.Status = knowledge.CriterionPending
		}
		out[i] = ac
	}
	return out
}
