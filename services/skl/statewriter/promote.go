// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package statewriter

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// MaxADRTitle is the longest ADR title, in characters.
const MaxADRTitle = 100

// DecisionStore is the slice of the knowledge store that promotion needs.
type DecisionStore interface {
	ListADRs(ctx context.Context) ([]knowledge.ADR, error)
	WriteADR(ctx context.Context, adr knowledge.ADR) error
	WriteRFC(ctx context.Context, rfc knowledge.RFC) error
}

// PromoteRFCToADR writes the permanent record of a resolved decision.
//
// Description:
//
//	Assigns ADR_{n+1} where n is the number of existing ADRs, builds the
//	decision text from the selected option and the human rationale, writes
//	the ADR, then writes the RFC back as resolved with promoted_to_adr
//	set. If an ADR already names this RFC as its promoter (the RFC write
//	failed after the ADR write), the same decision reuses that ADR and only
//	the RFC is written; a different decision is refused. The knowledge
//	model is read only to describe the triggering proposal in the ADR
//	context.
//
// Inputs:
//
//	ctx - Cancellation for store I/O.
//	rfc - The RFC carrying a human selection. Not modified.
//	humanRationale - Why the option was chosen. Must not be blank.
//	k - Current knowledge model. May be nil.
//	store - Destination for the ADR and RFC.
//
// Outputs:
//
//	knowledge.ADR - The written ADR.
//	knowledge.RFC - The RFC as written back.
//	error - *knowledge.GuardError on an id collision, a missing or unknown
//	        selection, a blank rationale, an RFC already promoted or an
//	        existing ADR for the RFC with a different decision;
//	        otherwise store errors.
func (w *Writer) PromoteRFCToADR(ctx context.Context, rfc knowledge.RFC, humanRationale string, k *knowledge.KnowledgeModel, store DecisionStore) (knowledge.ADR, knowledge.RFC, error) {
	const op = "promote rfc to adr"
	ctx, span := otel.Tracer("skl.statewriter").Start(ctx, "statewriter.Writer.PromoteRFCToADR",
		trace.WithAttributes(attribute.String("rfc_id", rfc.ID)),
	)
	defer span.End()

	if rfc.PromotedToADR != "" {
		return knowledge.ADR{}, knowledge.RFC{}, knowledge.NewGuardError(op, "%s already promoted to %s", rfc.ID, rfc.PromotedToADR)
	}
	rationale := strings.TrimSpace(humanRationale)
	if rationale == "" {
		return knowledge.ADR{}, knowledge.RFC{}, knowledge.NewGuardError(op, "human rationale for %s is empty", rfc.ID)
	}
	option, ok := rfc.Option(rfc.HumanSelection)
	if !ok {
		return knowledge.ADR{}, knowledge.RFC{}, knowledge.NewGuardError(op, "%s has no option %q", rfc.ID, rfc.HumanSelection)
	}

	existing, err := store.ListADRs(ctx)
	if err != nil {
		span.RecordError(err)
		return knowledge.ADR{}, knowledge.RFC{}, fmt.Errorf("list adrs: %w", err)
	}
	decision := fmt.Sprintf("%s\n\nRationale: %s", option.Description, rationale)

	// An earlier attempt may have written the ADR but not the RFC. The ADR
	// is final, so the same decision finishes that promotion and any other
	// is refused.
	var prior *knowledge.ADR
	for i := range existing {
		if existing[i].PromotingRFCID != rfc.ID {
			continue
		}
		if existing[i].Decision != decision {
			return knowledge.ADR{}, knowledge.RFC{}, knowledge.NewGuardError(op, "%s already promoted to %s with a different decision", rfc.ID, existing[i].ID)
		}
		prior = &existing[i]
		break
	}

	now := knowledge.Timestamp(w.now())
	var adr knowledge.ADR
	if prior != nil {
		adr = *prior
		w.logger.Warn("completing earlier promotion", "rfc_id", rfc.ID, "adr_id", adr.ID)
	} else {
		id := knowledge.FormatSeqID(knowledge.PrefixADR, len(existing)+1)
		for _, a := range existing {
			if a.ID == id {
				return knowledge.ADR{}, knowledge.RFC{}, knowledge.NewGuardError(op, "%s already exists", id)
			}
		}
		adr = knowledge.ADR{
			ID:             id,
			Title:          adrTitle(rfc, option),
			Context:        adrContext(rfc, k),
			Decision:       decision,
			Consequences:   option.Consequences,
			CreatedAt:      now,
			PromotingRFCID: rfc.ID,
		}
	}
	span.SetAttributes(attribute.String("adr_id", adr.ID))

	resolved := rfc.Clone()
	resolved.Status = knowledge.RFCResolved
	resolved.HumanRationale = rationale
	resolved.PromotedToADR = adr.ID
	if resolved.ResolvedAt == nil {
		resolved.ResolvedAt = &now
	}

	if prior == nil {
		if err := store.WriteADR(ctx, adr); err != nil {
			span.RecordError(err)
			return knowledge.ADR{}, knowledge.RFC{}, fmt.Errorf("write %s: %w", adr.ID, err)
		}
	}
	if err := store.WriteRFC(ctx, resolved); err != nil {
		span.RecordError(err)
		return knowledge.ADR{}, knowledge.RFC{}, fmt.Errorf("write %s: %w", rfc.ID, err)
	}
	w.logger.Info("rfc promoted to adr", "rfc_id", rfc.ID, "adr_id", adr.ID, "option", option.Label)
	return adr, resolved, nil
}

// AmendInvariants replaces the project invariants on the authority of a
// resolved RFC.
func (w *Writer) AmendInvariants(rfc knowledge.RFC, inv knowledge.Invariants, k *knowledge.KnowledgeModel) (*knowledge.KnowledgeModel, error) {
	if rfc.Status != knowledge.RFCResolved {
		return nil, knowledge.NewGuardError("amend invariants", "%s is %s, not resolved", rfc.ID, rfc.Status)
	}
	next := k.Clone()
	next.Invariants = inv.Clone()
	w.logger.Info("invariants amended", "rfc_id", rfc.ID)
	return next, nil
}

func adrTitle(rfc knowledge.RFC, option knowledge.RFCOption) string {
	title := strings.TrimSpace(rfc.DecisionRequired)
	if title == "" {
		title = fmt.Sprintf("%s: %s", rfc.ID, option.Label)
	}
	return truncate(title, MaxADRTitle)
}

func adrContext(rfc knowledge.RFC, k *knowledge.KnowledgeModel) string {
	ctx := rfc.Context
	if k == nil {
		return ctx
	}
	if idx := k.FindProposal(rfc.TriggeringProposal); idx >= 0 {
		p := k.Queue[idx]
		ctx = strings.TrimSpace(fmt.Sprintf("%s\n\nTriggered by %s (%s) on %s.", ctx, p.ProposalID, p.AgentID, p.Path))
	}
	return ctx
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
