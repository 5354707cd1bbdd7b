// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rfc opens and resolves decision documents.
//
// An RFC moves from open to resolved exactly once. It is opened when a
// proposal cannot be decided automatically (architectural change, shared
// assumption contradicted) and resolved by a human who picks one option,
// explains why and names at least one acceptance criterion. Resolution
// promotes the RFC to an immutable ADR.
package rfc

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/skl/services/skl/conflict"
	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// DefaultResponseWindow is how long a human has to answer a new RFC before
// the proposal's semantic scope is paused.
const DefaultResponseWindow = 48 * time.Hour

// Option labels produced by Open.
const (
	LabelAccept = "A"
	LabelReject = "B"
	LabelAmend  = "C"
)

// TriggerKind says why an RFC was opened.
type TriggerKind string

const (
	TriggerArchitectural      TriggerKind = "architectural_change"
	TriggerAssumptionConflict TriggerKind = "assumption_conflict"
	TriggerContestedTarget    TriggerKind = "contested_target"
)

// Trigger is the signal that made automatic resolution impossible.
type Trigger struct {
	Kind TriggerKind

	// Conflicts lists the contradicted shared assumptions, if any.
	Conflicts []conflict.AssumptionConflict
}

// TriggerFor derives the trigger from a conflict result and the resolved
// change type. ok is false when neither signal calls for an RFC.
func TriggerFor(res conflict.Result, resolved knowledge.ChangeType) (Trigger, bool) {
	switch {
	case res.Kind == conflict.KindContestedTarget:
		return Trigger{Kind: TriggerContestedTarget, Conflicts: res.Conflicts}, true
	case res.Kind == conflict.KindAssumptionConflict:
		return Trigger{Kind: TriggerAssumptionConflict, Conflicts: res.Conflicts}, true
	case resolved == knowledge.ChangeArchitectural:
		return Trigger{Kind: TriggerArchitectural}, true
	}
	return Trigger{}, false
}

// Open builds a new open RFC for p with the default response window.
func Open(p *knowledge.QueueProposal, trigger Trigger, k *knowledge.KnowledgeModel, seq int, now time.Time) (knowledge.RFC, error) {
	return open(p, trigger, k, seq, now, DefaultResponseWindow)
}

func open(p *knowledge.QueueProposal, trigger Trigger, k *knowledge.KnowledgeModel, seq int, now time.Time, window time.Duration) (knowledge.RFC, error) {
	if seq < 1 {
		return knowledge.RFC{}, knowledge.NewGuardError("open rfc", "sequence %d must be positive", seq)
	}
	resolved := p.ClassificationVerification.ResolvedClassification
	if resolved == "" {
		resolved = p.DeclaredChangeType()
	}

	options := []knowledge.RFCOption{
		{
			Label:        LabelAccept,
			Description:  fmt.Sprintf("Accept %s as proposed by %s.", p.Path, p.AgentID),
			Consequences: "The change merges; the state record for the file is created or bumped and any invariant it touches must be revisited.",
			Ranking:      &knowledge.OptionRanking{Effort: 1, Risk: riskOfAccepting(trigger, resolved), Alignment: 3, Rationale: "fastest path, highest exposure"},
		},
		{
			Label:        LabelReject,
			Description:  fmt.Sprintf("Reject %s and keep the current design.", p.ProposalID),
			Consequences: "The agent must rework the change within the existing architecture.",
			Ranking:      &knowledge.OptionRanking{Effort: 3, Risk: 1, Alignment: 5, Rationale: "preserves recorded decisions"},
		},
	}
	if len(trigger.Conflicts) > 0 {
		options = append(options, knowledge.RFCOption{
			Label:        LabelAmend,
			Description:  "Accept the change and amend the contradicted shared assumptions.",
			Consequences: "Every record relying on the amended assumptions must be reviewed: " + strings.Join(conflictRecords(trigger.Conflicts), ", ") + ".",
			Ranking:      &knowledge.OptionRanking{Effort: 4, Risk: 3, Alignment: 4, Rationale: "resolves the contradiction explicitly"},
		})
	}

	r := knowledge.RFC{
		ID:                    knowledge.FormatSeqID(knowledge.PrefixRFC, seq),
		Status:                knowledge.RFCOpen,
		CreatedAt:             knowledge.Timestamp(now),
		TriggeringProposal:    p.ProposalID,
		DecisionRequired:      decisionRequired(p, trigger),
		Context:               describeContext(p, trigger, k, resolved),
		Options:               options,
		RecommendedOption:     recommend(trigger, p),
		HumanResponseDeadline: knowledge.Timestamp(now.Add(window)),
		AcceptanceCriteria:    []knowledge.AcceptanceCriterion{},
	}
	if err := Validate(r); err != nil {
		return knowledge.RFC{}, err
	}
	return r, nil
}

func decisionRequired(p *knowledge.QueueProposal, trigger Trigger) string {
	switch trigger.Kind {
	case TriggerAssumptionConflict:
		return fmt.Sprintf("Resolve assumption conflict in %s", p.Path)
	case TriggerContestedTarget:
		return fmt.Sprintf("Decide ownership of contested %s", p.Path)
	default:
		return fmt.Sprintf("Approve architectural change to %s", p.Path)
	}
}

func describeContext(p *knowledge.QueueProposal, trigger Trigger, k *knowledge.KnowledgeModel, resolved knowledge.ChangeType) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Proposal %s from %s targets %s (scope %q).\n", p.ProposalID, p.AgentID, p.Path, p.SemanticScope)
	fmt.Fprintf(&sb, "Declared %s, resolved %s.", p.DeclaredChangeType(), resolved)
	if j := p.ClassificationVerification.VerifierJustification; j != "" {
		fmt.Fprintf(&sb, " Verifier: %s", j)
	}
	for _, c := range trigger.Conflicts {
		fmt.Fprintf(&sb, "\nAssumption %q on %s says %q; the proposal assumes %q.",
			c.Existing.ID, c.RecordID, c.Existing.Text, c.Declared.Text)
	}
	if k != nil {
		if idx := k.FindStateByPath(p.Path); idx >= 0 {
			rec := k.State[idx]
			fmt.Fprintf(&sb, "\nCurrent record %s: version %d, %s, owner %s.", rec.ID, rec.Version, rec.UncertaintyLevel, rec.Owner)
		}
	}
	return sb.String()
}

// recommend favours the conservative option unless a working verifier
// agreed that the change is architectural.
func recommend(trigger Trigger, p *knowledge.QueueProposal) string {
	if trigger.Kind == TriggerArchitectural {
		if a := p.ClassificationVerification.Agreement; a != nil && *a {
			return LabelAccept
		}
	}
	return LabelReject
}

func riskOfAccepting(trigger Trigger, resolved knowledge.ChangeType) int {
	risk := 2 + resolved.Rank()
	if trigger.Kind != TriggerArchitectural {
		risk++
	}
	return min(risk, 5)
}

func conflictRecords(cs []conflict.AssumptionConflict) []string {
	seen := make(map[string]bool, len(cs))
	var out []string
	for _, c := range cs {
		if !seen[c.RecordID] {
			seen[c.RecordID] = true
			out = append(out, c.RecordID)
		}
	}
	return out
}
