// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package digest aggregates the knowledge model into a periodic human
// review report. Everything here is pure.
package digest

import (
	"cmp"
	"slices"
	"time"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

const (
	// ReviewThreshold is the change count since review at which a record
	// is flagged for drift.
	ReviewThreshold = 5

	// DigestInterval caps the recent architectural decisions listed and is
	// the number of new ones that makes a digest due.
	DigestInterval = 10
)

// RecordSummary is a state record as listed in a digest.
type RecordSummary struct {
	ID                     string                     `json:"id"`
	Path                   string                     `json:"path"`
	SemanticScope          string                     `json:"semantic_scope"`
	Owner                  string                     `json:"owner"`
	Version                int                        `json:"version"`
	UncertaintyLevel       knowledge.UncertaintyLevel `json:"uncertainty_level"`
	ChangeCountSinceReview int                        `json:"change_count_since_review"`
	LastReviewedAt         *time.Time                 `json:"last_reviewed_at,omitempty"`
}

// ArchitecturalDecision is an approved proposal decided as architectural.
type ArchitecturalDecision struct {
	ProposalID   string    `json:"proposal_id"`
	AgentID      string    `json:"agent_id"`
	Path         string    `json:"path"`
	Rationale    string    `json:"rationale"`
	RecordedAt   time.Time `json:"recorded_at"`
	DecidedBy    string    `json:"decided_by,omitempty"`
	AutoApproved bool      `json:"auto_approved"`
}

// QueueCounts tallies proposals by status.
type QueueCounts struct {
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Escalated int `json:"escalated"`
	RFC       int `json:"rfc"`
}

// Digest is the review report.
type Digest struct {
	GeneratedAt         time.Time               `json:"generated_at"`
	PendingReview       []RecordSummary         `json:"pending_review"`
	FlaggedForDrift     []RecordSummary         `json:"flagged_for_drift"`
	Contested           []RecordSummary         `json:"contested"`
	RecentArchitectural []ArchitecturalDecision `json:"recent_architectural_decisions"`
	Queue               QueueCounts             `json:"queue"`
	ReviewThreshold     int                     `json:"review_threshold"`
}

// Generate builds the digest for k at now.
//
// Description:
//
//	Pending review lists level-2 records. Flagged for drift lists records
//	whose change count reached ReviewThreshold, skipping any already
//	pending review. Contested lists level-3 records. Recent architectural
//	decisions are approved proposals (auto-approved included) whose
//	rationale is typed architectural, newest first, at most
//	DigestInterval. Records keep knowledge-model order.
func Generate(k *knowledge.KnowledgeModel, now time.Time) Digest {
	return GenerateWithThreshold(k, now, ReviewThreshold)
}

// GenerateWithThreshold is Generate with a configured drift threshold.
// Values below 1 use ReviewThreshold.
func GenerateWithThreshold(k *knowledge.KnowledgeModel, now time.Time, reviewThreshold int) Digest {
	if reviewThreshold < 1 {
		reviewThreshold = ReviewThreshold
	}
	d := Digest{
		GeneratedAt:         now,
		ReviewThreshold:     reviewThreshold,
		PendingReview:       []RecordSummary{},
		FlaggedForDrift:     []RecordSummary{},
		Contested:           []RecordSummary{},
		RecentArchitectural: []ArchitecturalDecision{},
	}

	for _, r := range k.State {
		pending := r.UncertaintyLevel == knowledge.LevelProposed
		switch {
		case pending:
			d.PendingReview = append(d.PendingReview, summarize(r))
		case r.UncertaintyLevel == knowledge.LevelContested:
			d.Contested = append(d.Contested, summarize(r))
		}
		if !pending && r.ChangeCountSinceReview >= reviewThreshold {
			d.FlaggedForDrift = append(d.FlaggedForDrift, summarize(r))
		}
	}

	for _, p := range k.Queue {
		switch p.Status {
		case knowledge.StatusPending:
			d.Queue.Pending++
		case knowledge.StatusApproved:
			d.Queue.Approved++
		case knowledge.StatusRejected:
			d.Queue.Rejected++
		case knowledge.StatusEscalated:
			d.Queue.Escalated++
		case knowledge.StatusRFC:
			d.Queue.RFC++
		}
		if isArchitecturalApproval(p) {
			d.RecentArchitectural = append(d.RecentArchitectural, ArchitecturalDecision{
				ProposalID:   p.ProposalID,
				AgentID:      p.AgentID,
				Path:         p.Path,
				Rationale:    p.DecisionRationale.Text,
				RecordedAt:   knowledge.TimeOf(p.DecisionRationale.RecordedAt),
				DecidedBy:    string(p.DecisionRationale.DecidedBy),
				AutoApproved: p.DecisionRationale.AutoApproved,
			})
		}
	}

	slices.SortStableFunc(d.RecentArchitectural, func(a, b ArchitecturalDecision) int {
		return b.RecordedAt.Compare(a.RecordedAt)
	})
	if len(d.RecentArchitectural) > DigestInterval {
		d.RecentArchitectural = d.RecentArchitectural[:DigestInterval]
	}
	return d
}

// ShouldTriggerDigest reports whether a digest is due: always when there
// was none before, otherwise once DigestInterval architectural approvals
// were recorded strictly after lastDigestAt.
func ShouldTriggerDigest(k *knowledge.KnowledgeModel, lastDigestAt *time.Time) bool {
	if lastDigestAt == nil {
		return true
	}
	n := 0
	for _, p := range k.Queue {
		if isArchitecturalApproval(p) && knowledge.TimeOf(p.DecisionRationale.RecordedAt).After(*lastDigestAt) {
			n++
		}
	}
	return n >= DigestInterval
}

// IsEmpty reports whether the digest has nothing for a human to look at.
func (d Digest) IsEmpty() bool {
	return len(d.PendingReview) == 0 &&
		len(d.FlaggedForDrift) == 0 &&
		len(d.Contested) == 0 &&
		len(d.RecentArchitectural) == 0
}

func isArchitecturalApproval(p knowledge.QueueProposal) bool {
	return p.Status == knowledge.StatusApproved &&
		p.DecisionRationale != nil &&
		p.DecisionRationale.DecisionType == knowledge.ChangeArchitectural
}

func summarize(r knowledge.StateRecord) RecordSummary {
	s := RecordSummary{
		ID:                     r.ID,
		Path:                   r.Path,
		SemanticScope:          r.SemanticScope,
		Owner:                  r.Owner,
		Version:                r.Version,
		UncertaintyLevel:       r.UncertaintyLevel,
		ChangeCountSinceReview: r.ChangeCountSinceReview,
	}
	if r.LastReviewedAt != nil {
		t := knowledge.TimeOf(*r.LastReviewedAt)
		s.LastReviewedAt = &t
	}
	return s
}

// byDrift orders summaries by change count, highest first.
func byDrift(a, b RecordSummary) int {
	if c := cmp.Compare(b.ChangeCountSinceReview, a.ChangeCountSinceReview); c != 0 {
		return c
	}
	return cmp.Compare(a.Path, b.Path)
}
