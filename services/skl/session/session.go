// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session drives bounded review passes over the proposal queue.
//
// A pass reads the knowledge model once, decides pending proposals one at
// a time in queue order, and commits everything it produced in a single
// write at the end (or when its budget runs out). Budget accounting,
// per-agent circuit breakers and self-uncertainty tracking live on an
// ephemeral OrchestratorSession that is never persisted; the SessionLog
// written at the end is the only handoff to the next pass.
package session

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// =============================================================================
// Budget
// =============================================================================

// Budget bounds one review pass.
type Budget struct {
	// MaxProposals stops the pass once this many proposals were reviewed.
	MaxProposals int `yaml:"max_proposals" json:"max_proposals" validate:"min=1"`

	// MaxDurationMinutes stops the pass once more wall-clock time elapsed.
	MaxDurationMinutes int `yaml:"max_duration_minutes" json:"max_duration_minutes" validate:"min=1"`

	// SelfUncertaintyThreshold is the number of consecutive uncertain
	// decisions after which auto-approval is suspended for the pass.
	SelfUncertaintyThreshold int `yaml:"self_uncertainty_threshold" json:"self_uncertainty_threshold" validate:"min=1"`
}

// DefaultBudget returns 15 proposals, 60 minutes and 3 uncertain decisions.
func DefaultBudget() Budget {
	return Budget{
		MaxProposals:             15,
		MaxDurationMinutes:       60,
		SelfUncertaintyThreshold: 3,
	}
}

// DefaultCircuitBreakerThreshold is the number of verifier disagreements
// that stops automated trust in an agent.
const DefaultCircuitBreakerThreshold = 3

// =============================================================================
// Session state
// =============================================================================

// OrchestratorSession is the ephemeral bookkeeping of one review pass.
// The functions in this file never modify their input; they return an
// updated copy.
type OrchestratorSession struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`

	ProposalsReviewed    int            `json:"proposals_reviewed"`
	CircuitBreakerCounts map[string]int `json:"circuit_breaker_counts"`
	ConsecutiveUncertain int            `json:"consecutive_uncertain"`

	Escalations              []string `json:"escalations"`
	RFCsOpened               []string `json:"rfcs_opened"`
	UncertainDecisions       []string `json:"uncertain_decisions"`
	CircuitBreakersTriggered []string `json:"circuit_breakers_triggered"`

	// breakersFlagged holds the agent ids noted in CircuitBreakersTriggered.
	breakersFlagged map[string]bool
}

// NewSession starts bookkeeping for a pass.
func NewSession(sessionID, runID string, startedAt time.Time) OrchestratorSession {
	return OrchestratorSession{
		SessionID:                sessionID,
		RunID:                    runID,
		StartedAt:                startedAt,
		CircuitBreakerCounts:     map[string]int{},
		Escalations:              []string{},
		RFCsOpened:               []string{},
		UncertainDecisions:       []string{},
		CircuitBreakersTriggered: []string{},
		breakersFlagged:          map[string]bool{},
	}
}

// Clone returns a deep copy.
func (s OrchestratorSession) Clone() OrchestratorSession {
	s.CircuitBreakerCounts = maps.Clone(s.CircuitBreakerCounts)
	if s.CircuitBreakerCounts == nil {
		s.CircuitBreakerCounts = map[string]int{}
	}
	s.Escalations = slices.Clone(s.Escalations)
	s.RFCsOpened = slices.Clone(s.RFCsOpened)
	s.UncertainDecisions = slices.Clone(s.UncertainDecisions)
	s.CircuitBreakersTriggered = slices.Clone(s.CircuitBreakersTriggered)
	s.breakersFlagged = maps.Clone(s.breakersFlagged)
	if s.breakersFlagged == nil {
		s.breakersFlagged = map[string]bool{}
	}
	return s
}

// IsSessionBudgetExceeded is true when at least MaxProposals proposals were
// reviewed or more than MaxDurationMinutes have elapsed since the start.
func IsSessionBudgetExceeded(s OrchestratorSession, b Budget, now time.Time) bool {
	if s.ProposalsReviewed >= b.MaxProposals {
		return true
	}
	return now.Sub(s.StartedAt) > time.Duration(b.MaxDurationMinutes)*time.Minute
}

// RecordClassificationDisagreement increments agentID's disagreement count.
func RecordClassificationDisagreement(s OrchestratorSession, agentID string) OrchestratorSession {
	next := s.Clone()
	next.CircuitBreakerCounts[agentID]++
	return next
}

// IsCircuitBreakerTriggered is true iff agentID's count has reached
// threshold.
func IsCircuitBreakerTriggered(s OrchestratorSession, agentID string, threshold int) bool {
	return s.CircuitBreakerCounts[agentID] >= threshold
}

// FlagCircuitBreakerTriggered notes that agentID's breaker tripped. Each
// agent is noted at most once per pass.
func FlagCircuitBreakerTriggered(s OrchestratorSession, agentID string) OrchestratorSession {
	next := s.Clone()
	if next.breakersFlagged[agentID] {
		return next
	}
	next.breakersFlagged[agentID] = true
	next.CircuitBreakersTriggered = append(next.CircuitBreakersTriggered,
		fmt.Sprintf("%s: %d classification disagreements, automated trust halted for this pass",
			agentID, s.CircuitBreakerCounts[agentID]))
	return next
}

// recordUncertain appends a note and bumps the consecutive counter.
func recordUncertain(s OrchestratorSession, proposalID, reason string) OrchestratorSession {
	next := s.Clone()
	next.ConsecutiveUncertain++
	next.UncertainDecisions = append(next.UncertainDecisions, proposalID+": "+reason)
	return next
}

// IsCircuitBreakerFlagged reports whether agentID was already noted this pass.
func IsCircuitBreakerFlagged(s OrchestratorSession, agentID string) bool {
	return s.breakersFlagged[agentID]
}

// IsSelfUncertaintyExceeded is true once the pass has made threshold
// uncertain decisions in a row.
func IsSelfUncertaintyExceeded(s OrchestratorSession, b Budget) bool {
	return s.ConsecutiveUncertain >= b.SelfUncertaintyThreshold
}
