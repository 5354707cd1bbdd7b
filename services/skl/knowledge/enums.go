// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// ChangeType
// =============================================================================

// ChangeType is the risk class of a proposed change.
//
// The three values form a total order used to resolve classification
// disagreements: mechanical < behavioral < architectural.
type ChangeType string

const (
	ChangeMechanical    ChangeType = "mechanical"
	ChangeBehavioral    ChangeType = "behavioral"
	ChangeArchitectural ChangeType = "architectural"
)

// AllChangeTypes lists the change types in ascending risk order.
var AllChangeTypes = []ChangeType{ChangeMechanical, ChangeBehavioral, ChangeArchitectural}

// Rank returns 0, 1 or 2 for a known change type and -1 otherwise.
func (c ChangeType) Rank() int {
	switch c {
	case ChangeMechanical:
		return 0
	case ChangeBehavioral:
		return 1
	case ChangeArchitectural:
		return 2
	default:
		return -1
	}
}

// Valid reports whether c is one of the three known change types.
func (c ChangeType) Valid() bool {
	return c.Rank() >= 0
}

// ParseChangeType normalises s (case and surrounding space) into a known
// change type.
func ParseChangeType(s string) (ChangeType, bool) {
	c := ChangeType(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// MaxChangeType returns the higher-risk of a and b.
func MaxChangeType(a, b ChangeType) ChangeType {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// =============================================================================
// UncertaintyLevel
// =============================================================================

// UncertaintyLevel grades confidence in a StateRecord.
type UncertaintyLevel int

const (
	LevelVerified  UncertaintyLevel = 0
	LevelReviewed  UncertaintyLevel = 1
	LevelProposed  UncertaintyLevel = 2
	LevelContested UncertaintyLevel = 3
)

// String returns the glossary name of the level.
func (u UncertaintyLevel) String() string {
	switch u {
	case LevelVerified:
		return "verified"
	case LevelReviewed:
		return "reviewed"
	case LevelProposed:
		return "proposed"
	case LevelContested:
		return "contested"
	default:
		return fmt.Sprintf("level(%d)", int(u))
	}
}

// =============================================================================
// ProposalStatus
// =============================================================================

// ProposalStatus is the lifecycle state of a QueueProposal.
type ProposalStatus string

const (
	StatusPending   ProposalStatus = "pending"
	StatusApproved  ProposalStatus = "approved"
	StatusRejected  ProposalStatus = "rejected"
	StatusEscalated ProposalStatus = "escalated"
	StatusRFC       ProposalStatus = "rfc"
)

// legacyAutoApprove is accepted on decode and folded into StatusApproved.
// Auto-approval is recorded on DecisionRationale.AutoApproved instead.
const legacyAutoApprove = "auto_approve"

// UnmarshalJSON decodes a status, normalising the legacy "auto_approve"
// value to StatusApproved.
func (s *ProposalStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == legacyAutoApprove {
		raw = string(StatusApproved)
	}
	*s = ProposalStatus(raw)
	return nil
}

// Decided reports whether the status is a decision (anything but pending).
func (s ProposalStatus) Decided() bool {
	return s != StatusPending
}

// =============================================================================
// Smaller vocabularies
// =============================================================================

// ASTChangeType is the static-analysis vocabulary for risk_signals.ast_change_type.
type ASTChangeType string

const (
	ASTMechanical ASTChangeType = "mechanical"
	ASTStructural ASTChangeType = "structural"
	ASTBehavioral ASTChangeType = "behavioral"
)

// VerifierOutcome records how stage 2 ended.
type VerifierOutcome string

const (
	VerifierOK          VerifierOutcome = "ok"
	VerifierUnavailable VerifierOutcome = "unavailable"
	VerifierMalformed   VerifierOutcome = "malformed"
	VerifierSkipped     VerifierOutcome = "skipped"
)

// Decider identifies who made a decision.
type Decider string

const (
	DecidedByOrchestrator Decider = "orchestrator"
	DecidedByHuman        Decider = "human"
)

// RFCStatus is the state of a decision document: open → resolved.
type RFCStatus string

const (
	RFCOpen     RFCStatus = "open"
	RFCResolved RFCStatus = "resolved"
)

// CheckType is how an acceptance criterion is verified.
type CheckType string

const (
	CheckTest   CheckType = "test"
	CheckLint   CheckType = "lint"
	CheckCI     CheckType = "ci"
	CheckManual CheckType = "manual"
)

// CriterionStatus is the state of one acceptance criterion.
type CriterionStatus string

const (
	CriterionPending CriterionStatus = "pending"
	CriterionPassed  CriterionStatus = "passed"
	CriterionFailed  CriterionStatus = "failed"
)
