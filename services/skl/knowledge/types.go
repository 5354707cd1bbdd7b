// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package knowledge defines the Shared Knowledge Layer data model.
//
// The knowledge model is the single source of truth that the arbitration
// engine reads at the start of a review pass and commits once at the end:
// project invariants, one StateRecord per registered file, and the queue of
// agent proposals. RFCs, ADRs and session logs are stored beside it.
//
// All records use snake_case JSON keys and ISO-8601 timestamps so they can
// be exchanged with the pre-push hook and the editor integration unchanged.
// Decode and Validate enforce the persisted schema; see validate.go.
package knowledge

import (
	"time"

	"github.com/go-openapi/strfmt"
)

// Timestamp converts t to the wire timestamp type in UTC.
func Timestamp(t time.Time) strfmt.DateTime {
	return strfmt.DateTime(t.UTC())
}

// TimestampPtr is Timestamp returning a pointer, for optional fields.
func TimestampPtr(t time.Time) *strfmt.DateTime {
	ts := Timestamp(t)
	return &ts
}

// TimeOf converts a wire timestamp back to time.Time.
func TimeOf(dt strfmt.DateTime) time.Time {
	return time.Time(dt)
}

// =============================================================================
// Knowledge Model
// =============================================================================

// KnowledgeModel is the persisted .skl/knowledge.json document.
type KnowledgeModel struct {
	Invariants Invariants      `json:"invariants"`
	State      []StateRecord   `json:"state" validate:"dive"`
	Queue      []QueueProposal `json:"queue" validate:"dive"`
}

// Invariants are project-wide constraints. They change only through a
// resolved RFC.
type Invariants struct {
	TechStack        []string `json:"tech_stack"`
	AuthModel        string   `json:"auth_model"`
	DataStorage      string   `json:"data_storage"`
	SecurityPatterns []string `json:"security_patterns"`
}

// Assumption is a declared belief about the surrounding code. Shared
// assumptions are relied on by other records and must not be contradicted.
type Assumption struct {
	ID         string `json:"id" validate:"required"`
	Text       string `json:"text" validate:"required"`
	DeclaredBy string `json:"declared_by,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Shared     bool   `json:"shared"`
}

// StateRecord is the knowledge model's entry for one registered file.
type StateRecord struct {
	ID                     string           `json:"id" validate:"required"`
	Path                   string           `json:"path" validate:"required"`
	SemanticScope          string           `json:"semantic_scope"`
	ScopeSchemaVersion     string           `json:"scope_schema_version,omitempty"`
	Responsibilities       string           `json:"responsibilities"`
	Dependencies           []string         `json:"dependencies"`
	InvariantsTouched      []string         `json:"invariants_touched"`
	Assumptions            []Assumption     `json:"assumptions" validate:"dive"`
	Owner                  string           `json:"owner"`
	Version                int              `json:"version" validate:"min=1"`
	UncertaintyLevel       UncertaintyLevel `json:"uncertainty_level" validate:"min=0,max=3"`
	UncertaintyReducedBy   string           `json:"uncertainty_reduced_by,omitempty"`
	LastReviewedAt         *strfmt.DateTime `json:"last_reviewed_at,omitempty"`
	ChangeCountSinceReview int              `json:"change_count_since_review" validate:"min=0"`
}

// =============================================================================
// Queue
// =============================================================================

// RiskSignals are produced by static analysis for each proposal.
type RiskSignals struct {
	TouchedAuthOrPermissionPatterns bool          `json:"touched_auth_or_permission_patterns"`
	PublicAPISignatureChanged       bool          `json:"public_api_signature_changed"`
	InvariantReferencedFileModified bool          `json:"invariant_referenced_file_modified"`
	HighFanInModuleModified         bool          `json:"high_fan_in_module_modified"`
	ASTChangeType                   ASTChangeType `json:"ast_change_type" validate:"omitempty,oneof=mechanical structural behavioral"`
	MechanicalOnly                  bool          `json:"mechanical_only"`
}

// ClassificationVerification records how the classifier resolved a proposal.
type ClassificationVerification struct {
	AgentClassification    ChangeType      `json:"agent_classification,omitempty" validate:"omitempty,oneof=mechanical behavioral architectural"`
	VerifierClassification ChangeType      `json:"verifier_classification,omitempty" validate:"omitempty,oneof=mechanical behavioral architectural"`
	Agreement              *bool           `json:"agreement,omitempty"`
	Stage1Override         bool            `json:"stage1_override"`
	Stage1OverrideReason   string          `json:"stage1_override_reason,omitempty"`
	ResolvedClassification ChangeType      `json:"resolved_classification,omitempty" validate:"omitempty,oneof=mechanical behavioral architectural"`
	VerifierJustification  string          `json:"verifier_justification,omitempty"`
	VerifierOutcome        VerifierOutcome `json:"verifier_outcome,omitempty" validate:"omitempty,oneof=ok unavailable malformed skipped"`
}

// DependencyScan compares a file's imports against its declared dependencies.
type DependencyScan struct {
	UndeclaredImports    []string `json:"undeclared_imports"`
	StaleDeclaredDeps    []string `json:"stale_declared_deps"`
	CrossScopeUndeclared []string `json:"cross_scope_undeclared"`
}

// DecisionRationale is attached to every decided proposal.
type DecisionRationale struct {
	Text         string          `json:"text" validate:"required"`
	DecisionType ChangeType      `json:"decision_type" validate:"required,oneof=mechanical behavioral architectural"`
	RecordedAt   strfmt.DateTime `json:"recorded_at" validate:"required"`
	DecidedBy    Decider         `json:"decided_by,omitempty" validate:"omitempty,oneof=orchestrator human"`
	AutoApproved bool            `json:"auto_approved,omitempty"`
}

// QueueProposal is one agent-submitted change awaiting arbitration.
type QueueProposal struct {
	ProposalID                 string                     `json:"proposal_id" validate:"required"`
	AgentID                    string                     `json:"agent_id" validate:"required"`
	Path                       string                     `json:"path" validate:"required"`
	SemanticScope              string                     `json:"semantic_scope"`
	ScopeSchemaVersion         string                     `json:"scope_schema_version,omitempty"`
	ChangeType                 ChangeType                 `json:"change_type,omitempty" validate:"omitempty,oneof=mechanical behavioral architectural"`
	Responsibilities           string                     `json:"responsibilities,omitempty"`
	Dependencies               []string                   `json:"dependencies,omitempty"`
	Assumptions                []Assumption               `json:"assumptions,omitempty" validate:"dive"`
	Branch                     string                     `json:"branch,omitempty"`
	Diff                       string                     `json:"diff,omitempty"`
	SubmittedAt                strfmt.DateTime            `json:"submitted_at" validate:"required"`
	Status                     ProposalStatus             `json:"status" validate:"required,oneof=pending approved rejected escalated rfc"`
	OutOfScope                 bool                       `json:"out_of_scope"`
	CrossScopeFlag             bool                       `json:"cross_scope_flag"`
	RiskSignals                RiskSignals                `json:"risk_signals"`
	ClassificationVerification ClassificationVerification `json:"classification_verification"`
	DependencyScan             DependencyScan             `json:"dependency_scan"`
	BlockingReasons            []string                   `json:"blocking_reasons"`
	DecisionRationale          *DecisionRationale         `json:"decision_rationale,omitempty"`
}

// DeclaredChangeType returns the agent's declared change type, falling back
// to the classification record when the top-level field is empty.
func (p *QueueProposal) DeclaredChangeType() ChangeType {
	if p.ChangeType != "" {
		return p.ChangeType
	}
	if p.ClassificationVerification.AgentClassification != "" {
		return p.ClassificationVerification.AgentClassification
	}
	return ChangeBehavioral
}

// =============================================================================
// RFC / ADR
// =============================================================================

// OptionRanking scores an RFC option from 1 (low) to 5 (high).
type OptionRanking struct {
	Effort    int    `json:"effort" validate:"min=1,max=5"`
	Risk      int    `json:"risk" validate:"min=1,max=5"`
	Alignment int    `json:"alignment" validate:"min=1,max=5"`
	Rationale string `json:"rationale"`
}

// RFCOption is one mutually exclusive resolution of an RFC.
type RFCOption struct {
	Label        string         `json:"label" validate:"required"`
	Description  string         `json:"description" validate:"required"`
	Consequences string         `json:"consequences" validate:"required"`
	Ranking      *OptionRanking `json:"ranking,omitempty"`
}

// AcceptanceCriterion gates merge of the change an RFC decided.
type AcceptanceCriterion struct {
	ACID           string          `json:"ac_id" validate:"required"`
	Description    string          `json:"description" validate:"required"`
	CheckType      CheckType       `json:"check_type" validate:"required,oneof=test lint ci manual"`
	CheckReference string          `json:"check_reference" validate:"required"`
	Status         CriterionStatus `json:"status" validate:"omitempty,oneof=pending passed failed"`
}

// RFC is a structured decision document awaiting or carrying a human
// resolution.
type RFC struct {
	ID                            string                `json:"id" validate:"required,rfc_id"`
	Status                        RFCStatus             `json:"status" validate:"required,oneof=open resolved"`
	CreatedAt                     strfmt.DateTime       `json:"created_at" validate:"required"`
	TriggeringProposal            string                `json:"triggering_proposal" validate:"required"`
	DecisionRequired              string                `json:"decision_required"`
	Context                       string                `json:"context"`
	Options                       []RFCOption           `json:"options" validate:"min=2,max=3,dive"`
	RecommendedOption             string                `json:"recommended_option,omitempty"`
	HumanResponseDeadline         strfmt.DateTime       `json:"human_response_deadline" validate:"required"`
	HumanSelection                string                `json:"human_selection,omitempty"`
	HumanRationale                string                `json:"human_rationale,omitempty"`
	AcceptanceCriteria            []AcceptanceCriterion `json:"acceptance_criteria,omitempty" validate:"dive"`
	MergeBlockedUntilCriteriaPass bool                  `json:"merge_blocked_until_criteria_pass"`
	ResolvedAt                    *strfmt.DateTime      `json:"resolved_at,omitempty"`
	PromotedToADR                 string                `json:"promoted_to_adr,omitempty"`
}

// Option returns the option with the given label.
func (r *RFC) Option(label string) (RFCOption, bool) {
	for _, o := range r.Options {
		if o.Label == label {
			return o, true
		}
	}
	return RFCOption{}, false
}

// ADR is a permanent architectural decision record. ADRs are append-only and
// carry no modification timestamp.
type ADR struct {
	ID             string          `json:"id" validate:"required,adr_id"`
	Title          string          `json:"title" validate:"required,max=100"`
	Context        string          `json:"context"`
	Decision       string          `json:"decision" validate:"required"`
	Consequences   string          `json:"consequences"`
	CreatedAt      strfmt.DateTime `json:"created_at" validate:"required"`
	PromotingRFCID string          `json:"promoting_rfc_id,omitempty"`
}

// =============================================================================
// Session Log
// =============================================================================

// SessionLog is the handoff record written at the end of every review pass.
// It and the knowledge model are the whole initialisation context of the
// next pass.
type SessionLog struct {
	SessionID                string          `json:"session_id" validate:"required,session_id"`
	RunID                    string          `json:"run_id,omitempty"`
	StartedAt                strfmt.DateTime `json:"started_at" validate:"required"`
	EndedAt                  strfmt.DateTime `json:"ended_at" validate:"required"`
	ProposalsReviewed        int             `json:"proposals_reviewed" validate:"min=0"`
	Escalations              []string        `json:"escalations"`
	RFCsOpened               []string        `json:"rfcs_opened"`
	UncertainDecisions       []string        `json:"uncertain_decisions"`
	CircuitBreakersTriggered []string        `json:"circuit_breakers_triggered"`
	RecurringPatterns        []string        `json:"recurring_patterns"`
	DeferredProposals        []string        `json:"deferred_proposals,omitempty"`
	StopReason               string          `json:"stop_reason,omitempty"`
}
