// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/skl/services/skl/classifier"
	"github.com/AleutianAI/skl/services/skl/conflict"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/lock"
	"github.com/AleutianAI/skl/services/skl/rfc"
	"github.com/AleutianAI/skl/services/skl/statewriter"
)

// Store is the slice of the knowledge store a review pass needs.
type Store interface {
	Read(ctx context.Context) (*knowledge.KnowledgeModel, error)
	Write(ctx context.Context, k *knowledge.KnowledgeModel) error
	ListRFCs(ctx context.Context) ([]knowledge.RFC, error)
	WriteRFC(ctx context.Context, r knowledge.RFC) error
	ReadSessionLog(ctx context.Context) (*knowledge.SessionLog, error)
	WriteSessionLog(ctx context.Context, l knowledge.SessionLog) error
}

// Stop reasons recorded in the session log.
const (
	StopCompleted      = "completed"
	StopBudgetExceeded = "budget_exceeded"
	StopCancelled      = "cancelled"
)

// Decision reasons. Escalation reasons are also recorded in the session
// log's escalation notes.
const (
	ReasonContestedTarget    = "contested_target"
	ReasonOutOfScope         = "out_of_scope"
	ReasonCrossScopeDeps     = "cross_scope_undeclared_dependency"
	ReasonBlocked            = "blocking_reasons"
	ReasonCircuitBreaker     = "circuit_breaker"
	ReasonAssumptionConflict = "assumption_conflict"
	ReasonArchitectural      = "architectural_change"
	ReasonSelfUncertainty    = "self_uncertainty"
	ReasonMandatoryReview    = "mandatory_review"
	ReasonReviewFailed       = "review_failed"
	ReasonAutoApproved       = "auto_approved"
	ReasonApproved           = "approved"
)

// Config configures a Controller.
type Config struct {
	// Store is read once and written once per pass. Required.
	Store Store

	// Classifier defaults to one with no verifier, which trusts agents.
	Classifier *classifier.Classifier

	// Writer and Engine default to instances sharing Logger and Now.
	Writer *statewriter.Writer
	Engine *rfc.Engine

	// Lock, if set, is held for the whole pass.
	Lock *lock.StoreLock

	// Registry defaults to a registry private to this controller.
	Registry *Registry

	// Budget defaults to DefaultBudget.
	Budget Budget

	// CircuitBreakerThreshold defaults to DefaultCircuitBreakerThreshold.
	CircuitBreakerThreshold int

	Logger *slog.Logger
	Now    func() time.Time
}

// Decision is the outcome of one reviewed proposal.
type Decision struct {
	ProposalID string                   `json:"proposal_id"`
	AgentID    string                   `json:"agent_id"`
	Path       string                   `json:"path"`
	Status     knowledge.ProposalStatus `json:"status"`
	Reason     string                   `json:"reason"`
	RFCID      string                   `json:"rfc_id,omitempty"`
	Uncertain  bool                     `json:"uncertain"`
}

// Report is everything a pass produced.
type Report struct {
	Log       knowledge.SessionLog
	Session   OrchestratorSession
	Decisions []Decision
	Knowledge *knowledge.KnowledgeModel
	RFCs      []knowledge.RFC

	// Suspended is true if auto-approval was suspended during the pass.
	Suspended bool
}

// Controller runs review passes.
//
// Thread Safety: Run may be called concurrently; the store lock and the
// registry serialize passes over one store.
type Controller struct {
	store      Store
	classifier *classifier.Classifier
	writer     *statewriter.Writer
	engine     *rfc.Engine
	lock       *lock.StoreLock
	registry   *Registry
	budget     Budget
	threshold  int
	logger     *slog.Logger
	now        func() time.Time
}

// NewController validates cfg and fills defaults.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("session controller requires a store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Budget == (Budget{}) {
		cfg.Budget = DefaultBudget()
	}
	if cfg.Budget.MaxProposals < 1 || cfg.Budget.MaxDurationMinutes < 1 || cfg.Budget.SelfUncertaintyThreshold < 1 {
		return nil, fmt.Errorf("invalid session budget %+v", cfg.Budget)
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classifier.New(nil, classifier.WithLogger(cfg.Logger))
	}
	if cfg.Writer == nil {
		cfg.Writer = statewriter.New(statewriter.WithLogger(cfg.Logger), statewriter.WithClock(cfg.Now))
	}
	if cfg.Engine == nil {
		cfg.Engine = rfc.NewEngine(cfg.Writer, rfc.WithLogger(cfg.Logger), rfc.WithClock(cfg.Now))
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Controller{
		store:      cfg.Store,
		classifier: cfg.Classifier,
		writer:     cfg.Writer,
		engine:     cfg.Engine,
		lock:       cfg.Lock,
		registry:   cfg.Registry,
		budget:     cfg.Budget,
		threshold:  cfg.CircuitBreakerThreshold,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// Run performs one review pass.
//
// Description:
//
//	Reads the knowledge model and decides pending proposals in queue
//	order. The budget is checked after every proposal; when it runs out
//	the remaining proposals stay pending and are listed as deferred. A
//	proposal whose review hits a guard error is escalated on its own and
//	the pass continues. Cancelling ctx stops the pass between proposals;
//	work already done is still committed. At the end, new RFCs, the
//	knowledge model and the session log are written in that order.
//
// Outputs:
//
//	*Report - What the pass decided and wrote.
//	error - Lock, registry or store errors. Nothing is written when the
//	        initial reads fail.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	ctx, span := otel.Tracer("skl.session").Start(ctx, "session.Controller.Run")
	defer span.End()

	wallStart := time.Now()
	runID := uuid.NewString()

	if c.lock != nil {
		if err := c.lock.AcquireWait(ctx, runID, "review pass"); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store lock")
			return nil, fmt.Errorf("acquiring store lock: %w", err)
		}
		defer func() {
			if err := c.lock.Release(); err != nil {
				c.logger.Warn("failed to release store lock", "run_id", runID, "error", err)
			}
		}()
	}

	k, err := c.store.Read(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read knowledge")
		return nil, fmt.Errorf("reading knowledge model: %w", err)
	}
	existing, err := c.store.ListRFCs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing rfcs: %w", err)
	}
	sessionID, err := c.nextSessionID(ctx)
	if err != nil {
		return nil, err
	}

	start := c.now()
	if err := c.registry.Register(sessionID, start); err != nil {
		return nil, err
	}
	defer c.registry.Unregister(sessionID)

	span.SetAttributes(attribute.String("session_id", sessionID), attribute.String("run_id", runID))
	p := &pass{
		Controller: c,
		k:          k,
		sess:       NewSession(sessionID, runID, start),
		rfcSeq:     nextRFCSeq(existing),
		openRFCs:   openRFCsByProposal(existing),
		logger:     c.logger.With("session_id", sessionID, "run_id", runID),
	}

	pending := k.PendingProposals()
	p.logger.Info("review pass started", "pending", len(pending))

	stop := StopCompleted
	var deferred []string
	for i, id := range pending {
		if ctx.Err() != nil {
			stop, deferred = StopCancelled, pending[i:]
			break
		}
		if err := p.reviewOne(ctx, id); err != nil {
			if ctx.Err() != nil {
				stop, deferred = StopCancelled, pending[i:]
				break
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "review failed")
			return nil, err
		}
		if IsSessionBudgetExceeded(p.sess, c.budget, c.now()) && i+1 < len(pending) {
			stop, deferred = StopBudgetExceeded, pending[i+1:]
			p.logger.Info("session budget exhausted",
				"proposals_reviewed", p.sess.ProposalsReviewed,
				"deferred", len(deferred))
			break
		}
	}

	report, err := p.commit(context.WithoutCancel(ctx), stop, deferred)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit")
		return nil, err
	}
	recordPass(stop, wallStart, len(deferred))
	span.SetAttributes(
		attribute.Int("proposals_reviewed", report.Log.ProposalsReviewed),
		attribute.String("stop_reason", stop),
		attribute.Int("deferred", len(deferred)),
	)
	p.logger.Info("review pass finished",
		"proposals_reviewed", report.Log.ProposalsReviewed,
		"escalations", len(report.Log.Escalations),
		"rfcs_opened", len(report.Log.RFCsOpened),
		"stop_reason", stop)
	return report, nil
}

func (c *Controller) nextSessionID(ctx context.Context) (string, error) {
	last, err := c.store.ReadSessionLog(ctx)
	if errors.Is(err, knowledge.ErrNotFound) || (err == nil && last == nil) {
		return knowledge.FormatSeqID(knowledge.PrefixSession, 1), nil
	}
	if err != nil {
		return "", fmt.Errorf("reading last session log: %w", err)
	}
	return knowledge.NextSeqID(knowledge.PrefixSession, []string{last.SessionID}), nil
}

func nextRFCSeq(existing []knowledge.RFC) int {
	highest := 0
	for _, r := range existing {
		if n, ok := knowledge.ParseSeqID(knowledge.PrefixRFC, r.ID); ok && n > highest {
			highest = n
		}
	}
	return highest + 1
}

// =============================================================================
// One pass
// =============================================================================

// pass holds the evolving snapshot of a single Run.
type pass struct {
	*Controller

	k         *knowledge.KnowledgeModel
	sess      OrchestratorSession
	rfcs      []knowledge.RFC
	rfcSeq    int
	openRFCs  map[string]knowledge.RFC
	decisions []Decision
	suspended bool
	logger    *slog.Logger
}

// outcome is a proposal's decision and the snapshots it produced. It is
// applied to the pass only when the whole decision succeeded.
type outcome struct {
	k        *knowledge.KnowledgeModel
	sess     OrchestratorSession
	decision Decision
	rfc      *knowledge.RFC
}

func (p *pass) reviewOne(ctx context.Context, id string) error {
	idx := p.k.FindProposal(id)
	if idx < 0 {
		return &knowledge.NotFoundError{Kind: "proposal", ID: id}
	}
	prop := p.k.Queue[idx].Clone()

	out, err := p.decide(ctx, prop)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.logger.Warn("proposal review failed, escalating",
			"proposal_id", id,
			"agent_id", prop.AgentID,
			"guard", errors.Is(err, knowledge.ErrGuard),
			"error", err)
		out, err = p.escalate(p.k, p.sess, prop, ReasonReviewFailed,
			fmt.Sprintf("Automated review failed and needs a human: %v", err), prop.DeclaredChangeType())
		if err != nil {
			return fmt.Errorf("escalating %s after failed review: %w", id, err)
		}
	}

	out.sess.ProposalsReviewed++
	p.k = out.k
	p.sess = out.sess
	p.decisions = append(p.decisions, out.decision)
	if out.rfc != nil {
		p.rfcs = append(p.rfcs, *out.rfc)
		p.rfcSeq++
	}
	recordDecision(out.decision.Status, out.decision.Reason)

	if !p.suspended && IsSelfUncertaintyExceeded(p.sess, p.budget) {
		p.suspended = true
		p.logger.Warn("auto-approval suspended for the rest of the pass",
			"consecutive_uncertain", p.sess.ConsecutiveUncertain)
	}
	p.logger.Debug("proposal decided",
		"proposal_id", id,
		"status", out.decision.Status,
		"reason", out.decision.Reason)
	return nil
}

// decide applies the decision policy to prop against the current snapshot.
func (p *pass) decide(ctx context.Context, prop knowledge.QueueProposal) (outcome, error) {
	k, sess := p.k, p.sess
	declared := prop.DeclaredChangeType()

	detected := conflict.Detect(&prop, k)
	if detected.RequiresEscalation() {
		return p.escalate(k, sess, prop, ReasonContestedTarget,
			fmt.Sprintf("Target record %s is contested (uncertainty level 3); automation may not change it.",
				detected.ContestedRecordID), declared)
	}
	if reason, text := intakeBlock(&prop); reason != "" {
		return p.escalate(k, sess, prop, reason, text, declared)
	}

	res, err := p.classifier.Classify(ctx, &prop)
	if err != nil {
		return outcome{}, err
	}
	prop.ClassificationVerification = res.Verification
	k = k.Clone()
	k.Queue[k.FindProposal(prop.ProposalID)].ClassificationVerification = res.Verification
	resolved := res.Resolved

	if res.Uncertain {
		sess = recordUncertain(sess, prop.ProposalID, uncertainReason(res))
	} else {
		sess = sess.Clone()
		sess.ConsecutiveUncertain = 0
	}
	if res.Disagreement {
		sess = RecordClassificationDisagreement(sess, prop.AgentID)
	}
	if IsCircuitBreakerTriggered(sess, prop.AgentID, p.threshold) {
		if !IsCircuitBreakerFlagged(sess, prop.AgentID) {
			breakerTrips.Inc()
			p.logger.Warn("circuit breaker tripped",
				"agent_id", prop.AgentID,
				"disagreements", sess.CircuitBreakerCounts[prop.AgentID])
		}
		sess = FlagCircuitBreakerTriggered(sess, prop.AgentID)
		out, err := p.escalate(k, sess, prop, ReasonCircuitBreaker,
			fmt.Sprintf("Agent %s reached %d classification disagreements this pass; automated trust is halted.",
				prop.AgentID, sess.CircuitBreakerCounts[prop.AgentID]), resolved)
		out.decision.Uncertain = res.Uncertain
		return out, err
	}

	if trigger, ok := rfc.TriggerFor(detected, resolved); ok {
		out, err := p.openRFC(k, sess, prop, trigger, resolved)
		out.decision.Uncertain = res.Uncertain
		return out, err
	}

	var out outcome
	eligible := classifier.IsEligibleForAutoApproval(&prop)
	suspended := p.suspended || IsSelfUncertaintyExceeded(sess, p.budget)
	switch {
	case eligible && !suspended:
		out, err = p.approve(k, sess, prop, resolved, true)
	case eligible:
		out, err = p.escalate(k, sess, prop, ReasonSelfUncertainty,
			fmt.Sprintf("Eligible for auto-approval, but auto-approval is suspended after %d consecutive uncertain decisions.",
				p.budget.SelfUncertaintyThreshold), resolved)
	case classifier.RequiresMandatoryIndividualReview(&prop):
		out, err = p.escalate(k, sess, prop, ReasonMandatoryReview,
			"Requires individual review: "+strings.Join(reviewSignals(&prop), ", ")+".", resolved)
	default:
		out, err = p.approve(k, sess, prop, resolved, false)
	}
	out.decision.Uncertain = res.Uncertain
	return out, err
}

func (p *pass) escalate(k *knowledge.KnowledgeModel, sess OrchestratorSession, prop knowledge.QueueProposal, reason, text string, decisionType knowledge.ChangeType) (outcome, error) {
	next, err := p.writer.WriteRationale(prop.ProposalID, statewriter.Decision{
		Status:       knowledge.StatusEscalated,
		Rationale:    text,
		DecisionType: decisionType,
	}, k)
	if err != nil {
		return outcome{}, err
	}
	sess = sess.Clone()
	sess.Escalations = append(sess.Escalations, prop.ProposalID+": "+reason)
	return outcome{
		k:        next,
		sess:     sess,
		decision: newDecision(prop, knowledge.StatusEscalated, reason),
	}, nil
}

func (p *pass) openRFC(k *knowledge.KnowledgeModel, sess OrchestratorSession, prop knowledge.QueueProposal, trigger rfc.Trigger, resolved knowledge.ChangeType) (outcome, error) {
	// A pass whose knowledge write failed leaves its RFCs behind with the
	// proposal still pending; attach to that RFC instead of opening another.
	if r, ok := p.openRFCs[prop.ProposalID]; ok {
		next, err := p.writer.WriteRationale(prop.ProposalID, statewriter.Decision{
			Status:       knowledge.StatusRFC,
			Rationale:    fmt.Sprintf("Awaiting %s (%s): %s", r.ID, trigger.Kind, r.DecisionRequired),
			DecisionType: resolved,
		}, k)
		if err != nil {
			return outcome{}, err
		}
		p.logger.Warn("proposal already has an open rfc", "proposal_id", prop.ProposalID, "rfc_id", r.ID)
		d := newDecision(prop, knowledge.StatusRFC, rfcReason(trigger))
		d.RFCID = r.ID
		return outcome{k: next, sess: sess, decision: d}, nil
	}

	r, err := p.engine.Open(&prop, trigger, k, p.rfcSeq)
	if err != nil {
		return outcome{}, err
	}
	next, err := p.writer.WriteRationale(prop.ProposalID, statewriter.Decision{
		Status:       knowledge.StatusRFC,
		Rationale:    fmt.Sprintf("Opened %s (%s): %s", r.ID, trigger.Kind, r.DecisionRequired),
		DecisionType: resolved,
	}, k)
	if err != nil {
		return outcome{}, err
	}
	sess = sess.Clone()
	sess.RFCsOpened = append(sess.RFCsOpened, r.ID)

	d := newDecision(prop, knowledge.StatusRFC, rfcReason(trigger))
	d.RFCID = r.ID
	return outcome{k: next, sess: sess, decision: d, rfc: &r}, nil
}

func rfcReason(trigger rfc.Trigger) string {
	if trigger.Kind == rfc.TriggerAssumptionConflict {
		return ReasonAssumptionConflict
	}
	return ReasonArchitectural
}

// openRFCsByProposal indexes open RFCs by their triggering proposal.
func openRFCsByProposal(rfcs []knowledge.RFC) map[string]knowledge.RFC {
	out := make(map[string]knowledge.RFC, len(rfcs))
	for _, r := range rfcs {
		if r.Status == knowledge.RFCOpen && r.TriggeringProposal != "" {
			out[r.TriggeringProposal] = r
		}
	}
	return out
}

func (p *pass) approve(k *knowledge.KnowledgeModel, sess OrchestratorSession, prop knowledge.QueueProposal, resolved knowledge.ChangeType, auto bool) (outcome, error) {
	reason := ReasonApproved
	text := fmt.Sprintf("Approved by orchestrator: resolved %s with no conflicts and no mandatory-review signals.", resolved)
	if auto {
		reason = ReasonAutoApproved
		text = "Auto-approved: resolved mechanical, static analysis confirms a mechanical-only change and no risk signal fired."
	}
	next, err := p.writer.WriteRationale(prop.ProposalID, statewriter.Decision{
		Status:       knowledge.StatusApproved,
		Rationale:    text,
		DecisionType: resolved,
		AutoApproved: auto,
	}, k)
	if err != nil {
		return outcome{}, err
	}
	next, err = p.writer.ApplyAccepted(&prop, prop.ScopeSchemaVersion, next)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		k:        next,
		sess:     sess,
		decision: newDecision(prop, knowledge.StatusApproved, reason),
	}, nil
}

func (p *pass) commit(ctx context.Context, stop string, deferred []string) (*Report, error) {
	for _, r := range p.rfcs {
		if err := p.store.WriteRFC(ctx, r); err != nil {
			return nil, fmt.Errorf("writing %s: %w", r.ID, err)
		}
	}
	if p.sess.ProposalsReviewed > 0 {
		if err := p.store.Write(ctx, p.k); err != nil {
			return nil, fmt.Errorf("writing knowledge model: %w", err)
		}
	}

	log := knowledge.SessionLog{
		SessionID:                p.sess.SessionID,
		RunID:                    p.sess.RunID,
		StartedAt:                knowledge.Timestamp(p.sess.StartedAt),
		EndedAt:                  knowledge.Timestamp(p.now()),
		ProposalsReviewed:        p.sess.ProposalsReviewed,
		Escalations:              p.sess.Escalations,
		RFCsOpened:               p.sess.RFCsOpened,
		UncertainDecisions:       p.sess.UncertainDecisions,
		CircuitBreakersTriggered: p.sess.CircuitBreakersTriggered,
		RecurringPatterns:        RecurringPatterns(p.decisions),
		DeferredProposals:        deferred,
		StopReason:               stop,
	}
	if err := p.store.WriteSessionLog(ctx, log); err != nil {
		return nil, fmt.Errorf("writing session log: %w", err)
	}
	return &Report{
		Log:       log,
		Session:   p.sess,
		Decisions: p.decisions,
		Knowledge: p.k,
		RFCs:      p.rfcs,
		Suspended: p.suspended,
	}, nil
}

// =============================================================================
// Helpers
// =============================================================================

func newDecision(prop knowledge.QueueProposal, status knowledge.ProposalStatus, reason string) Decision {
	return Decision{
		ProposalID: prop.ProposalID,
		AgentID:    prop.AgentID,
		Path:       prop.Path,
		Status:     status,
		Reason:     reason,
	}
}

// intakeBlock reports the first intake flag that forbids an automatic
// decision.
func intakeBlock(p *knowledge.QueueProposal) (reason, text string) {
	switch {
	case p.OutOfScope:
		return ReasonOutOfScope, fmt.Sprintf("%s is outside agent %s's file scope.", p.Path, p.AgentID)
	case len(p.DependencyScan.CrossScopeUndeclared) > 0:
		return ReasonCrossScopeDeps, "Undeclared imports from other semantic scopes: " +
			strings.Join(p.DependencyScan.CrossScopeUndeclared, ", ") + "."
	case len(p.BlockingReasons) > 0:
		return ReasonBlocked, "Blocked at intake: " + strings.Join(p.BlockingReasons, ", ") + "."
	}
	return "", ""
}

func uncertainReason(res classifier.Result) string {
	v := res.Verification
	switch v.VerifierOutcome {
	case knowledge.VerifierUnavailable:
		return fmt.Sprintf("verifier unavailable, kept agent classification %s", res.Resolved)
	case knowledge.VerifierMalformed:
		return fmt.Sprintf("verifier response malformed, resolved to %s", res.Resolved)
	}
	return fmt.Sprintf("verifier said %s, agent said %s, resolved to %s",
		v.VerifierClassification, v.AgentClassification, res.Resolved)
}

func reviewSignals(p *knowledge.QueueProposal) []string {
	s := p.RiskSignals
	var out []string
	if s.TouchedAuthOrPermissionPatterns {
		out = append(out, "auth or permission patterns touched")
	}
	if s.PublicAPISignatureChanged {
		out = append(out, "public API signature changed")
	}
	if s.InvariantReferencedFileModified {
		out = append(out, "invariant-referenced file modified")
	}
	if p.CrossScopeFlag {
		out = append(out, "cross-scope change")
	}
	if v := p.ClassificationVerification; v.Stage1Override {
		out = append(out, "deterministic override: "+v.Stage1OverrideReason)
	}
	return out
}
