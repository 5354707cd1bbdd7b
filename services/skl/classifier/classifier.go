// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier resolves a proposal's true change risk.
//
// Classification runs in two stages. Stage 1 applies deterministic
// overrides derived from static-analysis risk signals. Stage 2 runs only
// when stage 1 did not override and asks an injected Verifier to classify
// the diff without seeing the agent's own answer. Verifier failures never
// fail classification: an unavailable verifier defers to the agent and a
// malformed answer is read as behavioral.
//
// The package also exposes the eligibility predicates used by the session
// controller to choose between auto-approval, mandatory review and
// escalation.
package classifier

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// Classifier runs both classification stages.
//
// Thread Safety: Safe for concurrent use if the Verifier is.
type Classifier struct {
	verifier Verifier
	logger   *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger used for degradation warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Classifier. A nil verifier is allowed and behaves as
// permanently unavailable.
func New(verifier Verifier, opts ...Option) *Classifier {
	c := &Classifier{verifier: verifier, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify resolves the change type of p.
//
// Description:
//
//	Runs Stage1; if it did not override, runs the verifier pass. The
//	returned Verification is ready to be attached to the proposal. The
//	input proposal is not modified.
//
// Inputs:
//
//	ctx - Cancellation for the verifier call.
//	p - The proposal to classify.
//
// Outputs:
//
//	Result - Resolution, verification record and uncertainty flags.
//	error - Only ctx.Err() when the context ends during the verifier call.
//
// Thread Safety: Safe for concurrent use.
func (c *Classifier) Classify(ctx context.Context, p *knowledge.QueueProposal) (Result, error) {
	ctx, span := otel.Tracer("skl.classifier").Start(ctx, "classifier.Classifier.Classify",
		trace.WithAttributes(
			attribute.String("proposal_id", p.ProposalID),
			attribute.String("agent_id", p.AgentID),
		),
	)
	defer span.End()

	declared := p.DeclaredChangeType()
	s1 := Stage1(declared, p.RiskSignals, p.CrossScopeFlag)

	v := knowledge.ClassificationVerification{
		AgentClassification:    declared,
		Stage1Override:         s1.Override,
		Stage1OverrideReason:   s1.Reason,
		ResolvedClassification: s1.Resolved,
		VerifierOutcome:        knowledge.VerifierSkipped,
	}

	if !NeedsVerifierPass(s1) {
		span.SetAttributes(
			attribute.Bool("stage1_override", true),
			attribute.Int("stage1_rule", s1.Rule),
			attribute.String("resolved", string(s1.Resolved)),
		)
		recordClassification("stage1", s1.Resolved)
		return Result{Verification: v, Resolved: s1.Resolved}, nil
	}

	res, err := c.verify(ctx, p, declared, v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context ended during verification")
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("verifier_outcome", string(res.Verification.VerifierOutcome)),
		attribute.Bool("disagreement", res.Disagreement),
		attribute.String("resolved", string(res.Resolved)),
	)
	recordClassification("stage2", res.Resolved)
	return res, nil
}

// verify runs stage 2 with the agent's classification withheld.
func (c *Classifier) verify(ctx context.Context, p *knowledge.QueueProposal, declared knowledge.ChangeType, v knowledge.ClassificationVerification) (Result, error) {
	log := c.logger.With("proposal_id", p.ProposalID, "agent_id", p.AgentID)

	var (
		out *VerifyResult
		err error
	)
	if c.verifier == nil {
		err = ErrVerifierUnavailable
	} else {
		out, err = c.verifier.Classify(ctx, VerifyRequest{
			Diff:        p.Diff,
			FileContext: fileContextOf(p),
		})
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	switch {
	case err != nil && errors.Is(err, ErrMalformedResponse):
		log.Warn("verifier response malformed, assuming behavioral", "error", err)
		return malformed(v, declared, ""), nil

	case err != nil:
		log.Warn("verifier unavailable, trusting agent classification", "error", err)
		recordFallback("unavailable")
		return unavailable(v, declared), nil

	case out == nil || strings.TrimSpace(out.Classification) == "":
		log.Warn("verifier returned no classification, trusting agent classification")
		recordFallback("unavailable")
		return unavailable(v, declared), nil
	}

	got, ok := knowledge.ParseChangeType(out.Classification)
	if !ok {
		log.Warn("verifier returned unknown classification, assuming behavioral",
			"classification", out.Classification)
		return malformed(v, declared, out.Justification), nil
	}

	agree := got == declared
	v.VerifierClassification = got
	v.VerifierJustification = out.Justification
	v.Agreement = &agree
	v.VerifierOutcome = knowledge.VerifierOK
	v.ResolvedClassification = knowledge.MaxChangeType(declared, got)
	if !agree {
		log.Info("verifier disagreed with agent",
			"agent_classification", declared,
			"verifier_classification", got,
			"resolved", v.ResolvedClassification)
	}
	return Result{
		Verification: v,
		Resolved:     v.ResolvedClassification,
		Disagreement: !agree,
		Uncertain:    !agree,
	}, nil
}

func unavailable(v knowledge.ClassificationVerification, declared knowledge.ChangeType) Result {
	v.VerifierOutcome = knowledge.VerifierUnavailable
	v.ResolvedClassification = declared
	return Result{Verification: v, Resolved: declared, Uncertain: true}
}

// malformed reads the answer as behavioral and never lowers the agent's
// own classification.
func malformed(v knowledge.ClassificationVerification, declared knowledge.ChangeType, justification string) Result {
	recordFallback("malformed")
	v.VerifierOutcome = knowledge.VerifierMalformed
	v.VerifierClassification = knowledge.ChangeBehavioral
	v.VerifierJustification = justification
	v.ResolvedClassification = knowledge.MaxChangeType(declared, knowledge.ChangeBehavioral)
	return Result{Verification: v, Resolved: v.ResolvedClassification, Uncertain: true}
}

func fileContextOf(p *knowledge.QueueProposal) FileContext {
	return FileContext{
		Path:             p.Path,
		SemanticScope:    p.SemanticScope,
		Responsibilities: p.Responsibilities,
		Dependencies:     append([]string(nil), p.Dependencies...),
	}
}
