// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skl/pkg/ux"
	"github.com/AleutianAI/skl/services/llm"
	"github.com/AleutianAI/skl/services/skl/classifier"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/rfc"
	"github.com/AleutianAI/skl/services/skl/session"
	"github.com/AleutianAI/skl/services/skl/statewriter"
	"github.com/AleutianAI/skl/services/skl/store"
)

func newReviewCmd(a *app) *cobra.Command {
	var (
		maxProposals int
		maxMinutes   int
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Run one review pass over the pending queue",
		Long: `review decides pending proposals in queue order. Mechanical changes are
approved, conflicts and architectural changes open RFCs, and anything the
classifier is unsure of is escalated. The pass stops early when its budget
runs out; the remaining proposals stay pending for the next pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			budget := a.cfg.Budget
			if maxProposals > 0 {
				budget.MaxProposals = maxProposals
			}
			if maxMinutes > 0 {
				budget.MaxDurationMinutes = maxMinutes
			}
			return a.withStore(func(s store.KnowledgeStore) error {
				ctrl, err := a.newController(s, budget)
				if err != nil {
					return err
				}
				report, err := ctrl.Run(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(a.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(reviewJSON{Log: report.Log, Decisions: report.Decisions, Suspended: report.Suspended})
				}
				a.printReport(report)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&maxProposals, "max-proposals", 0, "override the budget's proposal limit")
	f.IntVar(&maxMinutes, "max-minutes", 0, "override the budget's duration limit")
	f.BoolVar(&asJSON, "json", false, "print the session log and decisions as JSON")
	return cmd
}

type reviewJSON struct {
	Log       knowledge.SessionLog `json:"session_log"`
	Decisions []session.Decision   `json:"decisions"`
	Suspended bool                 `json:"auto_approve_suspended"`
}

// newController builds a session controller over s with the configured
// classifier, RFC response window, lock and circuit breaker.
func (a *app) newController(s store.KnowledgeStore, budget session.Budget) (*session.Controller, error) {
	cls, err := a.newClassifier()
	if err != nil {
		return nil, err
	}
	l, err := a.storeLock()
	if err != nil {
		return nil, err
	}
	writer := statewriter.New(statewriter.WithLogger(a.logger()))
	return session.NewController(session.Config{
		Store:      s,
		Classifier: cls,
		Writer:     writer,
		Engine: rfc.NewEngine(writer,
			rfc.WithLogger(a.logger()),
			rfc.WithResponseWindow(a.cfg.RFCResponseWindow)),
		Lock:                    l,
		Budget:                  budget,
		CircuitBreakerThreshold: a.cfg.CircuitBreakerThreshold,
		Logger:                  a.logger(),
	})
}

// newClassifier builds the classifier, with an LLM verifier when one is
// enabled.
func (a *app) newClassifier() (*classifier.Classifier, error) {
	if !a.cfg.Verifier.Enabled {
		return classifier.New(nil, classifier.WithLogger(a.logger())), nil
	}
	client, err := llm.New(a.cfg.Verifier.Provider, a.cfg.Verifier.LLM)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	v, err := classifier.NewLLMVerifier(client, a.cfg.Verifier.VerifierConfig, a.logger())
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	return classifier.New(v, classifier.WithLogger(a.logger())), nil
}

func (a *app) printReport(r *session.Report) {
	counts := map[knowledge.ProposalStatus]int{}
	uncertain := 0
	rows := make([][]string, len(r.Decisions))
	for i, d := range r.Decisions {
		counts[d.Status]++
		mark := ""
		if d.Uncertain {
			uncertain++
			mark = "?"
		}
		rows[i] = []string{d.ProposalID, d.AgentID, d.Path, string(d.Status) + mark, d.Reason, d.RFCID}
	}

	a.out.Title(fmt.Sprintf("Review pass %s", r.Log.SessionID))
	if len(rows) == 0 {
		a.out.Info("No pending proposals.")
	} else {
		a.out.Table([]string{"PROPOSAL", "AGENT", "PATH", "STATUS", "REASON", "RFC"}, rows)
	}
	if r.Suspended {
		a.out.Warning("auto-approval suspended for this pass after repeated uncertain decisions")
	}
	for _, agent := range r.Log.CircuitBreakersTriggered {
		a.out.Warning("circuit breaker: %s", agent)
	}
	for _, p := range r.Log.RecurringPatterns {
		a.out.Info("recurring: %s", p)
	}
	if n := len(r.Log.DeferredProposals); n > 0 {
		a.out.Info("%d proposal(s) deferred (%s): %s", n, r.Log.StopReason, strings.Join(r.Log.DeferredProposals, ", "))
	}
	a.out.Summary(
		ux.Count{Label: "approved", N: counts[knowledge.StatusApproved], Tone: ux.ToneGood},
		ux.Count{Label: "escalated", N: counts[knowledge.StatusEscalated], Tone: toneIf(counts[knowledge.StatusEscalated], ux.ToneWarn)},
		ux.Count{Label: "rfc", N: counts[knowledge.StatusRFC], Tone: toneIf(counts[knowledge.StatusRFC], ux.ToneWarn)},
		ux.Count{Label: "uncertain", N: uncertain, Tone: toneIf(uncertain, ux.ToneBad)},
		ux.Count{Label: "deferred", N: len(r.Log.DeferredProposals)},
	)
}
