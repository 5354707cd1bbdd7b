// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skl/pkg/ux"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/rfc"
	"github.com/AleutianAI/skl/services/skl/store"
)

// checkResult is one line of the validate report.
type checkResult struct {
	name   string
	err    error
	warn   string
	detail string
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every stored document and the links between them",
		Long: `validate reads the knowledge model, every RFC and ADR, the latest session
log and the scope definitions, checking each against its schema. It also
checks that RFCs and proposals refer to each other consistently.
Exits with status 1 if any check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var results []checkResult
			err := a.withStore(func(s store.KnowledgeStore) error {
				results = a.runChecks(cmd.Context(), s)
				return nil
			})
			if err != nil {
				return err
			}

			failed := 0
			warned := 0
			rows := make([][]string, len(results))
			for i, r := range results {
				status, detail := "ok", r.detail
				switch {
				case r.err != nil:
					failed++
					status, detail = "FAIL", r.err.Error()
				case r.warn != "":
					warned++
					status, detail = "warn", r.warn
				}
				rows[i] = []string{r.name, status, detail}
			}
			a.out.Title("Knowledge store validation")
			a.out.Table([]string{"CHECK", "RESULT", "DETAIL"}, rows)
			a.out.Summary(
				ux.Count{Label: "checks", N: len(results)},
				ux.Count{Label: "failed", N: failed, Tone: toneIf(failed, ux.ToneBad)},
				ux.Count{Label: "warnings", N: warned, Tone: toneIf(warned, ux.ToneWarn)},
			)
			if failed > 0 {
				return &exitError{code: 1, err: fmt.Errorf("%d check(s) failed", failed)}
			}
			return nil
		},
	}
}

func (a *app) runChecks(ctx context.Context, s store.KnowledgeStore) []checkResult {
	var out []checkResult

	k, err := s.Read(ctx)
	out = append(out, checkResult{name: "knowledge", err: err, detail: knowledgeDetail(k)})

	rfcs, rfcErr := s.ListRFCs(ctx)
	res := checkResult{name: "rfcs", err: rfcErr, detail: fmt.Sprintf("%d document(s)", len(rfcs))}
	if rfcErr == nil {
		res.err = validateRFCs(rfcs)
	}
	out = append(out, res)

	adrs, err := s.ListADRs(ctx)
	out = append(out, checkResult{name: "adrs", err: err, detail: fmt.Sprintf("%d document(s)", len(adrs))})

	l, err := s.ReadSessionLog(ctx)
	switch {
	case errors.Is(err, knowledge.ErrNotFound) || (err == nil && l == nil):
		out = append(out, checkResult{name: "session log", detail: "none yet"})
	default:
		res := checkResult{name: "session log", err: err}
		if err == nil {
			res.detail = l.SessionID
		}
		out = append(out, res)
	}

	scopes, err := a.loadScopeDefinitions()
	switch {
	case err != nil:
		out = append(out, checkResult{name: "scope definitions", err: err})
	case scopes == nil:
		out = append(out, checkResult{name: "scope definitions", warn: "not found, semantic scope checks are skipped"})
	default:
		out = append(out, checkResult{name: "scope definitions", detail: fmt.Sprintf("%d scope(s)", len(scopes.Definitions.Scopes))})
	}

	if k != nil && rfcErr == nil {
		out = append(out, checkResult{name: "rfc links", warn: crossCheck(k, rfcs, adrs)})
	}
	return out
}

func knowledgeDetail(k *knowledge.KnowledgeModel) string {
	if k == nil {
		return ""
	}
	return fmt.Sprintf("%d record(s), %d proposal(s), %d pending", len(k.State), len(k.Queue), len(k.PendingProposals()))
}

func validateRFCs(rfcs []knowledge.RFC) error {
	var errs []error
	for _, r := range rfcs {
		if err := rfc.Validate(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// crossCheck lists dangling references between the queue, RFCs and ADRs.
func crossCheck(k *knowledge.KnowledgeModel, rfcs []knowledge.RFC, adrs []knowledge.ADR) string {
	var problems []string
	byProposal := make(map[string]bool, len(rfcs))
	for _, r := range rfcs {
		byProposal[r.TriggeringProposal] = true
		if k.FindProposal(r.TriggeringProposal) < 0 {
			problems = append(problems, fmt.Sprintf("%s: triggering proposal %s is not in the queue", r.ID, r.TriggeringProposal))
		}
	}
	for _, p := range k.Queue {
		if p.Status == knowledge.StatusRFC && !byProposal[p.ProposalID] {
			problems = append(problems, fmt.Sprintf("%s: status rfc but no RFC names it", p.ProposalID))
		}
	}
	adrIDs := make(map[string]bool, len(adrs))
	for _, d := range adrs {
		adrIDs[d.ID] = true
	}
	for _, r := range rfcs {
		if r.PromotedToADR != "" && !adrIDs[r.PromotedToADR] {
			problems = append(problems, fmt.Sprintf("%s: promoted to missing %s", r.ID, r.PromotedToADR))
		}
	}
	return strings.Join(problems, "; ")
}
