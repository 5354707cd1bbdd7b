// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/rfc"
	"github.com/AleutianAI/skl/services/skl/statewriter"
	"github.com/AleutianAI/skl/services/skl/store"
)

func newRFCCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rfc",
		Short: "List, show and resolve RFCs",
	}
	cmd.AddCommand(
		newRFCListCmd(a),
		newRFCShowCmd(a),
		newRFCResolveCmd(a),
		newRFCCriterionCmd(a),
		newRFCAmendCmd(a),
	)
	return cmd
}

func newRFCListCmd(a *app) *cobra.Command {
	var openOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List RFCs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(s store.KnowledgeStore) error {
				rfcs, err := s.ListRFCs(cmd.Context())
				if err != nil {
					return err
				}
				now := time.Now()
				var rows [][]string
				for _, r := range rfcs {
					if openOnly && r.Status != knowledge.RFCOpen {
						continue
					}
					state := string(r.Status)
					switch {
					case rfc.IsDeadlinePassed(r, now):
						state += " (overdue)"
					case rfc.IsMergeBlocked(r):
						state += " (merge blocked)"
					}
					rows = append(rows, []string{r.ID, state, r.TriggeringProposal, r.HumanResponseDeadline.String(), oneLine(r.DecisionRequired, 60)})
				}
				if len(rows) == 0 {
					a.out.Info("No RFCs.")
					return nil
				}
				a.out.Table([]string{"RFC", "STATUS", "PROPOSAL", "DEADLINE", "DECISION"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&openOnly, "open", false, "only list open RFCs")
	return cmd
}

func newRFCShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <rfc-id>",
		Short: "Show an RFC with its options and acceptance criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s store.KnowledgeStore) error {
				r, err := s.ReadRFC(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				a.printRFC(*r)
				return nil
			})
		},
	}
}

func (a *app) printRFC(r knowledge.RFC) {
	a.out.Box(fmt.Sprintf("%s (%s)", r.ID, r.Status), r.DecisionRequired+"\n\n"+r.Context)
	rows := make([][]string, len(r.Options))
	for i, o := range r.Options {
		label := o.Label
		if o.Label == r.RecommendedOption {
			label += " *"
		}
		rows[i] = []string{label, o.Description, o.Consequences}
	}
	a.out.Table([]string{"OPTION", "DESCRIPTION", "CONSEQUENCES"}, rows)
	if r.HumanSelection != "" {
		a.out.Info("selected %s: %s", r.HumanSelection, r.HumanRationale)
	}
	if r.PromotedToADR != "" {
		a.out.Info("promoted to %s", r.PromotedToADR)
	}
	if len(r.AcceptanceCriteria) > 0 {
		ac := make([][]string, len(r.AcceptanceCriteria))
		for i, c := range r.AcceptanceCriteria {
			ac[i] = []string{c.ACID, string(c.Status), string(c.CheckType), c.CheckReference, c.Description}
		}
		a.out.Table([]string{"AC", "STATUS", "CHECK", "REFERENCE", "DESCRIPTION"}, ac)
	}
}

func newRFCResolveCmd(a *app) *cobra.Command {
	var (
		res        rfc.Resolution
		criteria   []string
		approve    bool
		reject     bool
		blockMerge bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <rfc-id>",
		Short: "Record a human decision and promote the RFC to an ADR",
		Long: `resolve records the selected option, the rationale and the acceptance
criteria on an open RFC, then writes an ADR for it.

Criteria are given as type:reference:description, where type is one of
test, lint, ci or manual. --approve or --reject also decides the proposal
that triggered the RFC.`,
		Example: `  skl rfc resolve RFC_003 --option B --rationale "keep sessions stateless" \
    --criterion "test:tests/test_auth.py:auth tests pass" --block-merge --approve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve && reject {
				return fmt.Errorf("--approve and --reject are mutually exclusive")
			}
			var err error
			if res.AcceptanceCriteria, err = parseCriteria(criteria); err != nil {
				return err
			}
			res.BlockMerge = blockMerge
			switch {
			case approve:
				res.ProposalStatus = knowledge.StatusApproved
			case reject:
				res.ProposalStatus = knowledge.StatusRejected
			}

			return a.withWriteLock(cmd.Context(), "rfc-"+args[0], "resolve rfc", func() error {
				return a.withStore(func(s store.KnowledgeStore) error {
					out, err := a.resolveRFC(cmd.Context(), s, args[0], res)
					if err != nil {
						return err
					}
					a.out.Success("%s resolved with option %s, recorded as %s", out.RFC.ID, out.RFC.HumanSelection, out.ADR.ID)
					if res.ProposalStatus != "" {
						a.out.Info("%s %s", out.RFC.TriggeringProposal, res.ProposalStatus)
					}
					if out.RFC.MergeBlockedUntilCriteriaPass {
						a.out.Warning("merges from the triggering branch are blocked until %d criteria pass", len(out.RFC.AcceptanceCriteria))
					}
					return nil
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&res.Selection, "option", "", "label of the chosen option")
	f.StringVar(&res.Rationale, "rationale", "", "why the option was chosen")
	f.StringArrayVar(&criteria, "criterion", nil, "acceptance criterion type:reference:description (repeatable)")
	f.BoolVar(&blockMerge, "block-merge", false, "block merges until every criterion passes")
	f.BoolVar(&approve, "approve", false, "approve the triggering proposal")
	f.BoolVar(&reject, "reject", false, "reject the triggering proposal")
	_ = cmd.MarkFlagRequired("option")
	_ = cmd.MarkFlagRequired("rationale")
	return cmd
}

func (a *app) resolveRFC(ctx context.Context, s store.KnowledgeStore, id string, res rfc.Resolution) (rfc.Outcome, error) {
	k, err := readKnowledge(ctx, s)
	if err != nil {
		return rfc.Outcome{}, err
	}
	r, err := s.ReadRFC(ctx, id)
	if err != nil {
		return rfc.Outcome{}, err
	}
	engine := rfc.NewEngine(statewriter.New(statewriter.WithLogger(a.logger())),
		rfc.WithLogger(a.logger()),
		rfc.WithResponseWindow(a.cfg.RFCResponseWindow))
	out, err := engine.Resolve(ctx, *r, res, k, s)
	if err != nil {
		return out, err
	}
	if out.Knowledge != k {
		if err := s.Write(ctx, out.Knowledge); err != nil {
			return out, fmt.Errorf("write knowledge: %w", err)
		}
	}
	return out, nil
}

// parseCriteria reads type:reference:description triples.
func parseCriteria(specs []string) ([]knowledge.AcceptanceCriterion, error) {
	out := make([]knowledge.AcceptanceCriterion, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, ":", 3)
		if len(parts) != 3 || parts[1] == "" || strings.TrimSpace(parts[2]) == "" {
			return nil, fmt.Errorf("criterion %q: want type:reference:description", s)
		}
		ct := knowledge.CheckType(parts[0])
		switch ct {
		case knowledge.CheckTest, knowledge.CheckLint, knowledge.CheckCI, knowledge.CheckManual:
		default:
			return nil, fmt.Errorf("criterion %q: unknown check type %q", s, parts[0])
		}
		out = append(out, knowledge.AcceptanceCriterion{
			CheckType:      ct,
			CheckReference: parts[1],
			Description:    strings.TrimSpace(parts[2]),
		})
	}
	return out, nil
}

func newRFCCriterionCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "criterion <rfc-id> <ac-id>",
		Short: "Set the status of an acceptance criterion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWriteLock(cmd.Context(), "rfc-"+args[0], "update criterion", func() error {
				return a.withStore(func(s store.KnowledgeStore) error {
					r, err := s.ReadRFC(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					next, err := rfc.SetCriterionStatus(*r, args[1], knowledge.CriterionStatus(status))
					if err != nil {
						return err
					}
					if err := s.WriteRFC(cmd.Context(), next); err != nil {
						return err
					}
					a.out.Success("%s %s is %s", next.ID, args[1], status)
					if rfc.IsMergeBlocked(*r) && !rfc.IsMergeBlocked(next) {
						a.out.Success("%s no longer blocks merge", next.ID)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(knowledge.CriterionPassed), "pending, passed or failed")
	return cmd
}

func newRFCAmendCmd(a *app) *cobra.Command {
	var inv knowledge.Invariants
	cmd := &cobra.Command{
		Use:   "amend-invariants <rfc-id>",
		Short: "Amend the project invariants on the authority of a resolved RFC",
		Long: `amend-invariants changes the invariants named by flags and keeps the rest.
The RFC must be resolved.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWriteLock(cmd.Context(), "rfc-"+args[0], "amend invariants", func() error {
				return a.withStore(func(s store.KnowledgeStore) error {
					k, err := readKnowledge(cmd.Context(), s)
					if err != nil {
						return err
					}
					r, err := s.ReadRFC(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					amended := k.Invariants.Clone()
					f := cmd.Flags()
					if f.Changed("tech-stack") {
						amended.TechStack = inv.TechStack
					}
					if f.Changed("auth-model") {
						amended.AuthModel = inv.AuthModel
					}
					if f.Changed("data-storage") {
						amended.DataStorage = inv.DataStorage
					}
					if f.Changed("security-pattern") {
						amended.SecurityPatterns = inv.SecurityPatterns
					}
					w := statewriter.New(statewriter.WithLogger(a.logger()))
					next, err := w.AmendInvariants(*r, normalizeInvariants(amended), k)
					if err != nil {
						return err
					}
					if err := s.Write(cmd.Context(), next); err != nil {
						return err
					}
					a.out.Success("invariants amended under %s", r.ID)
					return nil
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&inv.TechStack, "tech-stack", nil, "technologies the project is built on")
	f.StringVar(&inv.AuthModel, "auth-model", "", "authentication model")
	f.StringVar(&inv.DataStorage, "data-storage", "", "primary data store")
	f.StringSliceVar(&inv.SecurityPatterns, "security-pattern", nil, "identifier that marks auth-sensitive code (repeatable)")
	return cmd
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
