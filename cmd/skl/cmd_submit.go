// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skl/pkg/ux"
	"github.com/AleutianAI/skl/services/skl/intake"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/store"
)

const (
	// ScopeDefinitionsFile is read from the store directory when the
	// config names no scope definitions document.
	ScopeDefinitionsFile = "scope_definitions.json"

	// ScratchDir holds per-agent context documents.
	ScratchDir = "scratch"

	// exitRefused is the exit status of a push refused by an intake gate.
	exitRefused = 2
)

func newSubmitCmd(a *app) *cobra.Command {
	var (
		requestPath string
		agentID     string
		branch      string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue proposals for the files an agent pushed",
		Long: `submit reads a push request as JSON (from --request or stdin), runs the
intake gates and appends one pending proposal per file to the queue.

When the request carries no agent context, the context is loaded from
.skl/scratch/<agent>_context.json, with the agent taken from --agent or
SKL_AGENT_ID. A refused push exits with status 2.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readRequest(cmd.InOrStdin(), requestPath)
			if err != nil {
				return err
			}
			if branch != "" {
				req.Branch = branch
			}
			if req.Agent.AgentID == "" {
				if agentID == "" {
					agentID = os.Getenv("SKL_AGENT_ID")
				}
				if agentID == "" {
					return errors.New("request has no agent context; pass --agent or set SKL_AGENT_ID")
				}
				if req.Agent, err = a.loadAgentContext(agentID); err != nil {
					return err
				}
			}
			scopes, err := a.loadScopeDefinitions()
			if err != nil {
				return err
			}

			var added []knowledge.QueueProposal
			err = a.withWriteLock(cmd.Context(), "submit-"+req.Agent.AgentID, "submit", func() error {
				return a.withStore(func(s store.KnowledgeStore) error {
					k, err := readKnowledge(cmd.Context(), s)
					if err != nil {
						return err
					}
					rfcs, err := s.ListRFCs(cmd.Context())
					if err != nil {
						return err
					}
					next, props, err := intake.Submit(req, intake.Inputs{
						Knowledge: k,
						RFCs:      rfcs,
						Scopes:    scopes,
						QueueMax:  a.cfg.QueueMax,
						Now:       time.Now(),
					})
					if err != nil {
						return err
					}
					added = props
					if len(props) == 0 {
						return nil
					}
					return s.Write(cmd.Context(), next)
				})
			})
			var gate *intake.GateError
			if errors.As(err, &gate) {
				a.out.WarningBox(gateTitle(gate), gate.Detail)
				a.logger().Warn("push refused", "agent_id", req.Agent.AgentID, "reason", gate.Kind, "rfc_id", gate.RFCID)
				return &exitError{code: exitRefused, err: err}
			}
			if err != nil {
				return err
			}
			a.printSubmitted(added)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&requestPath, "request", "-", "push request JSON file, - for stdin")
	f.StringVar(&agentID, "agent", "", "agent id whose scratch context to load")
	f.StringVar(&branch, "branch", "", "branch the push targets, overrides the request")
	return cmd
}

func readRequest(stdin io.Reader, path string) (intake.Request, error) {
	var req intake.Request
	r := stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return req, fmt.Errorf("open request: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	if len(req.Files) == 0 {
		return req, errors.New("request lists no files")
	}
	return req, nil
}

func (a *app) loadAgentContext(agentID string) (intake.AgentContext, error) {
	var ac intake.AgentContext
	path := filepath.Join(a.storeDir(), ScratchDir, agentID+"_context.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ac, fmt.Errorf("no agent context for %s at %s", agentID, path)
	}
	if err != nil {
		return ac, err
	}
	if err := json.Unmarshal(data, &ac); err != nil {
		return ac, fmt.Errorf("parse %s: %w", path, err)
	}
	if ac.AgentID == "" {
		ac.AgentID = agentID
	}
	return ac, nil
}

// loadScopeDefinitions returns nil, which skips semantic scope checks, when
// no document exists.
func (a *app) loadScopeDefinitions() (*intake.ScopeDefinitions, error) {
	path := a.cfg.ScopeDefinitions
	if path == "" {
		path = filepath.Join(a.storeDir(), ScopeDefinitionsFile)
	} else {
		path = a.path(path)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		a.logger().Warn("scope definitions not found, semantic scope checks skipped", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return intake.ParseScopeDefinitions(data)
}

func gateTitle(g *intake.GateError) string {
	switch {
	case errors.Is(g, intake.ErrQueueFull):
		return "Queue full"
	case errors.Is(g, intake.ErrMergeBlocked):
		return "Merge blocked by " + g.RFCID
	case errors.Is(g, intake.ErrScopePaused):
		return "Scope paused by " + g.RFCID
	default:
		return "Push refused"
	}
}

func (a *app) printSubmitted(props []knowledge.QueueProposal) {
	var outOfScope, crossScope, blocking int
	rows := make([][]string, len(props))
	for i, p := range props {
		var flags []string
		if p.OutOfScope {
			outOfScope++
			flags = append(flags, "out_of_scope")
		}
		if p.CrossScopeFlag {
			crossScope++
			flags = append(flags, "cross_scope")
		}
		if len(p.BlockingReasons) > 0 {
			blocking++
			flags = append(flags, p.BlockingReasons...)
		}
		rows[i] = []string{p.ProposalID, p.Path, string(p.ChangeType), strings.Join(flags, ",")}
	}
	a.out.Title("Submitted proposals")
	if len(rows) > 0 {
		a.out.Table([]string{"PROPOSAL", "PATH", "CHANGE", "FLAGS"}, rows)
	}
	a.out.Success("%d proposal(s) submitted to queue, %d blocking flag(s)", len(props), blocking)
	a.out.Summary(
		ux.Count{Label: "submitted", N: len(props)},
		ux.Count{Label: "out_of_scope", N: outOfScope, Tone: toneIf(outOfScope, ux.ToneWarn)},
		ux.Count{Label: "cross_scope", N: crossScope, Tone: toneIf(crossScope, ux.ToneWarn)},
		ux.Count{Label: "blocking", N: blocking, Tone: toneIf(blocking, ux.ToneBad)},
	)
}

func toneIf(n int, t ux.Tone) ux.Tone {
	if n > 0 {
		return t
	}
	return ux.ToneNeutral
}
