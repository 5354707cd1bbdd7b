// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intake

import (
	"fmt"
	"time"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// NewProposalID formats prop_{YYYYMMDD}_{agent}_{seq:03d}.
func NewProposalID(now time.Time, agentID string, seq int) string {
	return fmt.Sprintf("prop_%s_%s_%03d", now.UTC().Format("20060102"), agentID, seq)
}

// FileChange is one file in a push.
type FileChange struct {
	Path             string                 `json:"path"`
	ChangeType       knowledge.ChangeType   `json:"change_type"`
	Responsibilities string                 `json:"responsibilities,omitempty"`
	Dependencies     []string               `json:"dependencies,omitempty"`
	Assumptions      []knowledge.Assumption `json:"assumptions,omitempty"`
	Diff             string                 `json:"diff,omitempty"`
	Analysis         Analysis               `json:"analysis"`

	// Imports are the repo-relative paths of project-internal imports
	// found in the head version.
	Imports []string `json:"imports,omitempty"`
}

// Request is one agent push.
type Request struct {
	Agent  AgentContext `json:"agent"`
	Branch string       `json:"branch,omitempty"`
	Files  []FileChange `json:"files"`
}

// Inputs is everything Submit reads besides the request.
type Inputs struct {
	Knowledge *knowledge.KnowledgeModel
	RFCs      []knowledge.RFC

	// Scopes may be nil, which skips the semantic scope check.
	Scopes *ScopeDefinitions

	QueueMax int
	Now      time.Time
}

// Submit runs every gate and appends one pending proposal per file.
//
// Description:
//
//	Scope checks only flag files; the queue budget, acceptance criteria
//	and scope pause gates refuse the whole push with a *GateError.
//	Proposal sequence numbers continue from the current queue length.
//
// Outputs:
//
//	*knowledge.KnowledgeModel - New snapshot with the proposals queued.
//	[]knowledge.QueueProposal - The proposals added.
//	error - *GateError when a gate refuses the push.
func Submit(req Request, in Inputs) (*knowledge.KnowledgeModel, []knowledge.QueueProposal, error) {
	k := in.Knowledge
	if req.Agent.AgentID == "" {
		return nil, nil, knowledge.NewGuardError("submit", "agent id is required")
	}

	paths := make([]string, len(req.Files))
	for i, f := range req.Files {
		paths[i] = f.Path
	}
	flags := CheckFileScope(paths, req.Agent.FileScope)
	flags = CheckSemanticScope(flags, in.Scopes.Scope(req.Agent.SemanticScope))

	if err := CheckQueueBudget(k, in.QueueMax); err != nil {
		return nil, nil, err
	}
	if err := CheckAcceptanceCriteria(k, in.RFCs, req.Branch); err != nil {
		return nil, nil, err
	}
	if err := CheckRFCScopePause(k, in.RFCs, req.Agent.SemanticScope, in.Now); err != nil {
		return nil, nil, err
	}

	var known []KnownImport
	if in.Scopes != nil {
		known = in.Scopes.KnownExpected
	}

	next := k.Clone()
	added := make([]knowledge.QueueProposal, 0, len(req.Files))
	for i, f := range req.Files {
		var rec *knowledge.StateRecord
		if idx := k.FindStateByPath(f.Path); idx >= 0 {
			rec = &k.State[idx]
		}
		scan := ValidateDependencies(f.Imports, rec, k.State, known, req.Agent.SemanticScope)
		blocking := []string{}
		if len(scan.CrossScopeUndeclared) > 0 {
			blocking = append(blocking, BlockCrossScopeUndeclared)
		}

		p := knowledge.QueueProposal{
			ProposalID:       NewProposalID(in.Now, req.Agent.AgentID, len(k.Queue)+len(added)+1),
			AgentID:          req.Agent.AgentID,
			Path:             f.Path,
			SemanticScope:    req.Agent.SemanticScope,
			ChangeType:       f.ChangeType,
			Responsibilities: f.Responsibilities,
			Dependencies:     f.Dependencies,
			Assumptions:      f.Assumptions,
			Branch:           req.Branch,
			Diff:             f.Diff,
			SubmittedAt:      knowledge.Timestamp(in.Now),
			Status:           knowledge.StatusPending,
			OutOfScope:       flags[i].OutOfScope,
			CrossScopeFlag:   flags[i].CrossScope,
			RiskSignals:      DeriveRiskSignals(f.Path, f.Analysis, k),
			ClassificationVerification: knowledge.ClassificationVerification{
				AgentClassification: f.ChangeType,
			},
			DependencyScan:  scan,
			BlockingReasons: blocking,
		}
		if err := knowledge.Validate(&p); err != nil {
			return nil, nil, fmt.Errorf("proposal for %s: %w", f.Path, err)
		}
		added = append(added, p)
	}
	next.Queue = append(next.Queue, added...)
	return next, added, nil
}
