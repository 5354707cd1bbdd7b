// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/rfc"
)

var (
	// ErrQueueFull means the queue already holds queue_max pending proposals.
	ErrQueueFull = errors.New("queue is full")

	// ErrMergeBlocked means an RFC for the branch has unmet acceptance
	// criteria.
	ErrMergeBlocked = errors.New("merge blocked by acceptance criteria")

	// ErrScopePaused means an overdue RFC pauses the agent's semantic scope.
	ErrScopePaused = errors.New("semantic scope paused")
)

// GateError is a refused submission.
type GateError struct {
	// Kind is one of ErrQueueFull, ErrMergeBlocked or ErrScopePaused.
	Kind error

	// RFCID names the RFC responsible, if any.
	RFCID string

	// Detail explains the refusal to the agent.
	Detail string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *GateError) Unwrap() error { return e.Kind }

// CheckQueueBudget refuses submissions while at least queueMax proposals
// are pending.
func CheckQueueBudget(k *knowledge.KnowledgeModel, queueMax int) error {
	pending := len(k.PendingProposals())
	if pending >= queueMax {
		return &GateError{
			Kind:   ErrQueueFull,
			Detail: fmt.Sprintf("%d/%d pending proposals; wait for the next review pass", pending, queueMax),
		}
	}
	return nil
}

// CheckAcceptanceCriteria refuses pushes from branch while an RFC
// triggered by a proposal on that branch still blocks merge.
func CheckAcceptanceCriteria(k *knowledge.KnowledgeModel, rfcs []knowledge.RFC, branch string) error {
	if branch == "" {
		return nil
	}
	for _, r := range rfcs {
		if !rfc.IsMergeBlocked(r) {
			continue
		}
		p := triggeringProposal(k, r)
		if p == nil || p.Branch == "" || p.Branch != branch {
			continue
		}
		unmet := rfc.UnmetCriteria(r)
		parts := make([]string, len(unmet))
		for i, ac := range unmet {
			parts[i] = fmt.Sprintf("[%s] %s (check_type: %s, reference: %s)", ac.ACID, ac.Description, ac.CheckType, ac.CheckReference)
		}
		return &GateError{
			Kind:   ErrMergeBlocked,
			RFCID:  r.ID,
			Detail: fmt.Sprintf("%s has unmet acceptance criteria: %s", r.ID, strings.Join(parts, "; ")),
		}
	}
	return nil
}

// CheckRFCScopePause refuses pushes into agentScope while an open RFC
// triggered in that scope is past its response deadline.
func CheckRFCScopePause(k *knowledge.KnowledgeModel, rfcs []knowledge.RFC, agentScope string, now time.Time) error {
	for _, r := range rfcs {
		if !rfc.IsDeadlinePassed(r, now) {
			continue
		}
		p := triggeringProposal(k, r)
		if p == nil || p.SemanticScope != agentScope {
			continue
		}
		return &GateError{
			Kind:  ErrScopePaused,
			RFCID: r.ID,
			Detail: fmt.Sprintf("%s response deadline passed %s; scope %q is paused until it is resolved",
				r.ID, r.HumanResponseDeadline, agentScope),
		}
	}
	return nil
}

func triggeringProposal(k *knowledge.KnowledgeModel, r knowledge.RFC) *knowledge.QueueProposal {
	if r.TriggeringProposal == "" {
		return nil
	}
	idx := k.FindProposal(r.TriggeringProposal)
	if idx < 0 {
		return nil
	}
	return &k.Queue[idx]
}
