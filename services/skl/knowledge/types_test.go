// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeType_Order(t *testing.T) {
	assert.Less(t, ChangeMechanical.Rank(), ChangeBehavioral.Rank())
	assert.Less(t, ChangeBehavioral.Rank(), ChangeArchitectural.Rank())
	assert.Equal(t, -1, ChangeType("huge").Rank())

	for _, a := range AllChangeTypes {
		for _, b := range AllChangeTypes {
			m := MaxChangeType(a, b)
			assert.Equal(t, m, MaxChangeType(b, a))
			assert.GreaterOrEqual(t, m.Rank(), a.Rank())
			assert.GreaterOrEqual(t, m.Rank(), b.Rank())
		}
	}
}

func TestParseChangeType(t *testing.T) {
	c, ok := ParseChangeType("  Architectural\n")
	assert.True(t, ok)
	assert.Equal(t, ChangeArchitectural, c)

	_, ok = ParseChangeType("cosmetic")
	assert.False(t, ok)
}

func TestDeclaredChangeType(t *testing.T) {
	p := QueueProposal{}
	assert.Equal(t, ChangeBehavioral, p.DeclaredChangeType())

	p.ClassificationVerification.AgentClassification = ChangeMechanical
	assert.Equal(t, ChangeMechanical, p.DeclaredChangeType())

	p.ChangeType = ChangeArchitectural
	assert.Equal(t, ChangeArchitectural, p.DeclaredChangeType())
}

func TestErrors_Is(t *testing.T) {
	var err error = &GuardError{Op: "createStateEntry", Reason: "duplicate"}
	assert.True(t, errors.Is(err, ErrGuard))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "createStateEntry: duplicate", err.Error())

	err = &NotFoundError{Kind: "rfc", ID: "RFC_009"}
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "RFC_009")

	verr := &ValidationError{Fields: []FieldError{{Field: "version", Rule: "min", Detail: "must be >= 1"}}}
	assert.Equal(t, "validation failed for knowledge.json: version (min: must be >= 1)", verr.WithPath("knowledge.json").Error())
	assert.Empty(t, verr.Path)
}

func TestSeqIDs(t *testing.T) {
	assert.Equal(t, "ADR_001", FormatSeqID(PrefixADR, 1))
	assert.Equal(t, "session_1234", FormatSeqID(PrefixSession, 1234))

	n, ok := ParseSeqID(PrefixRFC, "RFC_042")
	require.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = ParseSeqID(PrefixRFC, "RFC_42")
	assert.False(t, ok)
	_, ok = ParseSeqID(PrefixRFC, "ADR_042")
	assert.False(t, ok)

	assert.Equal(t, "RFC_001", NextSeqID(PrefixRFC, nil))
	assert.Equal(t, "RFC_008", NextSeqID(PrefixRFC, []string{"RFC_002", "RFC_007", "junk"}))
}

func TestClone_IsDeep(t *testing.T) {
	agree := true
	k := &KnowledgeModel{
		Invariants: Invariants{TechStack: []string{"go"}},
		State: []StateRecord{{
			ID: "a", Path: "a.go", Version: 1, UncertaintyLevel: LevelProposed,
			Dependencies: []string{"b.go"},
			Assumptions:  []Assumption{{ID: "x", Text: "y", Shared: true}},
		}},
		Queue: []QueueProposal{{
			ProposalID: "p1",
			ClassificationVerification: ClassificationVerification{Agreement: &agree},
			DecisionRationale:          &DecisionRationale{Text: "ok"},
			BlockingReasons:            []string{"r"},
		}},
	}
	cp := k.Clone()
	require.Equal(t, k, cp)

	cp.Invariants.TechStack[0] = "rust"
	cp.State[0].Dependencies[0] = "c.go"
	cp.State[0].Assumptions[0].Text = "z"
	*cp.Queue[0].ClassificationVerification.Agreement = false
	cp.Queue[0].DecisionRationale.Text = "changed"
	cp.Queue[0].BlockingReasons[0] = "s"

	assert.Equal(t, "go", k.Invariants.TechStack[0])
	assert.Equal(t, "b.go", k.State[0].Dependencies[0])
	assert.Equal(t, "y", k.State[0].Assumptions[0].Text)
	assert.True(t, *k.Queue[0].ClassificationVerification.Agreement)
	assert.Equal(t, "ok", k.Queue[0].DecisionRationale.Text)
	assert.Equal(t, "r", k.Queue[0].BlockingReasons[0])
}

func TestLookups(t *testing.T) {
	k := &KnowledgeModel{
		State: []StateRecord{{Path: "a.go"}, {Path: "b.go"}},
		Queue: []QueueProposal{
			{ProposalID: "p1", Status: StatusApproved},
			{ProposalID: "p2", Status: StatusPending},
			{ProposalID: "p3", Status: StatusPending},
		},
	}
	assert.Equal(t, 1, k.FindStateByPath("b.go"))
	assert.Equal(t, -1, k.FindStateByPath("c.go"))
	assert.Equal(t, 2, k.FindProposal("p3"))
	assert.Equal(t, []string{"p2", "p3"}, k.PendingProposals())
}
