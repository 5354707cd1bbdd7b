// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

func eligibleProposal() *knowledge.QueueProposal {
	return &knowledge.QueueProposal{
		ProposalID: "p1",
		AgentID:    "agent-a",
		Path:       "app/utils/tokens.py",
		RiskSignals: knowledge.RiskSignals{
			ASTChangeType:  knowledge.ASTMechanical,
			MechanicalOnly: true,
		},
		Assumptions: []knowledge.Assumption{{ID: "a1", Text: "local helper", Shared: false}},
		ClassificationVerification: knowledge.ClassificationVerification{
			ResolvedClassification: knowledge.ChangeMechanical,
		},
	}
}

// disqualifiers flip exactly one auto-approval condition.
var disqualifiers = []struct {
	name string
	flip func(p *knowledge.QueueProposal)
}{
	{"resolved behavioral", func(p *knowledge.QueueProposal) {
		p.ClassificationVerification.ResolvedClassification = knowledge.ChangeBehavioral
	}},
	{"not mechanical-only", func(p *knowledge.QueueProposal) { p.RiskSignals.MechanicalOnly = false }},
	{"auth touched", func(p *knowledge.QueueProposal) { p.RiskSignals.TouchedAuthOrPermissionPatterns = true }},
	{"public api changed", func(p *knowledge.QueueProposal) { p.RiskSignals.PublicAPISignatureChanged = true }},
	{"invariant file", func(p *knowledge.QueueProposal) { p.RiskSignals.InvariantReferencedFileModified = true }},
	{"high fan-in", func(p *knowledge.QueueProposal) { p.RiskSignals.HighFanInModuleModified = true }},
	{"cross-scope", func(p *knowledge.QueueProposal) { p.CrossScopeFlag = true }},
	{"shared assumption", func(p *knowledge.QueueProposal) { p.Assumptions[0].Shared = true }},
}

func TestIsEligibleForAutoApproval_Baseline(t *testing.T) {
	assert.True(t, IsEligibleForAutoApproval(eligibleProposal()))

	p := eligibleProposal()
	p.Assumptions = nil
	assert.True(t, IsEligibleForAutoApproval(p), "no assumptions is eligible")
}

func TestIsEligibleForAutoApproval_EachConditionDisqualifies(t *testing.T) {
	for _, d := range disqualifiers {
		t.Run(d.name, func(t *testing.T) {
			p := eligibleProposal()
			d.flip(p)
			assert.False(t, IsEligibleForAutoApproval(p))
		})
	}
}

func TestIsEligibleForAutoApproval_StrictAnd(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := eligibleProposal()
		flipped := 0
		for i, d := range disqualifiers {
			if rapid.Bool().Draw(t, disqualifiers[i].name) {
				d.flip(p)
				flipped++
			}
		}
		if got := IsEligibleForAutoApproval(p); got != (flipped == 0) {
			t.Fatalf("eligible=%v with %d disqualifiers applied", got, flipped)
		}
	})
}

func TestRequiresMandatoryIndividualReview(t *testing.T) {
	tests := []struct {
		name string
		mod  func(p *knowledge.QueueProposal)
		want bool
	}{
		{"clean", func(p *knowledge.QueueProposal) {}, false},
		{"high fan-in alone", func(p *knowledge.QueueProposal) { p.RiskSignals.HighFanInModuleModified = true }, false},
		{"auth", func(p *knowledge.QueueProposal) { p.RiskSignals.TouchedAuthOrPermissionPatterns = true }, true},
		{"api", func(p *knowledge.QueueProposal) { p.RiskSignals.PublicAPISignatureChanged = true }, true},
		{"invariant", func(p *knowledge.QueueProposal) { p.RiskSignals.InvariantReferencedFileModified = true }, true},
		{"cross-scope", func(p *knowledge.QueueProposal) { p.CrossScopeFlag = true }, true},
		{"stage1 override", func(p *knowledge.QueueProposal) { p.ClassificationVerification.Stage1Override = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &knowledge.QueueProposal{}
			tt.mod(p)
			assert.Equal(t, tt.want, RequiresMandatoryIndividualReview(p))
		})
	}
}

func TestPredicates_DoNotMutate(t *testing.T) {
	p := eligibleProposal()
	before := p.Clone()
	IsEligibleForAutoApproval(p)
	RequiresMandatoryIndividualReview(p)
	assert.Equal(t, before, *p)
}
