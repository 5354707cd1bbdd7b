// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/skl/pkg/logging"
	"github.com/AleutianAI/skl/services/skl/knowledge"
)

func proposal(declared knowledge.ChangeType) *knowledge.QueueProposal {
	return &knowledge.QueueProposal{
		ProposalID:       "prop_20260301_agent-a_001",
		AgentID:          "agent-a",
		Path:             "app/utils/tokens.py",
		SemanticScope:    "auth-helpers",
		Responsibilities: "token helpers",
		ChangeType:       declared,
		Diff:             "--- a/app/utils/tokens.py\n+++ b/app/utils/tokens.py\n@@ -1,1 +1,2 @@\n x = 1\n+y = 2\n",
		RiskSignals:      knowledge.RiskSignals{ASTChangeType: knowledge.ASTBehavioral},
	}
}

func fixed(classification, justification string) Verifier {
	return VerifierFunc(func(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
		return &VerifyResult{Classification: classification, Justification: justification}, nil
	})
}

func failing(err error) Verifier {
	return VerifierFunc(func(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
		return nil, err
	})
}

func TestClassify_Stage1OverrideSkipsVerifier(t *testing.T) {
	called := false
	v := VerifierFunc(func(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
		called = true
		return nil, nil
	})
	p := proposal(knowledge.ChangeMechanical)
	p.RiskSignals.TouchedAuthOrPermissionPatterns = true

	res, err := New(v).Classify(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, knowledge.ChangeBehavioral, res.Resolved)
	assert.True(t, res.Verification.Stage1Override)
	assert.Contains(t, res.Verification.Stage1OverrideReason, "touched_auth_or_permission_patterns")
	assert.Equal(t, knowledge.VerifierSkipped, res.Verification.VerifierOutcome)
	assert.Nil(t, res.Verification.Agreement)
	assert.False(t, res.Uncertain)
}

func TestClassify_VerifierSeesDiffAndContextOnly(t *testing.T) {
	var got VerifyRequest
	v := VerifierFunc(func(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
		got = req
		return &VerifyResult{Classification: "behavioral"}, nil
	})
	p := proposal(knowledge.ChangeBehavioral)

	_, err := New(v).Classify(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, p.Diff, got.Diff)
	assert.Equal(t, p.Path, got.FileContext.Path)
	assert.Equal(t, p.SemanticScope, got.FileContext.SemanticScope)
}

func TestClassify_Agreement(t *testing.T) {
	res, err := New(fixed("behavioral", "adds a variable")).Classify(context.Background(), proposal(knowledge.ChangeBehavioral))
	require.NoError(t, err)
	require.NotNil(t, res.Verification.Agreement)
	assert.True(t, *res.Verification.Agreement)
	assert.False(t, res.Disagreement)
	assert.False(t, res.Uncertain)
	assert.Equal(t, knowledge.VerifierOK, res.Verification.VerifierOutcome)
	assert.Equal(t, "adds a variable", res.Verification.VerifierJustification)
}

func TestClassify_DisagreementResolvesUpward(t *testing.T) {
	res, err := New(fixed("architectural", "new storage layer")).Classify(context.Background(), proposal(knowledge.ChangeBehavioral))
	require.NoError(t, err)
	assert.Equal(t, knowledge.ChangeArchitectural, res.Resolved)
	assert.Equal(t, knowledge.ChangeArchitectural, res.Verification.ResolvedClassification)
	assert.Equal(t, knowledge.ChangeBehavioral, res.Verification.AgentClassification)
	assert.False(t, *res.Verification.Agreement)
	assert.True(t, res.Disagreement)
	assert.True(t, res.Uncertain)
}

func TestClassify_DisagreementNeverLowers(t *testing.T) {
	res, err := New(fixed("mechanical", "")).Classify(context.Background(), proposal(knowledge.ChangeArchitectural))
	require.NoError(t, err)
	assert.Equal(t, knowledge.ChangeArchitectural, res.Resolved)
	assert.True(t, res.Disagreement)
}

func TestClassify_DisagreementProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		agent := rapid.SampledFrom(knowledge.AllChangeTypes).Draw(t, "agent")
		verifier := rapid.SampledFrom(knowledge.AllChangeTypes).Draw(t, "verifier")

		res, err := New(fixed(string(verifier), "")).Classify(context.Background(), proposal(agent))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := agent
		if verifier.Rank() > agent.Rank() {
			want = verifier
		}
		if res.Resolved != want {
			t.Fatalf("agent=%s verifier=%s resolved=%s want %s", agent, verifier, res.Resolved, want)
		}
		if *res.Verification.Agreement != (agent == verifier) {
			t.Fatalf("agreement must require exact equality")
		}
	})
}

func TestClassify_Unavailable(t *testing.T) {
	tests := []struct {
		name     string
		verifier Verifier
	}{
		{"nil verifier", nil},
		{"sentinel", failing(ErrVerifierUnavailable)},
		{"transport error", failing(errors.New("connection refused"))},
		{"nil result", VerifierFunc(func(ctx context.Context, req VerifyRequest) (*VerifyResult, error) { return nil, nil })},
		{"empty result", fixed("", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := logging.NewRecorder()
			c := New(tt.verifier, WithLogger(rec.Logger()))

			res, err := c.Classify(context.Background(), proposal(knowledge.ChangeMechanical))
			require.NoError(t, err)
			assert.Equal(t, knowledge.ChangeMechanical, res.Resolved)
			assert.Equal(t, knowledge.VerifierUnavailable, res.Verification.VerifierOutcome)
			assert.Nil(t, res.Verification.Agreement)
			assert.False(t, res.Disagreement)
			assert.True(t, res.Uncertain)

			warns := 0
			for _, e := range rec.Entries() {
				if e.Level == slog.LevelWarn {
					warns++
					assert.Equal(t, "agent-a", e.Attrs["agent_id"])
				}
			}
			assert.Equal(t, 1, warns)
		})
	}
}

func TestClassify_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		verifier Verifier
		declared knowledge.ChangeType
		want     knowledge.ChangeType
	}{
		{"sentinel from mechanical", failing(ErrMalformedResponse), knowledge.ChangeMechanical, knowledge.ChangeBehavioral},
		{"unknown value", fixed("catastrophic", "??"), knowledge.ChangeMechanical, knowledge.ChangeBehavioral},
		{"unknown value keeps architectural", fixed("huge", ""), knowledge.ChangeArchitectural, knowledge.ChangeArchitectural},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := logging.NewRecorder()
			c := New(tt.verifier, WithLogger(rec.Logger()))

			res, err := c.Classify(context.Background(), proposal(tt.declared))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Resolved)
			assert.Equal(t, knowledge.VerifierMalformed, res.Verification.VerifierOutcome)
			assert.Equal(t, knowledge.ChangeBehavioral, res.Verification.VerifierClassification)
			assert.False(t, res.Disagreement)
			assert.True(t, res.Uncertain)
			assert.Len(t, rec.Entries(), 1)
		})
	}
}

func TestClassify_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	v := VerifierFunc(func(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
		cancel()
		return nil, ctx.Err()
	})
	_, err := New(v).Classify(ctx, proposal(knowledge.ChangeBehavioral))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify_DoesNotMutateProposal(t *testing.T) {
	p := proposal(knowledge.ChangeBehavioral)
	before := p.Clone()
	_, err := New(fixed("architectural", "x")).Classify(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, before, *p)
}

func TestClassify_FallsBackToAgentClassificationField(t *testing.T) {
	p := proposal("")
	p.ClassificationVerification.AgentClassification = knowledge.ChangeArchitectural
	res, err := New(nil).Classify(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, knowledge.ChangeArchitectural, res.Resolved)
}

func TestVerifierConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultVerifierConfig().Validate())

	bad := VerifierConfig{Temperature: 2, MaxRetries: -1}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid verifier config")
	assert.Contains(t, err.Error(), "Temperature")
	assert.Contains(t, err.Error(), "MaxTokens")
	assert.Contains(t, err.Error(), "MaxRetries")
}
