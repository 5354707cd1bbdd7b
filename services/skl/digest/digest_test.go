// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package digest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/knowledge/knowledgetest"
)

func decided(id string, status knowledge.ProposalStatus, decisionType knowledge.ChangeType, at time.Time, auto bool) knowledge.QueueProposal {
	p := knowledgetest.Proposal(id, "agent-a", "app/"+id+".py", decisionType)
	p.Status = status
	p.DecisionRationale = &knowledge.DecisionRationale{
		Text:         "decided " + id,
		DecisionType: decisionType,
		RecordedAt:   knowledge.Timestamp(at),
		DecidedBy:    knowledge.DecidedByOrchestrator,
		AutoApproved: auto,
	}
	return p
}

func paths(rs []RecordSummary) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Path
	}
	return out
}

func TestGenerate_Sections(t *testing.T) {
	k := knowledgetest.Model()
	pendingDrifted := knowledgetest.Record("a.py", knowledge.LevelProposed)
	pendingDrifted.ChangeCountSinceReview = 9
	verifiedDrifted := knowledgetest.Record("b.py", knowledge.LevelVerified)
	verifiedDrifted.ChangeCountSinceReview = ReviewThreshold
	belowThreshold := knowledgetest.Record("c.py", knowledge.LevelReviewed)
	belowThreshold.ChangeCountSinceReview = ReviewThreshold - 1
	contestedDrifted := knowledgetest.Record("d.py", knowledge.LevelContested)
	contestedDrifted.ChangeCountSinceReview = 7
	k.State = append(k.State, pendingDrifted, verifiedDrifted, belowThreshold, contestedDrifted)

	d := Generate(k, knowledgetest.Epoch)

	assert.Equal(t, []string{"a.py"}, paths(d.PendingReview))
	assert.Equal(t, []string{"b.py", "d.py"}, paths(d.FlaggedForDrift), "pending records are not listed twice")
	assert.Equal(t, []string{"d.py"}, paths(d.Contested))
	assert.Equal(t, knowledgetest.Epoch, d.GeneratedAt)
}

func TestGenerate_RecentArchitectural(t *testing.T) {
	k := knowledgetest.Model()
	base := knowledgetest.Epoch
	for i := 0; i < DigestInterval+2; i++ {
		k.Queue = append(k.Queue, decided(fmt.Sprintf("arch%02d", i), knowledge.StatusApproved, knowledge.ChangeArchitectural, base.Add(time.Duration(i)*time.Hour), i%2 == 0))
	}
	k.Queue = append(k.Queue,
		decided("behav", knowledge.StatusApproved, knowledge.ChangeBehavioral, base.Add(100*time.Hour), false),
		decided("esc", knowledge.StatusEscalated, knowledge.ChangeArchitectural, base.Add(100*time.Hour), false),
		knowledgetest.Proposal("pending", "agent-a", "app/p.py", knowledge.ChangeArchitectural),
	)

	d := Generate(k, base)
	require.Len(t, d.RecentArchitectural, DigestInterval)
	assert.Equal(t, "arch11", d.RecentArchitectural[0].ProposalID, "newest first")
	assert.Equal(t, "arch02", d.RecentArchitectural[DigestInterval-1].ProposalID)
	for i := 1; i < len(d.RecentArchitectural); i++ {
		assert.False(t, d.RecentArchitectural[i].RecordedAt.After(d.RecentArchitectural[i-1].RecordedAt))
	}
	assert.Equal(t, QueueCounts{Pending: 1, Approved: DigestInterval + 3, Escalated: 1}, d.Queue)
}

func TestGenerate_LegacyAutoApproveStatus(t *testing.T) {
	k := knowledgetest.Model()
	k.Queue = append(k.Queue, decided("legacy", knowledge.StatusApproved, knowledge.ChangeArchitectural, knowledgetest.Epoch, true))
	data, err := knowledge.Encode(k)
	require.NoError(t, err)

	legacy := strings.Replace(string(data), `"status": "approved"`, `"status": "auto_approve"`, 1)
	require.NotEqual(t, string(data), legacy)
	decoded, err := knowledge.DecodeKnowledge([]byte(legacy))
	require.NoError(t, err)

	d := Generate(decoded, knowledgetest.Epoch)
	require.Len(t, d.RecentArchitectural, 1)
	assert.True(t, d.RecentArchitectural[0].AutoApproved)
	assert.Equal(t, 1, d.Queue.Approved)
}

func TestShouldTriggerDigest(t *testing.T) {
	base := knowledgetest.Epoch
	k := knowledgetest.Model()
	assert.True(t, ShouldTriggerDigest(k, nil), "no prior digest")

	last := base
	for i := 1; i < DigestInterval; i++ {
		k.Queue = append(k.Queue, decided(fmt.Sprintf("a%02d", i), knowledge.StatusApproved, knowledge.ChangeArchitectural, base.Add(time.Duration(i)*time.Minute), false))
	}
	k.Queue = append(k.Queue, decided("at_last", knowledge.StatusApproved, knowledge.ChangeArchitectural, base, false))
	assert.False(t, ShouldTriggerDigest(k, &last), "recorded exactly at lastDigestAt does not count")

	k.Queue = append(k.Queue, decided("a10", knowledge.StatusApproved, knowledge.ChangeArchitectural, base.Add(time.Hour), false))
	assert.True(t, ShouldTriggerDigest(k, &last))
}

func TestShouldTriggerDigest_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := knowledgetest.Epoch
		k := knowledgetest.Model()
		offsets := rapid.SliceOf(rapid.IntRange(-30, 30)).Draw(t, "offsets")
		after := 0
		for i, off := range offsets {
			k.Queue = append(k.Queue, decided(fmt.Sprintf("p%03d", i), knowledge.StatusApproved, knowledge.ChangeArchitectural, base.Add(time.Duration(off)*time.Minute), false))
			if off > 0 {
				after++
			}
		}
		if got, want := ShouldTriggerDigest(k, &base), after >= DigestInterval; got != want {
			t.Fatalf("after=%d: got %v, want %v", after, got, want)
		}
	})
}

func TestRenderMarkdown(t *testing.T) {
	k := knowledgetest.Model()
	r1 := knowledgetest.Record("low.py", knowledge.LevelVerified)
	r1.ChangeCountSinceReview = 5
	r2 := knowledgetest.Record("high.py", knowledge.LevelVerified)
	r2.ChangeCountSinceReview = 12
	k.State = append(k.State, r1, r2, knowledgetest.Record("new.py", knowledge.LevelProposed))
	k.Queue = append(k.Queue, decided("arch", knowledge.StatusApproved, knowledge.ChangeArchitectural, knowledgetest.Epoch, true))

	out := RenderMarkdown(Generate(k, knowledgetest.Epoch))
	assert.Contains(t, out, "# SKL review digest")
	assert.Contains(t, out, "## Pending review (1)")
	assert.Contains(t, out, "## Flagged for drift (5+ changes since review) (2)")
	assert.NotContains(t, out, "## Contested")
	assert.Contains(t, out, "| `new.py` | core | agent-a | 1 | proposed | 0 | never |")
	assert.Less(t, strings.Index(out, "`high.py`"), strings.Index(out, "`low.py`"), "most drifted first")
	assert.Contains(t, out, "`app/arch.py` by agent-a (arch, auto): decided arch")

	empty := RenderMarkdown(Generate(knowledgetest.Model(), knowledgetest.Epoch))
	assert.Contains(t, empty, "Nothing needs review.")
}

func TestGenerateWithThreshold(t *testing.T) {
	k := knowledgetest.Model()
	r := knowledgetest.Record("a.py", knowledge.LevelVerified)
	r.ChangeCountSinceReview = 3
	k.State = append(k.State, r)

	assert.Empty(t, Generate(k, knowledgetest.Epoch).FlaggedForDrift)
	d := GenerateWithThreshold(k, knowledgetest.Epoch, 3)
	assert.Equal(t, []string{"a.py"}, paths(d.FlaggedForDrift))
	assert.Contains(t, RenderMarkdown(d), "Flagged for drift (3+ changes since review)")
	assert.Equal(t, ReviewThreshold, GenerateWithThreshold(k, knowledgetest.Epoch, 0).ReviewThreshold)
}
