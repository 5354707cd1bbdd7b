// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package statewriter

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/skl/pkg/logging"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/knowledge/knowledgetest"
)

func TestDeriveStateID(t *testing.T) {
	tests := map[string]string{
		"app/utils/tokens.py":  "app_utils_tokens",
		`app\utils\tokens.py`:  "app_utils_tokens",
		"./app/main.go":        "app_main",
		"/srv/api/handlers.ts": "srv_api_handlers",
		"_private/mod.py":      "private_mod",
		"Makefile":             "Makefile",
		"pkg/archive.tar.gz":   "pkg_archive.tar",
		"services//skl/x.go":   "services_skl_x",
	}
	for in, want := range tests {
		assert.Equal(t, want, DeriveStateID(in), in)
	}
}

func TestCreateStateEntry_FreshModel(t *testing.T) {
	w := New()
	k := knowledgetest.Model()
	p := knowledgetest.Proposal("p1", "agent-a", "app/utils/tokens.py", knowledge.ChangeBehavioral)
	p.Dependencies = []string{"app/config.py"}

	next, err := w.CreateStateEntry(&p, "1.4", k)
	require.NoError(t, err)
	require.Len(t, next.State, 1)
	rec := next.State[0]
	assert.Equal(t, "app_utils_tokens", rec.ID)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, knowledge.LevelProposed, rec.UncertaintyLevel)
	assert.Equal(t, "agent-a", rec.Owner)
	assert.Equal(t, "1.4", rec.ScopeSchemaVersion)
	assert.Equal(t, []string{"app/config.py"}, rec.Dependencies)
	assert.Empty(t, k.State, "input must not change")
	require.NoError(t, knowledge.Validate(next))
}

func TestCreateStateEntry_DuplicatePath(t *testing.T) {
	w := New()
	p := knowledgetest.Proposal("p1", "agent-a", "app/utils/tokens.py", knowledge.ChangeBehavioral)

	k, err := w.CreateStateEntry(&p, "", knowledgetest.Model())
	require.NoError(t, err)

	_, err = w.CreateStateEntry(&p, "", k)
	var guard *knowledge.GuardError
	require.ErrorAs(t, err, &guard)
	assert.True(t, errors.Is(err, knowledge.ErrGuard))
	assert.Contains(t, guard.Reason, "already exists")
}

func TestCreateStateEntry_DuplicateDerivedID(t *testing.T) {
	w := New()
	p1 := knowledgetest.Proposal("p1", "agent-a", "app/tokens.py", knowledge.ChangeBehavioral)
	p2 := knowledgetest.Proposal("p2", "agent-a", "app/tokens.go", knowledge.ChangeBehavioral)

	k, err := w.CreateStateEntry(&p1, "", knowledgetest.Model())
	require.NoError(t, err)
	_, err = w.CreateStateEntry(&p2, "", k)
	assert.ErrorIs(t, err, knowledge.ErrGuard)
}

func TestCreateStateEntry_TwiceAlwaysFails(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		segs := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 1, 4).Draw(t, "segments")
		path := ""
		for i, s := range segs {
			if i > 0 {
				path += "/"
			}
			path += s
		}
		path += rapid.SampledFrom([]string{".py", ".go", ".ts", ""}).Draw(t, "ext")

		w := New()
		p := knowledgetest.Proposal("p1", "agent-a", path, knowledge.ChangeBehavioral)
		k, err := w.CreateStateEntry(&p, "", knowledgetest.Model())
		if err != nil {
			t.Fatalf("first create failed: %v", err)
		}
		if k.State[0].Version != 1 || k.State[0].UncertaintyLevel != knowledge.LevelProposed {
			t.Fatalf("new record must be version 1 at level 2: %+v", k.State[0])
		}
		if _, err := w.CreateStateEntry(&p, "", k); !errors.Is(err, knowledge.ErrGuard) {
			t.Fatalf("second create for %q returned %v", path, err)
		}
	})
}

func TestUpdateStateEntry_ResetsVerifiedToProposed(t *testing.T) {
	w := New()
	k := knowledgetest.Model()
	rec := knowledgetest.Record("app/utils/tokens.py", knowledge.LevelVerified)
	rec.Version = 2
	rec.UncertaintyReducedBy = "tests/test_tokens.py"
	reviewed := knowledge.TimestampPtr(knowledgetest.Epoch.Add(-time.Hour))
	rec.LastReviewedAt = reviewed
	k.State = append(k.State, rec)
	p := knowledgetest.Proposal("p1", "agent-b", rec.Path, knowledge.ChangeBehavioral)

	next, err := w.UpdateStateEntry(&p, rec, "", k)
	require.NoError(t, err)
	got := next.State[0]
	assert.Equal(t, knowledge.LevelProposed, got.UncertaintyLevel)
	assert.Empty(t, got.UncertaintyReducedBy)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, 1, got.ChangeCountSinceReview)
	assert.Equal(t, reviewed, got.LastReviewedAt)
	assert.Equal(t, "agent-a", got.Owner)
}

func TestUpdateStateEntry_ContestedUnchanged(t *testing.T) {
	rec := logging.NewRecorder()
	w := New(WithLogger(rec.Logger()))
	k := knowledgetest.Model()
	contested := knowledgetest.Record("app/auth.py", knowledge.LevelContested)
	k.State = append(k.State, contested)
	p := knowledgetest.Proposal("p1", "agent-a", contested.Path, knowledge.ChangeBehavioral)

	next, err := w.UpdateStateEntry(&p, contested, "", k)
	require.NoError(t, err)
	assert.Equal(t, contested, next.State[0])
	assert.Equal(t, 1, rec.Count(slog.LevelWarn, "state record is contested, leaving it unchanged"))
}

func TestUpdateStateEntry_UnknownRecord(t *testing.T) {
	p := knowledgetest.Proposal("p1", "agent-a", "x.py", knowledge.ChangeBehavioral)
	_, err := New().UpdateStateEntry(&p, knowledgetest.Record("x.py", 2), "", knowledgetest.Model())
	assert.ErrorIs(t, err, knowledge.ErrGuard)
}

func TestUpdateStateEntry_LevelAndVersionProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		level := knowledge.UncertaintyLevel(rapid.IntRange(0, 3).Draw(t, "level"))
		version := rapid.IntRange(1, 1000).Draw(t, "version")
		count := rapid.IntRange(0, 50).Draw(t, "count")

		k := knowledgetest.Model()
		rec := knowledgetest.Record("app/a.py", level)
		rec.Version = version
		rec.ChangeCountSinceReview = count
		rec.UncertaintyReducedBy = "review"
		k.State = append(k.State, rec)
		before := k.Clone()
		p := knowledgetest.Proposal("p1", "agent-a", rec.Path, knowledge.ChangeBehavioral)

		next, err := New(WithLogger(logging.NewRecorder().Logger())).UpdateStateEntry(&p, rec, "", k)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		got := next.State[0]
		switch level {
		case knowledge.LevelContested:
			if got.UncertaintyLevel != level || got.Version != version {
				t.Fatalf("contested record changed: %+v", got)
			}
		default:
			if got.UncertaintyLevel != knowledge.LevelProposed {
				t.Fatalf("level %d became %d", level, got.UncertaintyLevel)
			}
			if got.Version != version+1 || got.ChangeCountSinceReview != count+1 {
				t.Fatalf("version %d->%d count %d->%d", version, got.Version, count, got.ChangeCountSinceReview)
			}
			if level < knowledge.LevelProposed && got.UncertaintyReducedBy != "" {
				t.Fatalf("uncertainty_reduced_by not cleared")
			}
			if level == knowledge.LevelProposed && got.UncertaintyReducedBy != "review" {
				t.Fatalf("level 2 record lost uncertainty_reduced_by")
			}
		}
		if !assert.ObjectsAreEqual(before, k) {
			t.Fatalf("input mutated")
		}
	})
}

func TestApplyAccepted(t *testing.T) {
	w := New()
	p := knowledgetest.Proposal("p1", "agent-a", "app/a.py", knowledge.ChangeBehavioral)

	k, err := w.ApplyAccepted(&p, "", knowledgetest.Model())
	require.NoError(t, err)
	k, err = w.ApplyAccepted(&p, "", k)
	require.NoError(t, err)
	require.Len(t, k.State, 1)
	assert.Equal(t, 2, k.State[0].Version)
}

func TestWriteRationale(t *testing.T) {
	w := New(WithClock(knowledgetest.Clock(time.Minute)))
	k := knowledgetest.Model()
	k.Queue = append(k.Queue, knowledgetest.Proposal("p1", "agent-a", "app/a.py", knowledge.ChangeMechanical))

	next, err := w.WriteRationale("p1", Decision{
		Status:       knowledge.StatusApproved,
		Rationale:    "  mechanical rename  ",
		DecisionType: knowledge.ChangeMechanical,
		AutoApproved: true,
	}, k)
	require.NoError(t, err)

	p := next.Queue[0]
	assert.Equal(t, knowledge.StatusApproved, p.Status)
	require.NotNil(t, p.DecisionRationale)
	assert.Equal(t, "mechanical rename", p.DecisionRationale.Text)
	assert.Equal(t, knowledge.DecidedByOrchestrator, p.DecisionRationale.DecidedBy)
	assert.True(t, p.DecisionRationale.AutoApproved)
	assert.Equal(t, knowledgetest.Epoch.Add(time.Minute), knowledge.TimeOf(p.DecisionRationale.RecordedAt))
	assert.Equal(t, knowledge.StatusPending, k.Queue[0].Status, "input must not change")
	assert.Nil(t, k.Queue[0].DecisionRationale)
}

func TestWriteRationale_Guards(t *testing.T) {
	k := knowledgetest.Model()
	k.Queue = append(k.Queue, knowledgetest.Proposal("p1", "agent-a", "app/a.py", knowledge.ChangeMechanical))
	valid := Decision{Status: knowledge.StatusEscalated, Rationale: "needs review", DecisionType: knowledge.ChangeBehavioral}

	tests := []struct {
		name string
		id   string
		mod  func(d *Decision)
	}{
		{"empty", "p1", func(d *Decision) { d.Rationale = "" }},
		{"whitespace", "p1", func(d *Decision) { d.Rationale = "   \t\n" }},
		{"unknown id", "nope", func(d *Decision) {}},
		{"pending status", "p1", func(d *Decision) { d.Status = knowledge.StatusPending }},
		{"bad type", "p1", func(d *Decision) { d.DecisionType = "cosmetic" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mod(&d)
			_, err := New().WriteRationale(tt.id, d, k)
			assert.ErrorIs(t, err, knowledge.ErrGuard)
		})
	}
}

func TestWriteRationale_AutoApprovedOnlyForApprovals(t *testing.T) {
	k := knowledgetest.Model()
	k.Queue = append(k.Queue, knowledgetest.Proposal("p1", "agent-a", "app/a.py", knowledge.ChangeMechanical))

	next, err := New().WriteRationale("p1", Decision{
		Status: knowledge.StatusEscalated, Rationale: "r", DecisionType: knowledge.ChangeBehavioral, AutoApproved: true,
	}, k)
	require.NoError(t, err)
	assert.False(t, next.Queue[0].DecisionRationale.AutoApproved)
}

func TestAmendInvariants(t *testing.T) {
	w := New()
	k := knowledgetest.Model()
	inv := k.Invariants.Clone()
	inv.DataStorage = "sqlite"

	open := knowledgetest.RFC("RFC_001", "p1")
	_, err := w.AmendInvariants(open, inv, k)
	assert.ErrorIs(t, err, knowledge.ErrGuard)

	resolved := open
	resolved.Status = knowledge.RFCResolved
	next, err := w.AmendInvariants(resolved, inv, k)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", next.Invariants.DataStorage)
	assert.Equal(t, "postgres", k.Invariants.DataStorage)
}
