// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/knowledge/knowledgetest"
	sklbadger "github.com/AleutianAI/skl/services/skl/storage/badger"
)

var quiet = slog.New(slog.DiscardHandler)

type backend struct {
	name string
	open func(t *testing.T) KnowledgeStore
}

func backends() []backend {
	return []backend{
		{"file", func(t *testing.T) KnowledgeStore {
			s, err := NewFileStore(filepath.Join(t.TempDir(), DefaultDir), quiet)
			require.NoError(t, err)
			return s
		}},
		{"badger", func(t *testing.T) KnowledgeStore {
			s, err := OpenBadgerStore(sklbadger.InMemoryConfig(), quiet)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func adr(id string) knowledge.ADR {
	return knowledge.ADR{
		ID:        id,
		Title:     "Use postgres",
		Decision:  "A",
		CreatedAt: knowledge.Timestamp(knowledgetest.Epoch),
	}
}

func sessionLog(id string) knowledge.SessionLog {
	return knowledge.SessionLog{
		SessionID:                id,
		StartedAt:                knowledge.Timestamp(knowledgetest.Epoch),
		EndedAt:                  knowledge.Timestamp(knowledgetest.Epoch.Add(time.Minute)),
		Escalations:              []string{},
		RFCsOpened:               []string{},
		UncertainDecisions:       []string{},
		CircuitBreakersTriggered: []string{},
		RecurringPatterns:        []string{},
	}
}

func TestKnowledgeRoundTrip(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)

			_, err := s.Read(ctx)
			var nf *knowledge.NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, KindKnowledge, nf.Kind)

			k := knowledgetest.Model()
			k.State = append(k.State, knowledgetest.Record("app/db.py", knowledge.LevelReviewed))
			k.Queue = append(k.Queue, knowledgetest.Proposal("p1", "agent-a", "app/db.py", knowledge.ChangeBehavioral))
			require.NoError(t, s.Write(ctx, k))

			got, err := s.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, k.Invariants, got.Invariants)
			require.Len(t, got.State, 1)
			assert.Equal(t, "app/db.py", got.State[0].Path)
			assert.Equal(t, knowledge.LevelReviewed, got.State[0].UncertaintyLevel)
			require.Len(t, got.Queue, 1)
			assert.Equal(t, "p1", got.Queue[0].ProposalID)
			assert.True(t, knowledge.TimeOf(got.Queue[0].SubmittedAt).Equal(knowledgetest.Epoch))
		})
	}
}

func TestWrite_InvalidKeepsPrevious(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			require.NoError(t, s.Write(ctx, knowledgetest.Model()))

			bad := knowledgetest.Model()
			rec := knowledgetest.Record("x.py", knowledge.LevelVerified)
			rec.Version = 0
			bad.State = append(bad.State, rec)
			err := s.Write(ctx, bad)
			require.ErrorIs(t, err, knowledge.ErrValidation)

			got, err := s.Read(ctx)
			require.NoError(t, err)
			assert.Empty(t, got.State)
		})
	}
}

func TestRFCs(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)

			rfcs, err := s.ListRFCs(ctx)
			require.NoError(t, err)
			assert.Empty(t, rfcs)

			for _, id := range []string{"RFC_010", "RFC_002", "RFC_001"} {
				require.NoError(t, s.WriteRFC(ctx, knowledgetest.RFC(id, "p1")))
			}
			rfcs, err = s.ListRFCs(ctx)
			require.NoError(t, err)
			ids := make([]string, len(rfcs))
			for i, r := range rfcs {
				ids[i] = r.ID
			}
			assert.Equal(t, []string{"RFC_001", "RFC_002", "RFC_010"}, ids)

			r := knowledgetest.RFC("RFC_002", "p1")
			r.HumanSelection = "A"
			require.NoError(t, s.WriteRFC(ctx, r), "RFCs may be updated")
			got, err := s.ReadRFC(ctx, "RFC_002")
			require.NoError(t, err)
			assert.Equal(t, "A", got.HumanSelection)

			_, err = s.ReadRFC(ctx, "RFC_099")
			var nf *knowledge.NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, "RFC_099", nf.ID)

			invalid := knowledgetest.RFC("RFC_003", "p1")
			invalid.Options = invalid.Options[:1]
			assert.ErrorIs(t, s.WriteRFC(ctx, invalid), knowledge.ErrValidation)
		})
	}
}

func TestADRsAreAppendOnly(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)

			require.NoError(t, s.WriteADR(ctx, adr("ADR_002")))
			require.NoError(t, s.WriteADR(ctx, adr("ADR_001")))

			changed := adr("ADR_001")
			changed.Decision = "B"
			err := s.WriteADR(ctx, changed)
			require.ErrorIs(t, err, knowledge.ErrGuard)

			adrs, err := s.ListADRs(ctx)
			require.NoError(t, err)
			require.Len(t, adrs, 2)
			assert.Equal(t, "ADR_001", adrs[0].ID)
			assert.Equal(t, "A", adrs[0].Decision)
			assert.Equal(t, "ADR_002", adrs[1].ID)
		})
	}
}

func TestSessionLogs(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)

			_, err := s.ReadSessionLog(ctx)
			require.ErrorIs(t, err, knowledge.ErrNotFound)

			for _, id := range []string{"session_002", "session_010", "session_009"} {
				require.NoError(t, s.WriteSessionLog(ctx, sessionLog(id)))
			}
			got, err := s.ReadSessionLog(ctx)
			require.NoError(t, err)
			assert.Equal(t, "session_010", got.SessionID)

			assert.ErrorIs(t, s.WriteSessionLog(ctx, sessionLog("run-7")), knowledge.ErrValidation)
		})
	}
}

func TestCancelledContextRefusesWrites(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			assert.ErrorIs(t, s.Write(ctx, knowledgetest.Model()), context.Canceled)
		})
	}
}

func TestFileStore_Layout(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), DefaultDir)
	s, err := NewFileStore(root, quiet)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, knowledgetest.Model()))
	require.NoError(t, s.WriteRFC(ctx, knowledgetest.RFC("RFC_001", "p1")))
	require.NoError(t, s.WriteADR(ctx, adr("ADR_001")))
	require.NoError(t, s.WriteSessionLog(ctx, sessionLog("session_001")))

	for _, rel := range []string{KnowledgeFile, "rfcs/RFC_001.json", "adrs/ADR_001.json", "sessions/session_001.json"} {
		data, err := os.ReadFile(filepath.Join(root, rel))
		require.NoError(t, err, rel)
		assert.True(t, strings.HasSuffix(string(data), "}\n"), rel)
		assert.Contains(t, string(data), "\n  \"", "indented with two spaces")
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), tmpPrefix), "temp file left behind: %s", e.Name())
	}
}

func TestFileStore_CorruptDocument(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFileStore(root, quiet)
	require.NoError(t, err)

	path := filepath.Join(root, KnowledgeFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"invariants": `), 0o644))
	_, err = s.Read(ctx)
	var ve *knowledge.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, path, ve.Path)
	assert.False(t, errors.Is(err, knowledge.ErrNotFound))
}

func TestFileStore_IgnoresStrayFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFileStore(root, quiet)
	require.NoError(t, err)

	require.NoError(t, s.WriteRFC(ctx, knowledgetest.RFC("RFC_001", "p1")))
	require.NoError(t, os.WriteFile(filepath.Join(root, RFCDir, tmpPrefix+"RFC_002.json-123"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, RFCDir, "README.md"), []byte("notes"), 0o644))

	rfcs, err := s.ListRFCs(ctx)
	require.NoError(t, err)
	assert.Len(t, rfcs, 1)

	_, err = s.ReadRFC(ctx, "../knowledge")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestFileStore_Watch(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root, quiet)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		got []Change
	)
	watching := make(chan error, 1)
	go func() {
		watching <- s.Watch(ctx, 20*time.Millisecond, func(batch []Change) {
			mu.Lock()
			got = append(got, batch...)
			mu.Unlock()
		})
	}()

	seen := func(kind, id string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range got {
			if c.Kind == kind && c.ID == id && c.Op == ChangeWritten {
				return true
			}
		}
		return false
	}

	// The watcher registers asynchronously; keep writing until it reports.
	require.Eventually(t, func() bool {
		_ = s.WriteRFC(context.Background(), knowledgetest.RFC("RFC_001", "p1"))
		return seen(KindRFC, "RFC_001")
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Write(context.Background(), knowledgetest.Model()))
	require.Eventually(t, func() bool { return seen(KindKnowledge, "") }, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-watching)
}

func TestDedupeChanges(t *testing.T) {
	in := []Change{
		{Kind: KindRFC, ID: "RFC_001", Op: ChangeWritten},
		{Kind: KindKnowledge, Op: ChangeWritten},
		{Kind: KindRFC, ID: "RFC_001", Op: ChangeRemoved},
	}
	out := dedupeChanges(in)
	require.Len(t, out, 2)
	assert.Equal(t, ChangeRemoved, out[0].Op)
	assert.Equal(t, KindKnowledge, out[1].Kind)
}

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", result(nil))
	assert.Equal(t, "not_found", result(&knowledge.NotFoundError{Kind: KindRFC}))
	assert.Equal(t, "guard", result(knowledge.NewGuardError("op", "x")))
	assert.Equal(t, "error", result(errors.New("disk")))
}
