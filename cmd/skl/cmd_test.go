// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skl/services/skl/config"
	"github.com/AleutianAI/skl/services/skl/intake"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/store"
)

// run executes skl in repo with plain output and returns stdout.
func run(t *testing.T, repo, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--repo", repo, "--output", "plain", "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func mustRun(t *testing.T, repo, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, repo, stdin, args...)
	require.NoError(t, err, out)
	return out
}

func openTestStore(t *testing.T, repo string) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(repo, store.DefaultDir), nil)
	require.NoError(t, err)
	return s
}

// requestJSON builds a push by agent-a with every file in its file scope.
func requestJSON(t *testing.T, branch string, files ...intake.FileChange) string {
	t.Helper()
	scope := make([]string, len(files))
	for i, f := range files {
		scope[i] = f.Path
	}
	data, err := json.Marshal(intake.Request{
		Agent: intake.AgentContext{
			AgentID:       "agent-a",
			SemanticScope: "core",
			FileScope:     scope,
		},
		Branch: branch,
		Files:  files,
	})
	require.NoError(t, err)
	return string(data)
}

func TestInit(t *testing.T) {
	repo := t.TempDir()

	out := mustRun(t, repo, "", "init", "--auth-model", "jwt", "--security-pattern", "authenticate")
	assert.Contains(t, out, "OK: wrote")
	assert.Contains(t, out, "OK: created empty knowledge model")
	assert.FileExists(t, filepath.Join(repo, ".skl", config.FileName))

	k, err := openTestStore(t, repo).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "jwt", k.Invariants.AuthModel)
	assert.Equal(t, []string{"authenticate"}, k.Invariants.SecurityPatterns)
	assert.Empty(t, k.Queue)

	out = mustRun(t, repo, "", "init")
	assert.Contains(t, out, "already exists")
	assert.Contains(t, out, "knowledge model already exists")
}

func TestSubmit_RequiresInit(t *testing.T) {
	repo := t.TempDir()
	_, err := run(t, repo, requestJSON(t, "", intake.FileChange{Path: "app/a.py", ChangeType: knowledge.ChangeMechanical}), "submit")
	require.Error(t, err)
	assert.True(t, errors.Is(err, knowledge.ErrNotFound))
	assert.Contains(t, err.Error(), "skl init")
}

func TestSubmit_AgentContextFromScratch(t *testing.T) {
	repo := t.TempDir()
	mustRun(t, repo, "", "init")

	scratch := filepath.Join(repo, ".skl", ScratchDir)
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "agent-b_context.json"),
		[]byte(`{"semantic_scope": "core", "file_scope": ["lib/x.py"]}`), 0o644))

	req := `{"files": [{"path": "app/x.py", "change_type": "behavioral", "responsibilities": "x"}]}`
	out := mustRun(t, repo, req, "submit", "--agent", "agent-b")
	assert.Contains(t, out, "1 proposal(s) submitted")
	assert.Contains(t, out, "out_of_scope")

	k, err := openTestStore(t, repo).Read(context.Background())
	require.NoError(t, err)
	require.Len(t, k.Queue, 1)
	assert.Equal(t, "agent-b", k.Queue[0].AgentID)
	assert.True(t, k.Queue[0].OutOfScope)
}

func TestSubmit_MissingAgent(t *testing.T) {
	repo := t.TempDir()
	mustRun(t, repo, "", "init")
	t.Setenv("SKL_AGENT_ID", "")
	_, err := run(t, repo, `{"files": [{"path": "a.py"}]}`, "submit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SKL_AGENT_ID")
}

func TestSubmit_QueueFull(t *testing.T) {
	repo := t.TempDir()
	mustRun(t, repo, "", "init")
	t.Setenv("SKL_QUEUE_MAX", "1")

	req := requestJSON(t, "", intake.FileChange{Path: "app/a.py", ChangeType: knowledge.ChangeBehavioral, Responsibilities: "a"})
	mustRun(t, repo, req, "submit")

	out, err := run(t, repo, req, "submit")
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitRefused, ee.code)
	assert.True(t, errors.Is(err, intake.ErrQueueFull))
	assert.Contains(t, out, "WARN Queue full")
}

// TestLifecycle drives a push through review, RFC resolution and the
// acceptance criteria gate.
func TestLifecycle(t *testing.T) {
	repo := t.TempDir()
	ctx := context.Background()
	mustRun(t, repo, "", "init", "--security-pattern", "authenticate")

	req := requestJSON(t, "feature/layers",
		intake.FileChange{
			Path:             "app/util.py",
			ChangeType:       knowledge.ChangeMechanical,
			Responsibilities: "string helpers",
			Analysis:         intake.Analysis{Cosmetic: true},
		},
		intake.FileChange{
			Path:             "app/arch.py",
			ChangeType:       knowledge.ChangeArchitectural,
			Responsibilities: "new service layer",
		},
	)
	out := mustRun(t, repo, req, "submit")
	assert.Contains(t, out, "2 proposal(s) submitted")

	out = mustRun(t, repo, "", "review")
	assert.Contains(t, out, "approved=1")
	assert.Contains(t, out, "rfc=1")

	s := openTestStore(t, repo)
	k, err := s.Read(ctx)
	require.NoError(t, err)
	require.Len(t, k.Queue, 2)
	assert.Equal(t, knowledge.StatusApproved, k.Queue[0].Status)
	assert.Equal(t, knowledge.StatusRFC, k.Queue[1].Status)
	log, err := s.ReadSessionLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session_001", log.SessionID)
	assert.Equal(t, []string{"RFC_001"}, log.RFCsOpened)

	out = mustRun(t, repo, "", "rfc", "list", "--open")
	assert.Contains(t, out, "RFC_001")

	_, err = run(t, repo, "", "rfc", "resolve", "RFC_001", "--option", "Z", "--rationale", "x",
		"--criterion", "test:tests/test_arch.py:arch tests pass")
	require.Error(t, err)
	assert.True(t, errors.Is(err, knowledge.ErrValidation))

	out = mustRun(t, repo, "", "rfc", "resolve", "RFC_001",
		"--option", "A", "--rationale", "layering is agreed",
		"--criterion", "test:tests/test_arch.py:arch tests pass",
		"--block-merge", "--approve")
	assert.Contains(t, out, "RFC_001 resolved with option A, recorded as ADR_001")

	k, err = s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusApproved, k.Queue[1].Status)
	require.NotNil(t, k.Queue[1].DecisionRationale)
	assert.Equal(t, knowledge.DecidedByHuman, k.Queue[1].DecisionRationale.DecidedBy)
	assert.GreaterOrEqual(t, k.FindStateByPath("app/arch.py"), 0)
	adrs, err := s.ListADRs(ctx)
	require.NoError(t, err)
	require.Len(t, adrs, 1)
	assert.Equal(t, "RFC_001", adrs[0].PromotingRFCID)

	// The branch stays blocked until the criterion passes.
	next := requestJSON(t, "feature/layers", intake.FileChange{Path: "app/more.py", ChangeType: knowledge.ChangeBehavioral, Responsibilities: "more"})
	out, err = run(t, repo, next, "submit")
	require.ErrorIs(t, err, intake.ErrMergeBlocked)
	assert.Contains(t, out, "Merge blocked by RFC_001")
	assert.Contains(t, out, "ac_001")

	out = mustRun(t, repo, "", "rfc", "criterion", "RFC_001", "ac_001", "--status", "passed")
	assert.Contains(t, out, "RFC_001 no longer blocks merge")
	mustRun(t, repo, next, "submit")

	out = mustRun(t, repo, "", "validate")
	assert.Contains(t, out, "failed=0")

	out = mustRun(t, repo, "", "digest", "--format", "json")
	var d struct {
		Queue struct {
			Pending  int `json:"pending"`
			Approved int `json:"approved"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, 1, d.Queue.Pending)
	assert.Equal(t, 2, d.Queue.Approved)
}

func TestRFCAmendInvariants(t *testing.T) {
	repo := t.TempDir()
	mustRun(t, repo, "", "init", "--auth-model", "jwt", "--data-storage", "postgres")
	req := requestJSON(t, "", intake.FileChange{Path: "app/arch.py", ChangeType: knowledge.ChangeArchitectural, Responsibilities: "x"})
	mustRun(t, repo, req, "submit")
	mustRun(t, repo, "", "review")

	_, err := run(t, repo, "", "rfc", "amend-invariants", "RFC_001", "--auth-model", "oauth2")
	require.ErrorIs(t, err, knowledge.ErrGuard)

	mustRun(t, repo, "", "rfc", "resolve", "RFC_001", "--option", "A", "--rationale", "move to oauth2",
		"--criterion", "manual:security-review:signed off")
	mustRun(t, repo, "", "rfc", "amend-invariants", "RFC_001", "--auth-model", "oauth2")

	k, err := openTestStore(t, repo).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "oauth2", k.Invariants.AuthModel)
	assert.Equal(t, "postgres", k.Invariants.DataStorage)
}

func TestDigest_IfDue(t *testing.T) {
	repo := t.TempDir()
	mustRun(t, repo, "", "init")

	_, err := run(t, repo, "", "digest", "--if-due")
	require.Error(t, err)

	out := mustRun(t, repo, "", "digest", "--out", "digest.md", "--if-due")
	assert.Contains(t, out, "wrote digest")
	data, err := os.ReadFile(filepath.Join(repo, "digest.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Nothing needs review.")

	out = mustRun(t, repo, "", "digest", "--out", "digest.md", "--if-due")
	assert.Contains(t, out, "digest not due")
}

func TestValidate_ReportsDanglingLinks(t *testing.T) {
	repo := t.TempDir()
	mustRun(t, repo, "", "init")
	req := requestJSON(t, "", intake.FileChange{Path: "app/arch.py", ChangeType: knowledge.ChangeArchitectural, Responsibilities: "x"})
	mustRun(t, repo, req, "submit")
	mustRun(t, repo, "", "review")
	require.NoError(t, os.Remove(filepath.Join(repo, ".skl", store.RFCDir, "RFC_001.json")))

	out := mustRun(t, repo, "", "validate")
	assert.Contains(t, out, "status rfc but no RFC names it")
	assert.Contains(t, out, "warnings=2")
}

func TestValidate_FailsOnCorruptStore(t *testing.T) {
	repo := t.TempDir()
	mustRun(t, repo, "", "init")
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".skl", store.KnowledgeFile), []byte(`{"queue": 7}`), 0o644))

	out, err := run(t, repo, "", "validate")
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.code)
	assert.Contains(t, out, "FAIL")
}

func TestParseCriteria(t *testing.T) {
	got, err := parseCriteria([]string{"lint:golangci:no new lint", "ci:build:green: all jobs"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, knowledge.CheckLint, got[0].CheckType)
	assert.Equal(t, "build", got[1].CheckReference)
	assert.Equal(t, "green: all jobs", got[1].Description)

	for _, bad := range []string{"test", "test::x", "unit:ref:desc", "test:ref: "} {
		_, err := parseCriteria([]string{bad})
		assert.Error(t, err, bad)
	}
}
