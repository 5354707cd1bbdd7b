// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelInfo, lvl)

	lvl, err = ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, LevelInfo, lvl)
}

func TestLevel_toSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, LevelWarn.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(-3).toSlogLevel())
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WriterText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "skl-test", Writer: &buf})
	defer logger.Close()

	logger.Debug("hidden")
	logger.Info("session started", "session_id", "session_001")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "session started")
	assert.Contains(t, out, "session_id=session_001")
	assert.Contains(t, out, "service=skl-test")
}

func TestNew_WriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, JSON: true, Writer: &buf})
	defer logger.Close()

	logger.With("agent_id", "agent-a").Warn("verifier unavailable")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), `"agent_id":"agent-a"`)
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "skl", Quiet: true})
	logger.Info("written to file")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "skl_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNew_BadLogDirFallsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Writer: &buf})
	defer logger.Close()
	assert.Contains(t, buf.String(), "file logging disabled")
}

func TestNew_QuietDiscards(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()
	assert.NotNil(t, logger.Slog())
	logger.Error("nowhere")
}

// =============================================================================
// Recorder Tests
// =============================================================================

func TestRecorder_CapturesAttrsAndGroups(t *testing.T) {
	rec := NewRecorder()
	log := rec.Logger().With("session_id", "session_002").WithGroup("proposal")
	log.Warn("escalated", "id", "prop_1")

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, slog.LevelWarn, entries[0].Level)
	assert.Equal(t, "session_002", entries[0].Attrs["session_id"])
	assert.Equal(t, "prop_1", entries[0].Attrs["proposal.id"])
	assert.Equal(t, 1, rec.Count(slog.LevelWarn, "escalated"))
	assert.Equal(t, 0, rec.Count(slog.LevelInfo, "escalated"))
}
