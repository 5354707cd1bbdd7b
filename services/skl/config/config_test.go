// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15, cfg.QueueMax)
	assert.Equal(t, 3, cfg.CircuitBreakerThreshold)
	assert.Equal(t, 5, cfg.ReviewThreshold)
	assert.Equal(t, 15, cfg.Budget.MaxProposals)
	assert.Equal(t, 60, cfg.Budget.MaxDurationMinutes)
	assert.Equal(t, 3, cfg.Budget.SelfUncertaintyThreshold)
	assert.Equal(t, 48*time.Hour, cfg.RFCResponseWindow)
	assert.Equal(t, "main", cfg.BaseBranch)
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.False(t, cfg.Verifier.Enabled)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
queue_max: 30
rfc_response_window: 24h
budget:
  max_proposals: 5
store:
  backend: badger
  badger_path: /var/lib/skl
verifier:
  enabled: true
  provider: openai
  model: gpt-4o-mini
  timeout: 5s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.QueueMax)
	assert.Equal(t, 24*time.Hour, cfg.RFCResponseWindow)
	assert.Equal(t, 5, cfg.Budget.MaxProposals)
	assert.Equal(t, 60, cfg.Budget.MaxDurationMinutes, "unset keys keep defaults")
	assert.Equal(t, BackendBadger, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/skl", cfg.Store.BadgerPath)
	assert.True(t, cfg.Verifier.Enabled)
	assert.Equal(t, "openai", cfg.Verifier.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Verifier.LLM.Model)
	assert.Equal(t, 5*time.Second, cfg.Verifier.Timeout)
	assert.Equal(t, 256, cfg.Verifier.MaxTokens)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("queue_max: 30\n"), 0o644))
	t.Setenv("SKL_QUEUE_MAX", "7")
	t.Setenv("SKL_VERIFIER_ENABLED", "true")
	t.Setenv("SKL_TELEMETRY_EXPORTER", "stdout")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.QueueMax)
	assert.True(t, cfg.Verifier.Enabled)
	assert.Equal(t, ExporterStdout, cfg.Telemetry.Exporter)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad yaml", yaml: "queue_max: [\n"},
		{name: "zero queue", yaml: "queue_max: 0\n"},
		{name: "unknown backend", yaml: "store:\n  backend: s3\n"},
		{name: "otlp without endpoint", yaml: "telemetry:\n  exporter: otlp\n"},
		{name: "enabled verifier with bad temperature", yaml: "verifier:\n  enabled: true\n  temperature: 2\n"},
		{name: "zero budget", yaml: "budget:\n  max_duration_minutes: 0\n"},
		{name: "bad env int", env: map[string]string{"SKL_QUEUE_MAX": "lots"}},
		{name: "bad env duration", env: map[string]string{"SKL_RFC_RESPONSE_WINDOW": "2 days"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv_IgnoresEmptyValues(t *testing.T) {
	cfg := Default()
	env := map[string]string{"SKL_BASE_BRANCH": "", "SKL_STORE_DIR": "/tmp/skl"}
	require.NoError(t, applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "main", cfg.BaseBranch)
	assert.Equal(t, "/tmp/skl", cfg.Store.Dir)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".skl", FileName)
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	err = WriteDefault(path)
	assert.True(t, errors.Is(err, fs.ErrExist))
}
