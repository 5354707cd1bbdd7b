// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skl/pkg/logging"
	"github.com/AleutianAI/skl/pkg/ux"
	"github.com/AleutianAI/skl/services/skl/config"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/lock"
	sklbadger "github.com/AleutianAI/skl/services/skl/storage/badger"
	"github.com/AleutianAI/skl/services/skl/store"
	"github.com/AleutianAI/skl/services/skl/telemetry"
)

// app is the state shared by every subcommand once the root pre-run has
// loaded configuration.
type app struct {
	stdout io.Writer
	stderr io.Writer

	repo       string
	configPath string
	logLevel   string
	logJSON    bool
	output     string

	cfg      config.Config
	log      *logging.Logger
	out      *ux.Printer
	shutdown func(context.Context) error
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "skl",
		Short: "Shared knowledge layer for multi-agent codebases",
		Long: `skl keeps a structured model of what every file in a repository is
responsible for, queues the changes coding agents propose against it, and
arbitrates them: mechanical changes are approved, conflicts and
architectural changes become RFCs for a human to decide.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.repo, "repo", ".", "repository root")
	flags.StringVar(&a.configPath, "config", "", "config file (default <repo>/.skl/skl.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&a.logJSON, "log-json", false, "log JSON to stderr")
	flags.StringVar(&a.output, "output", "auto", "output style: auto, rich, plain")

	root.AddCommand(
		newInitCmd(a),
		newSubmitCmd(a),
		newReviewCmd(a),
		newDigestCmd(a),
		newRFCCmd(a),
		newValidateCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	a.log = logging.New(logging.Config{Level: level, Service: "skl", JSON: a.logJSON, Writer: a.stderr})
	slog.SetDefault(a.log.Slog())

	mode, explicit, err := ux.ParseMode(a.output)
	if err != nil {
		return err
	}
	if !explicit {
		mode = ux.ModePlain
		if f, ok := a.stdout.(*os.File); ok {
			mode = ux.DetectMode(f)
		}
	}
	a.out = ux.NewPrinter(a.stdout, mode)

	if a.configPath == "" {
		a.configPath = filepath.Join(a.repo, store.DefaultDir, config.FileName)
	}
	if a.cfg, err = config.Load(a.configPath); err != nil {
		return err
	}

	a.shutdown, err = telemetry.Init(cmd.Context(), telemetryConfig(a.cfg.Telemetry, a.stderr))
	return err
}

func (a *app) teardown(ctx context.Context) error {
	var err error
	if a.shutdown != nil {
		err = a.shutdown(context.WithoutCancel(ctx))
	}
	if a.log != nil {
		a.log.Close()
	}
	return err
}

func telemetryConfig(tc config.TelemetryConfig, w io.Writer) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Writer = w
	cfg.OTLPEndpoint = tc.OTLPEndpoint
	switch tc.Exporter {
	case config.ExporterStdout:
		cfg.TraceExporter = telemetry.ExporterStdout
		cfg.MetricExporter = telemetry.ExporterStdout
	case config.ExporterOTLP:
		cfg.TraceExporter = telemetry.ExporterOTLP
		cfg.MetricExporter = telemetry.ExporterPrometheus
	}
	return cfg
}

// path resolves p against the repository root.
func (a *app) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.repo, p)
}

func (a *app) storeDir() string {
	return a.path(a.cfg.Store.Dir)
}

func (a *app) logger() *slog.Logger {
	return a.log.Slog()
}

// openStore opens the configured backend. The caller closes it.
func (a *app) openStore() (store.KnowledgeStore, error) {
	switch a.cfg.Store.Backend {
	case config.BackendBadger:
		cfg := sklbadger.DefaultConfig(a.path(a.cfg.Store.BadgerPath))
		cfg.Logger = a.logger()
		return store.OpenBadgerStore(cfg, a.logger())
	default:
		return store.NewFileStore(a.storeDir(), a.logger())
	}
}

// storeLock returns the single-writer lock for the store directory.
func (a *app) storeLock() (*lock.StoreLock, error) {
	if err := os.MkdirAll(a.storeDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return lock.New(lock.Config{Dir: a.storeDir(), Logger: a.logger()})
}

// withStore opens the store, runs fn and closes it.
func (a *app) withStore(fn func(store.KnowledgeStore) error) error {
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// lockWait bounds how long a command waits for another writer.
const lockWait = 30 * time.Second

// withWriteLock holds the store lock around fn.
func (a *app) withWriteLock(ctx context.Context, sessionID, reason string, fn func() error) error {
	l, err := a.storeLock()
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, lockWait)
	err = l.AcquireWait(waitCtx, sessionID, reason)
	cancel()
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// readKnowledge reads the knowledge model, pointing at init when there is
// none yet.
func readKnowledge(ctx context.Context, s store.KnowledgeStore) (*knowledge.KnowledgeModel, error) {
	k, err := s.Read(ctx)
	if errors.Is(err, knowledge.ErrNotFound) {
		return nil, fmt.Errorf("%w: run 'skl init' first", err)
	}
	return k, err
}
