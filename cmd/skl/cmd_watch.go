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
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/skl/services/skl/digest"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/server"
	"github.com/AleutianAI/skl/services/skl/store"
	"github.com/AleutianAI/skl/services/skl/telemetry"
)

// DefaultDigestFile is where watch writes digests, inside the store
// directory.
const DefaultDigestFile = "digest.md"

type watchOptions struct {
	addr      string
	digestOut string
	review    bool
	noHTTP    bool
	debounce  time.Duration
}

func newWatchCmd(a *app) *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Serve the read API and react to knowledge store changes",
		Long: `watch serves the digest, queue and RFCs over HTTP together with /metrics
and /healthz, and watches the store directory. When the knowledge model
changes it regenerates the digest once one is due and, with --review, runs
a review pass whenever the set of pending proposals changes.

Change watching needs the file backend; with badger only the HTTP API runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.addr == "" {
				opts.addr = a.cfg.Telemetry.MetricsAddr
			}
			if opts.digestOut == "" {
				opts.digestOut = DefaultDigestFile
			}
			return a.withStore(func(s store.KnowledgeStore) error {
				return a.watch(cmd.Context(), s, opts)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "", "HTTP listen address (default telemetry.metrics_addr)")
	f.StringVar(&opts.digestOut, "digest-out", "", "digest file, relative to the store directory (default digest.md)")
	f.BoolVar(&opts.review, "review", false, "run a review pass when pending proposals change")
	f.BoolVar(&opts.noHTTP, "no-http", false, "do not serve HTTP")
	f.DurationVar(&opts.debounce, "debounce", store.DefaultDebounce, "quiet period before reacting to changes")
	return cmd
}

func (a *app) watch(ctx context.Context, s store.KnowledgeStore, opts watchOptions) error {
	inst, err := telemetry.NewInstruments(otel.Meter("skl.watch"))
	if err != nil {
		return err
	}
	w := &watcher{app: a, store: s, inst: inst, opts: opts}

	g, ctx := errgroup.WithContext(ctx)
	if !opts.noHTTP {
		h := server.NewHandlers(s,
			server.WithReviewThreshold(a.cfg.ReviewThreshold),
			server.WithLogger(a.logger()))
		srv := server.New(opts.addr, server.NewRouter(h), a.logger())
		g.Go(func() error { return srv.Run(ctx) })
		a.out.Info("serving on http://%s", opts.addr)
	}

	fileStore, ok := s.(*store.FileStore)
	switch {
	case ok:
		// Catch up with anything that changed while nobody was watching.
		w.onKnowledgeChanged(ctx)
		g.Go(func() error {
			return fileStore.Watch(ctx, opts.debounce, func(changes []store.Change) { w.handle(ctx, changes) })
		})
		a.out.Info("watching %s", fileStore.Root())
	case opts.noHTTP:
		return errors.New("nothing to do: change watching needs the file backend and --no-http is set")
	default:
		a.logger().Warn("store backend does not support change watching", "backend", a.cfg.Store.Backend)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type watcher struct {
	*app
	store store.KnowledgeStore
	inst  *telemetry.Instruments
	opts  watchOptions

	// lastPending is the pending set the last review pass started from.
	lastPending string
}

func (w *watcher) handle(ctx context.Context, changes []store.Change) {
	knowledgeChanged := false
	for _, c := range changes {
		w.inst.StoreChanges.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", c.Kind),
			attribute.String("op", string(c.Op)),
		))
		w.logger().Debug("store changed", "kind", c.Kind, "id", c.ID, "op", c.Op)
		if c.Kind == store.KindKnowledge && c.Op == store.ChangeWritten {
			knowledgeChanged = true
		}
	}
	if knowledgeChanged {
		w.onKnowledgeChanged(ctx)
	}
}

func (w *watcher) onKnowledgeChanged(ctx context.Context) {
	k, err := w.store.Read(ctx)
	if errors.Is(err, knowledge.ErrNotFound) {
		return
	}
	if err != nil {
		w.logger().Error("reload knowledge model", "error", err)
		return
	}
	pending := k.PendingProposals()
	w.inst.PendingProposals.Record(ctx, int64(len(pending)))

	if err := w.maybeWriteDigest(ctx, k); err != nil {
		w.logger().Error("write digest", "error", err)
	}
	if w.opts.review && len(pending) > 0 {
		w.maybeReview(ctx, pending)
	}
}

func (w *watcher) digestPath() string {
	if filepath.IsAbs(w.opts.digestOut) {
		return w.opts.digestOut
	}
	return filepath.Join(w.storeDir(), w.opts.digestOut)
}

func (w *watcher) maybeWriteDigest(ctx context.Context, k *knowledge.KnowledgeModel) error {
	path := w.digestPath()
	last, err := lastWritten(path)
	if err != nil {
		return err
	}
	if !digest.ShouldTriggerDigest(k, last) {
		return nil
	}
	d := digest.GenerateWithThreshold(k, time.Now(), w.cfg.ReviewThreshold)
	if err := writeDigestFile(path, d, FormatMarkdown); err != nil {
		return err
	}
	trigger := "interval"
	if last == nil {
		trigger = "initial"
	}
	w.inst.DigestsGenerated.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	w.logger().Info("digest written", "path", path, "trigger", trigger)
	return nil
}

// maybeReview runs a pass unless the pending set is the one the previous
// pass started from, which happens when that pass deferred proposals.
func (w *watcher) maybeReview(ctx context.Context, pending []string) {
	ids := slices.Clone(pending)
	slices.Sort(ids)
	key := strings.Join(ids, ",")
	if key == w.lastPending {
		return
	}
	w.lastPending = key

	ctrl, err := w.newController(w.store, w.cfg.Budget)
	if err != nil {
		w.logger().Error("build session controller", "error", err)
		return
	}
	report, err := ctrl.Run(ctx)
	if err != nil {
		w.logger().Error("review pass failed", "error", err)
		return
	}
	w.logger().Info("review pass finished",
		"session_id", report.Log.SessionID,
		"reviewed", report.Log.ProposalsReviewed,
		"stop_reason", report.Log.StopReason)
}
