// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists the knowledge model, RFCs, ADRs and session logs.
//
// Two backends implement KnowledgeStore: FileStore keeps one JSON document
// per record under a .skl directory, BadgerStore keeps the same documents
// in an embedded BadgerDB. Both validate every payload on read and on
// write, report absent records as *knowledge.NotFoundError and refuse to
// overwrite an existing ADR with a *knowledge.GuardError.
//
// Neither backend serialises writers. The session controller holds a
// lock.StoreLock around every pass.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/session"
	"github.com/AleutianAI/skl/services/skl/statewriter"
)

// KnowledgeStore is the persistence contract of the arbitration engine.
type KnowledgeStore interface {
	// Read returns the knowledge model.
	Read(ctx context.Context) (*knowledge.KnowledgeModel, error)

	// Write replaces the knowledge model atomically.
	Write(ctx context.Context, k *knowledge.KnowledgeModel) error

	// ListADRs returns every ADR in id order.
	ListADRs(ctx context.Context) ([]knowledge.ADR, error)

	// WriteADR stores a new ADR. Existing ids are refused.
	WriteADR(ctx context.Context, adr knowledge.ADR) error

	// ListRFCs returns every RFC in id order.
	ListRFCs(ctx context.Context) ([]knowledge.RFC, error)

	// ReadRFC returns one RFC.
	ReadRFC(ctx context.Context, id string) (*knowledge.RFC, error)

	// WriteRFC creates or replaces an RFC.
	WriteRFC(ctx context.Context, r knowledge.RFC) error

	// ReadSessionLog returns the session log with the highest sequence
	// number.
	ReadSessionLog(ctx context.Context) (*knowledge.SessionLog, error)

	// WriteSessionLog stores a session log under its session id.
	WriteSessionLog(ctx context.Context, l knowledge.SessionLog) error

	// Close releases the backend.
	Close() error
}

var (
	_ KnowledgeStore            = (*FileStore)(nil)
	_ KnowledgeStore            = (*BadgerStore)(nil)
	_ session.Store             = KnowledgeStore(nil)
	_ statewriter.DecisionStore = KnowledgeStore(nil)
)

// Record kinds, as used in NotFoundError.Kind and Change.Kind.
const (
	KindKnowledge  = "knowledge"
	KindRFC        = "rfc"
	KindADR        = "adr"
	KindSessionLog = "session_log"
)

var tracer = otel.Tracer("skl.store")

// begin opens a span named store.<backend>.<op> and returns the func that
// ends it and records the operation. Absent records are not span errors.
func begin(ctx context.Context, backend, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "store."+backend+"."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil && !errors.Is(err, knowledge.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		recordOperation(backend, op, err, time.Since(start))
	}
}

// sortBySeq orders ids by their numeric suffix so RFC_1000 follows RFC_999.
func sortBySeq[T any](items []T, prefix string, id func(T) string) {
	slices.SortStableFunc(items, func(a, b T) int {
		na, _ := knowledge.ParseSeqID(prefix, id(a))
		nb, _ := knowledge.ParseSeqID(prefix, id(b))
		return na - nb
	})
}

// latestSeq returns the index of the id with the highest sequence number,
// or -1.
func latestSeq(ids []string, prefix string) int {
	best, bestN := -1, -1
	for i, id := range ids {
		if n, ok := knowledge.ParseSeqID(prefix, id); ok && n > bestN {
			best, bestN = i, n
		}
	}
	return best
}
