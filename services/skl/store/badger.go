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
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/skl/services/skl/knowledge"
	sklbadger "github.com/AleutianAI/skl/services/skl/storage/badger"
)

// Key layout. Values are the same JSON documents FileStore writes.
const (
	keyKnowledge     = "knowledge"
	rfcKeyPrefix     = "rfc/"
	adrKeyPrefix     = "adr/"
	sessionKeyPrefix = "session/"
)

// BadgerStore keeps records in an embedded BadgerDB. Each write is one
// transaction.
type BadgerStore struct {
	db     *sklbadger.DB
	logger *slog.Logger
}

// NewBadgerStore wraps an open database. The store owns db from here on;
// Close closes it.
func NewBadgerStore(db *sklbadger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}
}

// OpenBadgerStore opens the database described by cfg and wraps it.
func OpenBadgerStore(cfg sklbadger.Config, logger *slog.Logger) (*BadgerStore, error) {
	db, err := sklbadger.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db, logger), nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Read(ctx context.Context) (k *knowledge.KnowledgeModel, err error) {
	ctx, done := begin(ctx, "badger", "read")
	defer func() { done(err) }()
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		k, err = getDoc(txn, keyKnowledge, knowledge.DecodeKnowledge, KindKnowledge, "")
		return err
	})
	return k, err
}

func (s *BadgerStore) Write(ctx context.Context, k *knowledge.KnowledgeModel) (err error) {
	ctx, done := begin(ctx, "badger", "write")
	defer func() { done(err) }()
	return s.put(ctx, keyKnowledge, k, false)
}

func (s *BadgerStore) ListADRs(ctx context.Context) (adrs []knowledge.ADR, err error) {
	ctx, done := begin(ctx, "badger", "list_adrs")
	defer func() { done(err) }()
	adrs, err = scanDocs(ctx, s.db, adrKeyPrefix, knowledge.DecodeADR)
	if err != nil {
		return nil, err
	}
	sortBySeq(adrs, knowledge.PrefixADR, func(a knowledge.ADR) string { return a.ID })
	return adrs, nil
}

func (s *BadgerStore) WriteADR(ctx context.Context, adr knowledge.ADR) (err error) {
	ctx, done := begin(ctx, "badger", "write_adr", attribute.String("adr_id", adr.ID))
	defer func() { done(err) }()
	return s.put(ctx, adrKeyPrefix+adr.ID, adr, true)
}

func (s *BadgerStore) ListRFCs(ctx context.Context) (rfcs []knowledge.RFC, err error) {
	ctx, done := begin(ctx, "badger", "list_rfcs")
	defer func() { done(err) }()
	rfcs, err = scanDocs(ctx, s.db, rfcKeyPrefix, knowledge.DecodeRFC)
	if err != nil {
		return nil, err
	}
	sortBySeq(rfcs, knowledge.PrefixRFC, func(r knowledge.RFC) string { return r.ID })
	return rfcs, nil
}

func (s *BadgerStore) ReadRFC(ctx context.Context, id string) (r *knowledge.RFC, err error) {
	ctx, done := begin(ctx, "badger", "read_rfc", attribute.String("rfc_id", id))
	defer func() { done(err) }()
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		r, err = getDoc(txn, rfcKeyPrefix+id, knowledge.DecodeRFC, KindRFC, id)
		return err
	})
	return r, err
}

func (s *BadgerStore) WriteRFC(ctx context.Context, r knowledge.RFC) (err error) {
	ctx, done := begin(ctx, "badger", "write_rfc", attribute.String("rfc_id", r.ID))
	defer func() { done(err) }()
	return s.put(ctx, rfcKeyPrefix+r.ID, r, false)
}

func (s *BadgerStore) ReadSessionLog(ctx context.Context) (l *knowledge.SessionLog, err error) {
	ctx, done := begin(ctx, "badger", "read_session_log")
	defer func() { done(err) }()
	logs, err := scanDocs(ctx, s.db, sessionKeyPrefix, knowledge.DecodeSessionLog)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(logs))
	for i := range logs {
		ids[i] = logs[i].SessionID
	}
	i := latestSeq(ids, knowledge.PrefixSession)
	if i < 0 {
		return nil, &knowledge.NotFoundError{Kind: KindSessionLog}
	}
	return &logs[i], nil
}

func (s *BadgerStore) WriteSessionLog(ctx context.Context, l knowledge.SessionLog) (err error) {
	ctx, done := begin(ctx, "badger", "write_session_log", attribute.String("session_id", l.SessionID))
	defer func() { done(err) }()
	return s.put(ctx, sessionKeyPrefix+l.SessionID, l, false)
}

// put validates, encodes and stores v under key in one transaction. With
// exclusive set an existing key is a guard violation.
func (s *BadgerStore) put(ctx context.Context, key string, v any, exclusive bool) error {
	data, err := knowledge.Encode(v)
	if err != nil {
		var ve *knowledge.ValidationError
		if errors.As(err, &ve) {
			return ve.WithPath(key)
		}
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if exclusive {
			_, err := txn.Get([]byte(key))
			if err == nil {
				return knowledge.NewGuardError("write_adr", "%s already exists; ADRs are append-only", key[len(adrKeyPrefix):])
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("get %s: %w", key, err)
			}
		}
		if err := txn.Set([]byte(key), data); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return nil
	})
}

func getDoc[T any](txn *badger.Txn, key string, decode func([]byte) (*T, error), kind, id string) (*T, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &knowledge.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var v *T
	err = item.Value(func(val []byte) error {
		v, err = decodeValue(key, val, decode)
		return err
	})
	return v, err
}

func scanDocs[T any](ctx context.Context, db *sklbadger.DB, prefix string, decode func([]byte) (*T, error)) ([]T, error) {
	var out []T
	err := db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return sklbadger.ScanPrefix(txn, []byte(prefix), func(key, val []byte) error {
			v, err := decodeValue(string(key), val, decode)
			if err != nil {
				return err
			}
			out = append(out, *v)
			return nil
		})
	})
	return out, err
}

func decodeValue[T any](key string, val []byte, decode func([]byte) (*T, error)) (*T, error) {
	v, err := decode(val)
	if err != nil {
		var ve *knowledge.ValidationError
		if errors.As(err, &ve) {
			return nil, ve.WithPath(key)
		}
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}
