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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// Layout of a store directory.
const (
	KnowledgeFile = "knowledge.json"
	RFCDir        = "rfcs"
	ADRDir        = "adrs"
	SessionDir    = "sessions"

	// DefaultDir is the store directory relative to the repository root.
	DefaultDir = ".skl"

	tmpPrefix = ".tmp-"
)

// FileStore keeps each record as an indented JSON document:
//
//	<root>/knowledge.json
//	<root>/rfcs/RFC_001.json
//	<root>/adrs/ADR_001.json
//	<root>/sessions/session_001.json
//
// Every write goes to a temp file in the target directory and is renamed
// over the destination, so readers never see a partial document.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore opens the store rooted at dir, creating the record
// directories if needed. The knowledge file itself is not created.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{RFCDir, ADRDir, SessionDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &FileStore{root: dir, logger: logger.With(slog.String("store", dir))}, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string { return s.root }

// Close is a no-op; FileStore holds no handles.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) Read(ctx context.Context) (k *knowledge.KnowledgeModel, err error) {
	_, done := begin(ctx, "file", "read")
	defer func() { done(err) }()
	return readDoc(filepath.Join(s.root, KnowledgeFile), knowledge.DecodeKnowledge, KindKnowledge, "")
}

func (s *FileStore) Write(ctx context.Context, k *knowledge.KnowledgeModel) (err error) {
	_, done := begin(ctx, "file", "write")
	defer func() { done(err) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeDoc(filepath.Join(s.root, KnowledgeFile), k); err != nil {
		return err
	}
	s.logger.Debug("knowledge written",
		slog.Int("state_records", len(k.State)),
		slog.Int("queue", len(k.Queue)))
	return nil
}

func (s *FileStore) ListADRs(ctx context.Context) (adrs []knowledge.ADR, err error) {
	_, done := begin(ctx, "file", "list_adrs")
	defer func() { done(err) }()
	adrs, err = listDocs(filepath.Join(s.root, ADRDir), KindADR, knowledge.DecodeADR)
	if err != nil {
		return nil, err
	}
	sortBySeq(adrs, knowledge.PrefixADR, func(a knowledge.ADR) string { return a.ID })
	return adrs, nil
}

// WriteADR refuses an id that already has a document. The existence check
// and the rename are not atomic together; the store lock covers that gap.
func (s *FileStore) WriteADR(ctx context.Context, adr knowledge.ADR) (err error) {
	_, done := begin(ctx, "file", "write_adr", attribute.String("adr_id", adr.ID))
	defer func() { done(err) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := knowledge.Validate(&adr); err != nil {
		return err
	}
	path := filepath.Join(s.root, ADRDir, adr.ID+".json")
	if _, err := os.Stat(path); err == nil {
		return knowledge.NewGuardError("write_adr", "%s already exists; ADRs are append-only", adr.ID)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return s.writeDoc(path, adr)
}

func (s *FileStore) ListRFCs(ctx context.Context) (rfcs []knowledge.RFC, err error) {
	_, done := begin(ctx, "file", "list_rfcs")
	defer func() { done(err) }()
	rfcs, err = listDocs(filepath.Join(s.root, RFCDir), KindRFC, knowledge.DecodeRFC)
	if err != nil {
		return nil, err
	}
	sortBySeq(rfcs, knowledge.PrefixRFC, func(r knowledge.RFC) string { return r.ID })
	return rfcs, nil
}

func (s *FileStore) ReadRFC(ctx context.Context, id string) (r *knowledge.RFC, err error) {
	_, done := begin(ctx, "file", "read_rfc", attribute.String("rfc_id", id))
	defer func() { done(err) }()
	if err := checkDocID(id); err != nil {
		return nil, err
	}
	return readDoc(filepath.Join(s.root, RFCDir, id+".json"), knowledge.DecodeRFC, KindRFC, id)
}

func (s *FileStore) WriteRFC(ctx context.Context, r knowledge.RFC) (err error) {
	_, done := begin(ctx, "file", "write_rfc", attribute.String("rfc_id", r.ID))
	defer func() { done(err) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := knowledge.Validate(&r); err != nil {
		return err
	}
	return s.writeDoc(filepath.Join(s.root, RFCDir, r.ID+".json"), r)
}

func (s *FileStore) ReadSessionLog(ctx context.Context) (l *knowledge.SessionLog, err error) {
	_, done := begin(ctx, "file", "read_session_log")
	defer func() { done(err) }()
	names, err := docNames(filepath.Join(s.root, SessionDir))
	if err != nil {
		return nil, err
	}
	i := latestSeq(names, knowledge.PrefixSession)
	if i < 0 {
		return nil, &knowledge.NotFoundError{Kind: KindSessionLog}
	}
	return readDoc(filepath.Join(s.root, SessionDir, names[i]+".json"), knowledge.DecodeSessionLog, KindSessionLog, names[i])
}

func (s *FileStore) WriteSessionLog(ctx context.Context, l knowledge.SessionLog) (err error) {
	_, done := begin(ctx, "file", "write_session_log", attribute.String("session_id", l.SessionID))
	defer func() { done(err) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := knowledge.Validate(&l); err != nil {
		return err
	}
	return s.writeDoc(filepath.Join(s.root, SessionDir, l.SessionID+".json"), l)
}

// writeDoc validates and encodes v, then replaces path atomically.
func (s *FileStore) writeDoc(path string, v any) error {
	data, err := knowledge.Encode(v)
	if err != nil {
		var ve *knowledge.ValidationError
		if errors.As(err, &ve) {
			return ve.WithPath(path)
		}
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

func readDoc[T any](path string, decode func([]byte) (*T, error), kind, id string) (*T, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &knowledge.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := decode(data)
	if err != nil {
		var ve *knowledge.ValidationError
		if errors.As(err, &ve) {
			return nil, ve.WithPath(path)
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return v, nil
}

func listDocs[T any](dir, kind string, decode func([]byte) (*T, error)) ([]T, error) {
	names, err := docNames(dir)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(names))
	for _, name := range names {
		v, err := readDoc(filepath.Join(dir, name+".json"), decode, kind, name)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// docNames lists the record ids in dir: *.json files minus the extension,
// skipping temp files. A missing directory has no records.
func docNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) || filepath.Ext(name) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}

// checkDocID refuses ids that would escape the record directory.
func checkDocID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return &knowledge.NotFoundError{Kind: KindRFC, ID: id}
	}
	return nil
}
