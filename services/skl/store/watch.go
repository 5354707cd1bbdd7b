// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeOp is what happened to a record document.
type ChangeOp string

const (
	ChangeWritten ChangeOp = "written"
	ChangeRemoved ChangeOp = "removed"
)

// Change is one record document that changed on disk.
type Change struct {
	// Kind is KindKnowledge, KindRFC, KindADR or KindSessionLog.
	Kind string

	// ID is the record id, empty for the knowledge model.
	ID string

	Op   ChangeOp
	Time time.Time
}

// DefaultDebounce is the quiet period Watch waits for before delivering a
// batch.
const DefaultDebounce = 200 * time.Millisecond

// Watch calls handler with batches of record changes until ctx is done.
//
// Description:
//
//	Watches the store root and its record directories. Events are mapped
//	to record kinds, temp files are ignored, and changes are collected
//	until debounce passes with no new event. Each batch holds at most one
//	Change per record, the latest. A final batch is flushed when ctx ends.
//	Writes made through any FileStore, including other processes, are
//	reported; the atomic rename shows up as a single write.
//
// Inputs:
//
//	ctx - Cancelling it stops the watch.
//	debounce - Quiet period; zero uses DefaultDebounce.
//	handler - Called from the watch goroutine, never concurrently.
//
// Outputs:
//
//	error - Non-nil if the watch could not be set up. Nil once ctx ends.
func (s *FileStore) Watch(ctx context.Context, debounce time.Duration, handler func([]Change)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range []string{s.root, filepath.Join(s.root, RFCDir), filepath.Join(s.root, ADRDir), filepath.Join(s.root, SessionDir)} {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	var (
		batch  []Change
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func() {
		if len(batch) > 0 {
			handler(dedupeChanges(batch))
			batch = nil
		}
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				flush()
				return nil
			}
			c, ok := s.classify(ev)
			if !ok {
				continue
			}
			batch = append(batch, c)
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		case err, ok := <-w.Errors:
			if !ok {
				flush()
				return nil
			}
			s.logger.Warn("store watch error", slog.String("error", err.Error()))
		}
	}
}

// classify maps a filesystem event to a record change.
func (s *FileStore) classify(ev fsnotify.Event) (Change, bool) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, tmpPrefix) || filepath.Ext(name) != ".json" || ev.Op == fsnotify.Chmod {
		return Change{}, false
	}
	op := ChangeWritten
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		op = ChangeRemoved
	}
	c := Change{Op: op, Time: time.Now()}

	dir := filepath.Clean(filepath.Dir(ev.Name))
	id := strings.TrimSuffix(name, ".json")
	switch dir {
	case filepath.Clean(s.root):
		if name != KnowledgeFile {
			return Change{}, false
		}
		c.Kind = KindKnowledge
	case filepath.Join(s.root, RFCDir):
		c.Kind, c.ID = KindRFC, id
	case filepath.Join(s.root, ADRDir):
		c.Kind, c.ID = KindADR, id
	case filepath.Join(s.root, SessionDir):
		c.Kind, c.ID = KindSessionLog, id
	default:
		return Change{}, false
	}
	return c, true
}

// dedupeChanges keeps the latest change per record, in first-seen order.
func dedupeChanges(changes []Change) []Change {
	seen := make(map[string]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		key := c.Kind + "/" + c.ID
		if i, ok := seen[key]; ok {
			out[i] = c
			continue
		}
		seen[key] = len(out)
		out = append(out, c)
	}
	return out
}
