// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Recorder is an in-memory slog.Handler for tests.
//
// Description:
//
//	Captures every record at or above Debug. Child handlers created with
//	WithAttrs share the parent's buffer, so assertions can be made on the
//	recorder regardless of how the logger was derived.
//
// Thread Safety: Safe for concurrent use.
type Recorder struct {
	state *recorderState
	attrs []slog.Attr
	group string
}

type recorderState struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{state: &recorderState{}}
}

// Logger returns a *slog.Logger writing into the recorder.
func (r *Recorder) Logger() *slog.Logger {
	return slog.New(r)
}

// Entries returns a copy of the captured records.
func (r *Recorder) Entries() []Entry {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	out := make([]Entry, len(r.state.entries))
	copy(out, r.state.entries)
	return out
}

// Count returns how many records at exactly level contain msg as their message.
func (r *Recorder) Count(level slog.Level, msg string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}

// Enabled implements slog.Handler.
func (r *Recorder) Enabled(context.Context, slog.Level) bool { return true }

// Handle implements slog.Handler.
func (r *Recorder) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]any, rec.NumAttrs()+len(r.attrs))
	for _, a := range r.attrs {
		attrs[r.key(a.Key)] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[r.key(a.Key)] = a.Value.Any()
		return true
	})

	r.state.mu.Lock()
	r.state.entries = append(r.state.entries, Entry{
		Time:    rec.Time,
		Level:   rec.Level,
		Message: rec.Message,
		Attrs:   attrs,
	})
	r.state.mu.Unlock()
	return nil
}

// WithAttrs implements slog.Handler.
func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, 0, len(r.attrs)+len(attrs))
	next = append(next, r.attrs...)
	next = append(next, attrs...)
	return &Recorder{state: r.state, attrs: next, group: r.group}
}

// WithGroup implements slog.Handler.
func (r *Recorder) WithGroup(name string) slog.Handler {
	g := name
	if r.group != "" {
		g = r.group + "." + name
	}
	return &Recorder{state: r.state, attrs: r.attrs, group: g}
}

func (r *Recorder) key(k string) string {
	if r.group == "" {
		return k
	}
	return r.group + "." + k
}
