// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrSessionActive means a live controller already owns the session id.
var ErrSessionActive = errors.New("session already active")

// Registry tracks live sessions by id so two controllers never run under
// the same id.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	active map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]time.Time)}
}

// Register claims id.
func (r *Registry) Register(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if since, ok := r.active[id]; ok {
		return fmt.Errorf("%w: %s since %s", ErrSessionActive, id, since.Format(time.RFC3339))
	}
	r.active[id] = now
	return nil
}

// Unregister releases id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// Active lists live session ids in sorted order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
