// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"errors"
	"fmt"
)

// Sentinel errors for store locking.
var (
	// ErrLocked indicates another process holds the store lock.
	ErrLocked = errors.New("knowledge store is locked by another process")

	// ErrNotHeld indicates a release of a lock this handle no longer holds.
	ErrNotHeld = errors.New("lock not held")
)

// LockedError describes the current holder of a contested lock.
type LockedError struct {
	Path   string
	Holder *Info
	Err    error
}

// Error returns a human-readable error message.
func (e *LockedError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("%s is locked by PID %d (session %s) since %s: %v",
			e.Path, e.Holder.PID, e.Holder.SessionID,
			e.Holder.LockedAt.Format("15:04:05"), e.Err)
	}
	return fmt.Sprintf("%s is locked: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LockedError) Unwrap() error {
	return e.Err
}
