// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lock enforces a single writer per knowledge store.
//
// A review pass holds the store lock from the moment it reads the
// knowledge model until its one commit completes. The lock is an advisory
// flock(2) on a file inside the store directory; the file also carries a
// JSON description of the holder so a refused caller can report who has it.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FileName is the lock file created inside the store directory.
const FileName = "skl.lock"

// DefaultTTL bounds how long a holder's claim is trusted when the
// platform has no flock.
const DefaultTTL = time.Hour

// Info describes a lock holder.
type Info struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the claim has passed its TTL at now.
func (i *Info) IsExpired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Config configures a StoreLock.
type Config struct {
	// Dir is the store directory. Required.
	Dir string

	// TTL is written into the holder info. Defaults to DefaultTTL.
	TTL time.Duration

	// RetryInterval is the first wait between attempts in AcquireWait.
	// Defaults to 100ms.
	RetryInterval time.Duration

	Logger *slog.Logger
}

// StoreLock guards one store directory.
//
// Thread Safety: Safe for concurrent use. A StoreLock holds at most one
// lock at a time; Acquire on a held StoreLock fails with ErrLocked.
type StoreLock struct {
	path          string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger

	mu   sync.Mutex
	file *os.File
	info *Info
}

// New creates a StoreLock for cfg.Dir. The directory must exist.
func New(cfg Config) (*StoreLock, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lock directory is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StoreLock{
		path:          filepath.Join(cfg.Dir, FileName),
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger,
	}, nil
}

// Path returns the lock file path.
func (l *StoreLock) Path() string { return l.path }

// Acquire takes the lock without waiting.
//
// Outputs:
//
//	error - *LockedError wrapping ErrLocked if another holder has it.
func (l *StoreLock) Acquire(sessionID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return &LockedError{Path: l.path, Holder: l.info, Err: ErrLocked}
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}
	if err := tryLock(f); err != nil {
		holder, _ := readInfo(f)
		f.Close()
		if errors.Is(err, ErrLocked) {
			return &LockedError{Path: l.path, Holder: holder, Err: ErrLocked}
		}
		return fmt.Errorf("locking %s: %w", l.path, err)
	}

	now := time.Now()
	if !flockSupported {
		if prev, err := readInfo(f); err == nil && prev != nil &&
			prev.PID != os.Getpid() && isProcessAlive(prev.PID) && !prev.IsExpired(now) {
			f.Close()
			return &LockedError{Path: l.path, Holder: prev, Err: ErrLocked}
		}
	}

	info := &Info{
		PID:       os.Getpid(),
		SessionID: sessionID,
		Reason:    reason,
		LockedAt:  now,
		ExpiresAt: now.Add(l.ttl),
	}
	if err := writeInfo(f, info); err != nil {
		_ = unlock(f)
		f.Close()
		return fmt.Errorf("writing lock info: %w", err)
	}

	l.file = f
	l.info = info
	l.logger.Debug("acquired store lock", "path", l.path, "session_id", sessionID, "reason", reason)
	return nil
}

// AcquireWait retries Acquire with exponential backoff until it succeeds,
// a non-lock error occurs, or ctx ends.
func (l *StoreLock) AcquireWait(ctx context.Context, sessionID, reason string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.retryInterval
	eb.MaxElapsedTime = 0

	var last error
	op := func() error {
		last = l.Acquire(sessionID, reason)
		if last != nil && !errors.Is(last, ErrLocked) {
			return backoff.Permanent(last)
		}
		return last
	}
	err := backoff.Retry(op, backoff.WithContext(eb, ctx))
	if err != nil && ctx.Err() != nil && errors.Is(last, ErrLocked) {
		return fmt.Errorf("waiting for store lock: %w", errors.Join(ctx.Err(), last))
	}
	return err
}

// Release clears the holder info and drops the lock. The lock file stays
// in place so that concurrent openers always flock the same inode.
func (l *StoreLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrNotHeld
	}
	f := l.file
	l.file = nil
	l.info = nil

	if err := f.Truncate(0); err != nil {
		l.logger.Warn("failed to clear lock info", "path", l.path, "error", err)
	}
	if err := unlock(f); err != nil {
		l.logger.Warn("failed to unlock store", "path", l.path, "error", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing lock file: %w", err)
	}
	l.logger.Debug("released store lock", "path", l.path)
	return nil
}

// Holder reports the recorded holder of the lock file, or nil if it is
// free or unreadable.
func (l *StoreLock) Holder() *Info {
	l.mu.Lock()
	if l.info != nil {
		info := *l.info
		l.mu.Unlock()
		return &info
	}
	l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()
	info, err := readInfo(f)
	if err != nil {
		return nil
	}
	return info
}

func writeInfo(f *os.File, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

func readInfo(f *os.File) (*Info, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, nil
	}
	data := make([]byte, st.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
