// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serializes summary-file writes across processes.
//
// # Description
//
// Several tools can accumulate the same telemetry root concurrently (a
// watcher, a CI step, an operator running the CLI by hand). A Guard takes
// an advisory lock on a sidecar file next to the summary so that only one
// writer rewrites the summary at a time. Locks are advisory: readers are
// never blocked.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrFileLocked indicates another live process holds the guard.
var ErrFileLocked = errors.New("lock file is held by another process")

// FileLocker abstracts platform-specific file locking.
//
// # Description
//
// Unix uses flock(2); Windows currently runs unguarded (see flock_windows.go).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
// Locking the same file from multiple goroutines is undefined behavior.
type FileLocker interface {
	// Lock acquires an exclusive, non-blocking lock on the file.
	// Returns ErrFileLocked if another holder exists.
	Lock(f *os.File) error

	// Unlock releases a previously acquired lock. Safe to call when
	// not locked.
	Unlock(f *os.File) error
}

// Guard is a held advisory lock on a summary sidecar file.
//
// # Description
//
// Created by Acquire. The sidecar records the holder's PID so a crashed
// writer's lock can be reclaimed. Release the guard with Release; a Guard
// is single-owner and not safe for concurrent use.
type Guard struct {
	path   string
	file   *os.File
	locker FileLocker
}

// Acquire takes the advisory lock at path, creating the sidecar if needed.
//
// # Description
//
// Non-blocking. If the lock is held, the sidecar's recorded PID is
// checked: a dead holder's lock is reclaimed once, a live holder yields
// ErrFileLocked.
//
// # Inputs
//
//   - path: Sidecar lock file path, conventionally "<summary>.lock".
//
// # Outputs
//
//   - *Guard: Held guard; call Release when the write completes.
//   - error: ErrFileLocked when contended, or the underlying I/O error.
func Acquire(path string) (*Guard, error) {
	locker := newFileLocker()

	g, err := tryAcquire(path, locker)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, ErrFileLocked) {
		return nil, err
	}

	pid, ok := readHolderPID(path)
	if ok && !IsProcessAlive(pid) {
		// Holder died without releasing: reclaim once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("reclaiming stale lock %s: %w", path, rmErr)
		}
		return tryAcquire(path, locker)
	}
	return nil, err
}

func tryAcquire(path string, locker FileLocker) (*Guard, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := locker.Lock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrFileLocked) {
			return nil, fmt.Errorf("%s: %w", path, ErrFileLocked)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	// Record the holder for stale-lock detection. Failure to stamp the
	// PID does not invalidate the held flock.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	_ = f.Sync()

	return &Guard{path: path, file: f, locker: locker}, nil
}

// Release unlocks and removes the sidecar.
//
// # Description
//
// Idempotent: releasing an already-released guard is a no-op. The sidecar
// removal is best-effort; a leftover file without a held flock does not
// block future writers.
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	unlockErr := g.locker.Unlock(g.file)
	closeErr := g.file.Close()
	g.file = nil
	_ = os.Remove(g.path)
	return errors.Join(unlockErr, closeErr)
}

// Path returns the sidecar path the guard holds.
func (g *Guard) Path() string {
	return g.path
}

// IsProcessAlive reports whether a process with the given PID is running.
//
// # Description
//
// Used for stale lock detection. On Unix this sends signal 0.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessAlive(pid)
}

func readHolderPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// newFileLocker returns the platform-appropriate FileLocker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}
