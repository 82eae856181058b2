// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lock

import (
	"os"
)

// WindowsFileLocker is a no-op FileLocker.
//
// # Description
//
// Summary writes on Windows currently run unguarded. Accumulation there
// is single-writer in practice (no watcher deployment), and an unguarded
// write degrades to last-writer-wins on a whole-file rename.
// TODO: guard with LockFileEx once a Windows accumulator target exists.
type WindowsFileLocker struct{}

// Lock is a no-op on Windows.
func (l *WindowsFileLocker) Lock(f *os.File) error {
	return nil
}

// Unlock is a no-op on Windows.
func (l *WindowsFileLocker) Unlock(f *os.File) error {
	return nil
}

// isProcessAlive assumes liveness; stale-lock reclaim never triggers
// because Lock never contends.
func isProcessAlive(pid int) bool {
	return true
}

// newPlatformLocker returns the no-op locker.
func newPlatformLocker() FileLocker {
	return &WindowsFileLocker{}
}
