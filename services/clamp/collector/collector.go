// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collector provides the shared, thread-safe telemetry log that
// anchors record critical-section acquisitions into.
//
// One Collector instance per run/session; many anchors on many goroutines
// append concurrently. Records are append-only: a record id returned by
// RecordAcquire stays valid for the collector's lifetime and is completed
// by exactly one RecordRelease.
package collector

import (
	"bytes"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is one critical-section acquisition.
//
// Description:
//
//	Created at acquire time and finalized at release time. ReleasedAt is the
//	zero time while the acquisition is in flight (held or leaked); DurationMs
//	is meaningful only once ReleasedAt is set.
//
// Thread Safety: Records are value types; the Collector guards its own copy.
type Record struct {
	// Context labels the guarded operation.
	Context string

	// Seed is the entropy fingerprint drawn at acquire time.
	Seed uint64

	// ThreadID identifies the recording goroutine.
	ThreadID string

	// Backend is the compute backend tag ("CPU", "HIP", ...).
	Backend string

	// DeviceName is the device identity behind the backend.
	DeviceName string

	// AcquiredAt is the UTC acquire instant.
	AcquiredAt time.Time

	// ReleasedAt is the UTC release instant; zero while in flight.
	ReleasedAt time.Time

	// DurationMs is the held duration in milliseconds.
	DurationMs float64

	// StabilityScore is the per-acquisition stability value set at release.
	StabilityScore float64
}

// -----------------------------------------------------------------------------
// Collector
// -----------------------------------------------------------------------------

// DefaultBackend is stamped on records when no backend tag was ever set.
const DefaultBackend = "CPU"

// DefaultDevice is used when the host name cannot be resolved.
const DefaultDevice = "unspecified"

// Collector is a thread-safe append-only telemetry log.
//
// Description:
//
//	A single Collector is shared by many anchors across goroutines. All
//	public operations take the internal mutex for the in-memory mutation
//	only; serialization copies a snapshot out first so the lock is never
//	held across filesystem I/O.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	sessionID string
	backend   string
	device    string
	records   []Record
}

// New creates an empty collector with a fresh session ID.
func New() *Collector {
	return &Collector{sessionID: uuid.NewString()}
}

// SessionID returns the collector's session identity.
func (c *Collector) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Count returns the number of records, in-flight included.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// RecordAcquire appends a new in-flight record.
//
// Description:
//
//	Stamps the record with AcquiredAt = now (UTC), the recording goroutine's
//	identity, and the collector's current backend/device tag (defaulting to
//	"CPU" and the host name when never set). The returned id is a stable
//	index completing exactly this record; it is private to the caller, so
//	finishing a specific record never races with concurrent acquires.
//
// Inputs:
//   - context: Label of the guarded operation.
//   - seed: Entropy fingerprint for this acquisition.
//
// Outputs:
//   - int: Record id for the matching RecordRelease call.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) RecordAcquire(context string, seed uint64) int {
	tid := goroutineID()
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	rec := Record{
		Context:    context,
		Seed:       seed,
		ThreadID:   tid,
		Backend:    orDefault(c.backend, DefaultBackend),
		DeviceName: orDefault(c.device, hostDevice),
		AcquiredAt: now,
	}
	c.records = append(c.records, rec)
	return len(c.records) - 1
}

// RecordRelease finalizes a previously acquired record.
//
// Description:
//
//	Sets ReleasedAt = now, DurationMs = now − AcquiredAt, the stability
//	score, and refreshes the backend/device tag from current collector
//	state. An out-of-range id, such as a stale handle held across a
//	reset, is a silent no-op.
//
// Inputs:
//   - id: Record id returned by RecordAcquire.
//   - context: Label confirmation carried on the release.
//   - seed: Seed confirmation carried on the release.
//   - stability: Per-acquisition stability score.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) RecordRelease(id int, context string, seed uint64, stability float64) {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	if id < 0 || id >= len(c.records) {
		return
	}

	rec := &c.records[id]
	rec.Context = context
	rec.Seed = seed
	rec.ReleasedAt = now
	rec.DurationMs = float64(now.Sub(rec.AcquiredAt).Microseconds()) / 1000.0
	rec.StabilityScore = stability
	rec.Backend = orDefault(c.backend, DefaultBackend)
	rec.DeviceName = orDefault(c.device, hostDevice)
}

// SetBackendMetadata sets the sticky backend/device tag.
//
// Description:
//
//	If either value changes, the new tag is back-filled onto every record
//	already stored, so late-discovered backend identity stays consistent
//	across the whole collector.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) SetBackendMetadata(backend, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := backend != c.backend || device != c.device
	c.backend = backend
	c.device = device
	if changed {
		c.backfillLocked()
	}
}

// EnsureBackendTag sets backend/device only where currently unset.
//
// Description:
//
//	Unlike SetBackendMetadata this never overwrites an existing tag; it is
//	the hook for opportunistic identity discovery (e.g., the first
//	accelerator probe). Newly set fields are back-filled onto stored
//	records.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) EnsureBackendTag(backend, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	if c.backend == "" && backend != "" {
		c.backend = backend
		changed = true
	}
	if c.device == "" && device != "" {
		c.device = device
		changed = true
	}
	if changed {
		c.backfillLocked()
	}
}

// backfillLocked restamps every record with the current tag. Caller holds mu.
func (c *Collector) backfillLocked() {
	backend := orDefault(c.backend, DefaultBackend)
	device := orDefault(c.device, hostDevice)
	for i := range c.records {
		c.records[i].Backend = backend
		c.records[i].DeviceName = device
	}
}

// Backend returns the effective backend tag.
func (c *Collector) Backend() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return orDefault(c.backend, DefaultBackend)
}

// DeviceName returns the effective device tag.
func (c *Collector) DeviceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return orDefault(c.device, hostDevice)
}

// Merge absorbs another collector.
//
// Description:
//
//	Takes other's backend/device metadata only where this collector's own
//	metadata is unset, then appends other's records verbatim (no
//	deduplication). The two collectors are locked in separate scopes, so
//	cross-merging from two goroutines cannot deadlock.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) Merge(other *Collector) {
	if other == nil || other == c {
		return
	}

	other.mu.Lock()
	backend := other.backend
	device := other.device
	records := make([]Record, len(other.records))
	copy(records, other.records)
	other.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend == "" {
		c.backend = backend
	}
	if c.device == "" {
		c.device = device
	}
	c.records = append(c.records, records...)
}

// MergeRecords appends records verbatim.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) MergeRecords(records []Record) {
	if len(records) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, records...)
}

// AlignToReference shifts all timestamps onto a common timeline.
//
// Description:
//
//	Finds the earliest AcquiredAt among current records and shifts every
//	AcquiredAt/ReleasedAt by the constant delta mapping that earliest
//	instant to ref. Relative durations and ordering are preserved. Used to
//	normalize independently-clocked sessions before comparison. No-op when
//	the collector has no timestamped records.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) AlignToReference(ref time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var earliest time.Time
	for i := range c.records {
		at := c.records[i].AcquiredAt
		if at.IsZero() {
			continue
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	if earliest.IsZero() {
		return
	}

	delta := ref.Sub(earliest)
	for i := range c.records {
		if !c.records[i].AcquiredAt.IsZero() {
			c.records[i].AcquiredAt = c.records[i].AcquiredAt.Add(delta)
		}
		if !c.records[i].ReleasedAt.IsZero() {
			c.records[i].ReleasedAt = c.records[i].ReleasedAt.Add(delta)
		}
	}
}

// Snapshot returns a copy of all records.
//
// Thread Safety: Safe for concurrent use; the copy is the caller's own.
func (c *Collector) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// MeanStability returns the mean stability score across all records, 0 if none.
func (c *Collector) MeanStability() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return meanStability(c.records)
}

func meanStability(records []Record) float64 {
	if len(records) == 0 {
		return 0
	}
	sum := 0.0
	for i := range records {
		sum += records[i].StabilityScore
	}
	return sum / float64(len(records))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// hostDevice is the default device tag, resolved once at startup.
var hostDevice = func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return DefaultDevice
	}
	return h
}()

var goroutinePrefix = []byte("goroutine ")

// goroutineID extracts the runtime's goroutine number from the stack header.
// The value is only a telemetry label; nothing keys off it.
func goroutineID() string {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	s := buf[:n]
	s = bytes.TrimPrefix(s, goroutinePrefix)
	if i := bytes.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return string(s)
}
