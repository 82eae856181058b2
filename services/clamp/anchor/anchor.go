// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package anchor implements the scoped critical-section guard that emits
// acquisition telemetry.
//
// An Anchor enforces a strict lock/release protocol through an explicit
// four-state machine. Protocol violations (double lock, release without
// holding) are loud, testable errors that park the anchor in a sticky
// Error state rather than panicking. Ownership is exclusive and move-only:
// transferring an anchor resets the source so two handles can never
// double-release one logical acquisition.
package anchor

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianClamp/services/clamp/collector"
	"github.com/AleutianAI/AleutianClamp/services/clamp/entropy"
)

// ErrProtocolViolation reports a lock/release ordering bug. It indicates a
// usage error in the calling code, not a runtime condition.
var ErrProtocolViolation = errors.New("anchor protocol violation")

// -----------------------------------------------------------------------------
// State machine
// -----------------------------------------------------------------------------

// State is the anchor's lifecycle position.
type State int

const (
	// StateUnlocked is the resting state; the anchor holds nothing.
	StateUnlocked State = iota

	// StateLocked means the anchor owns the critical section.
	StateLocked

	// StateReleased is transient: entered during Release and immediately
	// followed by StateUnlocked within the same call.
	StateReleased

	// StateError is terminal until the anchor is replaced via move or
	// reconstruction. Entered on protocol violations; sticky.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnlocked:
		return "Unlocked"
	case StateLocked:
		return "Locked"
	case StateReleased:
		return "Released"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a point-in-time snapshot of an anchor.
//
// Invariant: EntropySeed != 0 exactly while State == StateLocked;
// Context is empty outside StateLocked.
type Status struct {
	State       State
	Context     string
	EntropySeed uint64
}

// -----------------------------------------------------------------------------
// Anchor
// -----------------------------------------------------------------------------

// Anchor is a move-only scoped guard for one guarded critical section.
//
// Description:
//
//	Created Unlocked; each Lock/Release cycle produces exactly one
//	telemetry record in the attached collector (when one is attached).
//	Close performs an implicit release when still Locked, so ordinary
//	scope exit never leaves a permanently open record.
//
// Thread Safety: single-owner, sequential use only. An Anchor must not be
// shared between goroutines; share the Collector instead.
type Anchor struct {
	state    State
	context  string
	seed     uint64
	source   *entropy.Source
	col      *collector.Collector
	recordID int
}

// New creates an Unlocked anchor with its own entropy source.
func New() *Anchor {
	return NewWithSource(entropy.NewSource())
}

// NewWithSource creates an Unlocked anchor drawing seeds from src.
//
// Inputs:
//   - src: Entropy source; nil falls back to a fresh one.
func NewWithSource(src *entropy.Source) *Anchor {
	if src == nil {
		src = entropy.NewSource()
	}
	return &Anchor{state: StateUnlocked, source: src, recordID: -1}
}

// AttachTelemetry binds (or rebinds) the destination collector.
//
// Description:
//
//	Affects subsequent Lock/Release calls only; already-completed records
//	are never touched retroactively. A nil collector detaches.
func (a *Anchor) AttachTelemetry(c *collector.Collector) {
	a.col = c
}

// Lock acquires the critical section under the given context label.
//
// Description:
//
//	Unlocked -> Locked: assigns the context, draws a fresh non-zero
//	entropy seed, and emits the acquire event when a collector is
//	attached. Locking an already-Locked anchor is a protocol violation
//	that moves the anchor to the sticky Error state; locking an Error
//	anchor is rejected outright.
//
// Inputs:
//   - context: Label of the guarded operation.
//
// Outputs:
//   - error: ErrProtocolViolation (wrapped) on double lock or Error state.
func (a *Anchor) Lock(context string) error {
	switch a.state {
	case StateError:
		return fmt.Errorf("%w: lock on errored anchor", ErrProtocolViolation)
	case StateLocked:
		a.fail()
		return fmt.Errorf("%w: double lock (context %q)", ErrProtocolViolation, context)
	}

	seed := a.source.GenerateSeed()
	for seed == 0 {
		// The locked-state invariant reserves zero for "no seed".
		seed = a.source.GenerateSeed()
	}

	a.state = StateLocked
	a.context = context
	a.seed = seed
	a.recordID = -1
	if a.col != nil {
		a.recordID = a.col.RecordAcquire(context, seed)
	}
	return nil
}

// Release ends the acquisition and completes its telemetry record.
//
// Description:
//
//	Locked -> Released -> Unlocked within this call: emits the release
//	event (completing the matching record with duration and a stability
//	value), then clears context and seed. Releasing while not Locked is a
//	protocol violation moving the anchor to Error.
//
// Outputs:
//   - error: ErrProtocolViolation (wrapped) when not Locked.
func (a *Anchor) Release() error {
	if a.state != StateLocked {
		was := a.state
		a.fail()
		return fmt.Errorf("%w: release while %s", ErrProtocolViolation, was)
	}

	a.state = StateReleased
	if a.col != nil && a.recordID >= 0 {
		// Per-acquisition stability is full by definition; divergence is a
		// property of populations, measured downstream by the scorer.
		a.col.RecordRelease(a.recordID, a.context, a.seed, 1.0)
	}

	a.context = ""
	a.seed = 0
	a.recordID = -1
	a.state = StateUnlocked
	return nil
}

// Close releases the anchor if still Locked; otherwise it does nothing.
// Satisfies io.Closer so `defer a.Close()` guards any scope.
func (a *Anchor) Close() error {
	if a.state != StateLocked {
		return nil
	}
	return a.Release()
}

// MoveTo transfers ownership of the acquisition to dst and resets a.
//
// Description:
//
//	Transfers {state, context, seed, collector, in-flight record handle}.
//	The source is reset to default Unlocked/cleared values, so a stale
//	handle can never double-release. If dst currently holds a lock, dst is
//	released first so its open record is completed rather than leaked.
//
// Inputs:
//   - dst: Destination anchor. Must not be nil.
func (a *Anchor) MoveTo(dst *Anchor) {
	if dst == nil || dst == a {
		return
	}
	if dst.state == StateLocked {
		_ = dst.Release()
	}

	dst.state = a.state
	dst.context = a.context
	dst.seed = a.seed
	dst.source = a.source
	dst.col = a.col
	dst.recordID = a.recordID

	a.state = StateUnlocked
	a.context = ""
	a.seed = 0
	a.source = entropy.NewSource()
	a.col = nil
	a.recordID = -1
}

// NewMovedAnchor constructs a fresh anchor holding src's acquisition and
// resets src. Equivalent to move-construction.
func NewMovedAnchor(src *Anchor) *Anchor {
	dst := New()
	if src != nil {
		src.MoveTo(dst)
	}
	return dst
}

// GuardedSection runs fn inside one lock/release cycle.
//
// Description:
//
//	Locks under the context label, sleeps a jitter delay drawn from the
//	anchor's entropy source (perturbing scheduling so instability becomes
//	observable), runs fn, and releases. Used by validation runs.
//
// Inputs:
//   - context: Label of the guarded operation.
//   - jitterMicros: Exclusive jitter bound in microseconds; <= 0 disables.
//   - fn: Guarded work; may be nil.
//
// Outputs:
//   - error: The lock or release error, if any.
func (a *Anchor) GuardedSection(context string, jitterMicros int64, fn func()) error {
	if err := a.Lock(context); err != nil {
		return err
	}
	if jitterMicros > 0 {
		time.Sleep(a.source.Jitter(jitterMicros))
	}
	if fn != nil {
		fn()
	}
	return a.Release()
}

// Status returns a snapshot of the anchor.
func (a *Anchor) Status() Status {
	return Status{State: a.state, Context: a.context, EntropySeed: a.seed}
}

// State returns the current lifecycle state.
func (a *Anchor) State() State {
	return a.state
}

// EntropySeed returns the seed of the held acquisition, 0 when not Locked.
func (a *Anchor) EntropySeed() uint64 {
	return a.seed
}

// fail parks the anchor in the sticky Error state, clearing the invariant
// fields so seed==0 and context=="" hold outside Locked.
func (a *Anchor) fail() {
	a.state = StateError
	a.context = ""
	a.seed = 0
	a.recordID = -1
}
