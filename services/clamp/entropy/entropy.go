// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package entropy generates per-acquisition scheduling fingerprints.
//
// A seed is a 64-bit value mixed from the current high-resolution clock
// reading and the identity of the owning execution context. Two acquisitions
// that happen at different instants, or on different owners, produce
// different seeds with high probability. Seeds fingerprint scheduling
// behavior for stability analysis; they are NOT cryptographic material.
package entropy

import (
	"sync/atomic"
	"time"
)

// LCG constants shared with the bootstrap resampler; full-period 64-bit
// multiplier from Knuth MMIX.
const (
	lcgMultiplier = 6364136223846793005
	lcgIncrement  = 1442695040888963407
)

var nextIdentity atomic.Uint64

// Source produces entropy seeds and jitter delays for one owner.
//
// Description:
//
//	Each Source carries a unique 64-bit identity standing in for thread
//	identity (Go does not expose goroutine IDs). Anchors are single-owner,
//	so one Source per anchor yields one identity per execution context.
//
// Thread Safety: GenerateSeed is safe for concurrent use. Jitter mutates
// the internal stream and must only be called by the owning goroutine.
type Source struct {
	identity uint64
	stream   uint64
}

// NewSource creates a Source with a fresh process-unique identity.
//
// Outputs:
//   - *Source: Ready-to-use source. Never nil.
func NewSource() *Source {
	s := &Source{identity: nextIdentity.Add(1)}
	s.stream = s.GenerateSeed()
	return s
}

// NewSeededSource creates a Source with a fixed identity and jitter stream.
//
// Description:
//
//	Produces a fully deterministic source: GenerateSeed still varies with
//	the clock, but the jitter stream replays the same sequence for the
//	same seed. Intended for tests and reproducible validation runs.
//
// Inputs:
//   - seed: Initial value for identity and the jitter stream.
func NewSeededSource(seed uint64) *Source {
	return &Source{identity: seed, stream: seed}
}

// GenerateSeed returns a 64-bit fingerprint of (clock, identity).
//
// Description:
//
//	Computes hash(clockReading) XOR (hash(identity) << 1) where hash is a
//	64-bit finalizer mix. Non-blocking and allocation-free.
//
// Outputs:
//   - uint64: The fingerprint. Zero is possible in principle but has
//     probability 2^-64 per draw; callers treat zero as "no seed".
//
// Thread Safety: Safe for concurrent use.
func (s *Source) GenerateSeed() uint64 {
	now := uint64(time.Now().UnixNano())
	return mix64(now) ^ (mix64(s.identity) << 1)
}

// Jitter returns a pseudo-random delay in [0, maxMicros) microseconds.
//
// Description:
//
//	Advances the source's LCG stream one step and maps the high bits onto
//	the requested range. Used to perturb critical-section timing during
//	validation runs so scheduling differences become observable.
//
// Inputs:
//   - maxMicros: Exclusive upper bound in microseconds. Values <= 0 yield 0.
//
// Outputs:
//   - time.Duration: The delay.
//
// Thread Safety: NOT safe for concurrent use; single-owner only.
func (s *Source) Jitter(maxMicros int64) time.Duration {
	if maxMicros <= 0 {
		return 0
	}
	s.stream = s.stream*lcgMultiplier + lcgIncrement
	r := s.stream >> 33
	return time.Duration(int64(r%uint64(maxMicros))) * time.Microsecond
}

// GenerateSeed returns a fingerprint from the process-wide default source.
//
// Description:
//
//	Convenience for callers without their own Source. All callers share one
//	identity; distinctness then comes from the clock component alone.
func GenerateSeed() uint64 {
	return defaultSource.GenerateSeed()
}

var defaultSource = NewSource()

// mix64 is the SplitMix64 finalizer; a bijective avalanche over 64 bits.
func mix64(v uint64) uint64 {
	v ^= v >> 30
	v *= 0xbf58476d1ce4e5b9
	v ^= v >> 27
	v *= 0x94d049bb133111eb
	v ^= v >> 31
	return v
}
