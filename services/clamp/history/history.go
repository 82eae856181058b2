// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps recent stability observations in memory and
// derives trend signals from them.
package history

import (
	"sync"
	"time"
)

// Point is one stability observation, typically taken after an
// accumulation pass.
type Point struct {
	At              time.Time `json:"at"`
	Backend         string    `json:"backend"`
	MeanStability   float64   `json:"mean_stability"`
	DriftPercentile float64   `json:"drift_percentile"`
	SessionCount    int       `json:"session_count"`
}

// History is a fixed-capacity ring of Points.
//
// # Description
//
// O(1) push with bounded memory; when full, the oldest observation is
// overwritten. Live consumers (the trend endpoint, the event stream)
// read while the accumulation loop writes.
//
// # Thread Safety
//
// Safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	data  []Point
	head  int // next write position
	tail  int // oldest element position
	count int
	full  bool
}

// DefaultCapacity bounds a History built with a non-positive capacity.
const DefaultCapacity = 256

// NewHistory creates a ring holding up to capacity observations.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{data: make([]Point, capacity)}
}

// Push appends an observation, overwriting the oldest when full.
func (h *History) Push(p Point) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.data[h.head] = p
	h.head = (h.head + 1) % len(h.data)

	if h.full {
		h.tail = (h.tail + 1) % len(h.data)
	} else {
		h.count++
		if h.count == len(h.data) {
			h.full = true
		}
	}
}

// Newest returns the most recent observation.
func (h *History) Newest() (Point, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return Point{}, false
	}
	idx := h.head - 1
	if idx < 0 {
		idx = len(h.data) - 1
	}
	return h.data[idx], true
}

// Oldest returns the earliest retained observation.
func (h *History) Oldest() (Point, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return Point{}, false
	}
	return h.data[h.tail], true
}

// Slice returns all observations oldest to newest. The result is a copy.
func (h *History) Slice() []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sliceLocked()
}

func (h *History) sliceLocked() []Point {
	if h.count == 0 {
		return nil
	}
	result := make([]Point, h.count)
	if h.full {
		n := copy(result, h.data[h.tail:])
		copy(result[n:], h.data[:h.head])
	} else {
		copy(result, h.data[h.tail:h.tail+h.count])
	}
	return result
}

// Last returns up to n observations, newest first.
func (h *History) Last(n int) []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || h.count == 0 {
		return nil
	}
	if n > h.count {
		n = h.count
	}
	result := make([]Point, n)
	for i := 0; i < n; i++ {
		idx := h.head - 1 - i
		if idx < 0 {
			idx += len(h.data)
		}
		result[i] = h.data[idx]
	}
	return result
}

// Since returns observations at or after t, oldest to newest.
func (h *History) Since(t time.Time) []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []Point
	for _, p := range h.sliceLocked() {
		if !p.At.Before(t) {
			result = append(result, p)
		}
	}
	return result
}

// Len returns the number of retained observations.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cap returns the ring capacity.
func (h *History) Cap() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.data)
}

// Clear drops all observations.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero Point
	for i := range h.data {
		h.data[i] = zero
	}
	h.head, h.tail, h.count = 0, 0, 0
	h.full = false
}
