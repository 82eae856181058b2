// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var histBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func pt(i int, stability float64) Point {
	return Point{
		At:            histBase.Add(time.Duration(i) * time.Minute),
		Backend:       "CPU",
		MeanStability: stability,
		SessionCount:  i + 1,
	}
}

func TestHistoryPushAndSlice(t *testing.T) {
	h := NewHistory(4)
	assert.True(t, h.Len() == 0)
	assert.Nil(t, h.Slice())

	for i := 0; i < 3; i++ {
		h.Push(pt(i, 0.9))
	}
	require.Equal(t, 3, h.Len())

	points := h.Slice()
	require.Len(t, points, 3)
	assert.Equal(t, 1, points[0].SessionCount, "slice is oldest to newest")
	assert.Equal(t, 3, points[2].SessionCount)
}

func TestHistoryWrapsWhenFull(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Push(pt(i, 0.9))
	}

	require.Equal(t, 3, h.Len())
	points := h.Slice()
	assert.Equal(t, 3, points[0].SessionCount, "oldest two observations evicted")
	assert.Equal(t, 5, points[2].SessionCount)

	oldest, ok := h.Oldest()
	require.True(t, ok)
	assert.Equal(t, 3, oldest.SessionCount)

	newest, ok := h.Newest()
	require.True(t, ok)
	assert.Equal(t, 5, newest.SessionCount)
}

func TestHistoryLast(t *testing.T) {
	h := NewHistory(8)
	for i := 0; i < 5; i++ {
		h.Push(pt(i, 0.9))
	}

	last := h.Last(2)
	require.Len(t, last, 2)
	assert.Equal(t, 5, last[0].SessionCount, "Last is newest first")
	assert.Equal(t, 4, last[1].SessionCount)

	assert.Len(t, h.Last(100), 5)
	assert.Nil(t, h.Last(0))
}

func TestHistorySince(t *testing.T) {
	h := NewHistory(8)
	for i := 0; i < 5; i++ {
		h.Push(pt(i, 0.9))
	}

	since := h.Since(histBase.Add(3 * time.Minute))
	require.Len(t, since, 2)
	assert.Equal(t, 4, since[0].SessionCount)

	assert.Len(t, h.Since(histBase), 5)
	assert.Nil(t, h.Since(histBase.Add(time.Hour)))
}

func TestHistoryClear(t *testing.T) {
	h := NewHistory(4)
	h.Push(pt(0, 0.9))
	h.Clear()

	assert.Equal(t, 0, h.Len())
	_, ok := h.Newest()
	assert.False(t, ok)

	h.Push(pt(1, 0.8))
	assert.Equal(t, 1, h.Len())
}

func TestHistoryDefaultCapacity(t *testing.T) {
	h := NewHistory(0)
	assert.Equal(t, DefaultCapacity, h.Cap())
}

func TestHistoryConcurrentAccess(t *testing.T) {
	h := NewHistory(64)
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Push(pt(i, 0.9))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = h.Slice()
				_, _ = h.Newest()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 64, h.Len(), "ring should be exactly full")
}
