// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scoring

import (
	"math"
)

// -----------------------------------------------------------------------------
// Running Statistics
// -----------------------------------------------------------------------------

// RunningStats folds samples into a numerically stable mean/variance.
//
// Description:
//
//	Welford's single-pass algorithm: the whole sample set never needs to be
//	held in memory, and catastrophic cancellation is avoided for large
//	means. Non-finite inputs (NaN, ±Inf) are excluded before folding so
//	garbage can never poison the statistic.
//
// Thread Safety: NOT safe for concurrent use; callers synchronize.
type RunningStats struct {
	n    int
	mean float64
	m2   float64
}

// Add folds one sample. Non-finite values are silently skipped.
func (r *RunningStats) Add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	r.n++
	delta := v - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (v - r.mean)
}

// Count returns the number of folded samples.
func (r *RunningStats) Count() int {
	return r.n
}

// Mean returns the running mean, 0 with no samples.
func (r *RunningStats) Mean() float64 {
	return r.mean
}

// SampleVariance returns the n−1 variance, 0 with fewer than two samples.
func (r *RunningStats) SampleVariance() float64 {
	if r.n < 2 {
		return 0
	}
	return r.m2 / float64(r.n-1)
}

// Merge folds another accumulator into this one (Chan et al. pairwise
// update). Used when per-file statistics are combined after parallel scans.
func (r *RunningStats) Merge(other RunningStats) {
	if other.n == 0 {
		return
	}
	if r.n == 0 {
		*r = other
		return
	}
	n := r.n + other.n
	delta := other.mean - r.mean
	r.mean += delta * float64(other.n) / float64(n)
	r.m2 += other.m2 + delta*delta*float64(r.n)*float64(other.n)/float64(n)
	r.n = n
}

// -----------------------------------------------------------------------------
// Batch Helpers
// -----------------------------------------------------------------------------

// Mean returns the arithmetic mean of finite values, 0 if none qualify.
func Mean(values []float64) float64 {
	var s RunningStats
	for _, v := range values {
		s.Add(v)
	}
	return s.Mean()
}

// SampleVariance returns the n−1 variance of finite values, 0 if fewer
// than two qualify.
func SampleVariance(values []float64) float64 {
	var s RunningStats
	for _, v := range values {
		s.Add(v)
	}
	return s.SampleVariance()
}

// NearestRankPercentile returns the pct-quantile by nearest rank:
// index = floor(pct × (n−1)) over the values sorted ascending.
//
// Description:
//
//	Selection runs via quickselect (expected O(n), median-of-three pivot)
//	rather than a full sort; the input slice is not modified. pct is
//	clamped to [0, 1]. An empty input yields 0.
func NearestRankPercentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if pct < 0 {
		pct = 0
	} else if pct > 1 {
		pct = 1
	}
	idx := int(math.Floor(pct * float64(len(values)-1)))

	work := make([]float64, len(values))
	copy(work, values)
	return quickselect(work, idx)
}

// quickselect returns the k-th smallest element of a, reordering a.
func quickselect(a []float64, k int) float64 {
	lo, hi := 0, len(a)-1
	for lo < hi {
		p := partition(a, lo, hi)
		switch {
		case k == p:
			return a[k]
		case k < p:
			hi = p - 1
		default:
			lo = p + 1
		}
	}
	return a[k]
}

// partition performs a Lomuto partition around a median-of-three pivot and
// returns the pivot's final index.
func partition(a []float64, lo, hi int) int {
	mid := lo + (hi-lo)/2
	if a[mid] < a[lo] {
		a[mid], a[lo] = a[lo], a[mid]
	}
	if a[hi] < a[lo] {
		a[hi], a[lo] = a[lo], a[hi]
	}
	if a[hi] < a[mid] {
		a[hi], a[mid] = a[mid], a[hi]
	}
	a[mid], a[hi] = a[hi], a[mid]

	pivot := a[hi]
	i := lo
	for j := lo; j < hi; j++ {
		if a[j] < pivot {
			a[i], a[j] = a[j], a[i]
			i++
		}
	}
	a[i], a[hi] = a[hi], a[i]
	return i
}

// clampUnit clamps v to [0, 1].
func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
