// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scoring computes composite stability scores over raw telemetry
// record sets, independent of the session-file round trip.
//
// A stability score is a [0, 1] metric: 1 means fully reproducible runs,
// 0 maximal divergence. Three equally-weighted instability signals feed
// it: entropy-seed variance, duration variance, and acquire-timestamp
// drift.
package scoring

import (
	"math"
	"time"

	"github.com/AleutianAI/AleutianClamp/services/clamp/collector"
)

// driftSaturationMs is the drift span at which the drift signal saturates
// to full instability.
const driftSaturationMs = 1000.0

// Result is the outcome of evaluating one record set.
type Result struct {
	// StabilityScore is the composite [0, 1] score.
	StabilityScore float64 `json:"stability_score"`

	// EntropyVariance is the normalized variance of the entropy seeds.
	EntropyVariance float64 `json:"entropy_variance"`

	// DurationVariance is the normalized variance of the held durations.
	DurationVariance float64 `json:"duration_variance"`

	// DriftMs is the span between earliest and latest valid acquire
	// timestamps, in milliseconds.
	DriftMs float64 `json:"drift_ms"`

	// SampleCount is the number of records evaluated.
	SampleCount int `json:"sample_count"`
}

// Evaluate scores a record set.
//
// Description:
//
//	Empty input yields StabilityScore 1.0 with all other fields zero:
//	absence of evidence is treated as stability. Otherwise the score is
//	1 − mean(entropyVariance, durationVariance, clamp(driftMs/1000, 0, 1)),
//	clamped to [0, 1].
//
// Inputs:
//   - records: Telemetry records; in-flight records participate with their
//     zero-valued durations.
//
// Outputs:
//   - Result: The computed metrics.
//
// Thread Safety: Pure function; safe for concurrent use.
func Evaluate(records []collector.Record) Result {
	if len(records) == 0 {
		return Result{StabilityScore: 1.0}
	}

	seeds := make([]float64, 0, len(records))
	durations := make([]float64, 0, len(records))
	for i := range records {
		seeds = append(seeds, float64(records[i].Seed))
		durations = append(durations, records[i].DurationMs)
	}

	entropyVar := NormalizedVariance(seeds)
	durationVar := NormalizedVariance(durations)
	driftMs := acquireSpanMs(records)

	driftSignal := clampUnit(driftMs / driftSaturationMs)
	score := clampUnit(1.0 - (entropyVar+durationVar+driftSignal)/3.0)

	return Result{
		StabilityScore:   score,
		EntropyVariance:  entropyVar,
		DurationVariance: durationVar,
		DriftMs:          driftMs,
		SampleCount:      len(records),
	}
}

// EvaluateAggregated scores several record groups and averages the results.
//
// Description:
//
//	Each group is evaluated independently, then every scalar field is the
//	unweighted mean across groups; SampleCount is summed. This is
//	deliberately not equivalent to evaluating the concatenation: one large
//	session cannot dominate the aggregate at the expense of smaller ones.
//
// Inputs:
//   - groups: Record groups, typically one per session.
//
// Outputs:
//   - Result: The averaged metrics; StabilityScore 1.0 for no groups.
//
// Thread Safety: Pure function; safe for concurrent use.
func EvaluateAggregated(groups [][]collector.Record) Result {
	if len(groups) == 0 {
		return Result{StabilityScore: 1.0}
	}

	var agg Result
	for _, g := range groups {
		r := Evaluate(g)
		agg.StabilityScore += r.StabilityScore
		agg.EntropyVariance += r.EntropyVariance
		agg.DurationVariance += r.DurationVariance
		agg.DriftMs += r.DriftMs
		agg.SampleCount += r.SampleCount
	}

	n := float64(len(groups))
	agg.StabilityScore /= n
	agg.EntropyVariance /= n
	agg.DurationVariance /= n
	agg.DriftMs /= n
	return agg
}

// NormalizedVariance maps a sample set onto a bounded [0, 1] spread signal.
//
// Description:
//
//	Sample variance (n−1 denominator) divided by (|mean|+1)², clamped to
//	[0, 1]. The +1 keeps the penalty bounded when the mean is near zero,
//	where a plain coefficient of variation would blow up. Non-finite
//	inputs are excluded; fewer than two usable samples yield 0.
func NormalizedVariance(values []float64) float64 {
	var s RunningStats
	for _, v := range values {
		s.Add(v)
	}
	if s.Count() < 2 {
		return 0
	}
	denom := math.Abs(s.Mean()) + 1.0
	return clampUnit(s.SampleVariance() / (denom * denom))
}

// acquireSpanMs returns the absolute span between the earliest and latest
// valid (non-zero) acquire timestamps, 0 when fewer than two exist.
func acquireSpanMs(records []collector.Record) float64 {
	var earliest, latest time.Time
	valid := 0
	for i := range records {
		at := records[i].AcquiredAt
		if at.IsZero() {
			continue
		}
		valid++
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
		if latest.IsZero() || at.After(latest) {
			latest = at
		}
	}
	if valid < 2 {
		return 0
	}
	return math.Abs(float64(latest.Sub(earliest).Microseconds()) / 1000.0)
}
