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
	"testing"
	"time"

	"github.com/AleutianAI/AleutianClamp/services/clamp/collector"
)

var scoreBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func makeRecord(seed uint64, durationMs float64, at time.Time) collector.Record {
	return collector.Record{
		Context:    "section",
		Seed:       seed,
		Backend:    "CPU",
		DeviceName: "unspecified",
		AcquiredAt: at,
		DurationMs: durationMs,
	}
}

func TestEvaluateEmpty(t *testing.T) {
	r := Evaluate(nil)
	if r.StabilityScore != 1.0 {
		t.Errorf("StabilityScore = %v, want 1.0", r.StabilityScore)
	}
	if r.EntropyVariance != 0 || r.DurationVariance != 0 || r.DriftMs != 0 {
		t.Errorf("variances/drift should be zero, got %+v", r)
	}
	if r.SampleCount != 0 {
		t.Errorf("SampleCount = %d, want 0", r.SampleCount)
	}
}

func TestEvaluateIdenticalRecords(t *testing.T) {
	records := []collector.Record{
		makeRecord(12345, 40.0, scoreBase),
		makeRecord(12345, 40.0, scoreBase),
		makeRecord(12345, 40.0, scoreBase),
	}

	r := Evaluate(records)
	if r.EntropyVariance != 0 {
		t.Errorf("EntropyVariance = %v, want 0", r.EntropyVariance)
	}
	if r.DurationVariance != 0 {
		t.Errorf("DurationVariance = %v, want 0", r.DurationVariance)
	}
	if r.DriftMs != 0 {
		t.Errorf("DriftMs = %v, want 0", r.DriftMs)
	}
	if r.StabilityScore <= 0.99 {
		t.Errorf("StabilityScore = %v, want > 0.99 for identical records", r.StabilityScore)
	}
	if r.SampleCount != 3 {
		t.Errorf("SampleCount = %d, want 3", r.SampleCount)
	}
}

func TestEvaluateDriftSaturation(t *testing.T) {
	records := []collector.Record{
		makeRecord(777, 10.0, scoreBase),
		makeRecord(777, 10.0, scoreBase.Add(2*time.Second)),
	}

	r := Evaluate(records)
	if !closeTo(r.DriftMs, 2000.0) {
		t.Errorf("DriftMs = %v, want 2000", r.DriftMs)
	}
	// Variances are zero, drift saturates, so score = 1 - 1/3.
	if !closeTo(r.StabilityScore, 2.0/3.0) {
		t.Errorf("StabilityScore = %v, want %v", r.StabilityScore, 2.0/3.0)
	}
}

func TestEvaluateIgnoresInFlightDrift(t *testing.T) {
	records := []collector.Record{
		makeRecord(1, 5.0, scoreBase),
		makeRecord(2, 5.0, time.Time{}),
	}

	r := Evaluate(records)
	if r.DriftMs != 0 {
		t.Errorf("DriftMs = %v, want 0 with only one valid acquire timestamp", r.DriftMs)
	}
	if r.SampleCount != 2 {
		t.Errorf("SampleCount = %d, want 2 (in-flight records still counted)", r.SampleCount)
	}
}

func TestEvaluateScoreStaysInUnitRange(t *testing.T) {
	records := []collector.Record{
		makeRecord(0, 0, scoreBase),
		makeRecord(1<<62, 90000, scoreBase.Add(time.Hour)),
		makeRecord(3, 0.001, scoreBase.Add(2*time.Hour)),
	}

	r := Evaluate(records)
	if r.StabilityScore < 0 || r.StabilityScore > 1 {
		t.Errorf("StabilityScore = %v, want within [0, 1]", r.StabilityScore)
	}
	if r.EntropyVariance < 0 || r.EntropyVariance > 1 {
		t.Errorf("EntropyVariance = %v, want within [0, 1]", r.EntropyVariance)
	}
	if r.DurationVariance < 0 || r.DurationVariance > 1 {
		t.Errorf("DurationVariance = %v, want within [0, 1]", r.DurationVariance)
	}
}

func TestNormalizedVariance(t *testing.T) {
	// {10, 20}: sample variance 50, mean 15, denominator (15+1)^2 = 256.
	got := NormalizedVariance([]float64{10, 20})
	if !closeTo(got, 50.0/256.0) {
		t.Errorf("NormalizedVariance({10,20}) = %v, want %v", got, 50.0/256.0)
	}

	if v := NormalizedVariance([]float64{0, 1000}); v != 1.0 {
		t.Errorf("NormalizedVariance({0,1000}) = %v, want clamped 1.0", v)
	}

	if v := NormalizedVariance([]float64{5}); v != 0 {
		t.Errorf("NormalizedVariance single sample = %v, want 0", v)
	}
	if v := NormalizedVariance(nil); v != 0 {
		t.Errorf("NormalizedVariance(nil) = %v, want 0", v)
	}
}

func TestEvaluateAggregated(t *testing.T) {
	stable := []collector.Record{
		makeRecord(100, 25.0, scoreBase),
		makeRecord(100, 25.0, scoreBase),
		makeRecord(100, 25.0, scoreBase),
	}
	drifting := []collector.Record{
		makeRecord(999, 25.0, scoreBase),
		makeRecord(999, 25.0, scoreBase.Add(2*time.Second)),
	}

	agg := EvaluateAggregated([][]collector.Record{stable, drifting})

	// Unweighted mean of the per-group scores: (1.0 + 2/3) / 2.
	if !closeTo(agg.StabilityScore, (1.0+2.0/3.0)/2.0) {
		t.Errorf("StabilityScore = %v, want %v", agg.StabilityScore, (1.0+2.0/3.0)/2.0)
	}
	if agg.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want 5 (summed across groups)", agg.SampleCount)
	}
	if !closeTo(agg.DriftMs, 1000.0) {
		t.Errorf("DriftMs = %v, want 1000 (mean of 0 and 2000)", agg.DriftMs)
	}

	concat := Evaluate(append(append([]collector.Record{}, stable...), drifting...))
	if closeTo(agg.StabilityScore, concat.StabilityScore) {
		t.Errorf("aggregated score %v should differ from concatenated score %v", agg.StabilityScore, concat.StabilityScore)
	}
}

func TestEvaluateAggregatedEmptyInputs(t *testing.T) {
	agg := EvaluateAggregated(nil)
	if agg.StabilityScore != 1.0 || agg.SampleCount != 0 {
		t.Errorf("no groups: got %+v, want score 1.0 and zero samples", agg)
	}

	drifting := []collector.Record{
		makeRecord(5, 1.0, scoreBase),
		makeRecord(5, 1.0, scoreBase.Add(2*time.Second)),
	}
	agg = EvaluateAggregated([][]collector.Record{nil, drifting})
	// The empty group contributes a perfect score to the mean.
	if !closeTo(agg.StabilityScore, (1.0+2.0/3.0)/2.0) {
		t.Errorf("StabilityScore = %v, want %v", agg.StabilityScore, (1.0+2.0/3.0)/2.0)
	}
	if agg.SampleCount != 2 {
		t.Errorf("SampleCount = %d, want 2", agg.SampleCount)
	}
}
