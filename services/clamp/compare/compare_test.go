// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compare

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
)

func closeTo(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9
}

func writeSummaryFile(t *testing.T, dir, name string, s aggregate.Summary) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if !aggregate.WriteSummary(s, path, "") {
		t.Fatalf("failed to write summary fixture %s", path)
	}
	return path
}

func TestCompareAgainstCPUBaseline(t *testing.T) {
	dir := t.TempDir()
	candPath := writeSummaryFile(t, dir, "hip.json", aggregate.Summary{
		SourceDirectory: "hip/telemetry", Backend: "HIP", DeviceName: "gfx1100",
		SessionCount: 5, MeanStability: 0.78, Variance: 0.05, DriftPercentile: 27.0,
	})
	basePath := writeSummaryFile(t, dir, "cpu.json", aggregate.Summary{
		SourceDirectory: "cpu/telemetry", Backend: "CPU", DeviceName: "host-a",
		SessionCount: 5, MeanStability: 0.80, Variance: 0.04, DriftPercentile: 20.0,
	})

	// The CPU summary is listed second; baseline selection must find it.
	result := NewComparator().Compare([]string{candPath, basePath}, "")
	if len(result.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(result.Entries))
	}

	cand := result.Entries[0]
	if cand.IsBaseline {
		t.Fatal("HIP entry must not be the baseline")
	}
	if !closeTo(cand.MeanDelta, -0.02) {
		t.Errorf("MeanDelta = %v, want -0.02", cand.MeanDelta)
	}
	if !closeTo(cand.DriftSkew, 7.0) {
		t.Errorf("DriftSkew = %v, want 7.0", cand.DriftSkew)
	}
	if !closeTo(cand.VarianceRatio, 1.25) {
		t.Errorf("VarianceRatio = %v, want 1.25", cand.VarianceRatio)
	}
	if !cand.DriftSignificant {
		t.Error("DriftSignificant = false, want true for 7.0 ms skew")
	}

	base := result.Entries[1]
	if !base.IsBaseline {
		t.Fatal("CPU entry should be the baseline")
	}
	if base.MeanDelta != 0 || base.DriftSkew != 0 || base.VarianceRatio != 1.0 || base.DriftSignificant {
		t.Errorf("baseline entry not fixed at {0, 0, 1.0, false}: %+v", base)
	}
}

func TestCompareBaselineSelection(t *testing.T) {
	dir := t.TempDir()
	gpu := writeSummaryFile(t, dir, "gpu.json", aggregate.Summary{Backend: "HIP"})
	host := writeSummaryFile(t, dir, "host.json", aggregate.Summary{Backend: "linux-HOST"})
	cuda := writeSummaryFile(t, dir, "cuda.json", aggregate.Summary{Backend: "CUDA"})

	t.Run("host match is case-insensitive", func(t *testing.T) {
		result := NewComparator().Compare([]string{gpu, host, cuda}, "")
		b, ok := result.Baseline()
		if !ok || b.Summary.Backend != "linux-HOST" {
			t.Fatalf("baseline = %+v, want linux-HOST", b.Summary)
		}
	})

	t.Run("falls back to first when none qualifies", func(t *testing.T) {
		result := NewComparator().Compare([]string{gpu, cuda}, "")
		b, ok := result.Baseline()
		if !ok || b.Summary.Backend != "HIP" {
			t.Fatalf("baseline = %+v, want first entry HIP", b.Summary)
		}
	})
}

func TestCompareDropsUnloadablePaths(t *testing.T) {
	dir := t.TempDir()
	good := writeSummaryFile(t, dir, "cpu.json", aggregate.Summary{Backend: "CPU"})
	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte(`{"backend": `), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.json")

	result := NewComparator().Compare([]string{broken, good, missing}, "")
	if len(result.Entries) != 1 {
		t.Fatalf("got %d entries, want 1 (bad paths dropped)", len(result.Entries))
	}
	if !result.Entries[0].IsBaseline {
		t.Error("sole surviving entry should be the baseline")
	}
}

func TestCompareNothingLoads(t *testing.T) {
	result := NewComparator().Compare([]string{filepath.Join(t.TempDir(), "nope.json")}, "")
	if !result.Empty() {
		t.Fatalf("result should be empty, got %+v", result)
	}
	if result.WroteOutput {
		t.Error("no report should be written for an empty result")
	}
}

func TestCompareZeroVarianceBaseline(t *testing.T) {
	dir := t.TempDir()
	base := writeSummaryFile(t, dir, "cpu.json", aggregate.Summary{Backend: "CPU", Variance: 0})
	flat := writeSummaryFile(t, dir, "flat.json", aggregate.Summary{Backend: "HIP", Variance: 0})
	noisy := writeSummaryFile(t, dir, "noisy.json", aggregate.Summary{Backend: "CUDA", Variance: 0.01})

	result := NewComparator().Compare([]string{base, flat, noisy}, "")
	if len(result.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(result.Entries))
	}
	if got := result.Entries[1].VarianceRatio; got != 1.0 {
		t.Errorf("zero-over-zero VarianceRatio = %v, want 1.0", got)
	}
	if got := result.Entries[2].VarianceRatio; !math.IsInf(got, 1) {
		t.Errorf("nonzero-over-zero VarianceRatio = %v, want +Inf", got)
	}
}

func TestCompareThresholdBoundary(t *testing.T) {
	dir := t.TempDir()
	base := writeSummaryFile(t, dir, "cpu.json", aggregate.Summary{Backend: "CPU", DriftPercentile: 20})
	at := writeSummaryFile(t, dir, "at.json", aggregate.Summary{Backend: "HIP", DriftPercentile: 25})
	over := writeSummaryFile(t, dir, "over.json", aggregate.Summary{Backend: "CUDA", DriftPercentile: 14.5})

	result := NewComparator().Compare([]string{base, at, over}, "")
	if result.Entries[1].DriftSignificant {
		t.Error("skew of exactly 5.0 ms must not be significant (strict inequality)")
	}
	if !result.Entries[2].DriftSignificant {
		t.Error("skew of -5.5 ms must be significant in absolute value")
	}
}

type reportEntry struct {
	Path             string   `json:"path"`
	Backend          string   `json:"backend"`
	MeanDelta        float64  `json:"meanDelta"`
	DriftSkew        float64  `json:"driftSkew"`
	VarianceRatio    *float64 `json:"varianceRatio"`
	DriftSignificant bool     `json:"driftSignificant"`
}

type reportPayload struct {
	Baseline struct {
		Backend         string  `json:"backend"`
		DeviceName      string  `json:"deviceName"`
		MeanStability   float64 `json:"meanStability"`
		Variance        float64 `json:"variance"`
		DriftPercentile float64 `json:"driftPercentile"`
	} `json:"baseline"`
	Entries []reportEntry `json:"entries"`
}

func TestCompareWritesReport(t *testing.T) {
	dir := t.TempDir()
	base := writeSummaryFile(t, dir, "cpu.json", aggregate.Summary{
		Backend: "CPU", DeviceName: "host-a", MeanStability: 0.8, Variance: 0, DriftPercentile: 20,
	})
	cand := writeSummaryFile(t, dir, "hip.json", aggregate.Summary{
		Backend: "HIP", DeviceName: "gfx1100", MeanStability: 0.7, Variance: 0.01, DriftPercentile: 27,
	})
	out := filepath.Join(dir, "reports", "comparison.json")

	result := NewComparator().Compare([]string{base, cand}, out)
	if !result.WroteOutput {
		t.Fatal("WroteOutput = false, want true")
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var report reportPayload
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}

	if report.Baseline.Backend != "CPU" || report.Baseline.DeviceName != "host-a" {
		t.Errorf("baseline header = %+v", report.Baseline)
	}
	if len(report.Entries) != 2 {
		t.Fatalf("report has %d entries, want 2", len(report.Entries))
	}
	hip := report.Entries[1]
	if hip.Backend != "HIP" || !hip.DriftSignificant {
		t.Errorf("candidate entry = %+v", hip)
	}
	if hip.VarianceRatio != nil {
		t.Errorf("infinite variance ratio should render as null, got %v", *hip.VarianceRatio)
	}
	if report.Entries[0].VarianceRatio == nil || *report.Entries[0].VarianceRatio != 1.0 {
		t.Error("baseline variance ratio should be 1.0 in the report")
	}
}

func TestCompareReportWriteFailure(t *testing.T) {
	dir := t.TempDir()
	base := writeSummaryFile(t, dir, "cpu.json", aggregate.Summary{Backend: "CPU"})

	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("a file"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := NewComparator().Compare([]string{base}, filepath.Join(blocked, "report.json"))
	if result.WroteOutput {
		t.Error("WroteOutput = true, want false when the directory is a file")
	}
	if len(result.Entries) != 1 {
		t.Error("comparison itself must still succeed")
	}
}
