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
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Gate defaults; override per-pipeline via options.
const (
	DefaultMaxMeanDrop      = 0.05
	DefaultMaxVarianceRatio = 2.0
)

// Violation is one gate failure for one compared entry.
type Violation struct {
	Path    string
	Backend string
	Reason  string
}

// GateReport is the verdict of a gate check.
type GateReport struct {
	Passed     bool
	Violations []Violation
}

// DriftGate turns a comparison Result into a CI pass/fail verdict.
//
// # Description
//
// The comparator only measures; the gate decides. A result fails when any
// candidate shows significant drift skew, drops its mean stability by more
// than the allowed amount, inflates variance past the allowed ratio, or
// (when required) lacks valid provenance.
type DriftGate struct {
	log              *slog.Logger
	tracer           trace.Tracer
	maxMeanDrop      float64
	maxVarianceRatio float64
	requireTrusted   bool
}

// GateOption configures a DriftGate.
type GateOption func(*DriftGate)

// WithGateLogger sets the gate's logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *DriftGate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMaxMeanDrop sets the largest tolerated mean-stability drop.
func WithMaxMeanDrop(drop float64) GateOption {
	return func(g *DriftGate) {
		if drop > 0 {
			g.maxMeanDrop = drop
		}
	}
}

// WithMaxVarianceRatio sets the largest tolerated variance inflation.
func WithMaxVarianceRatio(ratio float64) GateOption {
	return func(g *DriftGate) {
		if ratio > 0 {
			g.maxVarianceRatio = ratio
		}
	}
}

// WithRequireTrustedProvenance makes untrusted summaries a violation.
func WithRequireTrustedProvenance() GateOption {
	return func(g *DriftGate) {
		g.requireTrusted = true
	}
}

// NewDriftGate builds a gate with the default tolerances.
func NewDriftGate(opts ...GateOption) *DriftGate {
	g := &DriftGate{
		log:              slog.Default(),
		tracer:           otel.Tracer("aleutianclamp/compare"),
		maxMeanDrop:      DefaultMaxMeanDrop,
		maxVarianceRatio: DefaultMaxVarianceRatio,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates a comparison result against the gate's tolerances.
//
// Description:
//
//	The baseline entry is never a violation source. An empty result passes
//	trivially since there is nothing to gate.
//
// Inputs:
//   - ctx: Carries the trace span.
//   - result: Comparator output.
//
// Outputs:
//   - GateReport: Verdict plus per-entry violations.
//
// Thread Safety: Safe for concurrent use.
func (g *DriftGate) Check(ctx context.Context, result Result) GateReport {
	_, span := g.tracer.Start(ctx, "clamp.drift_gate",
		trace.WithAttributes(attribute.Int("entries", len(result.Entries))))
	defer span.End()

	var violations []Violation
	add := func(e *Entry, reason string) {
		violations = append(violations, Violation{
			Path:    e.Path,
			Backend: e.Summary.Backend,
			Reason:  reason,
		})
	}

	for i := range result.Entries {
		e := &result.Entries[i]
		if e.IsBaseline {
			continue
		}
		if e.DriftSignificant {
			add(e, fmt.Sprintf("drift skew %.2f ms exceeds significance threshold", e.DriftSkew))
		}
		if e.MeanDelta < -g.maxMeanDrop {
			add(e, fmt.Sprintf("mean stability dropped %.4f (allowed %.4f)", -e.MeanDelta, g.maxMeanDrop))
		}
		switch {
		case math.IsInf(e.VarianceRatio, 1):
			add(e, "variance diverged against a zero-variance baseline")
		case e.VarianceRatio > g.maxVarianceRatio:
			add(e, fmt.Sprintf("variance ratio %.2f exceeds %.2f", e.VarianceRatio, g.maxVarianceRatio))
		}
		if g.requireTrusted && e.Summary.TrustStatus != "valid" {
			add(e, fmt.Sprintf("provenance not trusted (status %q)", e.Summary.TrustStatus))
		}
	}

	report := GateReport{Passed: len(violations) == 0, Violations: violations}
	span.SetAttributes(
		attribute.Bool("passed", report.Passed),
		attribute.Int("violations", len(report.Violations)),
	)
	if !report.Passed {
		g.log.Warn("drift gate failed",
			slog.Int("violations", len(report.Violations)))
	}
	return report
}

// WriteMarkdown renders the gate verdict as a markdown report.
//
// Description:
//
//	Best-effort, same contract as the JSON report writer: parent
//	directories are created and any I/O failure returns false.
func (g *DriftGate) WriteMarkdown(result Result, report GateReport, path string) bool {
	var b strings.Builder
	b.WriteString("# Drift Gate Report\n\n")
	if report.Passed {
		b.WriteString("**Verdict:** PASS\n\n")
	} else {
		b.WriteString("**Verdict:** FAIL\n\n")
	}

	if baseline, ok := result.Baseline(); ok {
		fmt.Fprintf(&b, "Baseline: `%s` on `%s` (mean %.4f, variance %.6f, drift %.2f ms)\n\n",
			baseline.Summary.Backend, baseline.Summary.DeviceName,
			baseline.Summary.MeanStability, baseline.Summary.Variance,
			baseline.Summary.DriftPercentile)
	}

	b.WriteString("| Backend | Device | Mean delta | Drift skew (ms) | Variance ratio | Significant |\n")
	b.WriteString("|---------|--------|------------|-----------------|----------------|-------------|\n")
	for i := range result.Entries {
		e := &result.Entries[i]
		if e.IsBaseline {
			continue
		}
		ratio := "n/a"
		if !math.IsInf(e.VarianceRatio, 0) && !math.IsNaN(e.VarianceRatio) {
			ratio = fmt.Sprintf("%.2f", e.VarianceRatio)
		}
		fmt.Fprintf(&b, "| %s | %s | %+.4f | %+.2f | %s | %v |\n",
			e.Summary.Backend, e.Summary.DeviceName, e.MeanDelta, e.DriftSkew, ratio, e.DriftSignificant)
	}

	if len(report.Violations) > 0 {
		b.WriteString("\n## Violations\n\n")
		for _, v := range report.Violations {
			fmt.Fprintf(&b, "- `%s` (%s): %s\n", v.Path, v.Backend, v.Reason)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		g.log.Warn("gate report directory creation failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		g.log.Warn("gate report write failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	return true
}
