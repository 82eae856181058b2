// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compare measures drift between backend summaries and a baseline.
package compare

import (
	"log/slog"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
)

// DriftSignificanceThresholdMs is the fixed drift-skew threshold: a
// candidate whose drift index departs from the baseline by more than this
// many milliseconds is flagged.
const DriftSignificanceThresholdMs = 5.0

// varianceEpsilon bounds the "effectively zero" variance check for the
// ratio computation.
const varianceEpsilon = 1e-12

// Entry is one compared summary.
type Entry struct {
	// Path the summary was loaded from.
	Path string

	// Summary is the loaded content.
	Summary aggregate.Summary

	// MeanDelta is candidate mean minus baseline mean.
	MeanDelta float64

	// DriftSkew is candidate drift index minus baseline drift index, ms.
	DriftSkew float64

	// VarianceRatio is candidate variance over baseline variance. When
	// the baseline variance is effectively zero the ratio is 1.0 if the
	// candidate's is too, +Inf otherwise.
	VarianceRatio float64

	// DriftSignificant is true when |DriftSkew| exceeds the threshold.
	DriftSignificant bool

	// IsBaseline marks the baseline's own entry, which is fixed at
	// {0, 0, 1.0, false}.
	IsBaseline bool
}

// Result is the outcome of one comparison run.
type Result struct {
	// Entries in input order, baseline included.
	Entries []Entry

	// WroteOutput is true when a report was requested and written.
	WroteOutput bool
}

// Empty reports whether no summaries loaded.
func (r Result) Empty() bool {
	return len(r.Entries) == 0
}

// Baseline returns the baseline entry.
func (r Result) Baseline() (Entry, bool) {
	for _, e := range r.Entries {
		if e.IsBaseline {
			return e, true
		}
	}
	return Entry{}, false
}

// Significant returns the non-baseline entries flagged for drift.
func (r Result) Significant() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.DriftSignificant {
			out = append(out, e)
		}
	}
	return out
}

// Comparator loads summaries and computes relative drift.
type Comparator struct {
	log       *slog.Logger
	threshold float64
}

// ComparatorOption configures a Comparator.
type ComparatorOption func(*Comparator)

// WithLogger sets the logger used for dropped-path notices.
func WithLogger(l *slog.Logger) ComparatorOption {
	return func(c *Comparator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSignificanceThreshold overrides the drift-skew threshold in ms.
func WithSignificanceThreshold(ms float64) ComparatorOption {
	return func(c *Comparator) {
		if ms > 0 {
			c.threshold = ms
		}
	}
}

// NewComparator builds a Comparator with the fixed default threshold.
func NewComparator(opts ...ComparatorOption) *Comparator {
	c := &Comparator{
		log:       slog.Default(),
		threshold: DriftSignificanceThresholdMs,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compare loads each summary path and measures every candidate against
// the baseline.
//
// Description:
//
//	Unreadable or malformed paths are dropped with a debug notice, not an
//	error. The baseline is the first summary whose backend name contains
//	"cpu" or "host" (case-insensitive), falling back to the first loaded
//	summary. When outputPath is non-empty a JSON report is written
//	best-effort; a failed write only leaves WroteOutput false.
//
// Inputs:
//   - summaryPaths: Candidate summary files, order preserved.
//   - outputPath: Optional report destination, empty to skip.
//
// Outputs:
//   - Result: Entries in input order; empty when nothing loaded.
//
// Thread Safety: Safe for concurrent use.
func (c *Comparator) Compare(summaryPaths []string, outputPath string) Result {
	type loaded struct {
		path    string
		summary aggregate.Summary
	}

	candidates := make([]loaded, 0, len(summaryPaths))
	for _, path := range summaryPaths {
		s, err := aggregate.LoadSummary(path)
		if err != nil {
			c.log.Debug("summary dropped from comparison",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		candidates = append(candidates, loaded{path: path, summary: s})
	}
	if len(candidates) == 0 {
		return Result{}
	}

	baselineIdx := 0
	for i, cand := range candidates {
		if isBaselineBackend(cand.summary.Backend) {
			baselineIdx = i
			break
		}
	}
	baseline := candidates[baselineIdx].summary

	result := Result{Entries: make([]Entry, 0, len(candidates))}
	for i, cand := range candidates {
		e := Entry{Path: cand.path, Summary: cand.summary}
		if i == baselineIdx {
			e.IsBaseline = true
			e.VarianceRatio = 1.0
		} else {
			e.MeanDelta = cand.summary.MeanStability - baseline.MeanStability
			e.DriftSkew = cand.summary.DriftPercentile - baseline.DriftPercentile
			e.VarianceRatio = varianceRatio(cand.summary.Variance, baseline.Variance)
			e.DriftSignificant = math.Abs(e.DriftSkew) > c.threshold
		}
		result.Entries = append(result.Entries, e)
	}

	if outputPath != "" {
		result.WroteOutput = writeReport(result, outputPath, c.log)
	}
	return result
}

// isBaselineBackend matches the backends eligible to anchor a comparison.
func isBaselineBackend(backend string) bool {
	b := strings.ToLower(backend)
	return strings.Contains(b, "cpu") || strings.Contains(b, "host")
}

func varianceRatio(candidate, baseline float64) float64 {
	if math.Abs(baseline) < varianceEpsilon {
		if math.Abs(candidate) < varianceEpsilon {
			return 1.0
		}
		return math.Inf(1)
	}
	return candidate / baseline
}
