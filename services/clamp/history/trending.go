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
	"fmt"
	"math"
	"slices"
	"time"
)

// Trend directions.
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
)

// Alert severities, ordered most urgent first.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Trend summarizes the recent stability trajectory.
type Trend struct {
	// Direction is improving, degrading, or stable.
	Direction string `json:"direction"`

	// Slope is the least-squares stability change per observation.
	Slope float64 `json:"slope"`

	// MeanStability is the mean over the analyzed window.
	MeanStability float64 `json:"mean_stability"`

	// Change is newest stability minus oldest within the window.
	Change float64 `json:"change"`

	// Observations analyzed.
	Observations int `json:"observations"`
}

// Alert is one actionable trend finding.
type Alert struct {
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// AnalyzerOptions tune trend detection.
type AnalyzerOptions struct {
	// Window is the number of most recent observations analyzed.
	Window int

	// SlopeEpsilon is the flat band around zero slope.
	SlopeEpsilon float64

	// DegradeThreshold is the stability drop that raises a warning.
	DegradeThreshold float64

	// MinStability is the floor below which the latest observation is
	// critical regardless of trend.
	MinStability float64

	// DriftAlertMs flags a latest drift index above this many ms.
	DriftAlertMs float64
}

// DefaultAnalyzerOptions returns the tuning used by the serve and trend
// commands.
func DefaultAnalyzerOptions() AnalyzerOptions {
	return AnalyzerOptions{
		Window:           32,
		SlopeEpsilon:     0.001,
		DegradeThreshold: 0.05,
		MinStability:     0.5,
		DriftAlertMs:     100.0,
	}
}

// Analyzer derives trends and alerts from stability observations.
type Analyzer struct {
	opts AnalyzerOptions
}

// NewAnalyzer builds an Analyzer; zero option fields fall back to the
// defaults.
func NewAnalyzer(opts AnalyzerOptions) *Analyzer {
	def := DefaultAnalyzerOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.SlopeEpsilon <= 0 {
		opts.SlopeEpsilon = def.SlopeEpsilon
	}
	if opts.DegradeThreshold <= 0 {
		opts.DegradeThreshold = def.DegradeThreshold
	}
	if opts.MinStability <= 0 {
		opts.MinStability = def.MinStability
	}
	if opts.DriftAlertMs <= 0 {
		opts.DriftAlertMs = def.DriftAlertMs
	}
	return &Analyzer{opts: opts}
}

// Analyze fits the recent window and classifies its direction.
//
// Description:
//
//	Least-squares slope of mean stability over observation index. Fewer
//	than two observations are reported as stable with zero slope.
func (a *Analyzer) Analyze(points []Point) Trend {
	window := a.window(points)
	n := len(window)
	if n == 0 {
		return Trend{Direction: TrendStable}
	}
	if n == 1 {
		return Trend{
			Direction:     TrendStable,
			MeanStability: window[0].MeanStability,
			Observations:  1,
		}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, p := range window {
		x := float64(i)
		sumX += x
		sumY += p.MeanStability
		sumXY += x * p.MeanStability
		sumXX += x * x
	}
	fn := float64(n)
	slope := (fn*sumXY - sumX*sumY) / (fn*sumXX - sumX*sumX)

	direction := TrendStable
	switch {
	case slope > a.opts.SlopeEpsilon:
		direction = TrendImproving
	case slope < -a.opts.SlopeEpsilon:
		direction = TrendDegrading
	}

	return Trend{
		Direction:     direction,
		Slope:         slope,
		MeanStability: sumY / fn,
		Change:        window[n-1].MeanStability - window[0].MeanStability,
		Observations:  n,
	}
}

// GenerateAlerts inspects the window for actionable findings, most
// severe first.
func (a *Analyzer) GenerateAlerts(points []Point) []Alert {
	window := a.window(points)
	if len(window) == 0 {
		return nil
	}
	latest := window[len(window)-1]
	trend := a.Analyze(points)

	var alerts []Alert
	if latest.MeanStability < a.opts.MinStability {
		alerts = append(alerts, Alert{
			Severity: SeverityCritical,
			Message: fmt.Sprintf("stability %.3f below floor %.3f on %s",
				latest.MeanStability, a.opts.MinStability, backendLabel(latest)),
			At: latest.At,
		})
	}
	if trend.Direction == TrendDegrading && math.Abs(trend.Change) > a.opts.DegradeThreshold {
		severity := SeverityWarning
		if math.Abs(trend.Change) > 2*a.opts.DegradeThreshold {
			severity = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Severity: severity,
			Message: fmt.Sprintf("stability degrading: dropped %.3f over %d observations",
				math.Abs(trend.Change), trend.Observations),
			At: latest.At,
		})
	}
	if latest.DriftPercentile > a.opts.DriftAlertMs {
		alerts = append(alerts, Alert{
			Severity: SeverityWarning,
			Message: fmt.Sprintf("drift index %.1f ms exceeds %.1f ms on %s",
				latest.DriftPercentile, a.opts.DriftAlertMs, backendLabel(latest)),
			At: latest.At,
		})
	}

	slices.SortStableFunc(alerts, func(x, y Alert) int {
		return severityRank(x.Severity) - severityRank(y.Severity)
	})
	return alerts
}

func (a *Analyzer) window(points []Point) []Point {
	if len(points) <= a.opts.Window {
		return points
	}
	return points[len(points)-a.opts.Window:]
}

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

func backendLabel(p Point) string {
	if p.Backend == "" {
		return "unknown"
	}
	return p.Backend
}
