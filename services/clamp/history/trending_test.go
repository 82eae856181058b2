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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(values ...float64) []Point {
	points := make([]Point, len(values))
	for i, v := range values {
		points[i] = Point{
			At:            histBase.Add(time.Duration(i) * time.Minute),
			Backend:       "HIP",
			MeanStability: v,
		}
	}
	return points
}

func TestAnalyzeDirections(t *testing.T) {
	a := NewAnalyzer(AnalyzerOptions{})

	t.Run("improving", func(t *testing.T) {
		trend := a.Analyze(series(0.70, 0.75, 0.80, 0.85, 0.90))
		assert.Equal(t, TrendImproving, trend.Direction)
		assert.InDelta(t, 0.05, trend.Slope, 1e-9)
		assert.InDelta(t, 0.20, trend.Change, 1e-9)
		assert.Equal(t, 5, trend.Observations)
	})

	t.Run("degrading", func(t *testing.T) {
		trend := a.Analyze(series(0.90, 0.85, 0.80, 0.75))
		assert.Equal(t, TrendDegrading, trend.Direction)
		assert.Negative(t, trend.Slope)
	})

	t.Run("stable", func(t *testing.T) {
		trend := a.Analyze(series(0.85, 0.85, 0.85))
		assert.Equal(t, TrendStable, trend.Direction)
		assert.InDelta(t, 0.85, trend.MeanStability, 1e-9)
	})
}

func TestAnalyzeSmallInputs(t *testing.T) {
	a := NewAnalyzer(AnalyzerOptions{})

	trend := a.Analyze(nil)
	assert.Equal(t, TrendStable, trend.Direction)
	assert.Zero(t, trend.Observations)

	trend = a.Analyze(series(0.7))
	assert.Equal(t, TrendStable, trend.Direction)
	assert.Equal(t, 1, trend.Observations)
	assert.InDelta(t, 0.7, trend.MeanStability, 1e-9)
}

func TestAnalyzeWindowLimitsHistory(t *testing.T) {
	a := NewAnalyzer(AnalyzerOptions{Window: 3})

	// Old degradation followed by a flat recent window.
	trend := a.Analyze(series(0.95, 0.60, 0.80, 0.80, 0.80))
	assert.Equal(t, TrendStable, trend.Direction)
	assert.Equal(t, 3, trend.Observations)
}

func TestGenerateAlertsSeverityOrder(t *testing.T) {
	a := NewAnalyzer(AnalyzerOptions{})

	// Latest point is both below the floor and drifting: the critical
	// floor alert must sort ahead of the drift warning.
	points := series(0.9, 0.8, 0.6, 0.4)
	points[len(points)-1].DriftPercentile = 250

	alerts := a.GenerateAlerts(points)
	require.NotEmpty(t, alerts)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "below floor")

	last := alerts[len(alerts)-1]
	assert.Equal(t, SeverityWarning, last.Severity)
	assert.Contains(t, last.Message, "drift index")
}

func TestGenerateAlertsDegradation(t *testing.T) {
	a := NewAnalyzer(AnalyzerOptions{})

	t.Run("warning for moderate drop", func(t *testing.T) {
		alerts := a.GenerateAlerts(series(0.90, 0.88, 0.86, 0.83))
		require.Len(t, alerts, 1)
		assert.Equal(t, SeverityWarning, alerts[0].Severity)
		assert.Contains(t, alerts[0].Message, "degrading")
	})

	t.Run("critical for steep drop", func(t *testing.T) {
		alerts := a.GenerateAlerts(series(0.95, 0.88, 0.80, 0.72))
		require.NotEmpty(t, alerts)
		assert.Equal(t, SeverityCritical, alerts[0].Severity)
	})

	t.Run("quiet when healthy", func(t *testing.T) {
		assert.Empty(t, a.GenerateAlerts(series(0.90, 0.91, 0.90, 0.92)))
	})
}

func TestGenerateAlertsEmpty(t *testing.T) {
	assert.Nil(t, NewAnalyzer(AnalyzerOptions{}).GenerateAlerts(nil))
}
