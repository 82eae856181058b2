// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestPrometheusSink(t *testing.T) *PrometheusSink {
	t.Helper()
	config := DefaultPrometheusConfig()
	config.Registry = prometheus.NewRegistry()

	sink, err := NewPrometheusSink(config)
	if err != nil {
		t.Fatalf("NewPrometheusSink failed: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestDefaultPrometheusConfig(t *testing.T) {
	config := DefaultPrometheusConfig()

	if config.Namespace != "clamp" {
		t.Errorf("Namespace = %s, want clamp", config.Namespace)
	}
	if config.Subsystem != "stability" {
		t.Errorf("Subsystem = %s, want stability", config.Subsystem)
	}
	if len(config.StabilityBuckets) == 0 {
		t.Error("StabilityBuckets should not be empty")
	}
	if len(config.DriftBuckets) == 0 {
		t.Error("DriftBuckets should not be empty")
	}
}

func TestPrometheusConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		if err := DefaultPrometheusConfig().Validate(); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("empty namespace", func(t *testing.T) {
		config := DefaultPrometheusConfig()
		config.Namespace = ""
		if err := config.Validate(); err == nil {
			t.Error("Validate() should fail for empty namespace")
		}
	})

	t.Run("empty subsystem", func(t *testing.T) {
		config := DefaultPrometheusConfig()
		config.Subsystem = ""
		if err := config.Validate(); err == nil {
			t.Error("Validate() should fail for empty subsystem")
		}
	})
}

func TestNewPrometheusSink(t *testing.T) {
	t.Run("rejects nil config", func(t *testing.T) {
		if _, err := NewPrometheusSink(nil); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		_, err := NewPrometheusSink(&PrometheusConfig{Subsystem: "test"})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("applies default buckets", func(t *testing.T) {
		config := &PrometheusConfig{
			Namespace: "test",
			Subsystem: "test",
			Registry:  prometheus.NewRegistry(),
		}
		sink, err := NewPrometheusSink(config)
		if err != nil {
			t.Fatalf("NewPrometheusSink failed: %v", err)
		}
		defer sink.Close()

		if len(sink.config.StabilityBuckets) == 0 {
			t.Error("StabilityBuckets should fall back to defaults")
		}
		if len(sink.config.DriftBuckets) == 0 {
			t.Error("DriftBuckets should fall back to defaults")
		}
	})
}

func TestPrometheusSinkRecordSummary(t *testing.T) {
	sink := newTestPrometheusSink(t)

	if err := sink.RecordSummary(context.Background(), testSummaryData()); err != nil {
		t.Fatalf("RecordSummary failed: %v", err)
	}

	if got := testutil.ToFloat64(sink.summarySessions.WithLabelValues("HIP")); got != 2 {
		t.Errorf("summary_sessions_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sink.summaryVariance.WithLabelValues("HIP")); got != 0.02 {
		t.Errorf("summary_stability_variance = %v, want 0.02", got)
	}
	if got := testutil.ToFloat64(sink.summariesTotal.WithLabelValues("HIP", "valid")); got != 1 {
		t.Errorf("summaries_total = %v, want 1", got)
	}
}

func TestPrometheusSinkRecordSummaryDefaultLabels(t *testing.T) {
	sink := newTestPrometheusSink(t)

	data := testSummaryData()
	data.Backend = ""
	data.TrustStatus = ""
	if err := sink.RecordSummary(context.Background(), data); err != nil {
		t.Fatalf("RecordSummary failed: %v", err)
	}

	if got := testutil.ToFloat64(sink.summariesTotal.WithLabelValues("unknown", "none")); got != 1 {
		t.Errorf("summaries_total{unknown,none} = %v, want 1", got)
	}
}

func TestPrometheusSinkRecordComparison(t *testing.T) {
	sink := newTestPrometheusSink(t)

	data := &ComparisonData{
		Backend:       "HIP",
		MeanDelta:     -0.02,
		DriftSkew:     7.0,
		VarianceRatio: 1.25,
		Significant:   true,
	}
	if err := sink.RecordComparison(context.Background(), data); err != nil {
		t.Fatalf("RecordComparison failed: %v", err)
	}

	if got := testutil.ToFloat64(sink.comparisonMeanDelta.WithLabelValues("HIP")); got != -0.02 {
		t.Errorf("comparison_mean_delta = %v, want -0.02", got)
	}
	if got := testutil.ToFloat64(sink.comparisonDriftSkew.WithLabelValues("HIP")); got != 7.0 {
		t.Errorf("comparison_drift_skew_ms = %v, want 7", got)
	}
	if got := testutil.ToFloat64(sink.comparisonVarianceRatio.WithLabelValues("HIP")); got != 1.25 {
		t.Errorf("comparison_variance_ratio = %v, want 1.25", got)
	}
	if got := testutil.ToFloat64(sink.comparisonsTotal.WithLabelValues("true")); got != 1 {
		t.Errorf("comparisons_total{true} = %v, want 1", got)
	}
}

func TestPrometheusSinkSkipsInfiniteVarianceRatio(t *testing.T) {
	sink := newTestPrometheusSink(t)

	data := &ComparisonData{Backend: "HIP", VarianceRatio: math.Inf(1)}
	if err := sink.RecordComparison(context.Background(), data); err != nil {
		t.Fatalf("RecordComparison failed: %v", err)
	}

	// Gauge exists (created by lookup) but never received the Inf sample.
	if got := testutil.ToFloat64(sink.comparisonVarianceRatio.WithLabelValues("HIP")); got != 0 {
		t.Errorf("comparison_variance_ratio = %v, want 0 (Inf skipped)", got)
	}
	if got := testutil.ToFloat64(sink.comparisonsTotal.WithLabelValues("false")); got != 1 {
		t.Errorf("comparisons_total{false} = %v, want 1", got)
	}
}

func TestPrometheusSinkRecordError(t *testing.T) {
	sink := newTestPrometheusSink(t)

	data := &ErrorData{Component: "aggregate", Operation: "accumulate", ErrorType: "io"}
	if err := sink.RecordError(context.Background(), data); err != nil {
		t.Fatalf("RecordError failed: %v", err)
	}
	if err := sink.RecordError(context.Background(), data); err != nil {
		t.Fatalf("RecordError failed: %v", err)
	}

	got := testutil.ToFloat64(sink.errorsTotal.WithLabelValues("aggregate", "accumulate", "io"))
	if got != 2 {
		t.Errorf("errors_total = %v, want 2", got)
	}
}

func TestPrometheusSinkClosed(t *testing.T) {
	sink := newTestPrometheusSink(t)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := sink.RecordSummary(context.Background(), testSummaryData()); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("expected ErrSinkClosed, got %v", err)
	}
	if err := sink.Flush(context.Background()); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("expected ErrSinkClosed on Flush, got %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestPrometheusSinkLabelCardinality(t *testing.T) {
	config := DefaultPrometheusConfig()
	config.Registry = prometheus.NewRegistry()
	config.MaxLabelCardinality = 2

	sink, err := NewPrometheusSink(config)
	if err != nil {
		t.Fatalf("NewPrometheusSink failed: %v", err)
	}
	defer sink.Close()

	for _, backend := range []string{"HIP", "CUDA", "VULKAN", "METAL"} {
		data := testSummaryData()
		data.Backend = backend
		if err := sink.RecordSummary(context.Background(), data); err != nil {
			t.Fatalf("RecordSummary failed: %v", err)
		}
	}

	// First two backends kept their labels; the rest collapsed.
	if got := testutil.ToFloat64(sink.summarySessions.WithLabelValues("HIP")); got != 2 {
		t.Errorf("sessions{HIP} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sink.summarySessions.WithLabelValues("CUDA")); got != 2 {
		t.Errorf("sessions{CUDA} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sink.summarySessions.WithLabelValues("_other")); got != 4 {
		t.Errorf("sessions{_other} = %v, want 4", got)
	}
}
