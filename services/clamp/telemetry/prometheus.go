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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConfig is returned when the Prometheus configuration is invalid.
	ErrInvalidConfig = errors.New("invalid prometheus configuration")

	// ErrRegistrationFailed is returned when metric registration fails.
	ErrRegistrationFailed = errors.New("metric registration failed")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// PrometheusConfig configures the Prometheus sink.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type PrometheusConfig struct {
	// Namespace is the metrics namespace (e.g., "clamp").
	// Required.
	Namespace string

	// Subsystem is the metrics subsystem (e.g., "stability").
	// Required.
	Subsystem string

	// Registry is the Prometheus registry to use.
	// If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// StabilityBuckets defines histogram buckets for stability scores.
	// If nil, uses default buckets.
	StabilityBuckets []float64

	// DriftBuckets defines histogram buckets for drift indices (ms).
	// If nil, uses default buckets.
	DriftBuckets []float64

	// MaxLabelCardinality is the maximum number of unique label values
	// to track. When exceeded, new label values map to "_other".
	// Default: 1000
	MaxLabelCardinality int
}

// DefaultPrometheusConfig returns a configuration with sensible defaults.
//
// Example:
//
//	config := telemetry.DefaultPrometheusConfig()
//	config.Registry = registry
//	sink, err := telemetry.NewPrometheusSink(config)
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Namespace: "clamp",
		Subsystem: "stability",
		StabilityBuckets: []float64{
			0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99, 1.0,
		},
		DriftBuckets: []float64{
			1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000,
		},
		MaxLabelCardinality: 1000,
	}
}

// Validate checks that the configuration is valid.
func (c *PrometheusConfig) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if c.Subsystem == "" {
		return errors.New("subsystem is required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Prometheus Sink
// -----------------------------------------------------------------------------

// PrometheusSink exports stability telemetry as Prometheus metrics.
//
// Description:
//
//	PrometheusSink exposes accumulated summaries, drift comparisons, and
//	error counts as scrapeable metrics. Collectors are registered on
//	creation and unregistered on Close() when the registry supports it.
//
// Thread Safety: Safe for concurrent use.
type PrometheusSink struct {
	config   *PrometheusConfig
	registry prometheus.Registerer

	// Summary metrics
	summaryStability *prometheus.HistogramVec
	summaryVariance  *prometheus.GaugeVec
	summaryDrift     *prometheus.HistogramVec
	summarySessions  *prometheus.CounterVec
	summariesTotal   *prometheus.CounterVec

	// Comparison metrics
	comparisonMeanDelta     *prometheus.GaugeVec
	comparisonDriftSkew     *prometheus.GaugeVec
	comparisonVarianceRatio *prometheus.GaugeVec
	comparisonsTotal        *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	mu     sync.RWMutex
	closed bool

	// Track registered collectors for cleanup
	collectors []prometheus.Collector

	// Label cardinality protection
	labelMu        sync.RWMutex
	seenLabels     map[string]map[string]struct{}
	maxCardinality int
}

// NewPrometheusSink creates a new Prometheus telemetry sink.
//
// Inputs:
//   - config: Prometheus configuration. Must not be nil.
//
// Outputs:
//   - *PrometheusSink: The created sink. Never nil on success.
//   - error: Non-nil if configuration is invalid or registration fails.
//
// Thread Safety: The returned sink is safe for concurrent use.
func NewPrometheusSink(config *PrometheusConfig) (*PrometheusSink, error) {
	if config == nil {
		return nil, ErrInvalidConfig
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	// Copy to avoid mutating the caller's config.
	cfg := *config
	if cfg.StabilityBuckets == nil {
		cfg.StabilityBuckets = DefaultPrometheusConfig().StabilityBuckets
	}
	if cfg.DriftBuckets == nil {
		cfg.DriftBuckets = DefaultPrometheusConfig().DriftBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	maxCard := cfg.MaxLabelCardinality
	if maxCard <= 0 {
		maxCard = 1000
	}

	sink := &PrometheusSink{
		config:         &cfg,
		registry:       registry,
		seenLabels:     make(map[string]map[string]struct{}),
		maxCardinality: maxCard,
	}

	sink.summaryStability = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "summary_stability_score",
			Help:      "Pooled mean stability score per accumulation",
			Buckets:   cfg.StabilityBuckets,
		},
		[]string{"backend"},
	)

	sink.summaryVariance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "summary_stability_variance",
			Help:      "Pooled stability variance of the latest accumulation",
		},
		[]string{"backend"},
	)

	sink.summaryDrift = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "summary_drift_index_ms",
			Help:      "Drift index distribution in milliseconds",
			Buckets:   cfg.DriftBuckets,
		},
		[]string{"backend"},
	)

	sink.summarySessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "summary_sessions_total",
			Help:      "Total session files seen by accumulations",
		},
		[]string{"backend"},
	)

	sink.summariesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "summaries_total",
			Help:      "Total accumulations recorded, by trust verdict",
		},
		[]string{"backend", "trust"},
	)

	sink.comparisonMeanDelta = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "comparison_mean_delta",
			Help:      "Candidate minus baseline mean stability",
		},
		[]string{"backend"},
	)

	sink.comparisonDriftSkew = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "comparison_drift_skew_ms",
			Help:      "Candidate minus baseline drift index in milliseconds",
		},
		[]string{"backend"},
	)

	sink.comparisonVarianceRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "comparison_variance_ratio",
			Help:      "Candidate variance over baseline variance",
		},
		[]string{"backend"},
	)

	sink.comparisonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "comparisons_total",
			Help:      "Total drift comparisons performed",
		},
		[]string{"significant"},
	)

	sink.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "errors_total",
			Help:      "Total errors by type and component",
		},
		[]string{"component", "operation", "error_type"},
	)

	sink.collectors = []prometheus.Collector{
		sink.summaryStability,
		sink.summaryVariance,
		sink.summaryDrift,
		sink.summarySessions,
		sink.summariesTotal,
		sink.comparisonMeanDelta,
		sink.comparisonDriftSkew,
		sink.comparisonVarianceRatio,
		sink.comparisonsTotal,
		sink.errorsTotal,
	}

	for _, c := range sink.collectors {
		if err := registry.Register(c); err != nil {
			var alreadyErr prometheus.AlreadyRegisteredError
			if !errors.As(err, &alreadyErr) {
				return nil, errors.Join(ErrRegistrationFailed, err)
			}
		}
	}

	return sink, nil
}

// RecordSummary records summary metrics.
//
// Thread Safety: Safe for concurrent use.
func (s *PrometheusSink) RecordSummary(ctx context.Context, data *SummaryData) error {
	if err := s.guard(ctx, data == nil); err != nil {
		return err
	}

	backend := s.sanitizeLabel("backend", labelOr(data.Backend, "unknown"))
	trust := s.sanitizeLabel("trust", labelOr(data.TrustStatus, "none"))

	s.summaryStability.WithLabelValues(backend).Observe(data.MeanStability)
	s.summaryVariance.WithLabelValues(backend).Set(data.Variance)
	s.summaryDrift.WithLabelValues(backend).Observe(data.DriftPercentile)
	s.summarySessions.WithLabelValues(backend).Add(float64(data.SessionCount))
	s.summariesTotal.WithLabelValues(backend, trust).Inc()

	return nil
}

// RecordComparison records comparison metrics.
//
// Description:
//
//	A variance ratio against a zero-variance baseline is infinite and
//	cannot be exposed as a gauge; that sample is skipped while the rest
//	of the comparison is still recorded.
//
// Thread Safety: Safe for concurrent use.
func (s *PrometheusSink) RecordComparison(ctx context.Context, data *ComparisonData) error {
	if err := s.guard(ctx, data == nil); err != nil {
		return err
	}

	backend := s.sanitizeLabel("backend", labelOr(data.Backend, "unknown"))

	s.comparisonMeanDelta.WithLabelValues(backend).Set(data.MeanDelta)
	s.comparisonDriftSkew.WithLabelValues(backend).Set(data.DriftSkew)
	if !math.IsInf(data.VarianceRatio, 0) && !math.IsNaN(data.VarianceRatio) {
		s.comparisonVarianceRatio.WithLabelValues(backend).Set(data.VarianceRatio)
	}

	significant := "false"
	if data.Significant {
		significant = "true"
	}
	s.comparisonsTotal.WithLabelValues(significant).Inc()

	return nil
}

// RecordError records error metrics.
//
// Thread Safety: Safe for concurrent use.
func (s *PrometheusSink) RecordError(ctx context.Context, data *ErrorData) error {
	if err := s.guard(ctx, data == nil); err != nil {
		return err
	}

	component := s.sanitizeLabel("component", labelOr(data.Component, "unknown"))
	operation := s.sanitizeLabel("operation", labelOr(data.Operation, "unknown"))
	errorType := s.sanitizeLabel("error_type", labelOr(data.ErrorType, "unknown"))

	s.errorsTotal.WithLabelValues(component, operation, errorType).Inc()

	return nil
}

// Flush is a no-op; Prometheus metrics are pull-based.
//
// Thread Safety: Safe for concurrent use.
func (s *PrometheusSink) Flush(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return nil
}

// Close unregisters all metrics and releases resources.
//
// Thread Safety: Safe for concurrent use. Idempotent.
func (s *PrometheusSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// DefaultRegisterer does not support unregistration; only concrete
	// registries get cleaned up.
	if registry, ok := s.registry.(*prometheus.Registry); ok {
		for _, c := range s.collectors {
			registry.Unregister(c)
		}
	}

	return nil
}

func (s *PrometheusSink) guard(ctx context.Context, nilData bool) error {
	if ctx == nil {
		return ErrNilContext
	}
	if nilData {
		return ErrNilData
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return nil
}

func labelOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// sanitizeLabel protects against label cardinality explosion.
//
// Description:
//
//	Tracks unique label values per label name and replaces values
//	beyond MaxLabelCardinality with "_other".
//
// Thread Safety: Safe for concurrent use.
func (s *PrometheusSink) sanitizeLabel(labelName, labelValue string) string {
	s.labelMu.RLock()
	seen := s.seenLabels[labelName]
	if seen != nil {
		if _, exists := seen[labelValue]; exists {
			s.labelMu.RUnlock()
			return labelValue
		}
		if len(seen) >= s.maxCardinality {
			s.labelMu.RUnlock()
			return "_other"
		}
	}
	s.labelMu.RUnlock()

	s.labelMu.Lock()
	defer s.labelMu.Unlock()

	// Double-check after acquiring the write lock.
	if s.seenLabels[labelName] == nil {
		s.seenLabels[labelName] = make(map[string]struct{})
	}
	if _, exists := s.seenLabels[labelName][labelValue]; exists {
		return labelValue
	}
	if len(s.seenLabels[labelName]) >= s.maxCardinality {
		return "_other"
	}

	s.seenLabels[labelName][labelValue] = struct{}{}
	return labelValue
}

// Verify interface compliance at compile time.
var _ Sink = (*PrometheusSink)(nil)
