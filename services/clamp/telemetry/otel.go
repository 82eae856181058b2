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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrOTelInitFailed is returned when OpenTelemetry initialization fails.
	ErrOTelInitFailed = errors.New("opentelemetry initialization failed")

	// ErrInvalidOTelConfig is returned when the OTel configuration is invalid.
	ErrInvalidOTelConfig = errors.New("invalid opentelemetry configuration")
)

// instrumentationScope names this package for tracer and meter lookup.
const instrumentationScope = "github.com/AleutianAI/AleutianClamp/services/clamp/telemetry"

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// OTelConfig configures the OpenTelemetry sink.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type OTelConfig struct {
	// ServiceName is the service name for telemetry.
	// Required.
	ServiceName string

	// ServiceVersion is the service version for telemetry.
	// Optional.
	ServiceVersion string

	// TracerProvider is the tracer provider to use.
	// If nil, uses the global tracer provider.
	TracerProvider trace.TracerProvider

	// MeterProvider is the meter provider to use.
	// If nil, uses the global meter provider.
	MeterProvider metric.MeterProvider

	// TraceEnabled enables trace span creation.
	TraceEnabled bool

	// MetricsEnabled enables metric recording.
	MetricsEnabled bool
}

// DefaultOTelConfig returns a configuration with both tracing and
// metrics enabled.
func DefaultOTelConfig() *OTelConfig {
	return &OTelConfig{
		ServiceName:    "aleutian-clamp",
		ServiceVersion: "1.0.0",
		TraceEnabled:   true,
		MetricsEnabled: true,
	}
}

// Validate checks that the configuration is valid.
func (c *OTelConfig) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service name is required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// OpenTelemetry Sink
// -----------------------------------------------------------------------------

// OTelSink exports stability telemetry via OpenTelemetry.
//
// Description:
//
//	OTelSink creates trace spans for accumulations and comparisons and
//	records metrics through the configured providers. Without providers
//	the global no-op implementations apply and telemetry is discarded.
//
// Thread Safety: Safe for concurrent use.
type OTelSink struct {
	config *OTelConfig
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics instruments
	summaryStability metric.Float64Histogram
	summaryDrift     metric.Float64Histogram
	summarySessions  metric.Int64Counter
	comparisonSkew   metric.Float64Gauge
	comparisonTotal  metric.Int64Counter
	errorsTotal      metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewOTelSink creates a new OpenTelemetry telemetry sink.
//
// Inputs:
//   - config: OpenTelemetry configuration. Must not be nil.
//
// Outputs:
//   - *OTelSink: The created sink. Never nil on success.
//   - error: Non-nil if configuration is invalid or initialization fails.
//
// Thread Safety: The returned sink is safe for concurrent use.
func NewOTelSink(config *OTelConfig) (*OTelSink, error) {
	if config == nil {
		return nil, ErrInvalidOTelConfig
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidOTelConfig, err)
	}

	cfg := *config

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	tracer := tp.Tracer(
		instrumentationScope,
		trace.WithInstrumentationVersion(cfg.ServiceVersion),
	)
	meter := mp.Meter(
		instrumentationScope,
		metric.WithInstrumentationVersion(cfg.ServiceVersion),
	)

	sink := &OTelSink{
		config: &cfg,
		tracer: tracer,
		meter:  meter,
	}

	if cfg.MetricsEnabled {
		if err := sink.initializeMetrics(); err != nil {
			return nil, errors.Join(ErrOTelInitFailed, err)
		}
	}

	return sink, nil
}

// initializeMetrics creates all metric instruments.
func (s *OTelSink) initializeMetrics() error {
	var err error

	s.summaryStability, err = s.meter.Float64Histogram(
		"summary.stability",
		metric.WithDescription("Pooled mean stability score per accumulation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	s.summaryDrift, err = s.meter.Float64Histogram(
		"summary.drift_index",
		metric.WithDescription("Drift index in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	s.summarySessions, err = s.meter.Int64Counter(
		"summary.sessions",
		metric.WithDescription("Total session files seen by accumulations"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	s.comparisonSkew, err = s.meter.Float64Gauge(
		"comparison.drift_skew",
		metric.WithDescription("Candidate minus baseline drift index"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	s.comparisonTotal, err = s.meter.Int64Counter(
		"comparison.total",
		metric.WithDescription("Total drift comparisons performed"),
		metric.WithUnit("{comparison}"),
	)
	if err != nil {
		return err
	}

	s.errorsTotal, err = s.meter.Int64Counter(
		"errors.total",
		metric.WithDescription("Total errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordSummary records accumulation telemetry.
//
// Description:
//
//	Creates a trace span carrying the summary attributes and records
//	the stability, drift, and session metrics.
//
// Thread Safety: Safe for concurrent use.
func (s *OTelSink) RecordSummary(ctx context.Context, data *SummaryData) error {
	if err := s.guard(ctx, data == nil); err != nil {
		return err
	}

	attrs := []attribute.KeyValue{
		attribute.String("summary.backend", labelOr(data.Backend, "unknown")),
		attribute.String("summary.device", labelOr(data.DeviceName, "unspecified")),
		attribute.Int("summary.sessions", data.SessionCount),
	}
	for k, v := range data.Labels {
		attrs = append(attrs, attribute.String("label."+k, v))
	}

	if s.config.TraceEnabled {
		_, span := s.tracer.Start(ctx, "summary.record",
			trace.WithAttributes(attrs...),
			trace.WithTimestamp(timestampOrNow(data.Timestamp)),
		)
		span.SetAttributes(
			attribute.Float64("summary.mean_stability", data.MeanStability),
			attribute.Float64("summary.variance", data.Variance),
			attribute.Float64("summary.drift_index_ms", data.DriftPercentile),
			attribute.String("summary.trust_status", data.TrustStatus),
		)
		span.End()
	}

	if s.config.MetricsEnabled {
		attrSet := metric.WithAttributes(attrs...)
		s.summaryStability.Record(ctx, data.MeanStability, attrSet)
		s.summaryDrift.Record(ctx, data.DriftPercentile, attrSet)
		s.summarySessions.Add(ctx, int64(data.SessionCount), attrSet)
	}

	return nil
}

// RecordComparison records drift comparison telemetry.
//
// Description:
//
//	Creates a trace span for the comparison and records the drift skew
//	gauge. A significant drift marks the span with an error status so
//	trace backends surface it.
//
// Thread Safety: Safe for concurrent use.
func (s *OTelSink) RecordComparison(ctx context.Context, data *ComparisonData) error {
	if err := s.guard(ctx, data == nil); err != nil {
		return err
	}

	attrs := []attribute.KeyValue{
		attribute.String("comparison.backend", labelOr(data.Backend, "unknown")),
		attribute.String("comparison.baseline", labelOr(data.BaselineBackend, "unknown")),
		attribute.Bool("comparison.significant", data.Significant),
		attribute.Float64("comparison.mean_delta", data.MeanDelta),
		attribute.Float64("comparison.drift_skew_ms", data.DriftSkew),
	}
	for k, v := range data.Labels {
		attrs = append(attrs, attribute.String("label."+k, v))
	}

	if s.config.TraceEnabled {
		_, span := s.tracer.Start(ctx, "comparison.record",
			trace.WithAttributes(attrs...),
			trace.WithTimestamp(timestampOrNow(data.Timestamp)),
		)
		if data.Significant {
			span.SetStatus(codes.Error, "drift significant")
		}
		span.End()
	}

	if s.config.MetricsEnabled {
		attrSet := metric.WithAttributes(
			attribute.String("backend", labelOr(data.Backend, "unknown")),
			attribute.Bool("significant", data.Significant),
		)
		s.comparisonSkew.Record(ctx, data.DriftSkew, attrSet)
		s.comparisonTotal.Add(ctx, 1, attrSet)
	}

	return nil
}

// RecordError records error telemetry.
//
// Thread Safety: Safe for concurrent use.
func (s *OTelSink) RecordError(ctx context.Context, data *ErrorData) error {
	if err := s.guard(ctx, data == nil); err != nil {
		return err
	}

	attrs := []attribute.KeyValue{
		attribute.String("error.component", labelOr(data.Component, "unknown")),
		attribute.String("error.operation", labelOr(data.Operation, "unknown")),
		attribute.String("error.type", labelOr(data.ErrorType, "unknown")),
	}
	for k, v := range data.Labels {
		attrs = append(attrs, attribute.String("label."+k, v))
	}

	if s.config.TraceEnabled {
		_, span := s.tracer.Start(ctx, "error.record",
			trace.WithAttributes(attrs...),
			trace.WithTimestamp(timestampOrNow(data.Timestamp)),
		)
		span.SetStatus(codes.Error, data.Message)
		span.End()
	}

	if s.config.MetricsEnabled {
		s.errorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return nil
}

// Flush is a no-op; export cadence belongs to the providers.
//
// Thread Safety: Safe for concurrent use.
func (s *OTelSink) Flush(ctx context.Context) error {
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

// Close marks the sink closed. Provider shutdown is the caller's
// responsibility.
//
// Thread Safety: Safe for concurrent use. Idempotent.
func (s *OTelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *OTelSink) guard(ctx context.Context, nilData bool) error {
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

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// Verify interface compliance at compile time.
var _ Sink = (*OTelSink)(nil)
