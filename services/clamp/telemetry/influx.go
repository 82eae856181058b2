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
	"fmt"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// ErrInvalidInfluxConfig is returned when the InfluxDB configuration is
// invalid.
var ErrInvalidInfluxConfig = errors.New("invalid influxdb configuration")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// InfluxConfig configures the InfluxDB sink.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type InfluxConfig struct {
	// URL is the InfluxDB server URL (e.g., "http://localhost:8086").
	// Required.
	URL string

	// Token is the API token. Required.
	Token string

	// Org is the organization name. Required.
	Org string

	// Bucket is the destination bucket. Required.
	Bucket string
}

// Validate checks that the configuration is valid.
func (c *InfluxConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.Org == "" {
		return errors.New("org is required")
	}
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// InfluxDB Sink
// -----------------------------------------------------------------------------

// InfluxSink exports stability telemetry as InfluxDB points.
//
// Description:
//
//	InfluxSink writes one point per summary, comparison, or error to the
//	configured bucket using the blocking write API. The client connects
//	lazily; a down server surfaces as write errors, not construction
//	errors.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking

	mu     sync.RWMutex
	closed bool
}

// NewInfluxSink creates a new InfluxDB telemetry sink.
//
// Inputs:
//   - config: InfluxDB configuration. Must not be nil.
//
// Outputs:
//   - *InfluxSink: The created sink. Never nil on success.
//   - error: Non-nil if the configuration is invalid.
//
// Thread Safety: The returned sink is safe for concurrent use.
func NewInfluxSink(config *InfluxConfig) (*InfluxSink, error) {
	if config == nil {
		return nil, ErrInvalidInfluxConfig
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidInfluxConfig, err)
	}

	client := influxdb2.NewClient(config.URL, config.Token)
	writeAPI := client.WriteAPIBlocking(config.Org, config.Bucket)

	return &InfluxSink{
		client:   client,
		writeAPI: writeAPI,
	}, nil
}

// RecordSummary writes one clamp_summary point.
//
// Thread Safety: Safe for concurrent use.
func (s *InfluxSink) RecordSummary(ctx context.Context, data *SummaryData) error {
	if err := s.guard(ctx, data == nil); err != nil {
		return err
	}

	p := influxdb2.NewPointWithMeasurement("clamp_summary").
		AddTag("backend", labelOr(data.Backend, "unknown")).
		AddTag("device", labelOr(data.DeviceName, "unspecified")).
		AddField("mean_stability", data.MeanStability).
		AddField("stability_variance", data.Variance).
		AddField("drift_index_ms", data.DriftPercentile).
		AddField("session_count", data.SessionCount).
		AddField("trust_status", data.TrustStatus).
		SetTime(timestampOrNow(data.Timestamp))
	for k, v := range data.Labels {
		p.AddTag(k, v)
	}

	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write summary point: %w", err)
	}
	return nil
}

// RecordComparison writes one clamp_comparison point.
//
// Thread Safety: Safe for concurrent use.
func (s *InfluxSink) RecordComparison(ctx context.Context, data *ComparisonData) error {
	if err := s.guard(ctx, data == nil); err != nil {
		return err
	}

	p := influxdb2.NewPointWithMeasurement("clamp_comparison").
		AddTag("backend", labelOr(data.Backend, "unknown")).
		AddTag("baseline", labelOr(data.BaselineBackend, "unknown")).
		AddField("mean_delta", data.MeanDelta).
		AddField("drift_skew_ms", data.DriftSkew).
		AddField("variance_ratio", data.VarianceRatio).
		AddField("significant", data.Significant).
		SetTime(timestampOrNow(data.Timestamp))
	for k, v := range data.Labels {
		p.AddTag(k, v)
	}

	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write comparison point: %w", err)
	}
	return nil
}

// RecordError writes one clamp_errors point.
//
// Thread Safety: Safe for concurrent use.
func (s *InfluxSink) RecordError(ctx context.Context, data *ErrorData) error {
	if err := s.guard(ctx, data == nil); err != nil {
		return err
	}

	p := influxdb2.NewPointWithMeasurement("clamp_errors").
		AddTag("component", labelOr(data.Component, "unknown")).
		AddTag("operation", labelOr(data.Operation, "unknown")).
		AddTag("error_type", labelOr(data.ErrorType, "unknown")).
		AddField("count", 1).
		AddField("message", data.Message).
		SetTime(timestampOrNow(data.Timestamp))
	for k, v := range data.Labels {
		p.AddTag(k, v)
	}

	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write error point: %w", err)
	}
	return nil
}

// Flush forces any batched points out.
//
// Thread Safety: Safe for concurrent use.
func (s *InfluxSink) Flush(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.writeAPI.Flush(ctx)
}

// Close shuts down the client.
//
// Thread Safety: Safe for concurrent use. Idempotent.
func (s *InfluxSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.client.Close()
	return nil
}

func (s *InfluxSink) guard(ctx context.Context, nilData bool) error {
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

// Verify interface compliance at compile time.
var _ Sink = (*InfluxSink)(nil)
