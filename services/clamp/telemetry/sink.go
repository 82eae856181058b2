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

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
	"github.com/AleutianAI/AleutianClamp/services/clamp/compare"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilData is returned when nil data is provided to a recording method.
	ErrNilData = errors.New("data must not be nil")

	// ErrSinkClosed is returned when attempting to use a closed sink.
	ErrSinkClosed = errors.New("sink has been closed")

	// ErrNoSinks is returned when creating a composite sink with no children.
	ErrNoSinks = errors.New("at least one sink is required")
)

// -----------------------------------------------------------------------------
// Interface
// -----------------------------------------------------------------------------

// Sink defines the interface for stability telemetry export.
//
// Description:
//
//	Sink is the abstraction between accumulation and whatever observes it.
//	Implementations handle the specific export format (Prometheus, OTel,
//	InfluxDB) for accumulated summaries, drift comparisons, and errors.
//
// Thread Safety: All implementations must be safe for concurrent use.
//
// Example:
//
//	sink, err := telemetry.NewPrometheusSink(telemetry.DefaultPrometheusConfig())
//	if err != nil {
//	    return err
//	}
//	defer sink.Close()
//
//	if err := sink.RecordSummary(ctx, data); err != nil {
//	    slog.Warn("telemetry export failed", slog.String("error", err.Error()))
//	}
type Sink interface {
	// RecordSummary records one accumulated stability summary.
	//
	// Thread Safety: Safe for concurrent use.
	RecordSummary(ctx context.Context, data *SummaryData) error

	// RecordComparison records one backend-vs-baseline drift comparison.
	//
	// Thread Safety: Safe for concurrent use.
	RecordComparison(ctx context.Context, data *ComparisonData) error

	// RecordError records an error event for alerting and debugging.
	//
	// Thread Safety: Safe for concurrent use.
	RecordError(ctx context.Context, data *ErrorData) error

	// Flush ensures all buffered data is exported. Called automatically
	// on Close(), but can be called explicitly for immediate export.
	//
	// Thread Safety: Safe for concurrent use.
	Flush(ctx context.Context) error

	// Close releases resources and flushes pending data. After Close(),
	// all recording methods return ErrSinkClosed.
	//
	// Thread Safety: Safe for concurrent use. Idempotent.
	Close() error
}

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// SummaryData is one accumulated summary ready for export.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type SummaryData struct {
	// Timestamp is when the accumulation ran.
	Timestamp time.Time

	// Backend is the resolved execution backend tag.
	Backend string

	// DeviceName is the resolved device tag.
	DeviceName string

	// SessionCount is the number of session files seen.
	SessionCount int

	// MeanStability is the pooled mean stability score.
	MeanStability float64

	// Variance is the pooled stability variance.
	Variance float64

	// DriftPercentile is the drift index in milliseconds.
	DriftPercentile float64

	// TrustStatus is the provenance verdict, empty when no build record
	// was found.
	TrustStatus string

	// Labels are additional key-value pairs for filtering.
	Labels map[string]string
}

// NewSummaryData converts an accumulated summary into exportable form.
func NewSummaryData(at time.Time, summary aggregate.Summary) *SummaryData {
	return &SummaryData{
		Timestamp:       at,
		Backend:         summary.Backend,
		DeviceName:      summary.DeviceName,
		SessionCount:    summary.SessionCount,
		MeanStability:   summary.MeanStability,
		Variance:        summary.Variance,
		DriftPercentile: summary.DriftPercentile,
		TrustStatus:     summary.TrustStatus,
	}
}

// ComparisonData is one drift comparison ready for export.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type ComparisonData struct {
	// Timestamp is when the comparison ran.
	Timestamp time.Time

	// BaselineBackend names the backend the candidate was measured
	// against.
	BaselineBackend string

	// Backend is the candidate backend.
	Backend string

	// MeanDelta is candidate mean minus baseline mean.
	MeanDelta float64

	// DriftSkew is the drift index difference in milliseconds.
	DriftSkew float64

	// VarianceRatio is candidate variance over baseline variance.
	VarianceRatio float64

	// Significant marks drift beyond the significance threshold.
	Significant bool

	// Labels are additional key-value pairs for filtering.
	Labels map[string]string
}

// NewComparisonData converts a comparison entry into exportable form.
func NewComparisonData(at time.Time, baselineBackend string, entry compare.Entry) *ComparisonData {
	return &ComparisonData{
		Timestamp:       at,
		BaselineBackend: baselineBackend,
		Backend:         entry.Summary.Backend,
		MeanDelta:       entry.MeanDelta,
		DriftSkew:       entry.DriftSkew,
		VarianceRatio:   entry.VarianceRatio,
		Significant:     entry.DriftSignificant,
	}
}

// ErrorData is one error event ready for export.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type ErrorData struct {
	// Timestamp is when the error occurred.
	Timestamp time.Time

	// Component is the component that produced the error.
	Component string

	// Operation is the operation that failed.
	Operation string

	// ErrorType categorizes the error (e.g., "io", "parse", "lock").
	ErrorType string

	// Message is the error message.
	Message string

	// Labels are additional key-value pairs for filtering.
	Labels map[string]string
}

// -----------------------------------------------------------------------------
// Composite Sink
// -----------------------------------------------------------------------------

// CompositeSink multiplexes telemetry to multiple sinks.
//
// Description:
//
//	CompositeSink sends every record to all child sinks. Errors from
//	individual children are joined; one child's failure does not stop
//	the others from receiving the data.
//
// Thread Safety: Safe for concurrent use.
type CompositeSink struct {
	sinks  []Sink
	mu     sync.RWMutex
	closed bool
}

// NewCompositeSink creates a sink that forwards to all children.
//
// Inputs:
//   - sinks: Child sinks to forward to. Nil entries are dropped; at
//     least one non-nil sink is required.
//
// Outputs:
//   - *CompositeSink: The created composite sink. Never nil on success.
//   - error: ErrNoSinks if no usable sinks remain.
//
// Thread Safety: The returned sink is safe for concurrent use.
func NewCompositeSink(sinks ...Sink) (*CompositeSink, error) {
	valid := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil, ErrNoSinks
	}
	return &CompositeSink{sinks: valid}, nil
}

// RecordSummary forwards the summary to all child sinks.
//
// Thread Safety: Safe for concurrent use.
func (c *CompositeSink) RecordSummary(ctx context.Context, data *SummaryData) error {
	sinks, err := c.children(ctx, data == nil)
	if err != nil {
		return err
	}

	var errs []error
	for _, sink := range sinks {
		if err := sink.RecordSummary(ctx, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordComparison forwards the comparison to all child sinks.
//
// Thread Safety: Safe for concurrent use.
func (c *CompositeSink) RecordComparison(ctx context.Context, data *ComparisonData) error {
	sinks, err := c.children(ctx, data == nil)
	if err != nil {
		return err
	}

	var errs []error
	for _, sink := range sinks {
		if err := sink.RecordComparison(ctx, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordError forwards the error event to all child sinks.
//
// Thread Safety: Safe for concurrent use.
func (c *CompositeSink) RecordError(ctx context.Context, data *ErrorData) error {
	sinks, err := c.children(ctx, data == nil)
	if err != nil {
		return err
	}

	var errs []error
	for _, sink := range sinks {
		if err := sink.RecordError(ctx, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush flushes all child sinks concurrently.
//
// Description:
//
//	Waits for every child flush to complete or for context
//	cancellation, then returns the joined errors.
//
// Thread Safety: Safe for concurrent use.
func (c *CompositeSink) Flush(ctx context.Context) error {
	sinks, err := c.children(ctx, false)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(sinks))

	for _, sink := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Flush(ctx); err != nil {
				errChan <- err
			}
		}(sink)
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close closes all child sinks.
//
// Thread Safety: Safe for concurrent use. Idempotent.
func (c *CompositeSink) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sinks := c.sinks
	c.mu.Unlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// children validates the call and snapshots the child list.
func (c *CompositeSink) children(ctx context.Context, nilData bool) ([]Sink, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if nilData {
		return nil, ErrNilData
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrSinkClosed
	}
	return c.sinks, nil
}

// -----------------------------------------------------------------------------
// No-Op Sink
// -----------------------------------------------------------------------------

// NoOpSink is a sink that discards all data.
//
// Description:
//
//	NoOpSink is the default when no telemetry backend is configured,
//	and is useful in tests.
//
// Thread Safety: Safe for concurrent use.
type NoOpSink struct{}

// NewNoOpSink creates a sink that accepts but discards all telemetry.
func NewNoOpSink() *NoOpSink {
	return &NoOpSink{}
}

// RecordSummary discards the summary.
func (n *NoOpSink) RecordSummary(ctx context.Context, data *SummaryData) error {
	if ctx == nil {
		return ErrNilContext
	}
	if data == nil {
		return ErrNilData
	}
	return nil
}

// RecordComparison discards the comparison.
func (n *NoOpSink) RecordComparison(ctx context.Context, data *ComparisonData) error {
	if ctx == nil {
		return ErrNilContext
	}
	if data == nil {
		return ErrNilData
	}
	return nil
}

// RecordError discards the error event.
func (n *NoOpSink) RecordError(ctx context.Context, data *ErrorData) error {
	if ctx == nil {
		return ErrNilContext
	}
	if data == nil {
		return ErrNilData
	}
	return nil
}

// Flush does nothing.
func (n *NoOpSink) Flush(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// Close does nothing.
func (n *NoOpSink) Close() error {
	return nil
}

// Verify interface compliance at compile time.
var (
	_ Sink = (*CompositeSink)(nil)
	_ Sink = (*NoOpSink)(nil)
)
