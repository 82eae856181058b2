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
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
	"github.com/AleutianAI/AleutianClamp/services/clamp/compare"
)

// stubSink counts calls and optionally fails every recording method.
type stubSink struct {
	summaries   atomic.Int64
	comparisons atomic.Int64
	errs        atomic.Int64
	flushes     atomic.Int64
	closes      atomic.Int64
	failWith    error
}

func (s *stubSink) RecordSummary(ctx context.Context, data *SummaryData) error {
	s.summaries.Add(1)
	return s.failWith
}

func (s *stubSink) RecordComparison(ctx context.Context, data *ComparisonData) error {
	s.comparisons.Add(1)
	return s.failWith
}

func (s *stubSink) RecordError(ctx context.Context, data *ErrorData) error {
	s.errs.Add(1)
	return s.failWith
}

func (s *stubSink) Flush(ctx context.Context) error {
	s.flushes.Add(1)
	return s.failWith
}

func (s *stubSink) Close() error {
	s.closes.Add(1)
	return s.failWith
}

func testSummaryData() *SummaryData {
	return &SummaryData{
		Timestamp:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Backend:         "HIP",
		DeviceName:      "gfx1100",
		SessionCount:    2,
		MeanStability:   0.6,
		Variance:        0.02,
		DriftPercentile: 20,
		TrustStatus:     "valid",
	}
}

func TestNewCompositeSink(t *testing.T) {
	t.Run("requires at least one sink", func(t *testing.T) {
		if _, err := NewCompositeSink(); !errors.Is(err, ErrNoSinks) {
			t.Errorf("expected ErrNoSinks, got %v", err)
		}
	})

	t.Run("rejects all-nil children", func(t *testing.T) {
		if _, err := NewCompositeSink(nil, nil); !errors.Is(err, ErrNoSinks) {
			t.Errorf("expected ErrNoSinks, got %v", err)
		}
	})

	t.Run("drops nil children", func(t *testing.T) {
		child := &stubSink{}
		composite, err := NewCompositeSink(nil, child)
		if err != nil {
			t.Fatalf("NewCompositeSink failed: %v", err)
		}
		if err := composite.RecordSummary(context.Background(), testSummaryData()); err != nil {
			t.Fatalf("RecordSummary failed: %v", err)
		}
		if got := child.summaries.Load(); got != 1 {
			t.Errorf("child summaries = %d, want 1", got)
		}
	})
}

func TestCompositeSinkFanOut(t *testing.T) {
	first := &stubSink{}
	second := &stubSink{}
	composite, err := NewCompositeSink(first, second)
	if err != nil {
		t.Fatalf("NewCompositeSink failed: %v", err)
	}

	ctx := context.Background()
	if err := composite.RecordSummary(ctx, testSummaryData()); err != nil {
		t.Fatalf("RecordSummary failed: %v", err)
	}
	if err := composite.RecordComparison(ctx, &ComparisonData{Backend: "HIP"}); err != nil {
		t.Fatalf("RecordComparison failed: %v", err)
	}
	if err := composite.RecordError(ctx, &ErrorData{Component: "aggregate"}); err != nil {
		t.Fatalf("RecordError failed: %v", err)
	}

	for i, child := range []*stubSink{first, second} {
		if got := child.summaries.Load(); got != 1 {
			t.Errorf("child %d summaries = %d, want 1", i, got)
		}
		if got := child.comparisons.Load(); got != 1 {
			t.Errorf("child %d comparisons = %d, want 1", i, got)
		}
		if got := child.errs.Load(); got != 1 {
			t.Errorf("child %d errors = %d, want 1", i, got)
		}
	}
}

func TestCompositeSinkJoinsChildErrors(t *testing.T) {
	boom := errors.New("export failed")
	failing := &stubSink{failWith: boom}
	healthy := &stubSink{}
	composite, err := NewCompositeSink(failing, healthy)
	if err != nil {
		t.Fatalf("NewCompositeSink failed: %v", err)
	}

	err = composite.RecordSummary(context.Background(), testSummaryData())
	if !errors.Is(err, boom) {
		t.Errorf("expected joined child error, got %v", err)
	}
	// The healthy child still received the data.
	if got := healthy.summaries.Load(); got != 1 {
		t.Errorf("healthy child summaries = %d, want 1", got)
	}
}

func TestCompositeSinkFlush(t *testing.T) {
	first := &stubSink{}
	second := &stubSink{}
	composite, err := NewCompositeSink(first, second)
	if err != nil {
		t.Fatalf("NewCompositeSink failed: %v", err)
	}

	if err := composite.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if first.flushes.Load() != 1 || second.flushes.Load() != 1 {
		t.Errorf("flushes = %d/%d, want 1/1", first.flushes.Load(), second.flushes.Load())
	}
}

func TestCompositeSinkClose(t *testing.T) {
	child := &stubSink{}
	composite, err := NewCompositeSink(child)
	if err != nil {
		t.Fatalf("NewCompositeSink failed: %v", err)
	}

	if err := composite.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := composite.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if got := child.closes.Load(); got != 1 {
		t.Errorf("child closes = %d, want 1", got)
	}

	if err := composite.RecordSummary(context.Background(), testSummaryData()); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("expected ErrSinkClosed after Close, got %v", err)
	}
	if err := composite.Flush(context.Background()); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("expected ErrSinkClosed on Flush after Close, got %v", err)
	}
}

func TestCompositeSinkValidation(t *testing.T) {
	composite, err := NewCompositeSink(&stubSink{})
	if err != nil {
		t.Fatalf("NewCompositeSink failed: %v", err)
	}

	//nolint:staticcheck // nil context rejection is the behavior under test
	if err := composite.RecordSummary(nil, testSummaryData()); !errors.Is(err, ErrNilContext) {
		t.Errorf("expected ErrNilContext, got %v", err)
	}
	if err := composite.RecordSummary(context.Background(), nil); !errors.Is(err, ErrNilData) {
		t.Errorf("expected ErrNilData, got %v", err)
	}
	if err := composite.RecordComparison(context.Background(), nil); !errors.Is(err, ErrNilData) {
		t.Errorf("expected ErrNilData, got %v", err)
	}
	if err := composite.RecordError(context.Background(), nil); !errors.Is(err, ErrNilData) {
		t.Errorf("expected ErrNilData, got %v", err)
	}
}

func TestCompositeSinkConcurrentRecords(t *testing.T) {
	child := &stubSink{}
	composite, err := NewCompositeSink(child)
	if err != nil {
		t.Fatalf("NewCompositeSink failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = composite.RecordSummary(context.Background(), testSummaryData())
			}
		}()
	}
	wg.Wait()

	if got := child.summaries.Load(); got != 400 {
		t.Errorf("summaries = %d, want 400", got)
	}
}

func TestNoOpSink(t *testing.T) {
	sink := NewNoOpSink()
	ctx := context.Background()

	if err := sink.RecordSummary(ctx, testSummaryData()); err != nil {
		t.Errorf("RecordSummary failed: %v", err)
	}
	if err := sink.RecordComparison(ctx, &ComparisonData{}); err != nil {
		t.Errorf("RecordComparison failed: %v", err)
	}
	if err := sink.RecordError(ctx, &ErrorData{}); err != nil {
		t.Errorf("RecordError failed: %v", err)
	}
	if err := sink.Flush(ctx); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if err := sink.RecordSummary(ctx, nil); !errors.Is(err, ErrNilData) {
		t.Errorf("expected ErrNilData, got %v", err)
	}
}

func TestNewSummaryData(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	summary := aggregate.Summary{
		Backend:         "HIP",
		DeviceName:      "gfx1100",
		SessionCount:    3,
		MeanStability:   0.75,
		Variance:        0.02,
		DriftPercentile: 12.5,
		TrustStatus:     "valid",
	}

	data := NewSummaryData(at, summary)
	if data.Timestamp != at {
		t.Errorf("Timestamp = %v, want %v", data.Timestamp, at)
	}
	if data.Backend != "HIP" || data.DeviceName != "gfx1100" {
		t.Errorf("tags = %s/%s, want HIP/gfx1100", data.Backend, data.DeviceName)
	}
	if data.SessionCount != 3 || data.MeanStability != 0.75 {
		t.Errorf("values = %d/%v, want 3/0.75", data.SessionCount, data.MeanStability)
	}
	if data.TrustStatus != "valid" {
		t.Errorf("TrustStatus = %s, want valid", data.TrustStatus)
	}
}

func TestNewComparisonData(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := compare.Entry{
		Summary:          aggregate.Summary{Backend: "HIP"},
		MeanDelta:        -0.02,
		DriftSkew:        7.0,
		VarianceRatio:    1.25,
		DriftSignificant: true,
	}

	data := NewComparisonData(at, "CPU", entry)
	if data.Backend != "HIP" || data.BaselineBackend != "CPU" {
		t.Errorf("backends = %s/%s, want HIP/CPU", data.Backend, data.BaselineBackend)
	}
	if data.MeanDelta != -0.02 || data.DriftSkew != 7.0 || data.VarianceRatio != 1.25 {
		t.Errorf("deltas = %v/%v/%v, want -0.02/7/1.25",
			data.MeanDelta, data.DriftSkew, data.VarianceRatio)
	}
	if !data.Significant {
		t.Error("Significant should carry over")
	}
}
