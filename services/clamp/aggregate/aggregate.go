// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregate turns a directory of session files into summary
// statistics with partial-failure tolerance.
//
// One malformed session file never aborts aggregation of the rest; it is
// skipped with a warning and still counted as an attempted session.
// Stability scores fold through a single-pass Welford accumulator, and
// the drift index is a nearest-rank percentile over pooled durations, so
// the record set is never materialized twice.
package aggregate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianClamp/services/clamp/lock"
	"github.com/AleutianAI/AleutianClamp/services/clamp/provenance"
	"github.com/AleutianAI/AleutianClamp/services/clamp/scoring"
)

// DefaultDriftPercentile is the percentile used for the drift index.
const DefaultDriftPercentile = 0.95

// SummaryFileName is the canonical summary's name under <root>/build/.
const SummaryFileName = "telemetry_summary.json"

// ErrSummaryWrite indicates the canonical summary could not be persisted.
var ErrSummaryWrite = errors.New("summary write failed")

// TelemetryDir returns the canonical session directory under root.
func TelemetryDir(root string) string {
	return filepath.Join(root, "build", "telemetry")
}

// SummaryPath returns the canonical summary path under root.
func SummaryPath(root string) string {
	return filepath.Join(root, "build", SummaryFileName)
}

// Aggregator scans session directories and produces Summaries.
//
// # Description
//
// Safe for concurrent use. Concurrent Accumulate calls for the same root
// are collapsed into one execution; each caller receives the shared
// result.
type Aggregator struct {
	log        *slog.Logger
	tracer     trace.Tracer
	workers    int
	percentile float64
	flight     singleflight.Group
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger used for per-file skip warnings.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithWorkers bounds the parse parallelism.
func WithWorkers(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithDriftPercentile overrides the drift index percentile.
func WithDriftPercentile(p float64) Option {
	return func(a *Aggregator) {
		if p > 0 && p <= 1 {
			a.percentile = p
		}
	}
}

// NewAggregator builds an Aggregator with defaults: slog.Default(),
// NumCPU parse workers, 95th-percentile drift.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		log:        slog.Default(),
		tracer:     otel.Tracer("aleutianclamp/aggregate"),
		workers:    runtime.NumCPU(),
		percentile: DefaultDriftPercentile,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate scans dir and computes the directory Summary.
//
// Description:
//
//	Non-recursive; only regular files with a .json suffix participate.
//	Files parse in parallel but fold in filename order, so the result is
//	deterministic. SessionCount counts every attempted file, including
//	ones skipped as malformed. Backend and device resolve to the common
//	value when all reporting files agree, "mixed" on disagreement, and
//	the unknown defaults when no file reports one.
//
// Inputs:
//   - ctx: Cancels in-flight parsing.
//   - dir: Session directory.
//
// Outputs:
//   - Summary: Aggregated statistics; zero-session defaults on error.
//   - error: Non-nil only when the directory itself cannot be scanned or
//     ctx is cancelled. Per-file failures are absorbed.
//
// Thread Safety: Safe for concurrent use.
func (a *Aggregator) Aggregate(ctx context.Context, dir string) (Summary, error) {
	ctx, span := a.tracer.Start(ctx, "clamp.aggregate",
		trace.WithAttributes(attribute.String("dir", dir)))
	defer span.End()

	empty := Summary{
		SourceDirectory: dir,
		Backend:         UnknownBackend,
		DeviceName:      UnknownDevice,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return empty, fmt.Errorf("scan telemetry dir %s: %w", dir, err)
	}

	names := sessionFileNames(entries)
	parsed, err := a.parseAll(ctx, dir, names)
	if err != nil {
		return empty, err
	}

	var stats scoring.RunningStats
	var durations []float64
	backends := tagResolver{fallback: UnknownBackend}
	devices := tagResolver{fallback: UnknownDevice}
	skipped := 0

	for i := range parsed {
		p := &parsed[i]
		if !p.ok {
			skipped++
			continue
		}
		for _, s := range p.scores {
			stats.Add(s)
		}
		durations = append(durations, p.durations...)
		backends.observe(p.backend)
		devices.observe(p.device)
	}

	span.SetAttributes(
		attribute.Int("sessions", len(names)),
		attribute.Int("skipped", skipped))
	if skipped > 0 {
		a.log.Warn("some session files were skipped",
			slog.String("dir", dir),
			slog.Int("skipped", skipped),
			slog.Int("total", len(names)))
	}

	return Summary{
		SourceDirectory: dir,
		Backend:         backends.resolve(),
		DeviceName:      devices.resolve(),
		SessionCount:    len(names),
		MeanStability:   stats.Mean(),
		Variance:        stats.SampleVariance(),
		DriftPercentile: scoring.NearestRankPercentile(durations, a.percentile),
	}, nil
}

// Accumulate aggregates the canonical directory under root and persists
// the Summary to the canonical path.
//
// Description:
//
//	Resolves <root>/build/telemetry, aggregates it (a missing directory
//	yields an empty summary, not an error), enriches the result with
//	build-record provenance when present, and writes
//	<root>/build/telemetry_summary.json under an advisory file lock.
//	Idempotent: with unchanged inputs the summary bytes are identical and
//	an unchanged file is not rewritten. Concurrent calls for one root
//	collapse into a single execution.
//
// Inputs:
//   - ctx: Cancels in-flight parsing.
//   - root: Project root containing build/.
//
// Outputs:
//   - Summary: The persisted summary.
//   - error: Scan failures, lock contention, or ErrSummaryWrite.
//
// Thread Safety: Safe for concurrent use.
func (a *Aggregator) Accumulate(ctx context.Context, root string) (Summary, error) {
	v, err, _ := a.flight.Do(root, func() (any, error) {
		return a.accumulate(ctx, root)
	})
	if err != nil {
		return Summary{}, err
	}
	return v.(Summary), nil
}

func (a *Aggregator) accumulate(ctx context.Context, root string) (Summary, error) {
	ctx, span := a.tracer.Start(ctx, "clamp.accumulate",
		trace.WithAttributes(attribute.String("root", root)))
	defer span.End()

	telemetryDir := TelemetryDir(root)
	summaryPath := SummaryPath(root)

	summary, err := a.Aggregate(ctx, telemetryDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return summary, err
		}
		a.log.Warn("telemetry directory missing, writing empty summary",
			slog.String("dir", telemetryDir))
	}

	if rec, ok := provenance.Load(root); ok {
		summary.TrustStatus = rec.TrustStatus()
		summary.ProvenanceIssuer = rec.Signer
		summary.ProvenanceTimestamp = rec.ResolvedAt
		summary.DigestAlgorithm = rec.DigestAlgorithm()
		summary.PolicyDecision = rec.PolicyMode
	}

	if err := os.MkdirAll(filepath.Dir(summaryPath), 0o755); err != nil {
		return summary, fmt.Errorf("%w: %s: %v", ErrSummaryWrite, summaryPath, err)
	}

	guard, err := lock.Acquire(summaryPath + ".lock")
	if err != nil {
		return summary, fmt.Errorf("acquire summary lock: %w", err)
	}
	defer guard.Release()

	summary.SourceDirectory = telemetryDir
	encoded := EncodeSummary(summary)
	if existing, rerr := os.ReadFile(summaryPath); rerr == nil && bytes.Equal(existing, encoded) {
		return summary, nil
	}
	if werr := os.WriteFile(summaryPath, encoded, 0o644); werr != nil {
		return summary, fmt.Errorf("%w: %s: %v", ErrSummaryWrite, summaryPath, werr)
	}
	return summary, nil
}

// LoadSessions aggregates each file in dir on its own.
//
// Description:
//
//	Like Aggregate but per file: one Summary per session, sorted by
//	filename. Files yielding zero valid samples (malformed or empty) are
//	excluded from the result.
//
// Thread Safety: Safe for concurrent use.
func (a *Aggregator) LoadSessions(ctx context.Context, dir string) ([]SessionSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan telemetry dir %s: %w", dir, err)
	}

	names := sessionFileNames(entries)
	parsed, err := a.parseAll(ctx, dir, names)
	if err != nil {
		return nil, err
	}

	sessions := make([]SessionSummary, 0, len(parsed))
	for i := range parsed {
		p := &parsed[i]
		if !p.ok || len(p.scores) == 0 {
			continue
		}

		var stats scoring.RunningStats
		for _, s := range p.scores {
			stats.Add(s)
		}
		backends := tagResolver{fallback: UnknownBackend}
		devices := tagResolver{fallback: UnknownDevice}
		backends.observe(p.backend)
		devices.observe(p.device)

		sessions = append(sessions, SessionSummary{
			Filename: p.name,
			Samples:  len(p.scores),
			Summary: Summary{
				SourceDirectory: filepath.Join(dir, p.name),
				Backend:         backends.resolve(),
				DeviceName:      devices.resolve(),
				SessionCount:    1,
				MeanStability:   stats.Mean(),
				Variance:        stats.SampleVariance(),
				DriftPercentile: scoring.NearestRankPercentile(p.durations, a.percentile),
			},
		})
	}
	return sessions, nil
}

// parseAll parses the named files concurrently, results in input order.
func (a *Aggregator) parseAll(ctx context.Context, dir string, names []string) ([]parsedSession, error) {
	results := make([]parsedSession, len(names))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, name := range names {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			results[i] = parseSessionFile(filepath.Join(dir, name), a.log)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// tagResolver implements the agree/mixed/default rule for backend and
// device identity across session files.
type tagResolver struct {
	fallback string
	value    string
	mixed    bool
}

func (t *tagResolver) observe(v string) {
	if v == "" {
		return
	}
	if t.value == "" {
		t.value = v
		return
	}
	if t.value != v {
		t.mixed = true
	}
}

func (t *tagResolver) resolve() string {
	if t.mixed {
		return MixedTag
	}
	if t.value == "" {
		return t.fallback
	}
	return t.value
}
