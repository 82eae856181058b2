// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
	"github.com/AleutianAI/AleutianClamp/services/clamp/collector"
	"github.com/AleutianAI/AleutianClamp/services/clamp/scoring"
)

func newAggregator() *aggregate.Aggregator {
	return aggregate.NewAggregator(
		aggregate.WithLogger(appLog.Slog()),
		aggregate.WithWorkers(cfg.Aggregate.Workers),
		aggregate.WithDriftPercentile(cfg.Aggregate.DriftPercentile),
	)
}

func runAccumulate(cmd *cobra.Command, args []string) {
	summary, err := newAggregator().Accumulate(context.Background(), rootDir)
	if err != nil {
		log.Fatalf("Accumulation failed: %v", err)
	}

	fmt.Printf("Summary written to %s\n\n", aggregate.SummaryPath(rootDir))
	printSummary(summary)

	if accumulateNoArchive {
		return
	}
	store := openArchive(rootDir)
	defer store.Close()

	now := time.Now().UTC()
	if err := store.PutSummary(now, summary); err != nil {
		log.Fatalf("Could not append the summary to the trend archive: %v", err)
	}
	if cfg.Storage.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.Storage.RetentionDays)
		pruned, err := store.Prune(cutoff)
		if err != nil {
			log.Printf("Archive prune failed: %v", err)
		} else if pruned > 0 {
			fmt.Printf("Pruned %d archived summaries older than %d days\n",
				pruned, cfg.Storage.RetentionDays)
		}
	}
	fmt.Printf("\nSummary archived to %s\n", archivePath(rootDir))
}

func runInspectSummary(cmd *cobra.Command, args []string) {
	path := inspectSummaryFile
	if path == "" {
		path = aggregate.SummaryPath(rootDir)
	}

	summary, err := aggregate.LoadSummary(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("No summary at %s. Run 'clamp accumulate' first.", path)
	}
	if err != nil {
		log.Fatalf("Could not load the summary at %s: %v", path, err)
	}
	printSummary(summary)
}

func runInspectSessions(cmd *cobra.Command, args []string) {
	dir := aggregate.TelemetryDir(rootDir)
	sessions, err := newAggregator().LoadSessions(context.Background(), dir)
	if errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("No telemetry directory at %s. Run 'clamp record' first.", dir)
	}
	if err != nil {
		log.Fatalf("Could not scan %s: %v", dir, err)
	}
	if len(sessions) == 0 {
		fmt.Printf("No scoreable session files under %s\n", dir)
		return
	}

	fmt.Printf("%-44s %8s %10s\n", "FILE", "SAMPLES", "STABILITY")
	for _, s := range sessions {
		fmt.Printf("%-44s %8d %10.3f  %s\n",
			s.Filename, s.Samples, s.Summary.MeanStability,
			stabilityBar(s.Summary.MeanStability))
	}
	fmt.Printf("\n%d session file(s) under %s\n", len(sessions), dir)
}

func runMerge(cmd *cobra.Command, args []string) {
	cols := make([]*collector.Collector, 0, len(args))
	for _, path := range args {
		col, err := collector.ReadSessionFile(path)
		if err != nil {
			log.Fatalf("Could not read the session file %s: %v", path, err)
		}
		cols = append(cols, col)
	}

	ref := earliestAcquire(cols)
	for _, col := range cols {
		col.AlignToReference(ref)
	}

	merged := cols[0]
	for _, col := range cols[1:] {
		merged.Merge(col)
	}

	if err := os.WriteFile(mergeOut, []byte(merged.ToJSON()), 0o644); err != nil {
		log.Fatalf("Could not write the merged session to %s: %v", mergeOut, err)
	}

	result := scoring.Evaluate(merged.Snapshot())
	fmt.Printf("Merged %d sessions into %s: %d samples, stability %.3f, drift %.2f ms\n",
		len(args), mergeOut, result.SampleCount, result.StabilityScore, result.DriftMs)
}

// earliestAcquire finds the reference instant the merged timeline
// starts at. Falls back to now when no record carries a timestamp.
func earliestAcquire(cols []*collector.Collector) time.Time {
	var earliest time.Time
	for _, col := range cols {
		for _, r := range col.Snapshot() {
			if r.AcquiredAt.IsZero() {
				continue
			}
			if earliest.IsZero() || r.AcquiredAt.Before(earliest) {
				earliest = r.AcquiredAt
			}
		}
	}
	if earliest.IsZero() {
		return time.Now().UTC()
	}
	return earliest
}

func printSummary(s aggregate.Summary) {
	fmt.Printf("Source:     %s\n", s.SourceDirectory)
	fmt.Printf("Backend:    %s (%s)\n", s.Backend, s.DeviceName)
	fmt.Printf("Sessions:   %d\n", s.SessionCount)
	fmt.Printf("Stability:  %.4f mean, %.4f variance %s\n",
		s.MeanStability, s.Variance, stabilityBar(s.MeanStability))
	fmt.Printf("Drift:      %.2f ms\n", s.DriftPercentile)
	if s.TrustStatus != "" {
		fmt.Printf("Provenance: %s (issuer %s, resolved %s)\n",
			s.TrustStatus, s.ProvenanceIssuer, s.ProvenanceTimestamp)
	}
	if s.PolicyDecision != "" {
		fmt.Printf("Policy:     %s\n", s.PolicyDecision)
	}
}

// stabilityBar renders a 20-cell bar for a score in [0, 1].
func stabilityBar(score float64) string {
	const cells = 20
	filled := int(score*cells + 0.5)
	if filled < 0 {
		filled = 0
	}
	if filled > cells {
		filled = cells
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", cells-filled) + "]"
}
