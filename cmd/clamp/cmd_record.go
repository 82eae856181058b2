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
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianClamp/services/clamp/accel"
	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
	"github.com/AleutianAI/AleutianClamp/services/clamp/anchor"
	"github.com/AleutianAI/AleutianClamp/services/clamp/collector"
	"github.com/AleutianAI/AleutianClamp/services/clamp/scoring"
)

// sectionWork bounds the busy time spent inside each guarded section so
// the recorded durations carry real scheduling signal.
const sectionWork = 200 * time.Microsecond

func runRecord(cmd *cobra.Command, args []string) {
	sessions := orConfig(recordSessions, cfg.Record.Sessions)
	iterations := orConfig(recordIterations, cfg.Record.GuardsPerSession)
	workers := orConfig(recordWorkers, cfg.Record.Workers)
	jitterMs := cfg.Record.JitterMaxMs
	if recordJitterMs >= 0 {
		jitterMs = recordJitterMs
	}
	jitterMicros := int64(jitterMs) * 1000

	detection := accel.Detect()
	verifier := accel.NewVerifier(
		accel.WithDetection(detection),
		accel.WithCommand(os.Getenv(accel.EnvVerifier)),
		accel.WithVerifierLogger(appLog.Slog()),
	)
	outDir := aggregate.TelemetryDir(rootDir)
	fmt.Printf("Recording %d session(s) on %s/%s: %d workers x %d guarded sections\n",
		sessions, detection.Backend, detection.DeviceName, workers, iterations)

	for s := 1; s <= sessions; s++ {
		col := collector.New()
		detection.ApplyTo(col)

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				runWorker(col, worker, iterations, jitterMicros)
			}(w)
		}
		wg.Wait()

		records := col.Snapshot()
		result := scoring.Evaluate(records)
		hint := fmt.Sprintf("clamp_s%02d", s)
		if !col.WriteJSON(outDir, hint) {
			log.Fatalf("Failed to write session %d to %s", s, outDir)
		}
		fmt.Printf("  session %d/%d: %d samples, stability %.3f, drift %.2f ms\n",
			s, sessions, result.SampleCount, result.StabilityScore, result.DriftMs)
		if !verifyMirror(verifier, records) {
			fmt.Printf("  session %d/%d: accelerator mirror check reported a mismatch\n", s, sessions)
		}
	}

	fmt.Printf("Telemetry written to %s. Run 'clamp accumulate' to summarize it.\n", outDir)
}

// verifyMirror replays the session's confirmed seeds through the
// accelerator round-trip check. A seed is confirmed on release and was
// drawn under StateLocked, so that is the state the mirror must
// reproduce; in-flight records are skipped.
func verifyMirror(v *accel.Verifier, records []collector.Record) bool {
	seeds := make([]uint64, 0, len(records))
	states := make([]int, 0, len(records))
	for _, rec := range records {
		if rec.ReleasedAt.IsZero() {
			continue
		}
		seeds = append(seeds, rec.Seed)
		states = append(states, int(anchor.StateLocked))
	}
	if len(seeds) == 0 {
		return true
	}
	return v.Verify(context.Background(), seeds, states)
}

// runWorker drives one anchor through its share of guarded sections.
// Each worker owns a private anchor; the collector is the shared,
// thread-safe meeting point.
func runWorker(col *collector.Collector, worker, iterations int, jitterMicros int64) {
	anc := anchor.New()
	defer anc.Close()
	anc.AttachTelemetry(col)

	label := fmt.Sprintf("record-w%02d", worker)
	for i := 0; i < iterations; i++ {
		err := anc.GuardedSection(label, jitterMicros, func() {
			spin(sectionWork)
		})
		if err != nil {
			log.Printf("Worker %d stopped after %d sections: %v", worker, i, err)
			return
		}
	}
}

// spin burns CPU until the deadline. Sleeping would hide the scheduler
// behavior the recording is trying to observe.
func spin(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}
