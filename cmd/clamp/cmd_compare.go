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
	"math"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianClamp/services/clamp/compare"
)

func runCompare(cmd *cobra.Command, args []string) {
	outputPath := args[0]
	paths := expandGlobs(args[1:])
	if len(paths) < 2 {
		log.Fatalf("Need at least two summaries to compare, got %d after glob expansion", len(paths))
	}

	comparator := compare.NewComparator(
		compare.WithLogger(appLog.Slog()),
		compare.WithSignificanceThreshold(cfg.Compare.SignificanceThresholdMs),
	)
	result := comparator.Compare(paths, outputPath)
	if result.Empty() {
		log.Fatalf("None of the given summaries could be loaded")
	}
	baseline, ok := result.Baseline()
	if !ok {
		log.Fatalf("No baseline entry in the comparison result")
	}

	fmt.Printf("Baseline: %s (%s), mean %.4f, drift %.2f ms\n\n",
		baseline.Summary.Backend, baseline.Path,
		baseline.Summary.MeanStability, baseline.Summary.DriftPercentile)
	fmt.Printf("%-10s %10s %10s %12s %12s\n",
		"BACKEND", "MEAN", "DELTA", "SKEW(ms)", "VAR RATIO")
	for _, e := range result.Entries {
		if e.IsBaseline {
			continue
		}
		marker := ""
		if e.DriftSignificant {
			marker = "  <- significant drift"
		}
		fmt.Printf("%-10s %10.4f %+10.4f %12.2f %12s%s\n",
			e.Summary.Backend, e.Summary.MeanStability, e.MeanDelta,
			e.DriftSkew, ratioLabel(e.VarianceRatio), marker)
	}
	if result.WroteOutput {
		fmt.Printf("\nComparison report written to %s\n", outputPath)
	}

	gate := compare.NewDriftGate(gateOptions()...)
	report := gate.Check(context.Background(), result)
	if compareMarkdownPath != "" && gate.WriteMarkdown(result, report, compareMarkdownPath) {
		fmt.Printf("Gate report written to %s\n", compareMarkdownPath)
	}

	if report.Passed {
		fmt.Println("\nGate: PASS")
		return
	}
	fmt.Println("\nGate: FAIL")
	for _, v := range report.Violations {
		fmt.Printf("  %s (%s): %s\n", v.Backend, v.Path, v.Reason)
	}
	os.Exit(1)
}

func gateOptions() []compare.GateOption {
	maxDrop := cfg.Compare.MaxMeanDrop
	if compareMaxMeanDrop >= 0 {
		maxDrop = compareMaxMeanDrop
	}
	maxRatio := cfg.Compare.MaxVarianceRatio
	if compareMaxVarianceRatio >= 0 {
		maxRatio = compareMaxVarianceRatio
	}

	opts := []compare.GateOption{
		compare.WithGateLogger(appLog.Slog()),
		compare.WithMaxMeanDrop(maxDrop),
		compare.WithMaxVarianceRatio(maxRatio),
	}
	if compareRequireTrusted || cfg.Compare.RequireTrusted {
		opts = append(opts, compare.WithRequireTrustedProvenance())
	}
	return opts
}

// expandGlobs resolves patterns that survived shell quoting. A pattern
// with no matches is kept verbatim so the comparator reports the
// missing file by name.
func expandGlobs(patterns []string) []string {
	var paths []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil || len(matches) == 0 {
			paths = append(paths, p)
			continue
		}
		paths = append(paths, matches...)
	}
	return paths
}

func ratioLabel(v float64) string {
	if math.IsInf(v, 0) {
		return "inf"
	}
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}
