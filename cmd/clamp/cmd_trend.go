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
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianClamp/services/clamp/history"
)

func runTrend(cmd *cobra.Command, args []string) {
	since, err := time.ParseDuration(trendSince)
	if err != nil || since <= 0 {
		log.Fatalf("Invalid --since duration %q", trendSince)
	}

	store := openArchive(rootDir)
	defer store.Close()

	points, err := store.PointsSince(time.Now().UTC().Add(-since))
	if err != nil {
		log.Fatalf("Could not read the trend archive: %v", err)
	}
	if len(points) == 0 {
		fmt.Printf("No archived summaries in the last %s. Run 'clamp accumulate' to grow the archive.\n", trendSince)
		return
	}

	analyzer := history.NewAnalyzer(analyzerOptions())
	trend := analyzer.Analyze(points)
	fmt.Printf("Trend over %d observation(s): %s\n", trend.Observations, trend.Direction)
	fmt.Printf("  mean stability %.4f, change %+.4f, slope %+.6f per observation\n",
		trend.MeanStability, trend.Change, trend.Slope)

	alerts := analyzer.GenerateAlerts(points)
	if len(alerts) == 0 {
		fmt.Println("No alerts.")
		return
	}
	fmt.Printf("\n%d alert(s):\n", len(alerts))
	for _, a := range alerts {
		fmt.Printf("  [%-8s] %s (%s)\n", a.Severity, a.Message, a.At.Format(time.RFC3339))
	}
}
