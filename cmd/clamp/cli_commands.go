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
	"log"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianClamp/services/clamp/history"
	"github.com/AleutianAI/AleutianClamp/services/clamp/storage/badgerstore"
)

var (
	rootCmd = &cobra.Command{
		Use:   "clamp",
		Short: "A CLI to record and analyze scheduling stability telemetry",
		Long: `Clamp runs guarded sections under entropy-seeded anchors, records the
resulting stability telemetry, and turns session files into summaries,
comparisons, trends, and a live HTTP API.`,
	}
	configPath string
	rootDir    string

	// Recording commands
	recordCmd = &cobra.Command{
		Use:   "record",
		Short: "Record stability sessions by running guarded sections",
		Long: `Runs a pool of workers through entropy-jittered guarded sections,
collects the acquire/release telemetry, scores each session, and writes
the session files under <root>/build/telemetry.`,
		Run: runRecord,
	}
	recordSessions   int
	recordIterations int
	recordWorkers    int
	recordJitterMs   int

	// Aggregation commands
	accumulateCmd = &cobra.Command{
		Use:   "accumulate",
		Short: "Accumulate session files into the telemetry summary",
		Long: `Scans <root>/build/telemetry for session files, merges their samples
into one summary at <root>/build/telemetry_summary.json, and appends the
result to the trend archive.`,
		Run: runAccumulate,
	}
	accumulateNoArchive bool

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Inspect recorded telemetry without modifying it",
	}
	inspectSummaryCmd = &cobra.Command{
		Use:   "summary",
		Short: "Print the accumulated telemetry summary",
		Run:   runInspectSummary,
	}
	inspectSummaryFile string
	inspectSessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List the per-file session summaries under the telemetry directory",
		Run:   runInspectSessions,
	}

	mergeCmd = &cobra.Command{
		Use:   "merge [session files...]",
		Short: "Merge session files onto a common timeline",
		Long: `Reads two or more session files, shifts them onto the timeline of the
earliest acquisition, and writes a single merged session. Useful when a
run was recorded by independently-clocked processes.`,
		Args: cobra.MinimumNArgs(2),
		Run:  runMerge,
	}
	mergeOut string

	// Comparison commands
	compareCmd = &cobra.Command{
		Use:   "compare [output] [summaries...]",
		Short: "Compare backend summaries against the CPU baseline",
		Long: `Loads two or more accumulated summaries, measures each candidate
against the CPU baseline, writes a comparison report to [output], and
gates the result. A failed gate exits non-zero so CI can block on it.`,
		Args: cobra.MinimumNArgs(3),
		Run:  runCompare,
	}
	compareMaxMeanDrop      float64
	compareMaxVarianceRatio float64
	compareRequireTrusted   bool
	compareMarkdownPath     string

	// Trend commands
	trendCmd = &cobra.Command{
		Use:   "trend",
		Short: "Analyze the archived summaries for stability trends and alerts",
		Run:   runTrend,
	}
	trendSince string

	// Server command
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the clamp HTTP API",
		Long: `Starts the HTTP server with the summary, session, comparison, history,
and trend endpoints plus the websocket event feed. With --watch the
telemetry directory is watched and every change re-accumulates and
broadcasts the fresh summary.`,
		Run: runServe,
	}
	serveListen    string
	serveWatch     bool
	serveNoArchive bool
)

// init() runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the clamp config file (default ~/.clamp/clamp.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", ".",
		"Session root directory holding build/telemetry")

	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().IntVar(&recordSessions, "sessions", 0,
		"Number of sessions to record (0 = use config)")
	recordCmd.Flags().IntVarP(&recordIterations, "iterations", "n", 0,
		"Guarded sections per worker per session (0 = use config)")
	recordCmd.Flags().IntVarP(&recordWorkers, "workers", "w", 0,
		"Concurrent workers per session (0 = use config)")
	recordCmd.Flags().IntVar(&recordJitterMs, "jitter-ms", -1,
		"Max scheduling jitter per section in milliseconds (-1 = use config, 0 = no jitter)")

	rootCmd.AddCommand(accumulateCmd)
	accumulateCmd.Flags().BoolVar(&accumulateNoArchive, "no-archive", false,
		"Skip appending the summary to the trend archive")

	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectSummaryCmd)
	inspectSummaryCmd.Flags().StringVarP(&inspectSummaryFile, "file", "f", "",
		"Summary file to inspect instead of <root>/build/telemetry_summary.json")
	inspectCmd.AddCommand(inspectSessionsCmd)

	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVarP(&mergeOut, "out", "o", "merged_session.json",
		"Path for the merged session file")

	rootCmd.AddCommand(compareCmd)
	compareCmd.Flags().Float64Var(&compareMaxMeanDrop, "max-mean-drop", -1,
		"Max tolerated mean stability drop below the baseline (-1 = use config)")
	compareCmd.Flags().Float64Var(&compareMaxVarianceRatio, "max-variance-ratio", -1,
		"Max tolerated candidate/baseline variance ratio (-1 = use config)")
	compareCmd.Flags().BoolVar(&compareRequireTrusted, "require-trusted", false,
		"Fail candidates whose provenance is not trusted")
	compareCmd.Flags().StringVar(&compareMarkdownPath, "gate-report", "",
		"Write a markdown gate report to this path")

	rootCmd.AddCommand(trendCmd)
	trendCmd.Flags().StringVar(&trendSince, "since", "168h",
		"How far back to analyze archived summaries (Go duration)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "",
		"Listen address (default from config, e.g. :8080)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false,
		"Watch the telemetry directory and re-accumulate on changes")
	serveCmd.Flags().BoolVar(&serveNoArchive, "no-archive", false,
		"Serve without the trend archive (history endpoints return 503)")
}

// archivePath resolves the trend archive location. An explicit
// storage.archive_path wins; otherwise the archive lives next to the
// telemetry it was built from.
func archivePath(root string) string {
	if cfg.Storage.ArchivePath != "" {
		return cfg.Storage.ArchivePath
	}
	return filepath.Join(root, "build", "clamp_history")
}

func openArchive(root string) *badgerstore.Store {
	store, err := badgerstore.Open(badgerstore.Options{
		Path:   archivePath(root),
		Logger: appLog.Slog(),
	})
	if err != nil {
		log.Fatalf("Could not open the trend archive at %s: %v", archivePath(root), err)
	}
	return store
}

// analyzerOptions maps the history config onto the analyzer, leaving
// zero fields to its own defaults.
func analyzerOptions() history.AnalyzerOptions {
	opts := history.DefaultAnalyzerOptions()
	if cfg.History.Window > 0 {
		opts.Window = cfg.History.Window
	}
	if cfg.History.DegradeThreshold > 0 {
		opts.DegradeThreshold = cfg.History.DegradeThreshold
	}
	if cfg.History.MinStability > 0 {
		opts.MinStability = cfg.History.MinStability
	}
	if cfg.History.DriftAlertMs > 0 {
		opts.DriftAlertMs = cfg.History.DriftAlertMs
	}
	return opts
}

// orConfig prefers an explicitly set positive flag over the config value.
func orConfig(flag, fallback int) int {
	if flag > 0 {
		return flag
	}
	return fallback
}
