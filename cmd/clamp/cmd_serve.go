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
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
	"github.com/AleutianAI/AleutianClamp/services/clamp/compare"
	"github.com/AleutianAI/AleutianClamp/services/clamp/history"
	"github.com/AleutianAI/AleutianClamp/services/clamp/server"
	"github.com/AleutianAI/AleutianClamp/services/clamp/storage/badgerstore"
	"github.com/AleutianAI/AleutianClamp/services/clamp/telemetry"
	"github.com/AleutianAI/AleutianClamp/services/clamp/watch"
)

func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set Gin mode
	if strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	lg := appLog.Slog()
	registry := prometheus.NewRegistry()

	if cfg.Telemetry.OTel.Enabled {
		initCfg := telemetry.DefaultInitConfig()
		if cfg.Telemetry.OTel.ServiceName != "" {
			initCfg.ServiceName = cfg.Telemetry.OTel.ServiceName
		}
		initCfg.Registry = registry
		shutdown, err := telemetry.Init(ctx, initCfg)
		if err != nil {
			log.Fatalf("Could not initialize the telemetry providers: %v", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				lg.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	sinkCfg := cfg.Telemetry.BuildTelemetry()
	if sinkCfg.Prometheus != nil {
		sinkCfg.Prometheus.Registry = registry
	}
	sink, err := telemetry.BuildSink(sinkCfg)
	if err != nil {
		log.Fatalf("Could not build the telemetry sink: %v", err)
	}
	defer sink.Close()

	var store *badgerstore.Store
	if !serveNoArchive {
		store = openArchive(rootDir)
		defer store.Close()
	}

	var watcher *watch.Watcher
	if serveWatch {
		dir := aggregate.TelemetryDir(rootDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Could not create the telemetry directory %s: %v", dir, err)
		}
		w, err := watch.New(
			watch.WithLogger(lg),
			watch.WithDebounce(time.Duration(cfg.Watch.DebounceMs)*time.Millisecond),
		)
		if err != nil {
			log.Fatalf("Could not create the filesystem watcher: %v", err)
		}
		if err := w.Add(dir); err != nil {
			log.Fatalf("Could not watch %s: %v", dir, err)
		}
		defer w.Close()
		watcher = w
	}

	listen := cfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}

	srv, err := server.New(server.Config{
		Listen:       listen,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
	}, server.Deps{
		Logger:     lg,
		Root:       rootDir,
		Aggregator: newAggregator(),
		Comparator: compare.NewComparator(
			compare.WithLogger(lg),
			compare.WithSignificanceThreshold(cfg.Compare.SignificanceThresholdMs),
		),
		Gate:     compare.NewDriftGate(gateOptions()...),
		History:  history.NewHistory(cfg.History.Capacity),
		Analyzer: history.NewAnalyzer(analyzerOptions()),
		Store:    store,
		Sink:     sink,
		Watcher:  watcher,
		Registry: registry,
	})
	if err != nil {
		log.Fatalf("Could not assemble the server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	fmt.Println("clamp server stopped")
}
