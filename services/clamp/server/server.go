// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes accumulated stability data over HTTP.
//
// # Description
//
// The server answers summary, session, comparison, and trend queries,
// republishes session file events over a websocket, and re-accumulates
// on demand or whenever the watcher reports new telemetry. Metrics are
// served on /metrics for Prometheus scraping.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
	"github.com/AleutianAI/AleutianClamp/services/clamp/compare"
	"github.com/AleutianAI/AleutianClamp/services/clamp/history"
	"github.com/AleutianAI/AleutianClamp/services/clamp/storage/badgerstore"
	"github.com/AleutianAI/AleutianClamp/services/clamp/telemetry"
	"github.com/AleutianAI/AleutianClamp/services/clamp/watch"
)

// shutdownGrace bounds how long in-flight requests may finish.
const shutdownGrace = 5 * time.Second

var (
	// ErrMissingAggregator is returned when no aggregator is supplied.
	ErrMissingAggregator = errors.New("an aggregator is required")

	// ErrMissingRoot is returned when no session root is supplied.
	ErrMissingRoot = errors.New("a session root directory is required")
)

// Config holds the HTTP listener settings.
type Config struct {
	// Listen is the bind address, e.g. ":8080".
	Listen string

	// ReadTimeout and WriteTimeout bound request handling. Zero keeps
	// the net/http defaults.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps wires the server to the rest of the toolchain.
//
// Aggregator and Root are required. Everything else degrades
// gracefully: endpoints backed by an absent dependency answer 503.
type Deps struct {
	Logger     *slog.Logger
	Root       string
	Aggregator *aggregate.Aggregator
	Comparator *compare.Comparator
	Gate       *compare.DriftGate
	History    *history.History
	Analyzer   *history.Analyzer
	Store      *badgerstore.Store
	Sink       telemetry.Sink
	Watcher    *watch.Watcher

	// Registry scopes /metrics to a private registry. Nil serves the
	// global default.
	Registry *prometheus.Registry
}

// Server serves the clamp HTTP API.
type Server struct {
	cfg  Config
	log  *slog.Logger
	deps Deps
	hub  *Hub
}

// New validates the wiring and builds a server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Aggregator == nil {
		return nil, ErrMissingAggregator
	}
	if deps.Root == "" {
		return nil, ErrMissingRoot
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.NewNoOpSink()
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}

	return &Server{
		cfg:  cfg,
		log:  deps.Logger,
		deps: deps,
		hub:  NewHub(deps.Logger),
	}, nil
}

// Router assembles the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("clamp-server"))

	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(s.metricsHandler()))

	v1 := router.Group("/v1/clamp")
	{
		v1.GET("/summary", s.handleSummary)
		v1.POST("/accumulate", s.handleAccumulate)
		v1.GET("/sessions", s.handleSessions)
		v1.POST("/compare", s.handleCompare)
		v1.GET("/history", s.handleHistory)
		v1.GET("/trend", s.handleTrend)
		v1.GET("/alerts", s.handleAlerts)
		v1.GET("/live", s.handleEvents)
	}

	return router
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Registry != nil {
		return promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
//
// # Description
//
// The HTTP listener, the optional filesystem watcher, and the event
// pump run as one group: the first hard failure stops them all, and a
// cancelled context is a clean stop, not an error.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("clamp server listening", slog.String("addr", s.cfg.Listen))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.hub.CloseAll()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	if s.deps.Watcher != nil {
		g.Go(func() error {
			if err := s.deps.Watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watcher: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return s.pumpEvents(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pumpEvents re-accumulates and broadcasts whenever the watcher
// reports session file activity.
func (s *Server) pumpEvents(ctx context.Context) error {
	events := s.deps.Watcher.Subscribe(8)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.log.Debug("session activity",
				slog.String("path", ev.Path),
				slog.String("op", ev.Op))
			summary, err := s.refresh(ctx)
			if err != nil {
				s.log.Warn("re-accumulation failed", slog.String("error", err.Error()))
				continue
			}
			s.hub.Broadcast(Event{
				Type:    EventSummary,
				At:      time.Now().UTC(),
				Path:    ev.Path,
				Summary: toSummaryPayload(summary),
			})
		}
	}
}

// refresh runs one accumulation and fans the result out to the sink,
// the archive, and the trend history.
func (s *Server) refresh(ctx context.Context) (aggregate.Summary, error) {
	summary, err := s.deps.Aggregator.Accumulate(ctx, s.deps.Root)
	if err != nil {
		s.recordError(ctx, "accumulate", err)
		return aggregate.Summary{}, err
	}

	at := time.Now().UTC()
	if err := s.deps.Sink.RecordSummary(ctx, telemetry.NewSummaryData(at, summary)); err != nil {
		s.log.Warn("telemetry export failed", slog.String("error", err.Error()))
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.PutSummary(at, summary); err != nil {
			s.log.Warn("summary archive failed", slog.String("error", err.Error()))
		}
	}
	if s.deps.History != nil {
		s.deps.History.Push(history.Point{
			At:              at,
			Backend:         summary.Backend,
			MeanStability:   summary.MeanStability,
			DriftPercentile: summary.DriftPercentile,
			SessionCount:    summary.SessionCount,
		})
	}

	return summary, nil
}

func (s *Server) recordError(ctx context.Context, operation string, cause error) {
	err := s.deps.Sink.RecordError(ctx, &telemetry.ErrorData{
		Timestamp: time.Now().UTC(),
		Component: "server",
		Operation: operation,
		ErrorType: "internal",
		Message:   cause.Error(),
	})
	if err != nil {
		s.log.Debug("error telemetry failed", slog.String("error", err.Error()))
	}
}
