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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// resetGlobals restores the no-op providers once a test installed real ones.
func resetGlobals(t *testing.T) {
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
	})
}

func TestDefaultInitConfig(t *testing.T) {
	cfg := DefaultInitConfig()
	if cfg.ServiceName != "aleutian-clamp" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want none by default", cfg.TraceExporter)
	}
	if cfg.MetricExporter != "prometheus" {
		t.Errorf("MetricExporter = %q", cfg.MetricExporter)
	}
}

func TestDefaultInitConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CLAMP_ENV", "staging")
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg := DefaultInitConfig()
	if cfg.Environment != "staging" {
		t.Errorf("Environment = %q", cfg.Environment)
	}
	if cfg.TraceExporter != "stdout" {
		t.Errorf("TraceExporter = %q", cfg.TraceExporter)
	}
	if cfg.OTLPEndpoint != "collector:4317" {
		t.Errorf("OTLPEndpoint = %q", cfg.OTLPEndpoint)
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context rejection is the behavior under test
	_, err := Init(nil, DefaultInitConfig())
	if !errors.Is(err, ErrNilContext) {
		t.Fatalf("err = %v, want ErrNilContext", err)
	}
}

func TestInit_DisabledExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), InitConfig{
		ServiceName:    "clamp-test",
		TraceExporter:  "none",
		MetricExporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInit_UnknownExporters(t *testing.T) {
	_, err := Init(context.Background(), InitConfig{
		ServiceName:   "clamp-test",
		TraceExporter: "carrier-pigeon",
	})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("trace err = %v, want ErrUnknownExporter", err)
	}

	_, err = Init(context.Background(), InitConfig{
		ServiceName:    "clamp-test",
		TraceExporter:  "none",
		MetricExporter: "carrier-pigeon",
	})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("metric err = %v, want ErrUnknownExporter", err)
	}
}

func TestInit_StdoutProviders(t *testing.T) {
	resetGlobals(t)

	shutdown, err := Init(context.Background(), InitConfig{
		ServiceName:    "clamp-test",
		TraceExporter:  "stdout",
		MetricExporter: "stdout",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInit_PrometheusIntoSharedRegistry(t *testing.T) {
	resetGlobals(t)

	registry := prometheus.NewRegistry()
	shutdown, err := Init(context.Background(), InitConfig{
		ServiceName:    "clamp-test",
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		Registry:       registry,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	// The exporter registers its collector with the shared registry.
	if _, err := registry.Gather(); err != nil {
		t.Errorf("Gather: %v", err)
	}

	meter := otel.Meter("clamp-test")
	counter, err := meter.Int64Counter("clamp.test.events")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather after record: %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "clamp_test_events_total" {
			found = true
		}
	}
	if !found {
		t.Error("recorded counter not exported through the shared registry")
	}
}
