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
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestBuildSinkDefaultsToNoOp(t *testing.T) {
	sink, err := BuildSink(Config{})
	if err != nil {
		t.Fatalf("BuildSink failed: %v", err)
	}
	if _, ok := sink.(*NoOpSink); !ok {
		t.Errorf("expected *NoOpSink, got %T", sink)
	}
}

func TestBuildSinkSingleBackend(t *testing.T) {
	promConfig := DefaultPrometheusConfig()
	promConfig.Registry = prometheus.NewRegistry()

	sink, err := BuildSink(Config{Prometheus: promConfig})
	if err != nil {
		t.Fatalf("BuildSink failed: %v", err)
	}
	defer sink.Close()

	if _, ok := sink.(*PrometheusSink); !ok {
		t.Errorf("expected *PrometheusSink, got %T", sink)
	}
}

func TestBuildSinkComposite(t *testing.T) {
	promConfig := DefaultPrometheusConfig()
	promConfig.Registry = prometheus.NewRegistry()

	sink, err := BuildSink(Config{
		Prometheus: promConfig,
		OTel:       DefaultOTelConfig(),
	})
	if err != nil {
		t.Fatalf("BuildSink failed: %v", err)
	}
	defer sink.Close()

	if _, ok := sink.(*CompositeSink); !ok {
		t.Errorf("expected *CompositeSink, got %T", sink)
	}
}

func TestBuildSinkInvalidBackend(t *testing.T) {
	_, err := BuildSink(Config{Influx: &InfluxConfig{URL: "http://localhost:8086"}})
	if !errors.Is(err, ErrInvalidInfluxConfig) {
		t.Errorf("expected ErrInvalidInfluxConfig, got %v", err)
	}

	_, err = BuildSink(Config{OTel: &OTelConfig{}})
	if !errors.Is(err, ErrInvalidOTelConfig) {
		t.Errorf("expected ErrInvalidOTelConfig, got %v", err)
	}
}

func TestInfluxConfigValidate(t *testing.T) {
	valid := &InfluxConfig{
		URL:    "http://localhost:8086",
		Token:  "token",
		Org:    "aleutian",
		Bucket: "clamp",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	cases := []struct {
		name   string
		mutate func(*InfluxConfig)
	}{
		{"missing url", func(c *InfluxConfig) { c.URL = "" }},
		{"missing token", func(c *InfluxConfig) { c.Token = "" }},
		{"missing org", func(c *InfluxConfig) { c.Org = "" }},
		{"missing bucket", func(c *InfluxConfig) { c.Bucket = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := *valid
			tc.mutate(&config)
			if err := config.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestNewInfluxSinkConstruction(t *testing.T) {
	// The client connects lazily, so construction succeeds without a
	// server.
	sink, err := NewInfluxSink(&InfluxConfig{
		URL:    "http://localhost:8086",
		Token:  "token",
		Org:    "aleutian",
		Bucket: "clamp",
	})
	if err != nil {
		t.Fatalf("NewInfluxSink failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, err := NewInfluxSink(nil); !errors.Is(err, ErrInvalidInfluxConfig) {
		t.Errorf("expected ErrInvalidInfluxConfig, got %v", err)
	}
}
