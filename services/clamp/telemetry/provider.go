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

import "fmt"

// Config selects which telemetry backends to build.
//
// A nil section disables that backend. With every section nil, BuildSink
// returns a no-op sink so call sites never branch on telemetry being
// configured.
type Config struct {
	Prometheus *PrometheusConfig
	OTel       *OTelConfig
	Influx     *InfluxConfig
}

// BuildSink assembles the configured sinks into one.
//
// Description:
//
//	Builds each enabled backend and wraps multiples in a CompositeSink.
//	A single backend is returned directly, and no backends at all yield
//	a NoOpSink.
//
// Outputs:
//   - Sink: The assembled sink. Never nil on success.
//   - error: Non-nil if any enabled backend fails to build.
func BuildSink(cfg Config) (Sink, error) {
	var sinks []Sink

	if cfg.Prometheus != nil {
		sink, err := NewPrometheusSink(cfg.Prometheus)
		if err != nil {
			return nil, fmt.Errorf("build prometheus sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if cfg.OTel != nil {
		sink, err := NewOTelSink(cfg.OTel)
		if err != nil {
			return nil, fmt.Errorf("build otel sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if cfg.Influx != nil {
		sink, err := NewInfluxSink(cfg.Influx)
		if err != nil {
			return nil, fmt.Errorf("build influx sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	switch len(sinks) {
	case 0:
		return NewNoOpSink(), nil
	case 1:
		return sinks[0], nil
	default:
		return NewCompositeSink(sinks...)
	}
}
