// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"net"
	"runtime"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
	"github.com/AleutianAI/AleutianClamp/services/clamp/compare"
	"github.com/AleutianAI/AleutianClamp/services/clamp/telemetry"
)

// CurrentConfigVersion tracks the config schema for future migrations.
const CurrentConfigVersion = "1"

// clampValidate is the validator instance for config types.
// Initialized in init() with custom validators.
var clampValidate *validator.Validate

func init() {
	clampValidate = validator.New()
	_ = clampValidate.RegisterValidation("listenaddr", validateListenAddr)
}

// validateListenAddr accepts "host:port" or ":port" listen addresses.
func validateListenAddr(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	return err == nil && port != ""
}

// ClampConfig is the full configuration for the clamp toolchain.
//
// # Description
//
// One file drives recording, accumulation, comparison, watching, the
// server, and telemetry export. Zero values fall back to defaults at
// load time, so a partial file stays valid.
type ClampConfig struct {
	Meta      MetaConfig      `yaml:"meta"`
	Record    RecordConfig    `yaml:"record"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Compare   CompareConfig   `yaml:"compare"`
	Watch     WatchConfig     `yaml:"watch"`
	History   HistoryConfig   `yaml:"history"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MetaConfig carries schema bookkeeping.
type MetaConfig struct {
	Version string `yaml:"version"`
}

// RecordConfig controls session recording.
type RecordConfig struct {
	// Sessions is the number of session files one record run produces.
	Sessions int `yaml:"sessions" validate:"gte=1"`

	// GuardsPerSession is the number of guarded critical sections per
	// session.
	GuardsPerSession int `yaml:"guards_per_session" validate:"gte=1"`

	// Workers bounds concurrent guard execution within a session.
	Workers int `yaml:"workers" validate:"gte=1"`

	// JitterMaxMs caps the random hold time inside each guard.
	JitterMaxMs int `yaml:"jitter_max_ms" validate:"gte=0"`
}

// AggregateConfig controls summary accumulation.
type AggregateConfig struct {
	// Workers bounds concurrent session file parsing. Zero means one
	// worker per CPU.
	Workers int `yaml:"workers" validate:"gte=0"`

	// DriftPercentile selects the duration percentile reported as the
	// drift index.
	DriftPercentile float64 `yaml:"drift_percentile" validate:"gt=0,lte=1"`
}

// CompareConfig controls drift comparison and gating.
type CompareConfig struct {
	// SignificanceThresholdMs marks drift skew beyond this magnitude as
	// significant.
	SignificanceThresholdMs float64 `yaml:"significance_threshold_ms" validate:"gte=0"`

	// MaxMeanDrop is the largest tolerated mean stability regression.
	MaxMeanDrop float64 `yaml:"max_mean_drop" validate:"gte=0"`

	// MaxVarianceRatio is the largest tolerated candidate-to-baseline
	// variance ratio.
	MaxVarianceRatio float64 `yaml:"max_variance_ratio" validate:"gte=0"`

	// RequireTrusted fails the gate for summaries without a valid
	// provenance verdict.
	RequireTrusted bool `yaml:"require_trusted"`
}

// WatchConfig controls the telemetry directory watcher.
type WatchConfig struct {
	// DebounceMs coalesces filesystem bursts into one re-accumulation.
	DebounceMs int `yaml:"debounce_ms" validate:"gte=0"`
}

// HistoryConfig controls trend analysis over archived summaries.
type HistoryConfig struct {
	// Capacity bounds the in-memory trend ring.
	Capacity int `yaml:"capacity" validate:"gte=0"`

	// Window is the number of recent points trend analysis considers.
	Window int `yaml:"window" validate:"gte=0"`

	// DegradeThreshold is the stability drop that raises an alert.
	DegradeThreshold float64 `yaml:"degrade_threshold" validate:"gte=0"`

	// MinStability is the alert floor for mean stability.
	MinStability float64 `yaml:"min_stability" validate:"gte=0,lte=1"`

	// DriftAlertMs is the drift index that raises an alert.
	DriftAlertMs float64 `yaml:"drift_alert_ms" validate:"gte=0"`
}

// StorageConfig controls the summary archive.
type StorageConfig struct {
	// ArchivePath is the Badger database directory. Empty resolves to
	// build/clamp_history under the session root.
	ArchivePath string `yaml:"archive_path"`

	// RetentionDays prunes archive entries older than this. Zero keeps
	// everything.
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	// Listen is the bind address, e.g. ":8080".
	Listen string `yaml:"listen" validate:"omitempty,listenaddr"`

	// ReadTimeoutMs and WriteTimeoutMs bound request handling.
	ReadTimeoutMs  int `yaml:"read_timeout_ms" validate:"gte=0"`
	WriteTimeoutMs int `yaml:"write_timeout_ms" validate:"gte=0"`
}

// TelemetryConfig selects telemetry export backends.
type TelemetryConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	OTel       OTelConfig       `yaml:"otel"`
	Influx     InfluxConfig     `yaml:"influx"`
}

// PrometheusConfig enables the Prometheus exporter.
type PrometheusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// OTelConfig enables the OpenTelemetry exporter.
type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// InfluxConfig enables the InfluxDB exporter.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is one of text, json, auto. Auto picks text on a terminal
	// and json otherwise.
	Format string `yaml:"format" validate:"omitempty,oneof=text json auto"`

	// Dir enables an additional JSON log file in the given directory.
	// Empty disables file logging.
	Dir string `yaml:"dir"`
}

// Validate checks the configuration against its struct tags.
func (c *ClampConfig) Validate() error {
	return clampValidate.Struct(c)
}

// BuildTelemetry converts the enabled sections into sink configuration.
func (c *TelemetryConfig) BuildTelemetry() telemetry.Config {
	var cfg telemetry.Config

	if c.Prometheus.Enabled {
		prom := telemetry.DefaultPrometheusConfig()
		if c.Prometheus.Namespace != "" {
			prom.Namespace = c.Prometheus.Namespace
		}
		if c.Prometheus.Subsystem != "" {
			prom.Subsystem = c.Prometheus.Subsystem
		}
		cfg.Prometheus = prom
	}

	if c.OTel.Enabled {
		otel := telemetry.DefaultOTelConfig()
		if c.OTel.ServiceName != "" {
			otel.ServiceName = c.OTel.ServiceName
		}
		cfg.OTel = otel
	}

	if c.Influx.Enabled {
		cfg.Influx = &telemetry.InfluxConfig{
			URL:    c.Influx.URL,
			Token:  c.Influx.Token,
			Org:    c.Influx.Org,
			Bucket: c.Influx.Bucket,
		}
	}

	return cfg
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() ClampConfig {
	return ClampConfig{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		Record: RecordConfig{
			Sessions:         4,
			GuardsPerSession: 16,
			Workers:          runtime.NumCPU(),
			JitterMaxMs:      25,
		},
		Aggregate: AggregateConfig{
			Workers:         0,
			DriftPercentile: aggregate.DefaultDriftPercentile,
		},
		Compare: CompareConfig{
			SignificanceThresholdMs: compare.DriftSignificanceThresholdMs,
			MaxMeanDrop:             compare.DefaultMaxMeanDrop,
			MaxVarianceRatio:        compare.DefaultMaxVarianceRatio,
			RequireTrusted:          false,
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
		History: HistoryConfig{
			Capacity:         256,
			Window:           32,
			DegradeThreshold: 0.05,
			MinStability:     0.5,
			DriftAlertMs:     100,
		},
		Storage: StorageConfig{
			ArchivePath:   "",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Listen:         ":8080",
			ReadTimeoutMs:  5000,
			WriteTimeoutMs: 10000,
		},
		Telemetry: TelemetryConfig{
			Prometheus: PrometheusConfig{
				Enabled:   true,
				Namespace: "clamp",
				Subsystem: "stability",
			},
			OTel: OTelConfig{
				Enabled:     false,
				ServiceName: "aleutian-clamp",
			},
			Influx: InfluxConfig{
				Enabled: false,
				URL:     "http://localhost:8086",
				Org:     "aleutian",
				Bucket:  "clamp",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
