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
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath returns the per-user config location.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".clamp", "clamp.yaml"), nil
}

// Load reads, overrides, and validates the config at path.
//
// # Description
//
// The file is parsed over the defaults, so a partial file only changes
// what it names. Environment overrides (CLAMP_*) are applied after the
// file and win over it. The final config is validated before return.
func Load(path string) (*ClampConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrCreate loads the config, writing the defaults first when the
// file does not exist yet.
func LoadOrCreate(path string) (*ClampConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets deployment environments adjust the file config
// without editing it.
func applyEnvOverrides(cfg *ClampConfig) {
	if v := os.Getenv("CLAMP_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("CLAMP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CLAMP_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CLAMP_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("CLAMP_ARCHIVE_PATH"); v != "" {
		cfg.Storage.ArchivePath = v
	}
	if v := os.Getenv("CLAMP_INFLUX_URL"); v != "" {
		cfg.Telemetry.Influx.URL = v
	}
	if v := os.Getenv("CLAMP_INFLUX_TOKEN"); v != "" {
		cfg.Telemetry.Influx.Token = v
	}
	if v := os.Getenv("CLAMP_INFLUX_ORG"); v != "" {
		cfg.Telemetry.Influx.Org = v
	}
	if v := os.Getenv("CLAMP_INFLUX_BUCKET"); v != "" {
		cfg.Telemetry.Influx.Bucket = v
	}
}
