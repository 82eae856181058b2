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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianClamp/pkg/logging"
	"github.com/AleutianAI/AleutianClamp/services/clamp/config"
)

var (
	cfg    *config.ClampConfig
	appLog *logging.Logger
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
	if appLog != nil {
		appLog.Close()
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		path := configPath
		if path == "" {
			resolved, err := config.DefaultConfigPath()
			if err != nil {
				log.Fatalf("Could not resolve the default config path: %v", err)
			}
			path = resolved
		}

		loaded, err := config.LoadOrCreate(path)
		if err != nil {
			log.Fatalf("Error loading the config at %s: %v", path, err)
		}
		cfg = loaded

		appLog = logging.New(logging.Options{
			Level:   cfg.Logging.Level,
			Format:  cfg.Logging.Format,
			Service: "clamp",
			LogDir:  cfg.Logging.Dir,
		})
		appLog.SetDefault()
	}
}
