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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/sentinel/pkg/logging"
)

var config Config

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Continuous security analysis and gated remediation for source repositories",
	Long: `Sentinel analyzes source repositories for vulnerabilities, builds
threat models, and proposes remediations that land only after an
explicit human decision.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "sentinel.yaml",
		"path to the service configuration file")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// Local .env is optional; environment always wins.
		_ = godotenv.Load()

		cfg, err := LoadConfig(configPath)
		if err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
		config = *cfg

		closer := logging.Setup(logging.Config{
			Level:   logging.ParseLevel(config.Logging.Level),
			LogDir:  config.Logging.Dir,
			Service: "sentinel",
			JSON:    config.Logging.JSON,
		})
		cobra.OnFinalize(func() { _ = closer() })
	}
}

var configPath string
