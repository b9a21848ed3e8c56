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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration, read from a YAML file with a
// small set of environment overrides for container deployments.
type Config struct {
	Server struct {
		// Port the HTTP API listens on. Env override: SENTINEL_PORT.
		Port string `yaml:"port"`
	} `yaml:"server"`

	Store struct {
		// Path is the Badger database directory.
		// Env override: SENTINEL_STORE_PATH.
		Path string `yaml:"path"`
	} `yaml:"store"`

	Projects struct {
		// File is the YAML projects registry, hot-reloaded on change.
		File string `yaml:"file"`
	} `yaml:"projects"`

	Repo struct {
		// Root is the working-copy directory served by the local
		// repository client.
		Root string `yaml:"root"`
	} `yaml:"repo"`

	Engine struct {
		// MaxRPS caps analysis engine calls per second.
		MaxRPS float64 `yaml:"max_rps"`
	} `yaml:"engine"`

	Events struct {
		// NATSURL enables job event publishing when set.
		// Env override: NATS_URL.
		NATSURL string `yaml:"nats_url"`
	} `yaml:"events"`

	Scheduler struct {
		// TickInterval is how often due projects are checked.
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"scheduler"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
}

// LoadConfig reads the YAML file at path, fills in defaults, and
// applies environment overrides. A missing file is not an error; the
// defaults describe a self-contained local deployment.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if cfg.Server.Port == "" {
		cfg.Server.Port = "12400"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/sentinel"
	}
	if cfg.Projects.File == "" {
		cfg.Projects.File = "projects.yaml"
	}
	if cfg.Repo.Root == "" {
		cfg.Repo.Root = "."
	}
	if cfg.Engine.MaxRPS <= 0 {
		cfg.Engine.MaxRPS = 2
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if v := os.Getenv("SENTINEL_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("SENTINEL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	return cfg, nil
}
