// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the metaloop service
// configuration from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Journal   JournalConfig   `yaml:"journal"`
	Loop      LoopConfig      `yaml:"loop"`
	Planner   PlannerConfig   `yaml:"planner"`
	Safety    SafetyConfig    `yaml:"safety"`
	Leader    LeaderConfig    `yaml:"leader"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
}

// BusConfig configures the in-memory event bus.
type BusConfig struct {
	RetentionHours     float64 `yaml:"retention_hours" validate:"gt=0"`
	SweepSeconds       int     `yaml:"sweep_seconds" validate:"gt=0"`
	DeadLetterCapacity int     `yaml:"dead_letter_capacity" validate:"gt=0"`
}

// JournalConfig configures the optional durable envelope log.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoopConfig configures the tick driver.
type LoopConfig struct {
	IntervalSeconds    int     `yaml:"interval_seconds" validate:"gt=0"`
	WindowHours        float64 `yaml:"window_hours" validate:"gt=0"`
	BatchLimit         int     `yaml:"batch_limit" validate:"gt=0"`
	QueueSize          int     `yaml:"queue_size" validate:"gt=0"`
	TickTimeoutSeconds int     `yaml:"tick_timeout_seconds" validate:"gt=0"`
	DryRun             bool    `yaml:"dry_run"`
}

// PlannerConfig configures the mutation planner.
type PlannerConfig struct {
	MinEvents       int `yaml:"min_events" validate:"gt=0"`
	MaxPlansPerHour int `yaml:"max_plans_per_hour" validate:"gt=0"`
	MaxActions      int `yaml:"max_actions" validate:"gt=0,lte=10"`
}

// SafetyConfig configures the safety validator.
type SafetyConfig struct {
	CriticalTargets []string `yaml:"critical_targets"`
}

// LeaderConfig configures the lease-file leader guard.
type LeaderConfig struct {
	Enabled    bool   `yaml:"enabled"`
	LeasePath  string `yaml:"lease_path"`
	TTLSeconds int    `yaml:"ttl_seconds" validate:"gte=0"`
}

// IngestConfig rate-limits the HTTP event ingestion endpoint.
type IngestConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int     `yaml:"burst" validate:"gt=0"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns a configuration suitable for a single local instance.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8085},
		Bus: BusConfig{
			RetentionHours:     72,
			SweepSeconds:       60,
			DeadLetterCapacity: 256,
		},
		Journal: JournalConfig{Enabled: false, Path: ".metaloop/journal"},
		Loop: LoopConfig{
			IntervalSeconds:    15,
			WindowHours:        24,
			BatchLimit:         500,
			QueueSize:          2000,
			TickTimeoutSeconds: 30,
			DryRun:             true,
		},
		Planner: PlannerConfig{
			MinEvents:       10,
			MaxPlansPerHour: 10,
			MaxActions:      3,
		},
		Leader: LeaderConfig{
			Enabled:    true,
			LeasePath:  ".metaloop/leader.lease",
			TTLSeconds: 30,
		},
		Ingest:  IngestConfig{RequestsPerSecond: 100, Burst: 200},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("invalid configuration: journal.path required when journal.enabled")
	}
	if c.Leader.Enabled && c.Leader.LeasePath == "" {
		return fmt.Errorf("invalid configuration: leader.lease_path required when leader.enabled")
	}
	return nil
}
