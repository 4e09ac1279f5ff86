// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath   string
	serveDryRun  bool
	tickWindow   float64
	statsURL     string
	statsJSON    bool
	versionShort bool

	rootCmd = &cobra.Command{
		Use:   "metaloop",
		Short: "A cli to run and inspect the metaloop self-evolution service",
		Long: `Metaloop observes agent feedback on an internal event bus,
				detects behavioral patterns, and plans, validates, and applies
				bounded mutations to the agent fleet.`,
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the evolution loop and its HTTP API until interrupted",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- One-shot tick ---
	tickCmd = &cobra.Command{
		Use:   "tick",
		Short: "Run a single observe-analyze-mutate cycle and print the result",
		RunE:  runTick, // Defined in cmd_tick.go
	}

	// --- Stats ---
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Fetch pipeline counters from a running metaloop server",
		RunE:  runStats, // Defined in cmd_stats.go
	}

	// --- Version ---
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the metaloop version",
		Run:   runVersion, // Defined in cmd_version.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a YAML config file (defaults apply when omitted)")

	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false,
		"Simulate every mutation regardless of the configured mode")

	tickCmd.Flags().Float64Var(&tickWindow, "window-hours", 0,
		"Override the analysis window for this tick")

	statsCmd.Flags().StringVar(&statsURL, "url", "",
		"Base URL of the running server (default derived from config)")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false,
		"Print the raw JSON payload instead of a summary")

	versionCmd.Flags().BoolVar(&versionShort, "short", false,
		"Print only the version number")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}
