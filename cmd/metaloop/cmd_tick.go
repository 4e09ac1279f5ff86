// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/calderai/metaloop/pkg/logging"
	"github.com/spf13/cobra"
)

// runTick builds the pipeline, replays the journal, runs exactly one
// cycle, and prints the result as JSON.
//
// A one-shot tick is always a dry run. Live mutations belong to the
// serving process that holds the leader lease; running them from an ad
// hoc shell would race its rate limiter and in-flight registry.
func runTick(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Service: "metaloop",
		Quiet:   true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if tickWindow > 0 {
		cfg.Loop.WindowHours = tickWindow
	}

	p, err := buildPipeline(logger, true)
	if err != nil {
		return err
	}
	defer p.close()
	p.replayJournal(logger.Slog())

	result := p.loop.Tick(context.Background())

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tick result: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
