// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"testing"

	"github.com/calderai/metaloop/pkg/logging"
	"github.com/calderai/metaloop/services/evolution/config"
	"github.com/calderai/metaloop/services/evolution/loop"
	"github.com/calderai/metaloop/services/evolution/planner"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func TestBuildPipelineDefaults(t *testing.T) {
	cfg = config.Default()
	cfg.Journal.Enabled = false

	p, err := buildPipeline(testLogger(), false)
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	defer p.close()

	if p.bus == nil || p.loop == nil || p.driver == nil {
		t.Fatal("pipeline stage missing")
	}

	result := p.loop.Tick(context.Background())
	if result.Status != loop.StatusNoPlan {
		t.Errorf("empty bus tick status = %q, want %q", result.Status, loop.StatusNoPlan)
	}
}

func TestBuildPipelineOpensJournal(t *testing.T) {
	cfg = config.Default()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = t.TempDir()

	p, err := buildPipeline(testLogger(), false)
	if err != nil {
		t.Fatalf("buildPipeline with journal: %v", err)
	}
	defer p.close()

	if p.journal == nil {
		t.Fatal("journal not opened")
	}
}

func TestDefaultHandlersCoverAllOperations(t *testing.T) {
	registry := defaultHandlers(testLogger().Slog())

	ops := []planner.OperationType{
		planner.OpPromptPatch,
		planner.OpModelSwap,
		planner.OpLoraApply,
		planner.OpLoraRemove,
		planner.OpParamSet,
		planner.OpMemoryUpdate,
		planner.OpRouteChange,
		planner.OpFeatureToggle,
	}
	for _, op := range ops {
		handler, ok := registry.Lookup(op)
		if !ok {
			t.Errorf("no handler registered for %q", op)
			continue
		}
		msg, err := handler.Apply(context.Background(), planner.Action{
			ActionID:  "a-1",
			Target:    "agent_x",
			Operation: op,
		})
		if err != nil {
			t.Errorf("handler for %q returned error: %v", op, err)
		}
		if msg == "" {
			t.Errorf("handler for %q returned empty message", op)
		}
	}
}
