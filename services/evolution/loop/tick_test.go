// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calderai/metaloop/services/evolution/analyzer"
	"github.com/calderai/metaloop/services/evolution/bus"
	"github.com/calderai/metaloop/services/evolution/executor"
	"github.com/calderai/metaloop/services/evolution/feedback"
	"github.com/calderai/metaloop/services/evolution/observability"
	"github.com/calderai/metaloop/services/evolution/planner"
	"github.com/calderai/metaloop/services/evolution/safety"
)

type pipelineOpts struct {
	dryRun       bool
	plannerClock func() time.Time
	inFlight     safety.InFlightChecker
	handlers     *executor.HandlerRegistry
}

func newPipeline(t *testing.T, opts pipelineOpts) (*Loop, *bus.EventBus) {
	t.Helper()

	b := bus.New(bus.Config{})
	a := analyzer.New(analyzer.DefaultConfig())

	plannerConfig := planner.DefaultConfig()
	plannerConfig.Clock = opts.plannerClock
	p := planner.New(plannerConfig)

	v, err := safety.New(safety.Config{InFlight: opts.inFlight})
	if err != nil {
		t.Fatalf("validator construction failed: %v", err)
	}

	executorConfig := executor.DefaultConfig()
	executorConfig.SimulationDelay = time.Millisecond
	if opts.handlers != nil {
		executorConfig.Handlers = opts.handlers
	}
	d := executor.New(executorConfig)

	l := New(Config{
		DryRun:  opts.dryRun,
		Metrics: observability.New(prometheus.NewRegistry()),
	}, b, a, p, v, d)
	return l, b
}

func publishDegradedSeries(t *testing.T, b *bus.EventBus, agentID string, n int) {
	t.Helper()
	start := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		latency, success := 200.0, 0.95
		if i >= n/2 {
			latency, success = 400.0, 0.80
		}
		event := feedback.Event{
			EventID:   fmt.Sprintf("%s-%d", agentID, i),
			EventType: feedback.EventTypeImplicit,
			AgentID:   agentID,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Implicit: &feedback.ImplicitSignals{
				ResponseTimeMS: &latency,
				SuccessRate:    &success,
			},
		}
		raw, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		if !b.Publish(bus.Envelope{
			EventType:     TypeFeedbackImplicit,
			Payload:       raw,
			SourceService: "test-producer",
		}) {
			t.Fatalf("publish %d failed", i)
		}
	}
}

func TestTickEmptyBusIsNoPlan(t *testing.T) {
	l, _ := newPipeline(t, pipelineOpts{dryRun: true})

	result := l.Tick(context.Background())

	if result.Status != StatusNoPlan {
		t.Errorf("status = %s, want no_plan", result.Status)
	}
	if result.EventCount != 0 {
		t.Errorf("event count = %d, want 0", result.EventCount)
	}
	if result.TickID == "" {
		t.Error("tick id must be set")
	}
}

func TestTickDegradationEndsSimulated(t *testing.T) {
	l, b := newPipeline(t, pipelineOpts{dryRun: true})
	publishDegradedSeries(t, b, "agent_1", 60)

	result := l.Tick(context.Background())

	if result.Status != StatusSimulated {
		t.Fatalf("status = %s (error %q), want simulated", result.Status, result.Error)
	}
	if result.EventCount != 60 {
		t.Errorf("event count = %d, want 60", result.EventCount)
	}
	if result.PatternCount == 0 {
		t.Error("expected detected patterns")
	}
	if result.PlanID == "" {
		t.Error("expected a plan id on an executed tick")
	}

	t.Run("QueueDrained", func(t *testing.T) {
		second := l.Tick(context.Background())
		if second.EventCount != 0 {
			t.Errorf("second tick re-read %d events; queue must drain", second.EventCount)
		}
	})
}

func TestTickLiveExecution(t *testing.T) {
	handlers := executor.NewHandlerRegistry()
	var applied []planner.OperationType
	for _, op := range []planner.OperationType{planner.OpPromptPatch, planner.OpModelSwap} {
		handlers.Register(op, executor.HandlerFunc(
			func(_ context.Context, a planner.Action) (string, error) {
				applied = append(applied, a.Operation)
				return "applied", nil
			}))
	}

	l, b := newPipeline(t, pipelineOpts{handlers: handlers})
	publishDegradedSeries(t, b, "agent_1", 60)

	result := l.Tick(context.Background())

	if result.Status != StatusExecuted {
		t.Fatalf("status = %s (error %q), want executed", result.Status, result.Error)
	}
	if len(applied) != 2 {
		t.Errorf("expected both actions applied, got %v", applied)
	}
	if applied[0] != planner.OpPromptPatch {
		t.Errorf("prompt-patch has priority 8 and must run first, got %v", applied)
	}
}

func TestTickValidationFailurePublishesAlert(t *testing.T) {
	l, b := newPipeline(t, pipelineOpts{
		dryRun:   true,
		inFlight: busyTargets{"agent_1": true},
	})

	alertSub := b.Subscribe(bus.Subscription{
		SubscriberID: "alert-watcher",
		EventTypes:   []string{TypeSafetyAlert},
		MaxQueueSize: 10,
	})
	_ = alertSub

	publishDegradedSeries(t, b, "agent_1", 60)
	result := l.Tick(context.Background())

	if result.Status != StatusValidationFailed {
		t.Fatalf("status = %s, want validation_failed", result.Status)
	}
	if result.Error == "" {
		t.Error("a failed validation must carry the failed check names")
	}

	alerts := b.GetEvents("alert-watcher", 10)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 safety alert on the bus, got %d", len(alerts))
	}
	var verdict safety.Verdict
	if err := json.Unmarshal(alerts[0].Payload, &verdict); err != nil {
		t.Fatalf("alert payload must be a verdict: %v", err)
	}
	if verdict.OverallPassed {
		t.Error("published verdict must record the failure")
	}
}

type busyTargets map[string]bool

func (b busyTargets) InFlight(target string) bool { return b[target] }

func TestTickRateLimit(t *testing.T) {
	now := time.Now()
	l, b := newPipeline(t, pipelineOpts{
		dryRun:       true,
		plannerClock: func() time.Time { return now },
	})

	for i := 0; i < 10; i++ {
		publishDegradedSeries(t, b, fmt.Sprintf("agent_%d", i), 60)
		result := l.Tick(context.Background())
		if result.Status != StatusSimulated {
			t.Fatalf("tick %d status = %s (error %q)", i, result.Status, result.Error)
		}
	}

	publishDegradedSeries(t, b, "agent_blocked", 60)
	result := l.Tick(context.Background())
	if result.Status != StatusBlockedByRateLimit {
		t.Errorf("11th planning tick status = %s, want blocked_by_rate_limit", result.Status)
	}
}

func TestTickSkipsUnknownPayloads(t *testing.T) {
	l, b := newPipeline(t, pipelineOpts{dryRun: true})

	b.Publish(bus.Envelope{
		EventType:     TypeFeedbackImplicit,
		Payload:       json.RawMessage(`{"shape":"unrecognized"}`),
		SourceService: "test-producer",
	})

	result := l.Tick(context.Background())
	if result.Status != StatusNoPlan {
		t.Errorf("status = %s, want no_plan", result.Status)
	}
	if result.SkippedCount != 1 {
		t.Errorf("skipped = %d, want 1", result.SkippedCount)
	}
}

func TestTickAnnouncesPlanAndResult(t *testing.T) {
	l, b := newPipeline(t, pipelineOpts{dryRun: true})
	b.Subscribe(bus.Subscription{
		SubscriberID: "artifact-watcher",
		EventTypes:   []string{TypeMutationPlan, TypeMutationResult},
		MaxQueueSize: 10,
	})

	publishDegradedSeries(t, b, "agent_1", 60)
	result := l.Tick(context.Background())
	if result.Status != StatusSimulated {
		t.Fatalf("status = %s (error %q)", result.Status, result.Error)
	}

	artifacts := b.GetEvents("artifact-watcher", 10)
	if len(artifacts) != 2 {
		t.Fatalf("expected plan and result envelopes, got %d", len(artifacts))
	}
	if artifacts[0].EventType != TypeMutationPlan || artifacts[1].EventType != TypeMutationResult {
		t.Errorf("unexpected artifact order: %s, %s", artifacts[0].EventType, artifacts[1].EventType)
	}
	if artifacts[0].CorrelationID != result.PlanID {
		t.Errorf("plan announcement must correlate to the plan id")
	}
}
