// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package loop wires the evolution pipeline end to end: drain feedback
// from the bus, analyze it, plan mutations, gate them, and execute.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/calderai/metaloop/services/evolution/analyzer"
	"github.com/calderai/metaloop/services/evolution/bus"
	"github.com/calderai/metaloop/services/evolution/executor"
	"github.com/calderai/metaloop/services/evolution/feedback"
	"github.com/calderai/metaloop/services/evolution/observability"
	"github.com/calderai/metaloop/services/evolution/planner"
	"github.com/calderai/metaloop/services/evolution/safety"
)

// TickStatus is the terminal status of one pipeline run.
type TickStatus string

const (
	StatusNoPlan             TickStatus = "no_plan"
	StatusBlockedByRateLimit TickStatus = "blocked_by_rate_limit"
	StatusValidationFailed   TickStatus = "validation_failed"
	StatusExecuted           TickStatus = "executed"
	StatusSimulated          TickStatus = "simulated"
	StatusExecutionFailed    TickStatus = "execution_failed"
)

// Bus event types the loop consumes and produces.
const (
	TypeFeedbackExplicit = "feedback.explicit"
	TypeFeedbackImplicit = "feedback.implicit"
	TypeSystemMetric     = "system.metric"
	TypeMutationPlan     = "mutation.plan"
	TypeMutationResult   = "mutation.result"
	TypeSafetyAlert      = "safety.alert"
)

// feedbackTypes is the subscription set for the loop's own queue.
var feedbackTypes = []string{TypeFeedbackExplicit, TypeFeedbackImplicit, TypeSystemMetric}

// TickResult reports one completed tick.
type TickResult struct {
	TickID       string     `json:"tick_id"`
	Status       TickStatus `json:"status"`
	PlanID       string     `json:"plan_id,omitempty"`
	EventCount   int        `json:"event_count"`
	SkippedCount int        `json:"skipped_count"`
	PatternCount int        `json:"pattern_count"`
	StartedAt    time.Time  `json:"started_at"`
	DurationMS   int64      `json:"duration_ms"`
	Error        string     `json:"error,omitempty"`
}

// Config tunes the pipeline driver.
type Config struct {
	// SubscriberID names the loop's bus queue. Default: "evolution-loop".
	SubscriberID string

	// BatchLimit bounds events consumed per tick. Default: 500.
	BatchLimit int

	// QueueSize bounds the loop's own delivery queue. Default: 2000.
	QueueSize int

	// WindowHours is the analysis window reported to the analyzer.
	// Default: 24.
	WindowHours float64

	// DryRun forces simulation for every executed plan.
	DryRun bool

	// TickTimeout bounds validation and execution within one tick.
	// Default: 30s.
	TickTimeout time.Duration

	// Logger for tick summaries. Default: slog.Default().
	Logger *slog.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *observability.Metrics
}

// Loop owns one instance of each pipeline stage. Construct with New
// and drive with Tick, directly or through a Scheduler.
type Loop struct {
	config    Config
	bus       *bus.EventBus
	analyzer  *analyzer.Analyzer
	planner   *planner.Planner
	validator *safety.Validator
	driver    *executor.Driver
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New wires the pipeline and subscribes the loop to the feedback event
// types on the bus.
func New(config Config, b *bus.EventBus, a *analyzer.Analyzer, p *planner.Planner, v *safety.Validator, d *executor.Driver) *Loop {
	if config.SubscriberID == "" {
		config.SubscriberID = "evolution-loop"
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 500
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 2000
	}
	if config.WindowHours <= 0 {
		config.WindowHours = 24
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b.Subscribe(bus.Subscription{
		SubscriberID: config.SubscriberID,
		EventTypes:   feedbackTypes,
		MaxQueueSize: config.QueueSize,
	})

	return &Loop{
		config:    config,
		bus:       b,
		analyzer:  a,
		planner:   p,
		validator: v,
		driver:    d,
		logger:    logger.With("component", "loop"),
		tracer:    otel.Tracer("metaloop/evolution/loop"),
	}
}

// Tick runs the pipeline once: drain, analyze, plan, validate,
// execute. It always returns a complete result with a terminal status;
// stage faults are contained at the stage boundary.
func (l *Loop) Tick(ctx context.Context) *TickResult {
	started := time.Now()
	result := &TickResult{
		TickID:    uuid.NewString(),
		StartedAt: started.UTC(),
	}

	ctx, span := l.tracer.Start(ctx, "evolution.tick",
		trace.WithAttributes(attribute.String("tick.id", result.TickID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusExecutionFailed
			result.Error = fmt.Sprintf("tick fault: %v", r)
			l.logger.Error("tick recovered from fault", "tick_id", result.TickID, "panic", r)
		}
		result.DurationMS = time.Since(started).Milliseconds()
		span.SetAttributes(attribute.String("tick.status", string(result.Status)))
		l.observe(result)
	}()

	// Stage 1: drain the loop's queue and decode payloads.
	events, skipped := l.drain(ctx)
	result.EventCount = len(events)
	result.SkippedCount = skipped

	// Stage 2: analysis. The analyzer contains its own faults.
	findings := l.analyze(ctx, events)
	result.PatternCount = len(findings.Patterns)

	// Stage 3: planning.
	plan, err := l.plan(ctx, findings)
	if errors.Is(err, planner.ErrRateLimited) {
		result.Status = StatusBlockedByRateLimit
		return result
	}
	if plan == nil {
		result.Status = StatusNoPlan
		if err != nil {
			result.Error = err.Error()
		}
		return result
	}
	result.PlanID = plan.PlanID
	l.announce(TypeMutationPlan, plan.PlanID, plan)

	// Stage 4: safety gate.
	verdict := l.validate(ctx, plan)
	if !verdict.OverallPassed {
		result.Status = StatusValidationFailed
		result.Error = verdictSummary(verdict)
		l.announce(TypeSafetyAlert, plan.PlanID, verdict)
		return result
	}
	plan.Status = planner.StatusApproved

	// Stage 5: execution.
	outcome, err := l.execute(ctx, plan)
	if err != nil {
		result.Status = StatusExecutionFailed
		result.Error = err.Error()
		return result
	}
	l.announce(TypeMutationResult, plan.PlanID, outcome)

	switch {
	case len(outcome.FailedActionIDs) > 0:
		result.Status = StatusExecutionFailed
		result.Error = fmt.Sprintf("%d of %d actions failed",
			len(outcome.FailedActionIDs),
			len(outcome.FailedActionIDs)+len(outcome.ExecutedActionIDs))
	case outcome.Simulated:
		result.Status = StatusSimulated
	default:
		result.Status = StatusExecuted
	}
	return result
}

// drain pops this tick's batch off the loop's queue, acknowledges every
// envelope, and decodes the payloads. Consumption is at-most-once: an
// envelope that fails to decode is acknowledged and counted, not retried.
func (l *Loop) drain(ctx context.Context) ([]*feedback.Event, int) {
	_, span := l.tracer.Start(ctx, "evolution.drain")
	defer span.End()

	envelopes := l.bus.GetEvents(l.config.SubscriberID, l.config.BatchLimit)
	raws := make([]json.RawMessage, len(envelopes))
	for i, env := range envelopes {
		raws[i] = env.Payload
		l.bus.Acknowledge(env.EnvelopeID, l.config.SubscriberID)
	}

	events, skipped := feedback.DecodeEvents(raws)
	span.SetAttributes(
		attribute.Int("drain.envelopes", len(envelopes)),
		attribute.Int("drain.skipped", skipped),
	)
	return events, skipped
}

func (l *Loop) analyze(ctx context.Context, events []*feedback.Event) *analyzer.Findings {
	_, span := l.tracer.Start(ctx, "evolution.analyze")
	defer span.End()
	findings := l.analyzer.Analyze(events, l.config.WindowHours)
	span.SetAttributes(attribute.Int("analyze.patterns", len(findings.Patterns)))
	if m := l.config.Metrics; m != nil {
		m.EventsAnalyzed.Add(float64(findings.EventCount))
		for _, pattern := range findings.Patterns {
			m.PatternsFound.WithLabelValues(pattern.Type).Inc()
		}
	}
	return findings
}

// plan contains planner faults at the stage boundary so a planner bug
// degrades to a no-plan tick instead of killing the loop.
func (l *Loop) plan(ctx context.Context, findings *analyzer.Findings) (p *planner.Plan, err error) {
	_, span := l.tracer.Start(ctx, "evolution.plan")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("planner fault: %v", r)
			l.logger.Error("planner recovered from fault", "panic", r)
		}
	}()

	p, err = l.planner.Plan(findings)
	if m := l.config.Metrics; m != nil {
		if p != nil {
			m.PlansCreated.Inc()
		}
		if errors.Is(err, planner.ErrRateLimited) {
			m.PlansRateLimited.Inc()
		}
	}
	return p, err
}

func (l *Loop) validate(ctx context.Context, plan *planner.Plan) *safety.Verdict {
	ctx, span := l.tracer.Start(ctx, "evolution.validate")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, l.config.TickTimeout)
	defer cancel()

	verdict := l.validator.Validate(ctx, plan)
	span.SetAttributes(attribute.Bool("validate.passed", verdict.OverallPassed))
	if m := l.config.Metrics; m != nil {
		if !verdict.OverallPassed {
			m.PlansRejected.Inc()
		}
		for check, res := range verdict.Results {
			if !res.Passed {
				m.ChecksFailed.WithLabelValues(string(check)).Inc()
			}
		}
	}
	return verdict
}

func (l *Loop) execute(ctx context.Context, plan *planner.Plan) (o *executor.Outcome, err error) {
	ctx, span := l.tracer.Start(ctx, "evolution.execute")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			o, err = nil, fmt.Errorf("executor fault: %v", r)
			l.logger.Error("executor recovered from fault", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, l.config.TickTimeout)
	defer cancel()

	o, err = l.driver.Execute(ctx, plan, l.config.DryRun)
	if o != nil && l.config.Metrics != nil {
		l.config.Metrics.ActionsTotal.WithLabelValues("executed").
			Add(float64(len(o.ExecutedActionIDs)))
		l.config.Metrics.ActionsTotal.WithLabelValues("failed").
			Add(float64(len(o.FailedActionIDs)))
	}
	return o, err
}

// announce publishes a pipeline artifact back onto the bus so other
// subscribers can observe the loop's own decisions.
func (l *Loop) announce(eventType, correlationID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		l.logger.Warn("announce marshal failed", "event_type", eventType, "error", err)
		return
	}
	l.bus.Publish(bus.Envelope{
		EventType:     eventType,
		Payload:       raw,
		SourceService: l.config.SubscriberID,
		CorrelationID: correlationID,
	})
}

func (l *Loop) observe(result *TickResult) {
	if m := l.config.Metrics; m != nil {
		m.TicksTotal.WithLabelValues(string(result.Status)).Inc()
		m.TickDuration.Observe(float64(result.DurationMS) / 1000)
	}
	l.logger.Info("tick finished",
		"tick_id", result.TickID,
		"status", result.Status,
		"events", result.EventCount,
		"patterns", result.PatternCount,
		"plan_id", result.PlanID,
		"duration_ms", result.DurationMS,
	)
}

func verdictSummary(verdict *safety.Verdict) string {
	failed := ""
	for check, res := range verdict.Results {
		if !res.Passed {
			if failed != "" {
				failed += ", "
			}
			failed += string(check)
		}
	}
	return "safety checks failed: " + failed
}
