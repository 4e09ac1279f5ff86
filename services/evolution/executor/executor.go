// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor drives approved mutation plans to completion with
// per-action fault containment and rollback bookkeeping.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calderai/metaloop/services/evolution/planner"
)

// ErrHandlerMissing is a fatal configuration error: the plan requests
// an operation no handler is registered for.
var ErrHandlerMissing = errors.New("no handler registered for operation")

// ErrNotValidated guards against executing a plan that has not passed
// its safety gate.
var ErrNotValidated = errors.New("plan is not in an executable status")

// Config tunes one driver instance.
type Config struct {
	// Handlers maps operation types to their handlers. Required for
	// live execution; a plan naming an unregistered operation fails
	// fast before any action runs.
	Handlers *HandlerRegistry

	// SimulationDelay is the fixed pause used when simulating an
	// action. Default: 50ms.
	SimulationDelay time.Duration

	// Logger for execution runs. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the defaults described above with an empty
// handler registry.
func DefaultConfig() Config {
	return Config{
		Handlers:        NewHandlerRegistry(),
		SimulationDelay: 50 * time.Millisecond,
	}
}

// Outcome reports which actions ran and which failed.
type Outcome struct {
	// PlanID identifies the executed plan.
	PlanID string `json:"plan_id"`

	// ExecutedActionIDs lists actions that completed, in run order.
	ExecutedActionIDs []string `json:"executed_action_ids"`

	// FailedActionIDs lists actions that failed or were skipped
	// because an earlier same-target action failed.
	FailedActionIDs []string `json:"failed_action_ids"`

	// Simulated is true when the whole run was a dry run.
	Simulated bool `json:"simulated"`
}

// RollbackIntent records that a completed action may need undoing.
type RollbackIntent struct {
	PlanID     string                `json:"plan_id"`
	ActionID   string                `json:"action_id"`
	Target     string                `json:"target"`
	Operation  planner.OperationType `json:"operation"`
	RecordedAt time.Time             `json:"recorded_at"`
}

// Stats is a read-only snapshot of one driver instance's counters.
type Stats struct {
	PlansExecuted    int64 `json:"plans_executed"`
	PlansFailed      int64 `json:"plans_failed"`
	ActionsExecuted  int64 `json:"actions_executed"`
	ActionsFailed    int64 `json:"actions_failed"`
	ActionsSimulated int64 `json:"actions_simulated"`
}

// Driver executes or simulates mutation plans.
//
// # Description
//
// Actions run one at a time in the plan's priority order. Each action
// is bounded by its own timeout and its handler faults are recovered
// at the action boundary; a failure never aborts the remaining plan,
// but when the failed action asked for rollback-on-failure, later
// actions on the same target are skipped and a rollback intent is
// recorded under the plan's rollback key.
//
// # Thread Safety
//
// Safe for concurrent use across distinct plans. The in-flight
// registry prevents two plans from mutating one target concurrently
// only when the safety validator is wired to it.
type Driver struct {
	handlers        *HandlerRegistry
	inFlight        *inFlightRegistry
	simulationDelay time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	intents map[string][]RollbackIntent
	stats   Stats
}

// New creates a Driver.
func New(config Config) *Driver {
	if config.Handlers == nil {
		config.Handlers = NewHandlerRegistry()
	}
	if config.SimulationDelay <= 0 {
		config.SimulationDelay = 50 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		handlers:        config.Handlers,
		inFlight:        newInFlightRegistry(),
		simulationDelay: config.SimulationDelay,
		logger:          logger.With("component", "executor"),
		intents:         make(map[string][]RollbackIntent),
	}
}

// InFlightChecker exposes the driver's in-flight target registry for
// the safety validator's concurrency sub-check.
func (d *Driver) InFlightChecker() interface{ InFlight(string) bool } {
	return d.inFlight
}

// Execute runs the plan's actions in order.
//
// Inputs:
//   - ctx: Bounds the whole run; each action additionally gets its own
//     timeout derived from this context.
//   - plan: Must be pending or approved. Status and ExecutionLog are
//     mutated in place; nothing else on the plan changes.
//   - dryRun: Forces simulation for every action.
//
// Outputs:
//   - *Outcome: Executed and failed action ids. Never nil on nil error.
//   - error: ErrHandlerMissing or ErrNotValidated before any action
//     runs; nil otherwise, even when individual actions failed.
func (d *Driver) Execute(ctx context.Context, plan *planner.Plan, dryRun bool) (*Outcome, error) {
	if plan.Status != planner.StatusPending && plan.Status != planner.StatusApproved {
		return nil, fmt.Errorf("%w: %s", ErrNotValidated, plan.Status)
	}

	// Handler wiring is a startup concern; fail the whole plan before
	// touching any target rather than discovering it mid-run.
	if !dryRun {
		for _, action := range plan.Actions {
			if action.DryRun {
				continue
			}
			if _, ok := d.handlers.Lookup(action.Operation); !ok {
				return nil, fmt.Errorf("%w: %s", ErrHandlerMissing, action.Operation)
			}
		}
	}

	plan.Status = planner.StatusExecuting
	plan.AppendLog("start", fmt.Sprintf("executing %d actions, dry_run=%t", len(plan.Actions), dryRun))

	outcome := &Outcome{
		PlanID:            plan.PlanID,
		ExecutedActionIDs: []string{},
		FailedActionIDs:   []string{},
		Simulated:         dryRun,
	}
	failedTargets := map[string]bool{}

	for _, action := range plan.Actions {
		if failedTargets[action.Target] {
			outcome.FailedActionIDs = append(outcome.FailedActionIDs, action.ActionID)
			plan.AppendLog("skip", fmt.Sprintf(
				"action %s skipped: earlier failure on target %q", action.ActionID, action.Target))
			continue
		}

		detail, err := d.runAction(ctx, action, dryRun)
		if err != nil {
			d.mu.Lock()
			d.stats.ActionsFailed++
			d.mu.Unlock()
			outcome.FailedActionIDs = append(outcome.FailedActionIDs, action.ActionID)
			plan.AppendLog("fail", fmt.Sprintf("action %s failed: %v", action.ActionID, err))
			d.logger.Warn("action failed",
				"plan_id", plan.PlanID, "action_id", action.ActionID,
				"operation", action.Operation, "target", action.Target, "error", err)

			if action.RollbackOnFailure {
				failedTargets[action.Target] = true
				d.recordIntent(plan, action)
				plan.AppendLog("rollback", fmt.Sprintf(
					"rollback intent recorded for target %q under key %s", action.Target, plan.RollbackKey))
			}
			continue
		}

		outcome.ExecutedActionIDs = append(outcome.ExecutedActionIDs, action.ActionID)
		plan.AppendLog("done", fmt.Sprintf("action %s completed: %s", action.ActionID, detail))
	}

	d.mu.Lock()
	if len(outcome.FailedActionIDs) > 0 {
		plan.Status = planner.StatusFailed
		d.stats.PlansFailed++
	} else {
		plan.Status = planner.StatusCompleted
		d.stats.PlansExecuted++
	}
	d.mu.Unlock()
	plan.AppendLog("finish", fmt.Sprintf(
		"executed=%d failed=%d status=%s",
		len(outcome.ExecutedActionIDs), len(outcome.FailedActionIDs), plan.Status))

	d.logger.Info("plan execution finished",
		"plan_id", plan.PlanID,
		"executed", len(outcome.ExecutedActionIDs),
		"failed", len(outcome.FailedActionIDs),
		"simulated", dryRun,
		"status", plan.Status,
	)
	return outcome, nil
}

// runAction executes one action with timeout and fault containment.
func (d *Driver) runAction(ctx context.Context, action planner.Action, dryRun bool) (detail string, err error) {
	if dryRun || action.DryRun {
		select {
		case <-time.After(d.simulationDelay):
		case <-ctx.Done():
			return "", fmt.Errorf("simulation interrupted: %w", ctx.Err())
		}
		d.mu.Lock()
		d.stats.ActionsSimulated++
		d.mu.Unlock()
		return fmt.Sprintf("simulated %s on %s", action.Operation, action.Target), nil
	}

	handler, ok := d.handlers.Lookup(action.Operation)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHandlerMissing, action.Operation)
	}

	timeout := time.Duration(action.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.inFlight.add(action.Target)
	defer d.inFlight.remove(action.Target)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler fault: %v", r)
		}
	}()

	// Buffered so an abandoned handler goroutine can still deliver
	// its late result and exit instead of blocking forever.
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("handler fault: %v", r)}
			}
		}()
		msg, applyErr := handler.Apply(actionCtx, action)
		done <- handlerResult{detail: msg, err: applyErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		d.mu.Lock()
		d.stats.ActionsExecuted++
		d.mu.Unlock()
		return res.detail, nil
	case <-actionCtx.Done():
		// A timed-out action is failed, not retried. The handler
		// goroutine is abandoned; it sees the cancelled context.
		return "", fmt.Errorf("action timed out after %s: %w", timeout, actionCtx.Err())
	}
}

// handlerResult carries a handler's outcome across the timeout select.
type handlerResult struct {
	detail string
	err    error
}

func (d *Driver) recordIntent(plan *planner.Plan, action planner.Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents[plan.RollbackKey] = append(d.intents[plan.RollbackKey], RollbackIntent{
		PlanID:     plan.PlanID,
		ActionID:   action.ActionID,
		Target:     action.Target,
		Operation:  action.Operation,
		RecordedAt: time.Now().UTC(),
	})
}

// RollbackIntents returns the intents recorded under a rollback key.
func (d *Driver) RollbackIntents(key string) []RollbackIntent {
	d.mu.Lock()
	defer d.mu.Unlock()
	intents := make([]RollbackIntent, len(d.intents[key]))
	copy(intents, d.intents[key])
	return intents
}

// Stats returns a snapshot of the driver's counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
