// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calderai/metaloop/services/evolution/planner"
)

// InFlightChecker reports whether a target currently has a mutation in
// progress. Implemented by the execution driver's registry.
type InFlightChecker interface {
	InFlight(target string) bool
}

// Config tunes one validator instance.
type Config struct {
	// CriticalTargets lists targets where a model-swap must carry
	// approval. Optional.
	CriticalTargets []string

	// InFlight is consulted by the concurrency sub-check. Optional;
	// nil skips the in-flight facet.
	InFlight InFlightChecker

	// Logger for validation runs. Default: slog.Default().
	Logger *slog.Logger
}

// Validator runs the safety check battery over mutation plans.
//
// # Description
//
// Each check requested by a plan runs in its own goroutine. A check's
// internal fault is recovered and recorded as a failed result for that
// check only; sibling checks always complete. A context deadline turns
// unfinished checks into failed timeout results instead of leaving
// them pending.
//
// # Thread Safety
//
// Safe for concurrent use; counters are guarded by one mutex and check
// execution shares no mutable state.
type Validator struct {
	critical map[string]bool
	inFlight InFlightChecker
	logger   *slog.Logger
	patterns scanPatterns

	mu    sync.Mutex
	stats Stats
}

// New creates a Validator. It fails only when the embedded scan
// pattern file is unreadable, which is a build defect.
func New(config Config) (*Validator, error) {
	patterns, err := loadScanPatterns()
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	critical := make(map[string]bool, len(config.CriticalTargets))
	for _, target := range config.CriticalTargets {
		critical[target] = true
	}
	return &Validator{
		critical: critical,
		inFlight: config.InFlight,
		logger:   logger.With("component", "safety"),
		patterns: patterns,
	}, nil
}

// Validate runs every check the plan requests and fans the results in.
//
// Inputs:
//   - ctx: Bounds the whole battery. A check still running at the
//     deadline is recorded as failed with a timeout error.
//   - plan: The plan to gate. Must be non-nil.
//
// Outputs:
//   - *Verdict: One result per requested check; OverallPassed is the
//     AND of all of them. Never nil.
func (v *Validator) Validate(ctx context.Context, plan *planner.Plan) *Verdict {
	started := time.Now()
	verdict := &Verdict{
		PlanID:  plan.PlanID,
		Results: make(map[planner.CheckType]Result, len(plan.SafetyChecks)),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, check := range plan.SafetyChecks {
		g.Go(func() error {
			result := v.runCheck(ctx, check, plan)
			mu.Lock()
			verdict.Results[check] = result
			mu.Unlock()
			return nil
		})
	}
	// Check faults are encoded in results, never as group errors.
	_ = g.Wait()

	verdict.OverallPassed = len(verdict.Results) > 0
	failed := 0
	for _, result := range verdict.Results {
		if !result.Passed {
			verdict.OverallPassed = false
			failed++
		}
	}
	verdict.ValidatedAt = time.Now().UTC()

	v.mu.Lock()
	v.stats.ValidationsRun++
	v.stats.ChecksFailed += int64(failed)
	if !verdict.OverallPassed {
		v.stats.PlansRejected++
	}
	at := verdict.ValidatedAt
	v.stats.LastValidationAt = &at
	v.mu.Unlock()

	v.logger.Info("plan validated",
		"plan_id", plan.PlanID,
		"checks", len(verdict.Results),
		"failed", failed,
		"overall_passed", verdict.OverallPassed,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return verdict
}

// Stats returns a snapshot of the validator's counters.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// runCheck dispatches one check with fault and deadline containment.
func (v *Validator) runCheck(ctx context.Context, check planner.CheckType, plan *planner.Plan) Result {
	started := time.Now()
	done := make(chan Result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				v.logger.Error("safety check recovered from fault",
					"check", check, "plan_id", plan.PlanID, "panic", r)
				done <- Result{
					CheckType: check,
					Passed:    false,
					Errors:    []string{fmt.Sprintf("check fault: %v", r)},
				}
			}
		}()
		done <- v.dispatch(check, plan)
	}()

	var result Result
	select {
	case result = <-done:
	case <-ctx.Done():
		result = Result{
			CheckType: check,
			Passed:    false,
			Errors:    []string{fmt.Sprintf("check deadline exceeded: %v", ctx.Err())},
		}
	}
	result.ExecutionTimeSeconds = time.Since(started).Seconds()
	result.CheckedAt = time.Now().UTC()
	return result
}

func (v *Validator) dispatch(check planner.CheckType, plan *planner.Plan) Result {
	switch check {
	case planner.CheckPolicyValidation:
		return v.checkPolicy(plan)
	case planner.CheckRegressionTest:
		return v.checkRegression(plan)
	case planner.CheckPerformance:
		return v.checkPerformance(plan)
	case planner.CheckCanaryDeployment:
		return v.checkCanary(plan)
	case planner.CheckSecurityScan:
		return v.checkSecurity(plan)
	default:
		return Result{
			CheckType: check,
			Passed:    false,
			Errors:    []string{fmt.Sprintf("unknown check type %q", check)},
		}
	}
}
