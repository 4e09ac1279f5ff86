// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package safety gates mutation plans behind a battery of independent
// checks that run concurrently and fail closed.
package safety

import (
	"time"

	"github.com/calderai/metaloop/services/evolution/planner"
)

// Result is the outcome of one safety check on one plan. Never mutated
// after creation.
type Result struct {
	// CheckType names the check that produced this result.
	CheckType planner.CheckType `json:"check_type"`

	// Passed is the check's verdict.
	Passed bool `json:"passed"`

	// Score is an optional quality score in [0,1]. Nil when the check
	// has no meaningful scale.
	Score *float64 `json:"score,omitempty"`

	// Details carries structured check-specific output.
	Details map[string]any `json:"details,omitempty"`

	// Errors are the violations that caused a failure.
	Errors []string `json:"errors,omitempty"`

	// Warnings are non-fatal observations.
	Warnings []string `json:"warnings,omitempty"`

	// ExecutionTimeSeconds is how long the check ran.
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`

	// CheckedAt is when the check finished.
	CheckedAt time.Time `json:"checked_at"`
}

// Verdict is the fan-in of all requested checks for one plan.
type Verdict struct {
	// PlanID identifies the validated plan.
	PlanID string `json:"plan_id"`

	// Results holds one entry per requested check type.
	Results map[planner.CheckType]Result `json:"results"`

	// OverallPassed is the logical AND of Passed across all results.
	OverallPassed bool `json:"overall_passed"`

	// ValidatedAt is when validation finished.
	ValidatedAt time.Time `json:"validated_at"`
}

// Stats is a read-only snapshot of one validator instance's counters.
type Stats struct {
	ValidationsRun   int64      `json:"validations_run"`
	PlansRejected    int64      `json:"plans_rejected"`
	ChecksFailed     int64      `json:"checks_failed"`
	LastValidationAt *time.Time `json:"last_validation_at,omitempty"`
}

func scoreOf(v float64) *float64 { return &v }
