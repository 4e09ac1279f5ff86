// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package planner turns analysis findings into bounded, prioritized,
// risk-scored mutation plans.
package planner

import "time"

// ============================================================================
// Operation types
// ============================================================================

// OperationType is the closed set of mutation operations a plan may
// request. Operations are opaque to the evolution core; each carries an
// implicit risk tier used for confidence scoring and safety gating.
type OperationType string

const (
	OpPromptPatch   OperationType = "prompt-patch"
	OpModelSwap     OperationType = "model-swap"
	OpLoraApply     OperationType = "lora-apply"
	OpLoraRemove    OperationType = "lora-remove"
	OpParamSet      OperationType = "param-set"
	OpMemoryUpdate  OperationType = "memory-update"
	OpRouteChange   OperationType = "route-change"
	OpFeatureToggle OperationType = "feature-toggle"
)

// knownOperations is the closed set accepted in plans.
var knownOperations = map[OperationType]bool{
	OpPromptPatch:   true,
	OpModelSwap:     true,
	OpLoraApply:     true,
	OpLoraRemove:    true,
	OpParamSet:      true,
	OpMemoryUpdate:  true,
	OpRouteChange:   true,
	OpFeatureToggle: true,
}

// Valid reports whether op is a known operation type.
func (op OperationType) Valid() bool {
	return knownOperations[op]
}

// highRiskOperations multiply down plan confidence and trigger the
// heavier safety checks.
var highRiskOperations = map[OperationType]bool{
	OpModelSwap:   true,
	OpLoraApply:   true,
	OpRouteChange: true,
}

// HighRisk reports whether op is in the high-risk tier.
func (op OperationType) HighRisk() bool {
	return highRiskOperations[op]
}

// ============================================================================
// Safety check types
// ============================================================================

// CheckType names a safety check a plan requires before execution.
type CheckType string

const (
	CheckPolicyValidation CheckType = "policy-validation"
	CheckRegressionTest   CheckType = "regression-test"
	CheckPerformance      CheckType = "performance-check"
	CheckCanaryDeployment CheckType = "canary-deployment"
	CheckSecurityScan     CheckType = "security-scan"
)

// ============================================================================
// Plan model
// ============================================================================

// PlanStatus tracks a plan through its lifecycle. Only the execution
// driver moves a plan past "approved".
type PlanStatus string

const (
	StatusPending    PlanStatus = "pending"
	StatusApproved   PlanStatus = "approved"
	StatusExecuting  PlanStatus = "executing"
	StatusCompleted  PlanStatus = "completed"
	StatusFailed     PlanStatus = "failed"
	StatusRolledBack PlanStatus = "rolled_back"
)

// Action is one typed change to a single target resource.
type Action struct {
	// ActionID uniquely identifies the action within its plan.
	ActionID string `json:"action_id"`

	// Target is the opaque addressable resource the action mutates,
	// e.g. an agent id, optionally narrowed with a "/scope" suffix.
	Target string `json:"target"`

	// Operation is the mutation operation type.
	Operation OperationType `json:"operation"`

	// Args is the operation-specific payload.
	Args map[string]any `json:"args,omitempty"`

	// Priority orders execution, 10 executed first, minimum 1.
	Priority int `json:"priority"`

	// TimeoutSeconds bounds the action's own execution.
	TimeoutSeconds int `json:"timeout_seconds"`

	// RollbackOnFailure asks the driver to record a rollback intent and
	// skip dependent same-target actions when this action fails.
	RollbackOnFailure bool `json:"rollback_on_failure"`

	// RequiresApproval marks higher-stakes actions for human sign-off.
	RequiresApproval bool `json:"requires_approval"`

	// DryRun forces simulation for this action regardless of the
	// plan-level mode.
	DryRun bool `json:"dry_run"`
}

// LogEntry is one append-only execution log record on a plan.
type LogEntry struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// Plan is a bounded, prioritized set of mutation actions together with
// the safety checks that must pass before any of them run.
//
// A Plan is created once by the Planner; after that only Status and
// ExecutionLog change, and only the execution driver changes them.
type Plan struct {
	// PlanID uniquely identifies the plan.
	PlanID string `json:"plan_id"`

	// CreatedAt is when the planner produced the plan.
	CreatedAt time.Time `json:"created_at"`

	// CreatedBy names the producing planner instance.
	CreatedBy string `json:"created_by"`

	// Rationale is the human-readable derivation trace.
	Rationale string `json:"rationale"`

	// ConfidenceScore is the planner's confidence in [0,1].
	ConfidenceScore float64 `json:"confidence_score"`

	// ExpectedImpact summarizes the improvement areas targeted.
	ExpectedImpact string `json:"expected_impact"`

	// Actions are deduplicated by (target, operation) and sorted by
	// priority descending; ties keep insertion order.
	Actions []Action `json:"actions"`

	// SafetyChecks is the set of checks required before execution.
	SafetyChecks []CheckType `json:"safety_checks"`

	// RollbackKey keys rollback intents recorded during execution.
	RollbackKey string `json:"rollback_key"`

	// MaxRollbackTimeSeconds bounds how long a rollback may take.
	MaxRollbackTimeSeconds int `json:"max_rollback_time_seconds"`

	// Status is the lifecycle state.
	Status PlanStatus `json:"status"`

	// ExecutionLog is append-only.
	ExecutionLog []LogEntry `json:"execution_log,omitempty"`
}

// RequiresCheck reports whether the plan requests the given check.
func (p *Plan) RequiresCheck(check CheckType) bool {
	for _, c := range p.SafetyChecks {
		if c == check {
			return true
		}
	}
	return false
}

// AppendLog appends one execution log record.
func (p *Plan) AppendLog(stage, message string) {
	p.ExecutionLog = append(p.ExecutionLog, LogEntry{
		At:      time.Now().UTC(),
		Stage:   stage,
		Message: message,
	})
}

// Stats is a read-only snapshot of one planner instance's counters.
type Stats struct {
	PlansCreated    int64      `json:"plans_created"`
	PlansSuppressed int64      `json:"plans_suppressed"`
	RateLimited     int64      `json:"rate_limited"`
	LastPlanAt      *time.Time `json:"last_plan_at,omitempty"`
}
