// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"fmt"

	"github.com/calderai/metaloop/services/evolution/planner"
)

// Plan-level policy limits.
const (
	maxPlanActions       = 10
	maxActionPriority    = 10
	maxActionTimeoutSecs = 600

	memoryBudgetMB = 4096
	cpuBudget      = 0.5

	minRollbackKeyLen   = 10
	minRollbackTimeSecs = 60
	maxRollbackTimeSecs = 3600
)

// Estimated per-operation resource deltas used by the resource-safety
// sub-check. Deliberately pessimistic.
var resourceCost = map[planner.OperationType]struct {
	memoryMB float64
	cpu      float64
}{
	planner.OpModelSwap:     {memoryMB: 2048, cpu: 0.25},
	planner.OpLoraApply:     {memoryMB: 512, cpu: 0.10},
	planner.OpLoraRemove:    {memoryMB: 0, cpu: 0.05},
	planner.OpPromptPatch:   {memoryMB: 16, cpu: 0.01},
	planner.OpParamSet:      {memoryMB: 16, cpu: 0.01},
	planner.OpMemoryUpdate:  {memoryMB: 128, cpu: 0.02},
	planner.OpRouteChange:   {memoryMB: 32, cpu: 0.02},
	planner.OpFeatureToggle: {memoryMB: 8, cpu: 0.01},
}

// conflictPairs lists operation pairs that must not hit the same target
// within one plan. Both orderings are checked.
var conflictPairs = map[planner.OperationType][]planner.OperationType{
	planner.OpLoraApply:  {planner.OpLoraRemove, planner.OpModelSwap},
	planner.OpLoraRemove: {planner.OpLoraApply, planner.OpModelSwap},
	planner.OpModelSwap:  {planner.OpLoraApply, planner.OpLoraRemove},
}

// mediumRiskOperations sit between the high-risk set and the benign
// rest for impact scoring.
var mediumRiskOperations = map[planner.OperationType]bool{
	planner.OpLoraRemove:    true,
	planner.OpParamSet:      true,
	planner.OpFeatureToggle: true,
}

// subCheck is one named facet of the policy validation.
type subCheck struct {
	name       string
	violations []string
	warnings   []string
}

func (s *subCheck) violatef(format string, args ...any) {
	s.violations = append(s.violations, fmt.Sprintf(format, args...))
}

func (s *subCheck) warnf(format string, args ...any) {
	s.warnings = append(s.warnings, fmt.Sprintf(format, args...))
}

// checkPolicy runs the five policy sub-checks and aggregates them into
// one result. The aggregate passes only if no sub-check found a
// violation.
func (v *Validator) checkPolicy(plan *planner.Plan) Result {
	subChecks := []*subCheck{
		v.checkCompliance(plan),
		v.checkResources(plan),
		v.checkConcurrency(plan),
		v.checkRollback(plan),
		v.checkImpactRisk(plan),
	}

	result := Result{
		CheckType: planner.CheckPolicyValidation,
		Passed:    true,
		Details:   map[string]any{},
	}
	for _, sc := range subChecks {
		result.Details[sc.name] = map[string]any{
			"passed":     len(sc.violations) == 0,
			"violations": len(sc.violations),
			"warnings":   len(sc.warnings),
		}
		if len(sc.violations) > 0 {
			result.Passed = false
			result.Errors = append(result.Errors, sc.violations...)
		}
		result.Warnings = append(result.Warnings, sc.warnings...)
	}
	return result
}

// checkCompliance enforces plan-shape limits and the critical-target
// approval rule.
func (v *Validator) checkCompliance(plan *planner.Plan) *subCheck {
	sc := &subCheck{name: "policy_compliance"}

	if len(plan.Actions) > maxPlanActions {
		sc.violatef("plan has %d actions, limit is %d", len(plan.Actions), maxPlanActions)
	}
	for _, action := range plan.Actions {
		if !action.Operation.Valid() {
			sc.violatef("action %s has unknown operation %q", action.ActionID, action.Operation)
		}
		if action.Priority < 1 || action.Priority > maxActionPriority {
			sc.violatef("action %s priority %d outside [1,%d]", action.ActionID, action.Priority, maxActionPriority)
		}
		if action.TimeoutSeconds > maxActionTimeoutSecs {
			sc.violatef("action %s timeout %ds exceeds %ds", action.ActionID, action.TimeoutSeconds, maxActionTimeoutSecs)
		}
		if action.Operation == planner.OpModelSwap && !action.RequiresApproval && v.critical[action.Target] {
			sc.violatef("unapproved model-swap on critical target %q", action.Target)
		}
	}
	return sc
}

// checkResources sums estimated memory/CPU deltas against fixed budgets.
func (v *Validator) checkResources(plan *planner.Plan) *subCheck {
	sc := &subCheck{name: "resource_safety"}

	var totalMemory, totalCPU float64
	for _, action := range plan.Actions {
		cost := resourceCost[action.Operation]
		totalMemory += cost.memoryMB
		totalCPU += cost.cpu
	}
	if totalMemory > memoryBudgetMB {
		sc.violatef("estimated memory delta %.0fMB exceeds budget %dMB", totalMemory, memoryBudgetMB)
	}
	if totalCPU > cpuBudget {
		sc.violatef("estimated CPU delta %.2f exceeds budget %.2f", totalCPU, cpuBudget)
	}
	if totalMemory > memoryBudgetMB/2 {
		sc.warnf("estimated memory delta %.0fMB is over half the budget", totalMemory)
	}
	return sc
}

// checkConcurrency rejects intra-plan conflicting operations on one
// target and targets that already have an in-flight mutation.
func (v *Validator) checkConcurrency(plan *planner.Plan) *subCheck {
	sc := &subCheck{name: "concurrency_safety"}

	byTarget := map[string][]planner.OperationType{}
	for _, action := range plan.Actions {
		byTarget[action.Target] = append(byTarget[action.Target], action.Operation)
	}
	for target, ops := range byTarget {
		for i, op := range ops {
			for _, other := range ops[i+1:] {
				if conflicts(op, other) {
					sc.violatef("conflicting operations %s and %s on target %q", op, other, target)
				}
			}
		}
	}

	if v.inFlight != nil {
		for _, action := range plan.Actions {
			if v.inFlight.InFlight(action.Target) {
				sc.violatef("target %q already has an in-flight mutation", action.Target)
			}
		}
	}
	return sc
}

func conflicts(a, b planner.OperationType) bool {
	for _, other := range conflictPairs[a] {
		if other == b {
			return true
		}
	}
	return false
}

// checkRollback verifies the plan can actually be undone.
func (v *Validator) checkRollback(plan *planner.Plan) *subCheck {
	sc := &subCheck{name: "rollback_viability"}

	if len(plan.RollbackKey) < minRollbackKeyLen {
		sc.violatef("rollback key %q shorter than %d characters", plan.RollbackKey, minRollbackKeyLen)
	}
	if plan.MaxRollbackTimeSeconds < minRollbackTimeSecs || plan.MaxRollbackTimeSeconds > maxRollbackTimeSecs {
		sc.violatef("max rollback time %ds outside [%d,%d]s",
			plan.MaxRollbackTimeSeconds, minRollbackTimeSecs, maxRollbackTimeSecs)
	}
	for _, action := range plan.Actions {
		// lora-remove has no safe inverse once the adapter is gone.
		if action.Operation == planner.OpLoraRemove && !action.DryRun {
			sc.violatef("action %s: %s without dry_run is not reversible", action.ActionID, action.Operation)
		}
	}
	return sc
}

// checkImpactRisk scores the plan's blast radius into low/medium/high.
// High fails the sub-check; medium passes with a warning.
func (v *Validator) checkImpactRisk(plan *planner.Plan) *subCheck {
	sc := &subCheck{name: "impact_risk"}

	score := 0
	for _, action := range plan.Actions {
		switch {
		case action.Operation.HighRisk():
			score += 3
		case mediumRiskOperations[action.Operation]:
			score += 2
		}
		if action.RequiresApproval {
			score += 2
		}
	}
	if plan.ConfidenceScore < 0.5 {
		score += 2
	}
	if len(plan.Actions) > 5 {
		score += 2
	}

	switch {
	case score >= 9:
		sc.violatef("impact risk high (score %d); plan blocked", score)
	case score >= 5:
		sc.warnf("impact risk medium (score %d); proceed with monitoring", score)
	}
	return sc
}
