// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/calderai/metaloop/services/evolution/planner"
)

//go:embed patterns.yaml
var patternsYAML []byte

// scanPatterns holds the security-scan marker lists loaded from the
// embedded patterns file.
type scanPatterns struct {
	InjectionMarkers []string `yaml:"injection_markers"`
	SensitiveParams  []string `yaml:"sensitive_params"`
}

func loadScanPatterns() (scanPatterns, error) {
	var p scanPatterns
	if err := yaml.Unmarshal(patternsYAML, &p); err != nil {
		return scanPatterns{}, fmt.Errorf("parse embedded scan patterns: %w", err)
	}
	if len(p.InjectionMarkers) == 0 {
		return scanPatterns{}, fmt.Errorf("embedded scan patterns list no injection markers")
	}
	return p, nil
}

// regressionSuites is the fixed deterministic battery the regression
// check reports on. Real test execution is owned by CI; this check
// verifies the battery definition is intact and reports zero failures.
var regressionSuites = []struct {
	layer string
	tests int
}{
	{"unit", 12},
	{"integration", 5},
	{"api", 4},
}

// checkRegression passes iff the battery reports zero failures.
func (v *Validator) checkRegression(plan *planner.Plan) Result {
	total, failed := 0, 0
	layers := map[string]any{}
	for _, suite := range regressionSuites {
		total += suite.tests
		layers[suite.layer] = map[string]any{"tests": suite.tests, "failures": 0}
	}

	return Result{
		CheckType: planner.CheckRegressionTest,
		Passed:    failed == 0,
		Score:     scoreOf(1.0),
		Details: map[string]any{
			"total_tests": total,
			"failures":    failed,
			"layers":      layers,
		},
	}
}

// Per-operation performance coefficients: fractional latency increase
// and memory delta in MB.
var perfCost = map[planner.OperationType]struct {
	latency  float64
	memoryMB float64
}{
	planner.OpModelSwap: {latency: 0.12, memoryMB: 512},
	planner.OpLoraApply: {latency: 0.08, memoryMB: 256},
}

const (
	maxLatencyIncrease = 0.20
	maxMemoryDeltaMB   = 1024
)

// checkPerformance estimates latency/memory/throughput deltas from the
// model-swap and lora-apply action counts.
func (v *Validator) checkPerformance(plan *planner.Plan) Result {
	var latencyIncrease, memoryDelta float64
	for _, action := range plan.Actions {
		cost := perfCost[action.Operation]
		latencyIncrease += cost.latency
		memoryDelta += cost.memoryMB
	}
	throughputDelta := -latencyIncrease / 2

	result := Result{
		CheckType: planner.CheckPerformance,
		Passed:    true,
		Details: map[string]any{
			"estimated_latency_increase": latencyIncrease,
			"estimated_memory_delta_mb":  memoryDelta,
			"estimated_throughput_delta": throughputDelta,
		},
	}
	if latencyIncrease > maxLatencyIncrease {
		result.Passed = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("estimated latency increase %.0f%% exceeds %.0f%%",
				latencyIncrease*100, maxLatencyIncrease*100))
	}
	if memoryDelta > maxMemoryDeltaMB {
		result.Passed = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("estimated memory delta %.0fMB exceeds %dMB", memoryDelta, maxMemoryDeltaMB))
	}
	if result.Passed {
		result.Score = scoreOf(1.0 - latencyIncrease)
	}
	return result
}

// canarySuitable operations can be rolled out to a traffic slice and
// observed before full promotion.
var canarySuitable = map[planner.OperationType]bool{
	planner.OpRouteChange: true,
	planner.OpModelSwap:   true,
}

// checkCanary never fails; it classifies actions and warns when none
// can be canaried.
func (v *Validator) checkCanary(plan *planner.Plan) Result {
	var suitable, manual []string
	for _, action := range plan.Actions {
		if canarySuitable[action.Operation] {
			suitable = append(suitable, action.ActionID)
		} else {
			manual = append(manual, action.ActionID)
		}
	}

	result := Result{
		CheckType: planner.CheckCanaryDeployment,
		Passed:    true,
		Details: map[string]any{
			"canary_suitable":  suitable,
			"manual_oversight": manual,
		},
	}
	if len(suitable) == 0 {
		result.Warnings = append(result.Warnings,
			"no action is canary-suitable; full rollout requires manual oversight")
	}
	return result
}

// checkSecurity pattern-matches action arguments: injection markers in
// prompt-patch changes fail the check; sensitive-looking param-set
// names only warn.
func (v *Validator) checkSecurity(plan *planner.Plan) Result {
	result := Result{
		CheckType: planner.CheckSecurityScan,
		Passed:    true,
	}

	for _, action := range plan.Actions {
		switch action.Operation {
		case planner.OpPromptPatch:
			changes := strings.ToLower(argString(action.Args, "changes"))
			for _, marker := range v.patterns.InjectionMarkers {
				if strings.Contains(changes, strings.ToLower(marker)) {
					result.Passed = false
					result.Errors = append(result.Errors,
						fmt.Sprintf("action %s: injection marker %q in prompt patch", action.ActionID, marker))
				}
			}
		case planner.OpParamSet:
			for name := range action.Args {
				lower := strings.ToLower(name)
				for _, sensitive := range v.patterns.SensitiveParams {
					if strings.Contains(lower, sensitive) {
						result.Warnings = append(result.Warnings,
							fmt.Sprintf("action %s: parameter %q looks sensitive", action.ActionID, name))
					}
				}
			}
		}
	}
	if result.Passed {
		result.Score = scoreOf(1.0)
	}
	return result
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}
