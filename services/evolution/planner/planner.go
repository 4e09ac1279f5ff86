// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calderai/metaloop/services/evolution/analyzer"
)

// ErrRateLimited is returned when the planner's rolling-hour plan cap
// is reached. The tick reports it as a distinct terminal status.
var ErrRateLimited = errors.New("plan creation rate limit reached")

// Config tunes one planner instance.
type Config struct {
	// MinEvents gates planning on batch size. Default: 10.
	MinEvents int

	// MaxPlansPerHour caps plans per rolling hour. Default: 10.
	MaxPlansPerHour int

	// MaxActions caps actions per plan after deduplication. Default: 3.
	MaxActions int

	// CreatedBy names this instance in produced plans.
	// Default: "mutation-planner".
	CreatedBy string

	// Logger for planning decisions. Default: slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now for tests. Default: time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the defaults described above.
func DefaultConfig() Config {
	return Config{
		MinEvents:       10,
		MaxPlansPerHour: 10,
		MaxActions:      3,
		CreatedBy:       "mutation-planner",
	}
}

// Planner synthesizes mutation plans from analysis findings.
//
// Thread Safety: safe for concurrent use. The rate-limit history and
// counters are guarded by one mutex; the history is private to this
// instance, so multi-replica deployments need an external mutual
// exclusion guard around the tick.
type Planner struct {
	config Config
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	history []time.Time // plan creation times, pruned to the rolling hour
	stats   Stats
}

// New creates a Planner.
func New(config Config) *Planner {
	if config.MinEvents <= 0 {
		config.MinEvents = 10
	}
	if config.MaxPlansPerHour <= 0 {
		config.MaxPlansPerHour = 10
	}
	if config.MaxActions <= 0 {
		config.MaxActions = 3
	}
	if config.CreatedBy == "" {
		config.CreatedBy = "mutation-planner"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Planner{
		config: config,
		logger: logger.With("component", "planner"),
		clock:  clock,
	}
}

// Plan produces a mutation plan for the findings, or nil when the
// findings do not warrant one.
//
// Outputs:
//   - *Plan: Nil when the significance gate rejects the findings or no
//     strategy produced an action.
//   - error: ErrRateLimited when the rolling-hour cap is reached; nil
//     otherwise. A nil plan with a nil error means "nothing to do".
func (p *Planner) Plan(findings *analyzer.Findings) (*Plan, error) {
	if findings == nil || !p.shouldPlan(findings) {
		p.mu.Lock()
		p.stats.PlansSuppressed++
		p.mu.Unlock()
		return nil, nil
	}

	now := p.clock()
	if !p.admit(now) {
		p.logger.Warn("plan suppressed by rate limit",
			"cap_per_hour", p.config.MaxPlansPerHour)
		return nil, ErrRateLimited
	}

	actions := p.synthesize(findings)
	if len(actions) == 0 {
		p.mu.Lock()
		p.stats.PlansSuppressed++
		p.mu.Unlock()
		return nil, nil
	}

	plan := &Plan{
		PlanID:                 uuid.NewString(),
		CreatedAt:              now.UTC(),
		CreatedBy:              p.config.CreatedBy,
		ConfidenceScore:        p.confidence(findings, actions),
		Actions:                actions,
		SafetyChecks:           selectChecks(actions),
		RollbackKey:            "rollback-" + uuid.NewString(),
		MaxRollbackTimeSeconds: 300,
		Status:                 StatusPending,
	}
	plan.Rationale = rationale(findings, actions)
	plan.ExpectedImpact = expectedImpact(actions)

	p.mu.Lock()
	p.history = append(p.history, now)
	p.stats.PlansCreated++
	at := plan.CreatedAt
	p.stats.LastPlanAt = &at
	p.mu.Unlock()

	p.logger.Info("mutation plan created",
		"plan_id", plan.PlanID,
		"actions", len(plan.Actions),
		"confidence", plan.ConfidenceScore,
		"safety_checks", len(plan.SafetyChecks),
	)
	return plan, nil
}

// Stats returns a snapshot of the planner's counters.
func (p *Planner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ----------------------------------------------------------------------------
// Gate 1: significance
// ----------------------------------------------------------------------------

// shouldPlan rejects batches that are too small or findings without a
// strong enough signal to act on.
func (p *Planner) shouldPlan(f *analyzer.Findings) bool {
	if f.EventCount < p.config.MinEvents {
		return false
	}
	if len(f.Patterns) == 0 && len(f.Issues) == 0 {
		return false
	}
	for _, pattern := range f.Patterns {
		if pattern.Confidence > 0.7 || pattern.Severity == analyzer.SeverityHigh {
			return true
		}
	}
	for _, issue := range f.Issues {
		if issue.Severity == analyzer.SeverityHigh || issue.Severity == analyzer.SeverityCritical {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// Gate 2: rolling-hour rate limit
// ----------------------------------------------------------------------------

// admit records nothing; it only checks (and prunes) the rolling
// window. The creation time is appended after a plan is actually built.
func (p *Planner) admit(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	kept := p.history[:0]
	for _, t := range p.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.history = kept

	if len(p.history) >= p.config.MaxPlansPerHour {
		p.stats.RateLimited++
		return false
	}
	return true
}

// ----------------------------------------------------------------------------
// Action synthesis
// ----------------------------------------------------------------------------

// synthesize maps each pattern through the strategy table, then sorts,
// deduplicates, and truncates.
func (p *Planner) synthesize(f *analyzer.Findings) []Action {
	var actions []Action
	for _, pattern := range f.Patterns {
		actions = append(actions, strategize(pattern)...)
	}

	// Highest priority first; stable so equal priorities keep the
	// pattern order they were derived in.
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority > actions[j].Priority
	})

	type key struct {
		target    string
		operation OperationType
	}
	seen := make(map[key]bool, len(actions))
	deduped := actions[:0]
	for _, action := range actions {
		k := key{action.Target, action.Operation}
		if seen[k] {
			continue
		}
		seen[k] = true
		deduped = append(deduped, action)
		if len(deduped) >= p.config.MaxActions {
			break
		}
	}
	return deduped
}

// strategize is the fixed pattern-to-action strategy table.
func strategize(pattern analyzer.Pattern) []Action {
	switch pattern.Type {
	case analyzer.PatternPerformanceDegradation:
		return performanceActions(pattern)
	case analyzer.PatternUserDissatisfaction:
		return dissatisfactionActions(pattern)
	case analyzer.PatternUserComplaints:
		return complaintActions(pattern)
	case analyzer.PatternAgentDominance, analyzer.PatternAgentUnderutilized:
		return routingActions(pattern)
	default:
		// peak_usage and unknown pattern types carry no mutation
		// strategy; they surface in recommendations only.
		return nil
	}
}

func performanceActions(pattern analyzer.Pattern) []Action {
	latencyChange := pattern.Metrics["latency_change"]
	successDrop := pattern.Metrics["success_drop"]
	if latencyChange <= 0.20 && successDrop <= 0.10 {
		return nil
	}

	actions := []Action{{
		ActionID:  uuid.NewString(),
		Target:    pattern.AgentID,
		Operation: OpPromptPatch,
		Args: map[string]any{
			"changes": fmt.Sprintf("tighten response constraints for %s after performance drift", pattern.AgentID),
			"reason":  pattern.Description,
		},
		Priority:          8,
		TimeoutSeconds:    60,
		RollbackOnFailure: true,
	}}

	if latencyChange > 0.50 || successDrop > 0.20 {
		actions = append(actions, Action{
			ActionID:  uuid.NewString(),
			Target:    pattern.AgentID,
			Operation: OpModelSwap,
			Args: map[string]any{
				"reason": pattern.Description,
			},
			Priority:          6,
			TimeoutSeconds:    300,
			RollbackOnFailure: true,
			RequiresApproval:  true,
		})
	}
	return actions
}

func dissatisfactionActions(pattern analyzer.Pattern) []Action {
	if pattern.Metrics["mean_rating"] >= 3.5 {
		return nil
	}
	return []Action{{
		ActionID:  uuid.NewString(),
		Target:    pattern.AgentID,
		Operation: OpPromptPatch,
		Args: map[string]any{
			"changes": fmt.Sprintf("revise tone and answer framing for %s after falling ratings", pattern.AgentID),
			"reason":  pattern.Description,
		},
		Priority:          7,
		TimeoutSeconds:    60,
		RollbackOnFailure: true,
	}}
}

// complaintActions emits one approval-required patch per complaint
// cluster. The cluster scope is folded into the target so two clusters
// on the same agent survive (target, operation) deduplication.
func complaintActions(pattern analyzer.Pattern) []Action {
	target := pattern.AgentID
	if pattern.Scope != "" {
		target = pattern.AgentID + "/" + pattern.Scope
	}
	return []Action{{
		ActionID:  uuid.NewString(),
		Target:    target,
		Operation: OpPromptPatch,
		Args: map[string]any{
			"changes": fmt.Sprintf("address complaint cluster %s on %s", pattern.Scope, pattern.AgentID),
			"reason":  pattern.Description,
		},
		Priority:          7,
		TimeoutSeconds:    60,
		RollbackOnFailure: true,
		RequiresApproval:  true,
	}}
}

func routingActions(pattern analyzer.Pattern) []Action {
	direction := "increase"
	if pattern.Type == analyzer.PatternAgentDominance {
		direction = "decrease"
	}
	return []Action{{
		ActionID:  uuid.NewString(),
		Target:    pattern.AgentID,
		Operation: OpRouteChange,
		Args: map[string]any{
			"weight_adjustment": direction,
			"traffic_share":     pattern.Metrics["traffic_share"],
			"reason":            pattern.Description,
		},
		Priority:          5,
		TimeoutSeconds:    120,
		RollbackOnFailure: true,
	}}
}

// ----------------------------------------------------------------------------
// Confidence, checks, rationale
// ----------------------------------------------------------------------------

// confidence blends mean pattern confidence, batch size, and a 0.9
// penalty per high-risk action, clamped to [0,1].
func (p *Planner) confidence(f *analyzer.Findings, actions []Action) float64 {
	base := 0.5
	if len(f.Patterns) > 0 {
		sum := 0.0
		for _, pattern := range f.Patterns {
			sum += pattern.Confidence
		}
		base = sum / float64(len(f.Patterns))
	}

	eventFactor := math.Min(float64(f.EventCount)/50.0, 1.0)

	riskFactor := 1.0
	for _, action := range actions {
		if action.Operation.HighRisk() {
			riskFactor *= 0.9
		}
	}

	score := base * eventFactor * riskFactor
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// selectChecks derives the required safety checks from the action set.
// Policy validation always runs.
func selectChecks(actions []Action) []CheckType {
	checks := []CheckType{CheckPolicyValidation}

	var hasModelOrLora, hasRouteChange, hasApproval bool
	for _, action := range actions {
		switch action.Operation {
		case OpModelSwap, OpLoraApply:
			hasModelOrLora = true
		case OpRouteChange:
			hasRouteChange = true
		}
		if action.RequiresApproval {
			hasApproval = true
		}
	}

	if hasModelOrLora {
		checks = append(checks, CheckRegressionTest, CheckPerformance)
	}
	if hasRouteChange {
		checks = append(checks, CheckCanaryDeployment)
	}
	if hasApproval {
		checks = append(checks, CheckSecurityScan)
	}
	return checks
}

func rationale(f *analyzer.Findings, actions []Action) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analyzed %d events over %.1fh.", f.EventCount, f.TimeWindowHours)

	if len(f.Patterns) > 0 {
		types := orderedUnique(func(yield func(string)) {
			for _, pattern := range f.Patterns {
				yield(pattern.Type)
			}
		})
		fmt.Fprintf(&b, " Patterns: %s.", strings.Join(types, ", "))
	}
	if len(f.Issues) > 0 {
		types := orderedUnique(func(yield func(string)) {
			for _, issue := range f.Issues {
				yield(issue.Type)
			}
		})
		fmt.Fprintf(&b, " Issues: %s.", strings.Join(types, ", "))
	}

	ops := orderedUnique(func(yield func(string)) {
		for _, action := range actions {
			yield(string(action.Operation))
		}
	})
	fmt.Fprintf(&b, " Planned: %s.", strings.Join(ops, ", "))

	if v, ok := f.PerformanceMetrics["latency_mean_ms"]; ok {
		fmt.Fprintf(&b, " Current mean latency %.0fms.", v)
	}
	if v, ok := f.PerformanceMetrics["success_rate_mean"]; ok {
		fmt.Fprintf(&b, " Current mean success rate %.2f.", v)
	}
	return b.String()
}

// impactAreas maps each operation to the improvement area it targets.
var impactAreas = map[OperationType]string{
	OpPromptPatch:   "response quality",
	OpModelSwap:     "latency and accuracy",
	OpLoraApply:     "task specialization",
	OpLoraRemove:    "model stability",
	OpParamSet:      "behavior tuning",
	OpMemoryUpdate:  "context relevance",
	OpRouteChange:   "load distribution",
	OpFeatureToggle: "feature exposure",
}

func expectedImpact(actions []Action) string {
	areas := orderedUnique(func(yield func(string)) {
		for _, action := range actions {
			if area, ok := impactAreas[action.Operation]; ok {
				yield(area)
			}
		}
	})
	if len(areas) == 0 {
		return "no measurable impact expected"
	}
	return "Expected improvements in: " + strings.Join(areas, ", ")
}

// orderedUnique collects yielded strings, deduplicated, first-seen order.
func orderedUnique(produce func(yield func(string))) []string {
	seen := map[string]bool{}
	var out []string
	produce(func(s string) {
		if seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	})
	return out
}
