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
	"testing"
	"time"

	"github.com/calderai/metaloop/services/evolution/analyzer"
)

// degradationFindings mirrors what the analyzer produces for an agent
// whose latency doubled and success rate fell 15.8%.
func degradationFindings(agentID string) *analyzer.Findings {
	return &analyzer.Findings{
		AnalysisID:      "analysis-1",
		AnalyzedAt:      time.Now(),
		EventCount:      60,
		TimeWindowHours: 24,
		Patterns: []analyzer.Pattern{{
			Type:       analyzer.PatternPerformanceDegradation,
			AgentID:    agentID,
			Severity:   analyzer.SeverityHigh,
			Confidence: 1.0,
			Metrics: map[string]float64{
				"latency_change": 1.0,
				"success_drop":   0.158,
			},
		}},
		PerformanceMetrics: map[string]float64{
			"latency_mean_ms":   300,
			"success_rate_mean": 0.875,
		},
		Issues: []analyzer.Issue{{
			Type:     analyzer.PatternPerformanceDegradation,
			AgentID:  agentID,
			Severity: analyzer.SeverityHigh,
		}},
	}
}

func TestPlanSevereDegradation(t *testing.T) {
	p := New(DefaultConfig())
	plan, err := p.Plan(degradationFindings("agent_1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan == nil {
		t.Fatal("expected a plan for severe degradation")
	}

	t.Run("Actions", func(t *testing.T) {
		if len(plan.Actions) != 2 {
			t.Fatalf("expected 2 actions, got %d", len(plan.Actions))
		}
		patch := plan.Actions[0]
		if patch.Operation != OpPromptPatch || patch.Priority != 8 || patch.Target != "agent_1" {
			t.Errorf("expected prompt-patch priority 8 on agent_1 first, got %+v", patch)
		}
		swap := plan.Actions[1]
		if swap.Operation != OpModelSwap || swap.Priority != 6 || !swap.RequiresApproval {
			t.Errorf("expected approval-required model-swap priority 6 second, got %+v", swap)
		}
	})

	t.Run("SafetyChecks", func(t *testing.T) {
		for _, check := range []CheckType{
			CheckPolicyValidation, CheckRegressionTest, CheckPerformance, CheckSecurityScan,
		} {
			if !plan.RequiresCheck(check) {
				t.Errorf("expected check %s to be required", check)
			}
		}
		if plan.RequiresCheck(CheckCanaryDeployment) {
			t.Error("canary deployment requires a route-change action")
		}
	})

	t.Run("Confidence", func(t *testing.T) {
		// mean confidence 1.0, full event factor, one high-risk action.
		want := 0.9
		if diff := plan.ConfidenceScore - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("confidence = %v, want %v", plan.ConfidenceScore, want)
		}
	})

	t.Run("Shape", func(t *testing.T) {
		if plan.Status != StatusPending {
			t.Errorf("new plan must be pending, got %s", plan.Status)
		}
		if len(plan.RollbackKey) < 10 {
			t.Errorf("rollback key too short: %q", plan.RollbackKey)
		}
		if plan.MaxRollbackTimeSeconds != 300 {
			t.Errorf("expected default rollback time 300, got %d", plan.MaxRollbackTimeSeconds)
		}
		if plan.Rationale == "" || plan.ExpectedImpact == "" {
			t.Error("rationale and expected impact must be populated")
		}
	})
}

func TestPlanSignificanceGate(t *testing.T) {
	p := New(DefaultConfig())

	t.Run("TooFewEvents", func(t *testing.T) {
		f := degradationFindings("agent_1")
		f.EventCount = 5
		plan, err := p.Plan(f)
		if plan != nil || err != nil {
			t.Errorf("expected nil plan and nil error, got %v / %v", plan, err)
		}
	})

	t.Run("NoFindings", func(t *testing.T) {
		f := &analyzer.Findings{EventCount: 100}
		plan, err := p.Plan(f)
		if plan != nil || err != nil {
			t.Errorf("expected nil plan and nil error, got %v / %v", plan, err)
		}
	})

	t.Run("WeakSignalOnly", func(t *testing.T) {
		f := &analyzer.Findings{
			EventCount: 100,
			Patterns: []analyzer.Pattern{{
				Type:       analyzer.PatternPeakUsage,
				Severity:   analyzer.SeverityLow,
				Confidence: 0.3,
			}},
		}
		plan, err := p.Plan(f)
		if plan != nil || err != nil {
			t.Errorf("expected nil plan and nil error, got %v / %v", plan, err)
		}
	})

	t.Run("NilFindings", func(t *testing.T) {
		plan, err := p.Plan(nil)
		if plan != nil || err != nil {
			t.Errorf("expected nil plan and nil error, got %v / %v", plan, err)
		}
	})
}

func TestPlanRateLimit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	config := DefaultConfig()
	config.Clock = func() time.Time { return now }
	p := New(config)

	for i := 0; i < 10; i++ {
		plan, err := p.Plan(degradationFindings(fmt.Sprintf("agent_%d", i)))
		if err != nil || plan == nil {
			t.Fatalf("plan %d should be admitted: %v", i+1, err)
		}
		now = now.Add(time.Minute)
	}

	t.Run("EleventhBlocked", func(t *testing.T) {
		plan, err := p.Plan(degradationFindings("agent_blocked"))
		if !errors.Is(err, ErrRateLimited) {
			t.Errorf("expected ErrRateLimited, got %v", err)
		}
		if plan != nil {
			t.Error("blocked call must return a nil plan")
		}
		if p.Stats().RateLimited != 1 {
			t.Errorf("expected 1 rate-limited call, got %d", p.Stats().RateLimited)
		}
	})

	t.Run("WindowSlides", func(t *testing.T) {
		now = now.Add(2 * time.Hour)
		plan, err := p.Plan(degradationFindings("agent_later"))
		if err != nil || plan == nil {
			t.Errorf("expected admission after the window slid: %v", err)
		}
	})
}

func TestPlanDeduplicationAndCap(t *testing.T) {
	f := &analyzer.Findings{
		EventCount: 100,
		Patterns: []analyzer.Pattern{
			{
				Type: analyzer.PatternPerformanceDegradation, AgentID: "agent_a",
				Severity: analyzer.SeverityHigh, Confidence: 0.9,
				Metrics: map[string]float64{"latency_change": 0.3},
			},
			// Same agent flagged again: prompt-patch must dedupe.
			{
				Type: analyzer.PatternPerformanceDegradation, AgentID: "agent_a",
				Severity: analyzer.SeverityHigh, Confidence: 0.8,
				Metrics: map[string]float64{"latency_change": 0.25},
			},
			{
				Type: analyzer.PatternUserDissatisfaction, AgentID: "agent_b",
				Severity: analyzer.SeverityHigh, Confidence: 0.9,
				Metrics: map[string]float64{"mean_rating": 2.0},
			},
			{
				Type: analyzer.PatternAgentDominance, AgentID: "agent_c",
				Severity: analyzer.SeverityMedium, Confidence: 0.8,
				Metrics: map[string]float64{"traffic_share": 0.6},
			},
			{
				Type: analyzer.PatternAgentUnderutilized, AgentID: "agent_d",
				Severity: analyzer.SeverityLow, Confidence: 0.8,
				Metrics: map[string]float64{"traffic_share": 0.02},
			},
		},
	}

	plan, err := New(DefaultConfig()).Plan(f)
	if err != nil || plan == nil {
		t.Fatalf("expected a plan: %v", err)
	}

	if len(plan.Actions) > 3 {
		t.Errorf("action cap exceeded: %d", len(plan.Actions))
	}
	seen := map[string]bool{}
	for i, action := range plan.Actions {
		key := action.Target + "|" + string(action.Operation)
		if seen[key] {
			t.Errorf("duplicate (target, operation): %s", key)
		}
		seen[key] = true
		if i > 0 && plan.Actions[i-1].Priority < action.Priority {
			t.Errorf("actions not sorted by priority descending at index %d", i)
		}
	}
}

func TestPlanComplaintClustersKeepDistinctTargets(t *testing.T) {
	f := &analyzer.Findings{
		EventCount: 50,
		Patterns: []analyzer.Pattern{
			{
				Type: analyzer.PatternUserComplaints, AgentID: "agent_x",
				Scope: "category:accuracy", Severity: analyzer.SeverityHigh, Confidence: 0.8,
				Metrics: map[string]float64{"complaint_count": 6},
			},
			{
				Type: analyzer.PatternUserComplaints, AgentID: "agent_x",
				Scope: "category:tone", Severity: analyzer.SeverityMedium, Confidence: 0.8,
				Metrics: map[string]float64{"complaint_count": 4},
			},
		},
	}

	plan, err := New(DefaultConfig()).Plan(f)
	if err != nil || plan == nil {
		t.Fatalf("expected a plan: %v", err)
	}
	if len(plan.Actions) != 2 {
		t.Fatalf("expected one action per cluster, got %d", len(plan.Actions))
	}
	if plan.Actions[0].Target == plan.Actions[1].Target {
		t.Errorf("cluster targets must stay distinct, both %q", plan.Actions[0].Target)
	}
	for _, action := range plan.Actions {
		if !action.RequiresApproval {
			t.Errorf("complaint-cluster patches require approval: %+v", action)
		}
	}
	if !plan.RequiresCheck(CheckSecurityScan) {
		t.Error("approval-required actions must pull in the security scan")
	}
}

func TestPlanIdempotentActionSets(t *testing.T) {
	f := degradationFindings("agent_1")
	p := New(DefaultConfig())

	first, err := p.Plan(f)
	if err != nil || first == nil {
		t.Fatalf("first plan failed: %v", err)
	}
	second, err := p.Plan(f)
	if err != nil || second == nil {
		t.Fatalf("second plan failed: %v", err)
	}

	keys := func(plan *Plan) map[string]bool {
		out := map[string]bool{}
		for _, action := range plan.Actions {
			out[action.Target+"|"+string(action.Operation)] = true
		}
		return out
	}
	a, b := keys(first), keys(second)
	if len(a) != len(b) {
		t.Fatalf("action set sizes differ: %d vs %d", len(a), len(b))
	}
	for k := range a {
		if !b[k] {
			t.Errorf("second plan missing %s", k)
		}
	}
}

func TestPlanConfidenceClamped(t *testing.T) {
	f := degradationFindings("agent_1")
	f.Patterns[0].Confidence = 5.0 // out-of-range input must still clamp
	plan, err := New(DefaultConfig()).Plan(f)
	if err != nil || plan == nil {
		t.Fatalf("expected a plan: %v", err)
	}
	if plan.ConfidenceScore < 0 || plan.ConfidenceScore > 1 {
		t.Errorf("confidence out of range: %v", plan.ConfidenceScore)
	}
}

func TestPlannerStats(t *testing.T) {
	p := New(DefaultConfig())

	if _, err := p.Plan(degradationFindings("agent_1")); err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if _, err := p.Plan(&analyzer.Findings{EventCount: 1}); err != nil {
		t.Fatalf("suppressed plan errored: %v", err)
	}

	stats := p.Stats()
	if stats.PlansCreated != 1 {
		t.Errorf("PlansCreated = %d, want 1", stats.PlansCreated)
	}
	if stats.PlansSuppressed != 1 {
		t.Errorf("PlansSuppressed = %d, want 1", stats.PlansSuppressed)
	}
	if stats.LastPlanAt == nil {
		t.Error("LastPlanAt must be set after a plan")
	}
}
