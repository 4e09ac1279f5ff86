// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analyzer turns batches of feedback events into statistically
// backed findings.
//
// # Description
//
// Three independent detectors run over the same batch and their outputs
// are concatenated: performance degradation (latency/success-rate drift
// against each agent's own baseline), user dissatisfaction (rating
// levels and trends, complaint clusters), and usage patterns (hourly
// peaks, traffic-share skew). On top of the patterns the analyzer
// derives aggregate performance metrics, issues (one per high-severity
// pattern), capped deduplicated recommendations, and 95% confidence
// intervals for the main metrics.
//
// # Thread Safety
//
// Analyzer is stateless between calls and safe for concurrent use.
package analyzer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calderai/metaloop/services/evolution/feedback"
)

// MaxRecommendations caps the recommendation list.
const MaxRecommendations = 10

// Config tunes the detectors.
type Config struct {
	// MinPerformanceSamples is the minimum per-agent observations
	// before degradation detection runs. Default: 5.
	MinPerformanceSamples int

	// MinRatingSamples is the minimum per-agent ratings before
	// dissatisfaction detection runs. Default: 3.
	MinRatingSamples int

	// MinComplaints is the complaint-cluster threshold. Default: 3.
	MinComplaints int

	// Logger for analysis runs. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the thresholds described above.
func DefaultConfig() Config {
	return Config{
		MinPerformanceSamples: 5,
		MinRatingSamples:      3,
		MinComplaints:         3,
	}
}

// Analyzer runs the detector battery over event batches.
type Analyzer struct {
	config Config
	logger *slog.Logger
}

// New creates an Analyzer.
func New(config Config) *Analyzer {
	if config.MinPerformanceSamples <= 0 {
		config.MinPerformanceSamples = 5
	}
	if config.MinRatingSamples <= 0 {
		config.MinRatingSamples = 3
	}
	if config.MinComplaints <= 0 {
		config.MinComplaints = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		config: config,
		logger: logger.With("component", "analyzer"),
	}
}

// Analyze produces findings for an event batch.
//
// Analyze always returns a complete, well-formed Findings value: an
// empty batch yields zeroed findings, and an internal fault is caught
// at this boundary and reported through Findings.Error so the calling
// tick can finish with a terminal status.
//
// Inputs:
//   - events: Decoded feedback events. May be empty.
//   - windowHours: The time window the batch covers.
//
// Outputs:
//   - *Findings: Never nil.
func (a *Analyzer) Analyze(events []*feedback.Event, windowHours float64) (findings *Findings) {
	started := time.Now()
	findings = &Findings{
		AnalysisID:          uuid.NewString(),
		AnalyzedAt:          started,
		EventCount:          len(events),
		TimeWindowHours:     windowHours,
		Patterns:            []Pattern{},
		PerformanceMetrics:  map[string]float64{},
		Issues:              []Issue{},
		Recommendations:     []string{},
		ConfidenceIntervals: map[string]ConfidenceInterval{},
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("analyzer recovered from internal fault", "panic", r)
			findings.Error = fmt.Sprintf("analysis fault: %v", r)
		}
	}()

	if len(events) == 0 {
		return findings
	}

	b := prepare(events)

	findings.Patterns = append(findings.Patterns,
		detectPerformanceDegradation(b, a.config.MinPerformanceSamples)...)
	findings.Patterns = append(findings.Patterns,
		detectUserDissatisfaction(b, a.config.MinRatingSamples, a.config.MinComplaints)...)
	findings.Patterns = append(findings.Patterns,
		detectUsagePatterns(b)...)

	findings.PerformanceMetrics = aggregateMetrics(events, b)
	findings.Issues = deriveIssues(findings.Patterns)
	findings.Recommendations = recommend(findings.Patterns, findings.PerformanceMetrics)
	findings.ConfidenceIntervals = intervals(events)

	a.logger.Info("analysis completed",
		"analysis_id", findings.AnalysisID,
		"event_count", findings.EventCount,
		"patterns", len(findings.Patterns),
		"issues", len(findings.Issues),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return findings
}

// aggregateMetrics computes the flat numeric summary of the batch.
func aggregateMetrics(events []*feedback.Event, b *batch) map[string]float64 {
	metrics := make(map[string]float64)

	var latencies, successes, ratings []float64
	satisfied := 0
	for _, ev := range events {
		if ev.Implicit != nil {
			if ev.Implicit.ResponseTimeMS != nil {
				latencies = append(latencies, *ev.Implicit.ResponseTimeMS)
			}
			if ev.Implicit.SuccessRate != nil {
				successes = append(successes, *ev.Implicit.SuccessRate)
			}
		}
		if ev.Explicit != nil && ev.Explicit.Rating != nil {
			ratings = append(ratings, *ev.Explicit.Rating)
			if *ev.Explicit.Rating >= 4 {
				satisfied++
			}
		}
	}

	if len(latencies) > 0 {
		metrics["latency_mean_ms"] = mean(latencies)
		metrics["latency_median_ms"] = median(latencies)
		metrics["latency_p95_ms"] = percentile(latencies, 95)
	}
	if len(successes) > 0 {
		metrics["success_rate_mean"] = mean(successes)
		metrics["success_rate_min"] = minOf(successes)
	}
	if len(ratings) > 0 {
		metrics["rating_mean"] = mean(ratings)
		metrics["satisfaction_rate"] = float64(satisfied) / float64(len(ratings))
	}
	for eventType, count := range b.typeCounts {
		metrics["ratio_"+string(eventType)] = float64(count) / float64(b.total)
	}
	return metrics
}

// deriveIssues maps every high-severity pattern 1:1 to an issue.
func deriveIssues(patterns []Pattern) []Issue {
	issues := []Issue{}
	for _, p := range patterns {
		if p.Severity != SeverityHigh {
			continue
		}
		issues = append(issues, Issue{
			Type:        p.Type,
			AgentID:     p.AgentID,
			Scope:       p.Scope,
			Severity:    SeverityHigh,
			Description: p.Description,
			Metrics:     p.Metrics,
		})
	}
	return issues
}

// recommend renders fixed templates from metric thresholds and pattern
// types, deduplicates preserving first-seen order, and caps the list.
func recommend(patterns []Pattern, metrics map[string]float64) []string {
	var out []string

	if v, ok := metrics["latency_mean_ms"]; ok && v > 2000 {
		out = append(out, "Investigate fleet-wide latency: mean response time exceeds 2s")
	}
	if v, ok := metrics["success_rate_mean"]; ok && v < 0.90 {
		out = append(out, "Review failing interactions: mean success rate is below 90%")
	}
	if v, ok := metrics["rating_mean"]; ok && v < 3.5 {
		out = append(out, "Audit prompt templates: mean user rating is below 3.5")
	}
	if v, ok := metrics["satisfaction_rate"]; ok && v < 0.50 {
		out = append(out, "Less than half of rated interactions score 4+; prioritize quality fixes")
	}

	for _, p := range patterns {
		switch p.Type {
		case PatternPerformanceDegradation:
			out = append(out, fmt.Sprintf("Re-baseline agent %s after recent performance drift", p.AgentID))
		case PatternUserDissatisfaction:
			out = append(out, fmt.Sprintf("Review agent %s prompt and routing; user ratings are falling", p.AgentID))
		case PatternUserComplaints:
			out = append(out, fmt.Sprintf("Triage the complaint cluster on agent %s (%s)", p.AgentID, p.Scope))
		case PatternPeakUsage:
			out = append(out, "Consider pre-scaling capacity around the daily peak hour")
		case PatternAgentDominance:
			out = append(out, fmt.Sprintf("Rebalance routing away from agent %s to reduce concentration", p.AgentID))
		case PatternAgentUnderutilized:
			out = append(out, fmt.Sprintf("Either route more traffic to agent %s or retire it", p.AgentID))
		}
	}

	seen := make(map[string]bool, len(out))
	deduped := []string{}
	for _, r := range out {
		if seen[r] {
			continue
		}
		seen[r] = true
		deduped = append(deduped, r)
		if len(deduped) >= MaxRecommendations {
			break
		}
	}
	return deduped
}

// intervals computes 95% CIs for the main batch-wide metrics.
func intervals(events []*feedback.Event) map[string]ConfidenceInterval {
	var latencies, successes, ratings []float64
	for _, ev := range events {
		if ev.Implicit != nil {
			if ev.Implicit.ResponseTimeMS != nil {
				latencies = append(latencies, *ev.Implicit.ResponseTimeMS)
			}
			if ev.Implicit.SuccessRate != nil {
				successes = append(successes, *ev.Implicit.SuccessRate)
			}
		}
		if ev.Explicit != nil && ev.Explicit.Rating != nil {
			ratings = append(ratings, *ev.Explicit.Rating)
		}
	}

	out := map[string]ConfidenceInterval{}
	if ci, ok := confidenceInterval(latencies); ok {
		out["response_time_ms"] = ci
	}
	if ci, ok := confidenceInterval(successes); ok {
		out["success_rate"] = ci
	}
	if ci, ok := confidenceInterval(ratings); ok {
		out["rating"] = ci
	}
	return out
}
