// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyzer

import "time"

// Severity ranks how bad a finding is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Pattern type tags produced by the detectors.
const (
	PatternPerformanceDegradation = "performance_degradation"
	PatternUserDissatisfaction    = "user_dissatisfaction"
	PatternUserComplaints         = "user_complaints"
	PatternPeakUsage              = "peak_usage"
	PatternAgentDominance         = "agent_dominance"
	PatternAgentUnderutilized     = "agent_underutilized"
)

// Pattern is a statistically-derived observation about agent behavior.
type Pattern struct {
	// Type is one of the Pattern* tags.
	Type string `json:"type"`

	// AgentID scopes the pattern to one agent. Empty for fleet-wide patterns.
	AgentID string `json:"agent_id,omitempty"`

	// Scope narrows the pattern below agent level, e.g. a complaint
	// category ("category:billing") or an hour bucket ("hour:14").
	Scope string `json:"scope,omitempty"`

	// Severity is low, medium, or high.
	Severity Severity `json:"severity"`

	// Confidence is the detector's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Metrics carries the numbers that support the pattern.
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Issue is an actionable problem derived from a high-severity pattern.
type Issue struct {
	// Type mirrors the originating pattern's type.
	Type string `json:"type"`

	// AgentID scopes the issue. Empty for fleet-wide issues.
	AgentID string `json:"agent_id,omitempty"`

	// Scope mirrors the originating pattern's scope.
	Scope string `json:"scope,omitempty"`

	// Severity is high or critical.
	Severity Severity `json:"severity"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Metrics carries the supporting numbers.
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// ConfidenceInterval is a 95% normal-approximation interval for a
// metric's mean.
type ConfidenceInterval struct {
	Mean  float64 `json:"mean"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	N     int     `json:"n"`
}

// Findings is the immutable output of one analysis run.
type Findings struct {
	// AnalysisID uniquely identifies the run.
	AnalysisID string `json:"analysis_id"`

	// AnalyzedAt is when the run finished.
	AnalyzedAt time.Time `json:"analyzed_at"`

	// EventCount is the number of feedback events analyzed.
	EventCount int `json:"event_count"`

	// TimeWindowHours is the window the batch covers.
	TimeWindowHours float64 `json:"time_window_hours"`

	// Patterns are the detector outputs, in detector order.
	Patterns []Pattern `json:"patterns"`

	// PerformanceMetrics is a flat numeric summary of the batch.
	PerformanceMetrics map[string]float64 `json:"performance_metrics"`

	// Issues are derived 1:1 from high-severity patterns.
	Issues []Issue `json:"issues"`

	// Recommendations are deduplicated, first-seen order, at most 10.
	Recommendations []string `json:"recommendations"`

	// ConfidenceIntervals holds 95% CIs per metric, only for metrics
	// with more than 3 samples.
	ConfidenceIntervals map[string]ConfidenceInterval `json:"confidence_intervals,omitempty"`

	// Error is set when the analyzer recovered from an internal fault;
	// the rest of the findings are then minimal but well-formed.
	Error string `json:"error,omitempty"`
}
