// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/calderai/metaloop/services/evolution/feedback"
)

// sample pairs a measurement with its observation time.
type sample struct {
	at    time.Time
	value float64
}

// agentSeries collects one agent's signals from a batch, ordered by
// observation time after prepare().
type agentSeries struct {
	agentID    string
	latencies  []sample
	successes  []sample
	ratings    []sample
	complaints map[string]int // category -> count; "" keyed as "general"
	eventCount int
}

// batch is the prepared view of one analysis input.
type batch struct {
	agents     map[string]*agentSeries
	agentIDs   []string // sorted, for deterministic output
	hourTotals map[int]int
	typeCounts map[feedback.EventType]int
	total      int
}

// prepare indexes the events by agent and hour and sorts each series
// chronologically.
func prepare(events []*feedback.Event) *batch {
	b := &batch{
		agents:     make(map[string]*agentSeries),
		hourTotals: make(map[int]int),
		typeCounts: make(map[feedback.EventType]int),
		total:      len(events),
	}

	for _, ev := range events {
		b.typeCounts[ev.EventType]++
		b.hourTotals[ev.Timestamp.Hour()]++

		if ev.AgentID == "" {
			continue
		}
		series, ok := b.agents[ev.AgentID]
		if !ok {
			series = &agentSeries{
				agentID:    ev.AgentID,
				complaints: make(map[string]int),
			}
			b.agents[ev.AgentID] = series
		}
		series.eventCount++

		if ev.Implicit != nil {
			if ev.Implicit.ResponseTimeMS != nil {
				series.latencies = append(series.latencies, sample{ev.Timestamp, *ev.Implicit.ResponseTimeMS})
			}
			if ev.Implicit.SuccessRate != nil {
				series.successes = append(series.successes, sample{ev.Timestamp, *ev.Implicit.SuccessRate})
			}
		}
		if ev.Explicit != nil {
			if ev.Explicit.Rating != nil {
				series.ratings = append(series.ratings, sample{ev.Timestamp, *ev.Explicit.Rating})
			}
			if ev.Explicit.Complaint != "" || ev.Explicit.Correction != "" {
				category := ev.Explicit.Category
				if category == "" {
					category = "general"
				}
				series.complaints[category]++
			}
		}
	}

	for id, series := range b.agents {
		sortSamples(series.latencies)
		sortSamples(series.successes)
		sortSamples(series.ratings)
		b.agentIDs = append(b.agentIDs, id)
	}
	sort.Strings(b.agentIDs)
	return b
}

func sortSamples(samples []sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].at.Before(samples[j].at)
	})
}

func values(samples []sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.value
	}
	return out
}

// splitHalves divides a chronologically sorted series into a baseline
// (first half) and recent (second half) window.
func splitHalves(samples []sample) (baseline, recent []float64) {
	mid := len(samples) / 2
	return values(samples[:mid]), values(samples[mid:])
}

// detectPerformanceDegradation flags agents whose recent latency or
// success rate worsened against their own first-half baseline.
//
// Requires at least minSamples observations per agent. Latency worse
// by >20% or success rate worse by >10% flags the agent; >50% / >20%
// raises severity to high. Confidence scales with sample count up to
// 20 samples.
func detectPerformanceDegradation(b *batch, minSamples int) []Pattern {
	var patterns []Pattern

	for _, agentID := range b.agentIDs {
		series := b.agents[agentID]

		var latencyChange, successDrop float64
		var baselineLat, recentLat, baselineSucc, recentSucc float64
		sampleCount := 0

		if len(series.latencies) >= minSamples {
			baseline, recent := splitHalves(series.latencies)
			baselineLat, recentLat = mean(baseline), mean(recent)
			if baselineLat > 0 {
				latencyChange = (recentLat - baselineLat) / baselineLat
			}
			sampleCount = len(series.latencies)
		}
		if len(series.successes) >= minSamples {
			baseline, recent := splitHalves(series.successes)
			baselineSucc, recentSucc = mean(baseline), mean(recent)
			if baselineSucc > 0 {
				successDrop = (baselineSucc - recentSucc) / baselineSucc
			}
			if len(series.successes) > sampleCount {
				sampleCount = len(series.successes)
			}
		}
		if sampleCount == 0 {
			continue
		}

		degraded := latencyChange > 0.20 || successDrop > 0.10
		if !degraded {
			continue
		}

		severity := SeverityMedium
		if latencyChange > 0.50 || successDrop > 0.20 {
			severity = SeverityHigh
		}

		patterns = append(patterns, Pattern{
			Type:       PatternPerformanceDegradation,
			AgentID:    agentID,
			Severity:   severity,
			Confidence: clamp01(float64(sampleCount) / 20.0),
			Description: fmt.Sprintf(
				"agent %s degraded: latency %+.1f%%, success rate %+.1f%%",
				agentID, latencyChange*100, -successDrop*100,
			),
			Metrics: map[string]float64{
				"latency_change":        latencyChange,
				"success_drop":          successDrop,
				"baseline_latency_ms":   baselineLat,
				"recent_latency_ms":     recentLat,
				"baseline_success_rate": baselineSucc,
				"recent_success_rate":   recentSucc,
				"sample_count":          float64(sampleCount),
			},
		})
	}
	return patterns
}

// detectUserDissatisfaction flags agents with low or falling explicit
// ratings, and separately flags agents accumulating complaints or
// corrections.
func detectUserDissatisfaction(b *batch, minRatings, minComplaints int) []Pattern {
	var patterns []Pattern

	for _, agentID := range b.agentIDs {
		series := b.agents[agentID]

		if len(series.ratings) >= minRatings {
			all := values(series.ratings)
			allMean := mean(all)

			trailing := all
			if len(all) > 5 {
				trailing = all[len(all)-5:]
			}
			drop := allMean - mean(trailing)

			if allMean < 3.0 || drop >= 0.5 {
				severity := SeverityMedium
				if allMean < 2.5 || drop >= 1.0 {
					severity = SeverityHigh
				}
				patterns = append(patterns, Pattern{
					Type:       PatternUserDissatisfaction,
					AgentID:    agentID,
					Severity:   severity,
					Confidence: clamp01(float64(len(all)) / 10.0),
					Description: fmt.Sprintf(
						"agent %s rating mean %.2f, trailing-5 drop %.2f",
						agentID, allMean, drop,
					),
					Metrics: map[string]float64{
						"mean_rating":     allMean,
						"trailing_rating": mean(trailing),
						"rating_drop":     drop,
						"sample_count":    float64(len(all)),
					},
				})
			}
		}

		// Complaint clusters are reported per category so the planner
		// can patch each cluster independently.
		categories := make([]string, 0, len(series.complaints))
		for category := range series.complaints {
			categories = append(categories, category)
		}
		sort.Strings(categories)

		for _, category := range categories {
			count := series.complaints[category]
			if count < minComplaints {
				continue
			}
			severity := SeverityMedium
			if count >= 2*minComplaints {
				severity = SeverityHigh
			}
			patterns = append(patterns, Pattern{
				Type:       PatternUserComplaints,
				AgentID:    agentID,
				Scope:      "category:" + category,
				Severity:   severity,
				Confidence: clamp01(float64(count) / 10.0),
				Description: fmt.Sprintf(
					"agent %s has %d complaints in category %q",
					agentID, count, category,
				),
				Metrics: map[string]float64{
					"complaint_count": float64(count),
				},
			})
		}
	}
	return patterns
}

// detectUsagePatterns flags hour-of-day peaks and skewed per-agent
// traffic shares.
func detectUsagePatterns(b *batch) []Pattern {
	var patterns []Pattern

	// Hourly peak: any active hour running at more than twice the
	// average volume of active hours.
	if len(b.hourTotals) > 1 {
		avg := float64(b.total) / float64(len(b.hourTotals))
		hours := make([]int, 0, len(b.hourTotals))
		for hour := range b.hourTotals {
			hours = append(hours, hour)
		}
		sort.Ints(hours)
		for _, hour := range hours {
			count := b.hourTotals[hour]
			if float64(count) <= 2*avg {
				continue
			}
			patterns = append(patterns, Pattern{
				Type:       PatternPeakUsage,
				Scope:      fmt.Sprintf("hour:%d", hour),
				Severity:   SeverityLow,
				Confidence: clamp01(float64(b.total) / 50.0),
				Description: fmt.Sprintf(
					"hour %02d carries %d events against an average of %.1f",
					hour, count, avg,
				),
				Metrics: map[string]float64{
					"peak_hour":  float64(hour),
					"peak_count": float64(count),
					"avg_hourly": avg,
				},
			})
		}
	}

	// Traffic share skew needs enough volume and more than one agent
	// to mean anything.
	if b.total >= 10 && len(b.agentIDs) > 1 {
		for _, agentID := range b.agentIDs {
			share := float64(b.agents[agentID].eventCount) / float64(b.total)
			switch {
			case share > 0.40:
				patterns = append(patterns, Pattern{
					Type:       PatternAgentDominance,
					AgentID:    agentID,
					Severity:   SeverityMedium,
					Confidence: clamp01(float64(b.total) / 50.0),
					Description: fmt.Sprintf(
						"agent %s handles %.0f%% of all traffic", agentID, share*100,
					),
					Metrics: map[string]float64{
						"traffic_share": share,
						"event_count":   float64(b.agents[agentID].eventCount),
					},
				})
			case share < 0.05:
				patterns = append(patterns, Pattern{
					Type:       PatternAgentUnderutilized,
					AgentID:    agentID,
					Severity:   SeverityLow,
					Confidence: clamp01(float64(b.total) / 50.0),
					Description: fmt.Sprintf(
						"agent %s handles only %.1f%% of all traffic", agentID, share*100,
					),
					Metrics: map[string]float64{
						"traffic_share": share,
						"event_count":   float64(b.agents[agentID].eventCount),
					},
				})
			}
		}
	}
	return patterns
}
