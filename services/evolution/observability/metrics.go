// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus instrumentation for the
// evolution loop.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metaloop"

// Metrics bundles every collector the evolution loop exports. Create
// one per process; pass a fresh registry in tests.
type Metrics struct {
	// Bus
	EventsPublished    prometheus.Counter
	EventsDelivered    prometheus.Counter
	EventsDropped      prometheus.Counter
	EventsDeadLettered prometheus.Counter
	BusQueueDepth      *prometheus.GaugeVec

	// Pipeline
	TicksTotal     *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	EventsAnalyzed prometheus.Counter
	PatternsFound  *prometheus.CounterVec

	// Planner / validator / executor
	PlansCreated     prometheus.Counter
	PlansRateLimited prometheus.Counter
	PlansRejected    prometheus.Counter
	ChecksFailed     *prometheus.CounterVec
	ActionsTotal     *prometheus.CounterVec
}

// New registers every collector with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events accepted by the bus.",
		}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Envelope deliveries to subscriber queues.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Deliveries shed because a subscriber queue was full.",
		}),
		EventsDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dead_lettered_total",
			Help:      "Envelopes recorded in the dead-letter queue.",
		}),
		BusQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "queue_depth",
			Help:      "Current per-subscriber queue depth.",
		}, []string{"subscriber"}),

		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "ticks_total",
			Help:      "Completed ticks by terminal status.",
		}, []string{"status"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tick_duration_seconds",
			Help:      "End-to-end tick latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsAnalyzed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "events_analyzed_total",
			Help:      "Feedback events consumed by analysis runs.",
		}),
		PatternsFound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "patterns_found_total",
			Help:      "Detected patterns by type.",
		}, []string{"type"}),

		PlansCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "plans_created_total",
			Help:      "Mutation plans produced.",
		}),
		PlansRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "plans_rate_limited_total",
			Help:      "Plan attempts blocked by the rolling-hour cap.",
		}),
		PlansRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "plans_rejected_total",
			Help:      "Plans that failed the safety gate.",
		}),
		ChecksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "checks_failed_total",
			Help:      "Failed safety checks by check type.",
		}, []string{"check"}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "actions_total",
			Help:      "Executed actions by result.",
		}, []string{"result"}),
	}
}
