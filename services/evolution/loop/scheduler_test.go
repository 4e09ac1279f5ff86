// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loop

import (
	"context"
	"testing"
	"time"
)

type staticGuard bool

func (g staticGuard) HoldsLease() bool { return bool(g) }

func TestSchedulerStartStop(t *testing.T) {
	l, _ := newPipeline(t, pipelineOpts{dryRun: true})
	s := NewScheduler(l, SchedulerConfig{Interval: 10 * time.Millisecond})

	s.Start(context.Background())
	s.Start(context.Background()) // idempotent
	time.Sleep(35 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent

	// The loop ran at least once against an empty bus.
	stats := l.bus.Stats()
	if stats.EventsPublished != 0 {
		t.Errorf("empty-bus ticks must not publish, got %d", stats.EventsPublished)
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	l, _ := newPipeline(t, pipelineOpts{dryRun: true})
	s := NewScheduler(l, SchedulerConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	time.Sleep(20 * time.Millisecond)

	// Stop after cancellation must not hang.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop hung after context cancellation")
	}
}

func TestSchedulerGuardBlocksTicks(t *testing.T) {
	l, b := newPipeline(t, pipelineOpts{dryRun: true})
	publishDegradedSeries(t, b, "agent_1", 60)

	s := NewScheduler(l, SchedulerConfig{
		Interval: 5 * time.Millisecond,
		Guard:    staticGuard(false),
	})
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	// Nothing consumed: the guard blocked every tick.
	stats := l.bus.Stats()
	if depth := stats.QueueDepths["evolution-loop"]; depth != 60 {
		t.Errorf("queue depth = %d, want 60 untouched events", depth)
	}
}

func TestSchedulerRunNow(t *testing.T) {
	l, b := newPipeline(t, pipelineOpts{dryRun: true})
	publishDegradedSeries(t, b, "agent_1", 60)

	t.Run("GuardDenied", func(t *testing.T) {
		s := NewScheduler(l, SchedulerConfig{Guard: staticGuard(false)})
		if result := s.RunNow(context.Background()); result != nil {
			t.Errorf("a denied RunNow must return nil, got %+v", result)
		}
	})

	t.Run("GuardHeld", func(t *testing.T) {
		s := NewScheduler(l, SchedulerConfig{Guard: staticGuard(true)})
		result := s.RunNow(context.Background())
		if result == nil {
			t.Fatal("expected a tick result")
		}
		if result.Status != StatusSimulated {
			t.Errorf("status = %s (error %q), want simulated", result.Status, result.Error)
		}
	})
}
