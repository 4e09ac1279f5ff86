// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Guard gates tick execution to a single process instance. Implemented
// by the lease-file leader guard; a nil guard means always run.
type Guard interface {
	// HoldsLease reports whether this process may tick right now.
	HoldsLease() bool
}

// SchedulerConfig tunes the periodic tick driver.
type SchedulerConfig struct {
	// Interval between ticks. Default: 15s.
	Interval time.Duration

	// Guard is consulted before each tick. Optional.
	Guard Guard

	// Logger for scheduler lifecycle events. Default: slog.Default().
	Logger *slog.Logger
}

// Scheduler drives Loop.Tick on a fixed interval until stopped.
//
// # Description
//
// Start launches a background goroutine with a ticker; Stop cancels it
// and waits for an in-flight tick to finish. Cancellation through the
// Start context behaves like Stop. Start and Stop are idempotent.
//
// # Thread Safety
//
// Safe for concurrent use.
type Scheduler struct {
	loop     *Loop
	interval time.Duration
	guard    Guard
	logger   *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

// NewScheduler creates a Scheduler around the given loop.
func NewScheduler(l *Loop, config SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		loop:     l,
		interval: config.Interval,
		guard:    config.Guard,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start launches the periodic tick goroutine. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.run(ctx, s.done, s.stopped)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the periodic goroutine and waits for it to exit. An
// in-flight tick completes; the pending sleep does not.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	done, stopped := s.done, s.stopped
	s.done, s.stopped = nil, nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	<-stopped
	s.logger.Info("scheduler stopped")
}

// RunNow triggers one tick immediately, bypassing the interval but not
// the leader guard.
func (s *Scheduler) RunNow(ctx context.Context) *TickResult {
	if s.guard != nil && !s.guard.HoldsLease() {
		s.logger.Debug("tick skipped, lease not held")
		return nil
	}
	return s.loop.Tick(ctx)
}

func (s *Scheduler) run(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.guard != nil && !s.guard.HoldsLease() {
				continue
			}
			s.loop.Tick(ctx)
		case <-done:
			return
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		}
	}
}
