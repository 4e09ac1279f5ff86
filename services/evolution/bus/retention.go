// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the retention sweeper runs.
const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically evicts expired events from an EventBus.
//
// # Description
//
// Runs EventBus.Sweep at a fixed interval on a background goroutine.
// Uses the ticker + done channel pattern so shutdown is deterministic:
// Stop (or context cancellation) interrupts the sleep immediately and
// never starts another sweep.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Sweeper struct {
	bus      *EventBus
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewSweeper creates a retention sweeper for the bus.
//
// Inputs:
//   - bus: The bus to sweep. Must not be nil.
//   - interval: Sweep cadence. Non-positive takes DefaultSweepInterval.
//   - logger: May be nil for slog.Default().
func NewSweeper(bus *EventBus, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		bus:      bus,
		interval: interval,
		logger:   logger.With("component", "bus_sweeper"),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Returns an error when already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("retention sweeper starting",
		"interval", s.interval.String(),
		"retention", s.bus.Retention().String(),
	)
	go s.runLoop(ctx)
	return nil
}

// Stop signals the loop to exit. Safe to call multiple times. Does not
// interrupt a sweep already in progress (sweeps are brief).
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.done)
	s.running = false
	s.logger.Info("retention sweeper stopping")
}

// runLoop sweeps at the configured interval until stopped.
func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped (context cancelled)")
			return
		case <-s.done:
			s.logger.Info("retention sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			if n := s.bus.Sweep(); n > 0 {
				s.logger.Debug("sweep cycle completed", "evicted", n)
			}
		}
	}
}
