// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// LeaderConfig tunes the lease-file leader guard.
type LeaderConfig struct {
	// LeasePath is the lease file location.
	// Default: ".metaloop/leader.lease".
	LeasePath string

	// TTL is how long a lease stays valid without renewal.
	// Default: 30s.
	TTL time.Duration

	// RenewInterval is how often the holder refreshes the lease.
	// Default: TTL/3.
	RenewInterval time.Duration

	// InstanceID identifies this process in the lease record.
	// Default: "<hostname>-<pid>-<random>".
	InstanceID string

	// Logger for lease transitions. Default: slog.Default().
	Logger *slog.Logger
}

// leaseRecord is the JSON body of the lease file.
type leaseRecord struct {
	InstanceID string    `json:"instance_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LeaderGuard elects one process per lease file to run the evolution
// loop.
//
// # Description
//
// Leadership is a file created exclusively and renewed on a timer. A
// lease is stolen when it has expired, or when its holder's PID is
// dead on this host. An fsnotify watcher on the lease directory
// detects another process deleting or rewriting the lease and demotes
// this instance immediately instead of waiting for the next renewal.
//
// This guards replicas sharing one filesystem. Replicas on different
// hosts need an external coordination service and should run with at
// most one instance scheduling ticks.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type LeaderGuard struct {
	leasePath     string
	ttl           time.Duration
	renewInterval time.Duration
	instanceID    string
	logger        *slog.Logger

	mu      sync.Mutex
	holding bool
	done    chan struct{}
	stopped chan struct{}
	watcher *fsnotify.Watcher
}

// NewLeaderGuard creates a guard. The lease directory is created if
// missing; the lease itself is not acquired until Start.
func NewLeaderGuard(config LeaderConfig) (*LeaderGuard, error) {
	if config.LeasePath == "" {
		config.LeasePath = filepath.Join(".metaloop", "leader.lease")
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.RenewInterval <= 0 {
		config.RenewInterval = config.TTL / 3
	}
	if config.InstanceID == "" {
		hostname, _ := os.Hostname()
		config.InstanceID = fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(config.LeasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating lease directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating lease watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(config.LeasePath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching lease directory: %w", err)
	}

	return &LeaderGuard{
		leasePath:     config.LeasePath,
		ttl:           config.TTL,
		renewInterval: config.RenewInterval,
		instanceID:    config.InstanceID,
		logger:        logger.With("component", "leader", "instance", config.InstanceID),
		watcher:       watcher,
	}, nil
}

// Start attempts the first acquisition and launches the renew loop.
// Not holding the lease is not an error; the guard keeps trying on the
// renew interval.
func (g *LeaderGuard) Start(ctx context.Context) {
	g.mu.Lock()
	if g.done != nil {
		g.mu.Unlock()
		return
	}
	g.done = make(chan struct{})
	g.stopped = make(chan struct{})
	done, stopped := g.done, g.stopped
	g.mu.Unlock()

	g.tryAcquire()
	go g.run(ctx, done, stopped)
}

// Stop releases the lease if held and stops the renew loop.
func (g *LeaderGuard) Stop() {
	g.mu.Lock()
	done, stopped := g.done, g.stopped
	g.done, g.stopped = nil, nil
	g.mu.Unlock()
	if done != nil {
		close(done)
		<-stopped
	}

	g.release()
	g.watcher.Close()
}

// HoldsLease reports whether this instance currently leads.
func (g *LeaderGuard) HoldsLease() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holding
}

func (g *LeaderGuard) run(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(g.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if g.HoldsLease() {
				g.renew()
			} else {
				g.tryAcquire()
			}
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if event.Name == g.leasePath {
				g.handleExternalChange()
			}
		case _, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tryAcquire creates the lease exclusively, stealing it first when the
// current record is stale.
func (g *LeaderGuard) tryAcquire() {
	if record, err := g.readLease(); err == nil {
		if !g.isStale(record) {
			return
		}
		g.logger.Info("removing stale lease",
			"holder", record.InstanceID, "expired_at", record.ExpiresAt)
		_ = os.Remove(g.leasePath)
	}

	now := time.Now().UTC()
	record := leaseRecord{
		InstanceID: g.instanceID,
		PID:        os.Getpid(),
		Hostname:   hostnameOrEmpty(),
		AcquiredAt: now,
		RenewedAt:  now,
		ExpiresAt:  now.Add(g.ttl),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}

	f, err := os.OpenFile(g.leasePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		// Someone else won the race.
		return
	}
	_, writeErr := f.Write(raw)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(g.leasePath)
		return
	}

	g.mu.Lock()
	g.holding = true
	g.mu.Unlock()
	g.logger.Info("lease acquired", "path", g.leasePath, "ttl", g.ttl)
}

// renew rewrites the lease atomically. Losing the file between checks
// demotes this instance.
func (g *LeaderGuard) renew() {
	record, err := g.readLease()
	if err != nil || record.InstanceID != g.instanceID {
		g.demote("lease lost before renewal")
		return
	}

	now := time.Now().UTC()
	record.RenewedAt = now
	record.ExpiresAt = now.Add(g.ttl)
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}

	tmp := g.leasePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		g.logger.Warn("lease renewal write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, g.leasePath); err != nil {
		_ = os.Remove(tmp)
		g.demote("lease renewal rename failed")
	}
}

// handleExternalChange re-reads the lease after the watcher saw it
// change and demotes if another instance took over.
func (g *LeaderGuard) handleExternalChange() {
	if !g.HoldsLease() {
		return
	}
	record, err := g.readLease()
	if err != nil {
		g.demote("lease file removed externally")
		return
	}
	if record.InstanceID != g.instanceID {
		g.demote("lease taken by " + record.InstanceID)
	}
}

func (g *LeaderGuard) release() {
	g.mu.Lock()
	holding := g.holding
	g.holding = false
	g.mu.Unlock()
	if !holding {
		return
	}
	if record, err := g.readLease(); err == nil && record.InstanceID == g.instanceID {
		_ = os.Remove(g.leasePath)
		g.logger.Info("lease released")
	}
}

func (g *LeaderGuard) demote(reason string) {
	g.mu.Lock()
	wasHolding := g.holding
	g.holding = false
	g.mu.Unlock()
	if wasHolding {
		g.logger.Warn("leadership lost", "reason", reason)
	}
}

func (g *LeaderGuard) readLease() (leaseRecord, error) {
	raw, err := os.ReadFile(g.leasePath)
	if err != nil {
		return leaseRecord{}, err
	}
	var record leaseRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return leaseRecord{}, fmt.Errorf("corrupt lease record: %w", err)
	}
	return record, nil
}

// isStale reports whether a lease can be stolen: it expired, it is
// unparseable, or its holder's PID is gone on this host.
func (g *LeaderGuard) isStale(record leaseRecord) bool {
	if time.Now().After(record.ExpiresAt) {
		return true
	}
	if record.Hostname != "" && record.Hostname == hostnameOrEmpty() && record.PID > 0 {
		if !pidAlive(record.PID) {
			return true
		}
	}
	return false
}

func hostnameOrEmpty() string {
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	return hostname
}

// pidAlive checks process existence with signal 0.
func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH)
}
