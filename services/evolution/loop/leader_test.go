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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newGuard(t *testing.T, leasePath, instanceID string) *LeaderGuard {
	t.Helper()
	g, err := NewLeaderGuard(LeaderConfig{
		LeasePath:     leasePath,
		TTL:           200 * time.Millisecond,
		RenewInterval: 50 * time.Millisecond,
		InstanceID:    instanceID,
	})
	if err != nil {
		t.Fatalf("guard construction failed: %v", err)
	}
	return g
}

func TestLeaderGuardSingleHolder(t *testing.T) {
	leasePath := filepath.Join(t.TempDir(), "leader.lease")

	first := newGuard(t, leasePath, "instance-a")
	first.Start(context.Background())
	defer first.Stop()

	if !first.HoldsLease() {
		t.Fatal("first guard must acquire an uncontested lease")
	}

	second := newGuard(t, leasePath, "instance-b")
	second.Start(context.Background())
	defer second.Stop()

	if second.HoldsLease() {
		t.Error("second guard must not hold a live lease")
	}
}

func TestLeaderGuardReleaseHandsOver(t *testing.T) {
	leasePath := filepath.Join(t.TempDir(), "leader.lease")

	first := newGuard(t, leasePath, "instance-a")
	first.Start(context.Background())
	if !first.HoldsLease() {
		t.Fatal("first guard must acquire")
	}
	first.Stop()

	second := newGuard(t, leasePath, "instance-b")
	second.Start(context.Background())
	defer second.Stop()

	if !second.HoldsLease() {
		t.Error("second guard must acquire after release")
	}
}

func TestLeaderGuardStealsExpiredLease(t *testing.T) {
	leasePath := filepath.Join(t.TempDir(), "leader.lease")

	// A lease from a dead holder, expired well in the past. The PID is
	// unlikely to exist; expiry alone already makes it stale.
	stale := leaseRecord{
		InstanceID: "instance-dead",
		PID:        1 << 30,
		Hostname:   hostnameOrEmpty(),
		AcquiredAt: time.Now().Add(-time.Hour),
		RenewedAt:  time.Now().Add(-time.Hour),
		ExpiresAt:  time.Now().Add(-30 * time.Minute),
	}
	raw, err := json.Marshal(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(leasePath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	g := newGuard(t, leasePath, "instance-new")
	g.Start(context.Background())
	defer g.Stop()

	if !g.HoldsLease() {
		t.Error("an expired lease must be stolen")
	}
}

func TestLeaderGuardDetectsExternalRemoval(t *testing.T) {
	leasePath := filepath.Join(t.TempDir(), "leader.lease")

	g := newGuard(t, leasePath, "instance-a")
	g.Start(context.Background())
	defer g.Stop()
	if !g.HoldsLease() {
		t.Fatal("guard must acquire")
	}

	if err := os.Remove(leasePath); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for g.HoldsLease() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Either the watcher demoted, or the next renewal reacquired the
	// free lease. Both are valid; what matters is the record on disk
	// belongs to this instance again if leadership is still claimed.
	if g.HoldsLease() {
		record, err := g.readLease()
		if err != nil || record.InstanceID != "instance-a" {
			t.Errorf("claimed leadership without owning the lease: %v %+v", err, record)
		}
	}
}
