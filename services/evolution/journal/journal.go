// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package journal provides an optional durable event log for the bus.
//
// One BadgerDB record per envelope, keyed by envelope id. On startup
// the owning process replays unexpired records back into the bus so a
// crash between publish and acknowledgment loses nothing. The bus works
// identically with the journal disabled; durability is the only thing
// this package adds.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/calderai/metaloop/services/evolution/bus"
)

// keyPrefix namespaces envelope records inside the database.
const keyPrefix = "envelope/"

// ErrClosed is returned when operations are called on a closed journal.
var ErrClosed = errors.New("journal is closed")

// Config holds configuration for a Journal instance.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory disables disk persistence. For testing.
	InMemory bool

	// SyncWrites enables synchronous writes. Default true in
	// DefaultConfig; an async journal defeats the point.
	SyncWrites bool

	// Logger for journal operations. Nil disables Badger's own logging
	// and uses slog.Default() for ours.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults (sync writes on).
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a throwaway configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Journal is a Badger-backed envelope log.
//
// Implements bus.Journal. Safe for concurrent use; Badger handles its
// own locking.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger
	closed atomic.Bool
}

// Open creates or opens a journal at the configured path.
//
// Inputs:
//   - config: Journal configuration.
//
// Outputs:
//   - *Journal: Open journal. Nil on error.
//   - error: Non-nil when the database cannot be opened.
func Open(config Config) (*Journal, error) {
	if !config.InMemory && config.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	opts := badger.DefaultOptions(config.Path).
		WithInMemory(config.InMemory).
		WithSyncWrites(config.SyncWrites).
		WithLogger(nil) // Badger's logger is too chatty for a side store.

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		db:     db,
		logger: logger.With("component", "event_journal"),
	}, nil
}

// Append stores an envelope keyed by its envelope id. Overwrites any
// previous record for the same id.
func (j *Journal) Append(env bus.Envelope) error {
	if j.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.EnvelopeID, err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+env.EnvelopeID), data)
	})
	if err != nil {
		return fmt.Errorf("append envelope %s: %w", env.EnvelopeID, err)
	}
	return nil
}

// Remove deletes a stored envelope. Missing keys are not an error.
func (j *Journal) Remove(envelopeID string) error {
	if j.closed.Load() {
		return ErrClosed
	}
	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + envelopeID))
	})
	if err != nil {
		return fmt.Errorf("remove envelope %s: %w", envelopeID, err)
	}
	return nil
}

// Replay streams every stored envelope to fn in key order.
//
// Records that no longer unmarshal are logged and skipped; a corrupt
// entry must not block recovery of the rest. fn returning an error
// aborts the replay.
//
// Outputs:
//   - int: Number of envelopes delivered to fn.
//   - error: Non-nil when iteration or fn failed.
func (j *Journal) Replay(fn func(bus.Envelope) error) (int, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}

	replayed := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var env bus.Envelope
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				j.logger.Warn("skipping corrupt journal record",
					"key", string(item.Key()), "error", err)
				continue
			}
			if err := fn(env); err != nil {
				return err
			}
			replayed++
		}
		return nil
	})
	if err != nil {
		return replayed, fmt.Errorf("replay journal: %w", err)
	}
	return replayed, nil
}

// Purge deletes every record older than the retention window. Run at
// startup before Replay so eviction decisions survive restarts.
//
// Outputs:
//   - int: Number of records deleted.
func (j *Journal) Purge(retention time.Duration) (int, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}
	cutoff := time.Now().Add(-retention)

	var stale [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var env bus.Envelope
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil || !env.CreatedAt.After(cutoff) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}

	for _, key := range stale {
		err := j.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return 0, fmt.Errorf("purge journal: %w", err)
		}
	}
	return len(stale), nil
}

// Close releases the underlying database. Idempotent.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal database: %w", err)
	}
	return nil
}

// Ensure Journal satisfies the bus's journal contract.
var _ bus.Journal = (*Journal)(nil)
