// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bus implements the in-memory publish/subscribe broker that
// decouples feedback producers from the evolution pipeline.
//
// # Description
//
// The bus stores published envelopes until every matching subscriber
// acknowledges them or the retention window evicts them. Delivery is
// per-subscriber FIFO with bounded queues: a full queue sheds the event
// for that subscriber only (logged, dead-lettered, never blocking).
//
// # Thread Safety
//
// One coarse mutex guards the event store, subscription table, and
// delivery queues. All critical sections are short and non-blocking,
// so contention stays negligible at the tick rates this loop runs at.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxQueueSize bounds a subscriber queue when the subscription
// does not specify one.
const DefaultMaxQueueSize = 1000

// DefaultRetention is how long an unacknowledged envelope is held.
const DefaultRetention = 72 * time.Hour

// Config configures an EventBus.
type Config struct {
	// Retention is how long envelopes are held regardless of
	// acknowledgment state. Default: 72h.
	Retention time.Duration

	// DeadLetterCapacity bounds the dead-letter queue. Default: 256.
	DeadLetterCapacity int

	// Journal, when non-nil, receives every stored envelope for crash
	// recovery. The bus works identically with it disabled.
	Journal Journal

	// Logger for bus operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retention:          DefaultRetention,
		DeadLetterCapacity: 256,
	}
}

// Journal is the optional durable event log layered under the bus.
// Implementations live outside this package (see the journal package).
type Journal interface {
	// Append stores an envelope keyed by its envelope id.
	Append(env Envelope) error

	// Remove deletes a stored envelope. Missing keys are not an error.
	Remove(envelopeID string) error
}

// storedEvent is an envelope plus its pending-delivery set.
type storedEvent struct {
	env     Envelope
	pending map[string]bool // subscriber id -> awaiting ack
}

// EventBus is the in-memory broker.
//
// Construct with New and pass the instance explicitly to its consumers;
// there is no package-level default.
type EventBus struct {
	config Config
	logger *slog.Logger

	mu            sync.Mutex
	store         map[string]*storedEvent  // envelope id -> stored event
	subscriptions map[string]*Subscription // subscription id -> subscription
	queues        map[string][]string      // subscriber id -> envelope ids, FIFO
	queueCaps     map[string]int           // subscriber id -> effective cap
	dead          *deadLetterQueue

	published    uint64
	delivered    uint64
	acknowledged uint64
	failed       uint64
	dropped      uint64
	expired      uint64
}

// New creates an EventBus.
//
// Inputs:
//   - config: Bus configuration. Zero-value fields take defaults.
//
// Outputs:
//   - *EventBus: Ready for Publish/Subscribe. Never nil.
func New(config Config) *EventBus {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.DeadLetterCapacity <= 0 {
		config.DeadLetterCapacity = 256
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		config:        config,
		logger:        logger.With("component", "event_bus"),
		store:         make(map[string]*storedEvent),
		subscriptions: make(map[string]*Subscription),
		queues:        make(map[string][]string),
		queueCaps:     make(map[string]int),
		dead:          newDeadLetterQueue(config.DeadLetterCapacity),
	}
}

// Publish routes an envelope to every matching subscriber queue.
//
// Publish never panics outward and never blocks on a slow subscriber.
// A full queue drops the envelope for that subscriber only; the drop is
// logged, counted, and dead-lettered. A malformed envelope (missing id
// or type, empty payload) is rejected: logged, counted as failed, and
// Publish returns false.
//
// Inputs:
//   - env: The envelope. CreatedAt defaults to now, EnvelopeID to a new UUID.
//
// Outputs:
//   - bool: True when the envelope entered the store.
func (b *EventBus) Publish(env Envelope) bool {
	if env.EnvelopeID == "" {
		env.EnvelopeID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	if err := validateEnvelope(env); err != nil {
		b.mu.Lock()
		b.failed++
		b.mu.Unlock()
		b.logger.Error("rejected malformed envelope",
			"envelope_id", env.EnvelopeID,
			"event_type", env.EventType,
			"error", err,
		)
		return false
	}

	b.mu.Lock()
	if _, exists := b.store[env.EnvelopeID]; exists {
		b.failed++
		b.mu.Unlock()
		b.logger.Error("duplicate envelope id", "envelope_id", env.EnvelopeID)
		return false
	}

	stored := &storedEvent{env: env, pending: make(map[string]bool)}
	b.routeLocked(stored)
	b.store[env.EnvelopeID] = stored
	b.published++
	b.mu.Unlock()

	// The append happens off the lock so a slow disk write never stalls
	// publishes and acknowledgments behind it. Restore deduplicates on
	// replay, so the ordering gap is harmless.
	if b.config.Journal != nil {
		if err := b.config.Journal.Append(env); err != nil {
			// Journal failure degrades durability, not delivery.
			b.logger.Warn("journal append failed",
				"envelope_id", env.EnvelopeID, "error", err)
		}
	}
	return true
}

// routeLocked appends the envelope to every matching subscriber queue.
// Caller holds b.mu.
func (b *EventBus) routeLocked(stored *storedEvent) {
	env := stored.env
	seen := make(map[string]bool)

	for _, sub := range b.subscriptions {
		if seen[sub.SubscriberID] {
			continue
		}
		if !targeted(env.TargetServices, sub.SubscriberID) {
			continue
		}
		if !sub.matches(env.EventType) {
			continue
		}
		seen[sub.SubscriberID] = true

		queue := b.queues[sub.SubscriberID]
		if len(queue) >= b.queueCaps[sub.SubscriberID] {
			b.dropped++
			b.dead.add(deadLetter{
				EnvelopeID:   env.EnvelopeID,
				EventType:    env.EventType,
				SubscriberID: sub.SubscriberID,
				Reason:       dropReasonQueueFull,
				At:           time.Now(),
			})
			b.logger.Warn("subscriber queue full, dropping event",
				"subscriber_id", sub.SubscriberID,
				"envelope_id", env.EnvelopeID,
				"queue_size", len(queue),
			)
			continue
		}

		b.queues[sub.SubscriberID] = append(queue, env.EnvelopeID)
		stored.pending[sub.SubscriberID] = true
		b.delivered++
	}
}

// Subscribe registers a subscription and returns its id.
//
// Inputs:
//   - sub: SubscriberID is required. MaxQueueSize defaults to 1000.
//
// Outputs:
//   - string: Subscription id for Unsubscribe. Empty on invalid input.
func (b *EventBus) Subscribe(sub Subscription) string {
	if sub.SubscriberID == "" {
		b.logger.Error("subscription without subscriber id")
		return ""
	}
	if sub.MaxQueueSize <= 0 {
		sub.MaxQueueSize = DefaultMaxQueueSize
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscriptions[id] = &sub
	if _, ok := b.queues[sub.SubscriberID]; !ok {
		b.queues[sub.SubscriberID] = make([]string, 0, 16)
	}
	// Queues shared across subscriptions take the largest requested cap.
	if sub.MaxQueueSize > b.queueCaps[sub.SubscriberID] {
		b.queueCaps[sub.SubscriberID] = sub.MaxQueueSize
	}

	b.logger.Debug("subscription registered",
		"subscription_id", id,
		"subscriber_id", sub.SubscriberID,
		"event_types", sub.EventTypes,
	)
	return id
}

// Unsubscribe removes a subscription.
//
// The subscriber's queue survives while other subscriptions still feed
// it; the last unsubscribe drops the queue, its undelivered events, and
// the subscriber's pending-acknowledgment claims, so envelopes waiting
// only on the departed subscriber leave the store immediately.
//
// Outputs:
//   - bool: True when the subscription existed.
func (b *EventBus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()

	sub, ok := b.subscriptions[subscriptionID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.subscriptions, subscriptionID)

	for _, other := range b.subscriptions {
		if other.SubscriberID == sub.SubscriberID {
			b.mu.Unlock()
			return true
		}
	}
	delete(b.queues, sub.SubscriberID)
	delete(b.queueCaps, sub.SubscriberID)

	var released []string
	for id, stored := range b.store {
		if !stored.pending[sub.SubscriberID] {
			continue
		}
		delete(stored.pending, sub.SubscriberID)
		if len(stored.pending) == 0 {
			delete(b.store, id)
			released = append(released, id)
		}
	}
	b.mu.Unlock()

	for _, id := range released {
		b.journalRemove(id)
	}
	return true
}

// GetEvents pops up to limit envelopes off the subscriber's queue,
// oldest first. Popped events stay in the store until acknowledged or
// expired.
//
// Inputs:
//   - subscriberID: The delivery queue to read.
//   - limit: Maximum envelopes to return. Non-positive means 10.
//
// Outputs:
//   - []Envelope: Envelopes in publish order. Possibly empty, never nil.
func (b *EventBus) GetEvents(subscriberID string, limit int) []Envelope {
	if limit <= 0 {
		limit = 10
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.queues[subscriberID]
	out := make([]Envelope, 0, min(limit, len(queue)))
	consumed := 0

	for _, envelopeID := range queue {
		consumed++
		stored, ok := b.store[envelopeID]
		if !ok {
			// Evicted by retention after enqueue. Skip silently.
			continue
		}
		env := stored.env
		env.ProcessingAttempts++
		stored.env = env
		out = append(out, env)
		if len(out) >= limit {
			break
		}
	}
	b.queues[subscriberID] = queue[consumed:]
	return out
}

// Acknowledge removes the subscriber from the envelope's pending set.
// When the pending set is emptied the envelope leaves the store
// immediately, without waiting for the retention window.
//
// Outputs:
//   - bool: True when a pending entry was removed.
func (b *EventBus) Acknowledge(envelopeID, subscriberID string) bool {
	b.mu.Lock()
	stored, ok := b.store[envelopeID]
	if !ok || !stored.pending[subscriberID] {
		b.mu.Unlock()
		return false
	}
	delete(stored.pending, subscriberID)
	b.acknowledged++
	fullyAcked := len(stored.pending) == 0
	if fullyAcked {
		delete(b.store, envelopeID)
	}
	b.mu.Unlock()

	if fullyAcked {
		b.journalRemove(envelopeID)
	}
	return true
}

// journalRemove drops a journal record off the bus lock. Missing
// entries and write errors only cost durability.
func (b *EventBus) journalRemove(envelopeID string) {
	if b.config.Journal == nil {
		return
	}
	if err := b.config.Journal.Remove(envelopeID); err != nil {
		b.logger.Warn("journal remove failed",
			"envelope_id", envelopeID, "error", err)
	}
}

// Restore re-inserts an envelope recovered from the journal, routing it
// to the current subscribers. Expired envelopes are refused.
//
// Outputs:
//   - bool: True when the envelope re-entered the store.
func (b *EventBus) Restore(env Envelope) bool {
	if err := validateEnvelope(env); err != nil {
		return false
	}
	if time.Since(env.CreatedAt) > b.config.Retention {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.store[env.EnvelopeID]; exists {
		return false
	}
	stored := &storedEvent{env: env, pending: make(map[string]bool)}
	b.routeLocked(stored)
	b.store[env.EnvelopeID] = stored
	return true
}

// Sweep evicts every envelope older than the retention window,
// regardless of acknowledgment state. Called by the retention loop;
// exported so tests and operators can run it on demand.
//
// Outputs:
//   - int: Number of envelopes evicted.
func (b *EventBus) Sweep() int {
	cutoff := time.Now().Add(-b.config.Retention)

	b.mu.Lock()
	var evictedIDs []string
	for id, stored := range b.store {
		if stored.env.CreatedAt.After(cutoff) {
			continue
		}
		delete(b.store, id)
		evictedIDs = append(evictedIDs, id)
	}
	b.expired += uint64(len(evictedIDs))
	b.mu.Unlock()

	for _, id := range evictedIDs {
		b.journalRemove(id)
	}
	if len(evictedIDs) > 0 {
		b.logger.Info("retention sweep evicted events", "count", len(evictedIDs))
	}
	return len(evictedIDs)
}

// DeadLetters returns a copy of the dead-letter queue, newest last.
func (b *EventBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead.snapshot()
}

// DrainDeadLetters returns and clears the dead-letter queue.
func (b *EventBus) DrainDeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead.drain()
}

// Stats reports a snapshot of bus counters and queue depths.
func (b *EventBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	depths := make(map[string]int, len(b.queues))
	for id, queue := range b.queues {
		depths[id] = len(queue)
	}

	var oldest *time.Time
	var memory int64
	for _, stored := range b.store {
		created := stored.env.CreatedAt
		if oldest == nil || created.Before(*oldest) {
			t := created
			oldest = &t
		}
		// Payload plus a rough fixed overhead per stored entry.
		memory += int64(len(stored.env.Payload)) + 256
	}

	return Stats{
		EventsPublished:      b.published,
		EventsDelivered:      b.delivered,
		EventsAcknowledged:   b.acknowledged,
		EventsFailed:         b.failed,
		EventsDropped:        b.dropped,
		EventsExpired:        b.expired,
		ActiveSubscriptions:  len(b.subscriptions),
		QueueDepths:          depths,
		OldestUnacknowledged: oldest,
		DeadLetters:          b.dead.len(),
		ApproxMemoryBytes:    memory,
	}
}

// Retention returns the configured retention window.
func (b *EventBus) Retention() time.Duration {
	return b.config.Retention
}

// validateEnvelope rejects envelopes the store cannot hold.
func validateEnvelope(env Envelope) error {
	if env.EnvelopeID == "" {
		return fmt.Errorf("envelope id is required")
	}
	if env.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if len(env.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// targeted reports whether the target list admits the subscriber.
func targeted(targets []string, subscriberID string) bool {
	if len(targets) == 0 {
		return true
	}
	for _, t := range targets {
		if t == subscriberID {
			return true
		}
	}
	return false
}
