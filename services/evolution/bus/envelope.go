// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bus

import (
	"encoding/json"
	"time"
)

// Envelope is the transport wrapper around a domain event.
//
// Envelopes are immutable once published. The bus owns a published
// envelope until every pending subscriber has acknowledged it or the
// retention window evicts it.
type Envelope struct {
	// EnvelopeID uniquely identifies the envelope.
	EnvelopeID string `json:"envelope_id"`

	// EventType is the routing tag, e.g. "feedback.implicit".
	EventType string `json:"event_type"`

	// Payload is the opaque domain event. The bus never inspects it.
	Payload json.RawMessage `json:"payload"`

	// SourceService names the producer.
	SourceService string `json:"source_service"`

	// TargetServices restricts delivery to the named subscribers.
	// Empty means broadcast.
	TargetServices []string `json:"target_services,omitempty"`

	// CreatedAt is when the envelope was published.
	CreatedAt time.Time `json:"created_at"`

	// ProcessingAttempts counts delivery attempts so far.
	ProcessingAttempts int `json:"processing_attempts"`

	// MaxAttempts bounds retry bookkeeping for consumers.
	MaxAttempts int `json:"max_attempts"`

	// CorrelationID ties the envelope into a causal chain. Optional.
	CorrelationID string `json:"correlation_id,omitempty"`

	// ParentEventID references the envelope that caused this one. Optional.
	ParentEventID string `json:"parent_event_id,omitempty"`
}

// Subscription registers interest in event types.
//
// Several subscriptions may share one SubscriberID; they feed the same
// delivery queue.
type Subscription struct {
	// SubscriberID names the delivery queue this subscription feeds.
	SubscriberID string `json:"subscriber_id"`

	// EventTypes is the set of types to receive. Empty means all types.
	EventTypes []string `json:"event_types,omitempty"`

	// MaxQueueSize bounds the subscriber's delivery queue.
	MaxQueueSize int `json:"max_queue_size"`

	// CreatedAt is when the subscription was registered.
	CreatedAt time.Time `json:"created_at"`
}

// matches reports whether the subscription wants the envelope's type.
func (s *Subscription) matches(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	// EventsPublished counts successful Publish calls.
	EventsPublished uint64 `json:"events_published"`

	// EventsDelivered counts envelope-to-queue appends.
	EventsDelivered uint64 `json:"events_delivered"`

	// EventsAcknowledged counts Acknowledge calls that removed a pending entry.
	EventsAcknowledged uint64 `json:"events_acknowledged"`

	// EventsFailed counts envelopes rejected at Publish.
	EventsFailed uint64 `json:"events_failed"`

	// EventsDropped counts per-subscriber queue-full drops.
	EventsDropped uint64 `json:"events_dropped"`

	// EventsExpired counts envelopes evicted by the retention sweep.
	EventsExpired uint64 `json:"events_expired"`

	// ActiveSubscriptions is the number of live subscriptions.
	ActiveSubscriptions int `json:"active_subscriptions"`

	// QueueDepths maps subscriber id to current queue length.
	QueueDepths map[string]int `json:"queue_depths"`

	// OldestUnacknowledged is the publish time of the oldest envelope
	// still held in the store. Nil when the store is empty.
	OldestUnacknowledged *time.Time `json:"oldest_unacknowledged,omitempty"`

	// DeadLetters is the current dead-letter queue depth.
	DeadLetters int `json:"dead_letters"`

	// ApproxMemoryBytes estimates the store's payload footprint.
	ApproxMemoryBytes int64 `json:"approx_memory_bytes"`
}
