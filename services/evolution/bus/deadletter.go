// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bus

import "time"

// DropReason explains why an event entered the dead-letter queue.
type DropReason string

const (
	dropReasonQueueFull DropReason = "queue_full"
)

// DeadLetter records an event that could not be delivered to one
// subscriber. Retained for diagnostics only; the bus never retries.
type DeadLetter struct {
	EnvelopeID   string     `json:"envelope_id"`
	EventType    string     `json:"event_type"`
	SubscriberID string     `json:"subscriber_id"`
	Reason       DropReason `json:"reason"`
	At           time.Time  `json:"at"`
}

type deadLetter = DeadLetter

// deadLetterQueue is a bounded FIFO; the oldest entry is shed when full.
// Callers hold the bus mutex.
type deadLetterQueue struct {
	entries  []DeadLetter
	capacity int
}

func newDeadLetterQueue(capacity int) *deadLetterQueue {
	return &deadLetterQueue{
		entries:  make([]DeadLetter, 0, capacity),
		capacity: capacity,
	}
}

func (q *deadLetterQueue) add(entry DeadLetter) {
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

func (q *deadLetterQueue) len() int {
	return len(q.entries)
}

func (q *deadLetterQueue) snapshot() []DeadLetter {
	out := make([]DeadLetter, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *deadLetterQueue) drain() []DeadLetter {
	out := q.entries
	q.entries = make([]DeadLetter, 0, q.capacity)
	return out
}
