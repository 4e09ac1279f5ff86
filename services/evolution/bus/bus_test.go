// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testEnvelope(id, eventType string) Envelope {
	return Envelope{
		EnvelopeID:    id,
		EventType:     eventType,
		Payload:       json.RawMessage(`{"event_id":"` + id + `"}`),
		SourceService: "test",
		CreatedAt:     time.Now(),
	}
}

func TestPublishAndDeliver(t *testing.T) {
	b := New(DefaultConfig())
	b.Subscribe(Subscription{SubscriberID: "analyzer"})

	if !b.Publish(testEnvelope("e1", "feedback.implicit")) {
		t.Fatal("publish failed")
	}

	stats := b.Stats()
	if stats.EventsPublished != 1 {
		t.Errorf("published = %d", stats.EventsPublished)
	}
	if stats.EventsDelivered != 1 {
		t.Errorf("delivered = %d", stats.EventsDelivered)
	}

	events := b.GetEvents("analyzer", 10)
	if len(events) != 1 || events[0].EnvelopeID != "e1" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].ProcessingAttempts != 1 {
		t.Errorf("processing_attempts = %d", events[0].ProcessingAttempts)
	}
}

func TestTypeFilteredSubscription(t *testing.T) {
	b := New(DefaultConfig())
	b.Subscribe(Subscription{
		SubscriberID: "explicit-only",
		EventTypes:   []string{"feedback.explicit"},
	})

	b.Publish(testEnvelope("e1", "system.metric"))
	b.Publish(testEnvelope("e2", "feedback.explicit"))

	events := b.GetEvents("explicit-only", 10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventType != "feedback.explicit" {
		t.Errorf("wrong event delivered: %s", events[0].EventType)
	}
}

func TestTargetedDelivery(t *testing.T) {
	b := New(DefaultConfig())
	b.Subscribe(Subscription{SubscriberID: "alpha"})
	b.Subscribe(Subscription{SubscriberID: "beta"})

	env := testEnvelope("e1", "feedback.implicit")
	env.TargetServices = []string{"beta"}
	b.Publish(env)

	if got := b.GetEvents("alpha", 10); len(got) != 0 {
		t.Errorf("alpha should receive nothing, got %d", len(got))
	}
	if got := b.GetEvents("beta", 10); len(got) != 1 {
		t.Errorf("beta should receive 1 event, got %d", len(got))
	}
}

func TestAcknowledgeEvictsWhenAllAck(t *testing.T) {
	b := New(DefaultConfig())
	b.Subscribe(Subscription{SubscriberID: "s1"})
	b.Subscribe(Subscription{SubscriberID: "s2"})

	b.Publish(testEnvelope("e1", "feedback.implicit"))

	if !b.Acknowledge("e1", "s1") {
		t.Fatal("s1 ack failed")
	}
	// Partial ack: still retrievable for s2.
	if got := b.GetEvents("s2", 10); len(got) != 1 {
		t.Fatalf("s2 should still see the event, got %d", len(got))
	}

	if !b.Acknowledge("e1", "s2") {
		t.Fatal("s2 ack failed")
	}
	// Store is empty now; nothing survives a sweep either.
	stats := b.Stats()
	if stats.OldestUnacknowledged != nil {
		t.Error("store should be empty after full ack")
	}
	if stats.EventsAcknowledged != 2 {
		t.Errorf("acknowledged = %d", stats.EventsAcknowledged)
	}

	// Double ack is a no-op.
	if b.Acknowledge("e1", "s1") {
		t.Error("ack of evicted event should return false")
	}
}

func TestQueueFullDropsPerSubscriber(t *testing.T) {
	b := New(DefaultConfig())
	b.Subscribe(Subscription{SubscriberID: "tiny", MaxQueueSize: 2})
	b.Subscribe(Subscription{SubscriberID: "roomy"})

	for i := 0; i < 5; i++ {
		if !b.Publish(testEnvelope(fmt.Sprintf("e%d", i), "feedback.implicit")) {
			t.Fatalf("publish %d failed", i)
		}
	}

	stats := b.Stats()
	if stats.QueueDepths["tiny"] != 2 {
		t.Errorf("tiny queue depth = %d", stats.QueueDepths["tiny"])
	}
	if stats.QueueDepths["roomy"] != 5 {
		t.Errorf("roomy queue depth = %d", stats.QueueDepths["roomy"])
	}
	if stats.EventsDropped != 3 {
		t.Errorf("dropped = %d", stats.EventsDropped)
	}
	// Delivered counts matching, non-full queues only.
	if stats.EventsDelivered != 7 {
		t.Errorf("delivered = %d", stats.EventsDelivered)
	}

	dead := b.DeadLetters()
	if len(dead) != 3 {
		t.Fatalf("dead letters = %d", len(dead))
	}
	for _, dl := range dead {
		if dl.SubscriberID != "tiny" || dl.Reason != dropReasonQueueFull {
			t.Errorf("unexpected dead letter: %+v", dl)
		}
	}
}

func TestPublishRejectsMalformed(t *testing.T) {
	b := New(DefaultConfig())

	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing type", Envelope{EnvelopeID: "x", Payload: json.RawMessage(`{}`)}},
		{"missing payload", Envelope{EnvelopeID: "x", EventType: "t"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if b.Publish(tc.env) {
				t.Error("expected publish to fail")
			}
		})
	}
	if got := b.Stats().EventsFailed; got != 2 {
		t.Errorf("failed = %d", got)
	}
}

func TestDuplicateEnvelopeID(t *testing.T) {
	b := New(DefaultConfig())
	if !b.Publish(testEnvelope("dup", "t")) {
		t.Fatal("first publish failed")
	}
	if b.Publish(testEnvelope("dup", "t")) {
		t.Error("duplicate publish should fail")
	}
}

func TestSweepEvictsOldEvents(t *testing.T) {
	config := DefaultConfig()
	config.Retention = time.Hour
	b := New(config)
	b.Subscribe(Subscription{SubscriberID: "slow"})

	old := testEnvelope("old", "t")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	fresh := testEnvelope("fresh", "t")
	b.Publish(old)
	b.Publish(fresh)

	if n := b.Sweep(); n != 1 {
		t.Fatalf("sweep evicted %d, want 1", n)
	}
	if got := b.Stats().EventsExpired; got != 1 {
		t.Errorf("expired = %d", got)
	}

	// The queue entry for the evicted event is skipped on read.
	events := b.GetEvents("slow", 10)
	if len(events) != 1 || events[0].EnvelopeID != "fresh" {
		t.Fatalf("unexpected events after sweep: %+v", events)
	}
}

func TestGetEventsLimit(t *testing.T) {
	b := New(DefaultConfig())
	b.Subscribe(Subscription{SubscriberID: "s"})
	for i := 0; i < 5; i++ {
		b.Publish(testEnvelope(fmt.Sprintf("e%d", i), "t"))
	}

	first := b.GetEvents("s", 2)
	if len(first) != 2 || first[0].EnvelopeID != "e0" || first[1].EnvelopeID != "e1" {
		t.Fatalf("FIFO violated: %+v", first)
	}
	rest := b.GetEvents("s", 10)
	if len(rest) != 3 || rest[0].EnvelopeID != "e2" {
		t.Fatalf("remaining events wrong: %+v", rest)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(DefaultConfig())
	id1 := b.Subscribe(Subscription{SubscriberID: "shared"})
	id2 := b.Subscribe(Subscription{SubscriberID: "shared", EventTypes: []string{"x"}})

	if !b.Unsubscribe(id1) {
		t.Fatal("unsubscribe id1 failed")
	}
	// Queue survives while another subscription feeds it.
	b.Publish(testEnvelope("e1", "x"))
	if got := b.GetEvents("shared", 10); len(got) != 1 {
		t.Fatalf("shared queue should still deliver, got %d", len(got))
	}

	if !b.Unsubscribe(id2) {
		t.Fatal("unsubscribe id2 failed")
	}
	if b.Unsubscribe(id2) {
		t.Error("second unsubscribe should return false")
	}
	if got := b.Stats().ActiveSubscriptions; got != 0 {
		t.Errorf("active subscriptions = %d", got)
	}
}

func TestUnsubscribeReleasesPendingClaims(t *testing.T) {
	b := New(DefaultConfig())
	soleID := b.Subscribe(Subscription{SubscriberID: "sole"})
	b.Subscribe(Subscription{SubscriberID: "other"})

	b.Publish(testEnvelope("e1", "t"))
	b.GetEvents("other", 10)
	if !b.Acknowledge("e1", "other") {
		t.Fatal("acknowledge by other failed")
	}

	// e1 now waits only on "sole"; dropping its last subscription must
	// release the claim so the envelope leaves the store.
	if !b.Unsubscribe(soleID) {
		t.Fatal("unsubscribe failed")
	}
	if b.Acknowledge("e1", "sole") {
		t.Error("claim should already be released")
	}
	if oldest := b.Stats().OldestUnacknowledged; oldest != nil {
		t.Errorf("store should be empty, oldest unacknowledged = %v", oldest)
	}
}

// reentrantJournal calls back into the bus from inside every journal
// operation. It deadlocks unless the bus performs journal I/O off its
// own lock.
type reentrantJournal struct {
	bus     *EventBus
	appends int
	removes int
}

func (j *reentrantJournal) Append(env Envelope) error {
	j.bus.Stats()
	j.appends++
	return nil
}

func (j *reentrantJournal) Remove(envelopeID string) error {
	j.bus.Stats()
	j.removes++
	return nil
}

func TestJournalWritesOutsideBusLock(t *testing.T) {
	jnl := &reentrantJournal{}
	config := DefaultConfig()
	config.Journal = jnl
	b := New(config)
	jnl.bus = b
	b.Subscribe(Subscription{SubscriberID: "s"})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		b.Publish(testEnvelope("e1", "t"))
		b.GetEvents("s", 10)
		b.Acknowledge("e1", "s")
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publish or acknowledge blocked on a journal write")
	}
	if jnl.appends != 1 || jnl.removes != 1 {
		t.Errorf("journal saw %d appends, %d removes, want 1 and 1",
			jnl.appends, jnl.removes)
	}
}

func TestRestoreSkipsExpired(t *testing.T) {
	config := DefaultConfig()
	config.Retention = time.Hour
	b := New(config)
	b.Subscribe(Subscription{SubscriberID: "s"})

	expired := testEnvelope("old", "t")
	expired.CreatedAt = time.Now().Add(-2 * time.Hour)
	if b.Restore(expired) {
		t.Error("expired envelope should not restore")
	}

	fresh := testEnvelope("fresh", "t")
	if !b.Restore(fresh) {
		t.Error("fresh envelope should restore")
	}
	if got := b.GetEvents("s", 10); len(got) != 1 {
		t.Errorf("restored envelope not delivered, got %d", len(got))
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New(DefaultConfig())
	b.Subscribe(Subscription{SubscriberID: "s", MaxQueueSize: 10000})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(testEnvelope(fmt.Sprintf("g%d-e%d", g, i), "t"))
			}
		}(g)
	}
	wg.Wait()

	stats := b.Stats()
	if stats.EventsPublished != 800 {
		t.Errorf("published = %d", stats.EventsPublished)
	}
	if stats.QueueDepths["s"] != 800 {
		t.Errorf("queue depth = %d", stats.QueueDepths["s"])
	}
}
