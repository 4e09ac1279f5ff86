// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package feedback

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeKnownEvent(t *testing.T) {
	raw := json.RawMessage(`{
		"event_id": "evt-1",
		"event_type": "implicit",
		"agent_id": "agent_1",
		"timestamp": "2025-06-01T12:00:00Z",
		"implicit": {"response_time_ms": 250, "success_rate": 0.9}
	}`)

	payload, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	event, ok := payload.(*Event)
	if !ok {
		t.Fatalf("expected *Event, got %T", payload)
	}
	if event.EventType != EventTypeImplicit {
		t.Errorf("event_type = %q", event.EventType)
	}
	if event.Implicit == nil || event.Implicit.ResponseTimeMS == nil {
		t.Fatal("implicit signals not decoded")
	}
	if *event.Implicit.ResponseTimeMS != 250 {
		t.Errorf("response_time_ms = %v", *event.Implicit.ResponseTimeMS)
	}
	if !event.Timestamp.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", event.Timestamp)
	}
}

func TestDecodeUnknownShape(t *testing.T) {
	t.Run("unknown event type", func(t *testing.T) {
		payload, err := Decode(json.RawMessage(`{"event_id":"x","event_type":"telemetry.v2"}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, ok := payload.(*UnknownPayload); !ok {
			t.Errorf("expected *UnknownPayload, got %T", payload)
		}
	})

	t.Run("missing event id", func(t *testing.T) {
		payload, err := Decode(json.RawMessage(`{"event_type":"implicit"}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, ok := payload.(*UnknownPayload); !ok {
			t.Errorf("expected *UnknownPayload, got %T", payload)
		}
	})

	t.Run("not json", func(t *testing.T) {
		payload, err := Decode(json.RawMessage(`not json at all`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, ok := payload.(*UnknownPayload); !ok {
			t.Errorf("expected *UnknownPayload, got %T", payload)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Decode(nil)
		if err != ErrEmptyPayload {
			t.Errorf("expected ErrEmptyPayload, got %v", err)
		}
	})
}

func TestDecodeEvents(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"event_id":"a","event_type":"explicit","agent_id":"agent_1","explicit":{"rating":4}}`),
		json.RawMessage(`{"kind":"something_else"}`),
		json.RawMessage(`{"event_id":"b","event_type":"implicit","agent_id":"agent_2"}`),
		nil,
	}

	events, skipped := DecodeEvents(raws)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if skipped != 2 {
		t.Errorf("expected 2 skipped, got %d", skipped)
	}
	if events[0].EventID != "a" || events[1].EventID != "b" {
		t.Errorf("events out of order: %v %v", events[0].EventID, events[1].EventID)
	}
	if events[0].Explicit == nil || events[0].Explicit.Rating == nil || *events[0].Explicit.Rating != 4 {
		t.Error("explicit rating not decoded")
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, et := range []EventType{
		EventTypeExplicit, EventTypeImplicit, EventTypeSystemMetric,
		EventTypeMutationPlan, EventTypeMutationResult, EventTypeSafetyAlert,
	} {
		if !et.Valid() {
			t.Errorf("%q should be valid", et)
		}
	}
	if EventType("bogus").Valid() {
		t.Error("bogus type should not be valid")
	}
}
