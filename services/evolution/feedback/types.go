// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package feedback defines the domain payload shapes the evolution loop
// understands.
//
// Envelope payloads on the bus are opaque bytes. This package is the
// single place where those bytes are decoded into a closed set of typed
// shapes. Consumers switch on the decoded variant; anything that does
// not decode into a known shape becomes UnknownPayload, which the
// analyzer skips rather than rejecting at the bus.
package feedback

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType classifies a feedback event.
type EventType string

const (
	// EventTypeExplicit carries user-provided signals (ratings, corrections).
	EventTypeExplicit EventType = "explicit"

	// EventTypeImplicit carries observed behavioral signals (latency, success rate).
	EventTypeImplicit EventType = "implicit"

	// EventTypeSystemMetric carries raw system metrics.
	EventTypeSystemMetric EventType = "system_metric"

	// EventTypeMutationPlan announces a created mutation plan.
	EventTypeMutationPlan EventType = "mutation_plan"

	// EventTypeMutationResult reports the outcome of an executed plan.
	EventTypeMutationResult EventType = "mutation_result"

	// EventTypeSafetyAlert reports a safety gate rejection.
	EventTypeSafetyAlert EventType = "safety_alert"
)

// knownEventTypes is the closed set accepted by the decoder.
var knownEventTypes = map[EventType]bool{
	EventTypeExplicit:       true,
	EventTypeImplicit:       true,
	EventTypeSystemMetric:   true,
	EventTypeMutationPlan:   true,
	EventTypeMutationResult: true,
	EventTypeSafetyAlert:    true,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return knownEventTypes[t]
}

// ExplicitSignals holds user-provided feedback attached to an event.
type ExplicitSignals struct {
	// Rating is a 1-5 user rating. Nil when the event carries no rating.
	Rating *float64 `json:"rating,omitempty"`

	// Correction is a user-supplied correction of agent output.
	Correction string `json:"correction,omitempty"`

	// Complaint is a free-form user complaint.
	Complaint string `json:"complaint,omitempty"`

	// Category groups complaints/corrections for clustering.
	Category string `json:"category,omitempty"`
}

// ImplicitSignals holds numeric behavioral measurements.
type ImplicitSignals struct {
	// ResponseTimeMS is the observed end-to-end latency in milliseconds.
	ResponseTimeMS *float64 `json:"response_time_ms,omitempty"`

	// SuccessRate is the observed success rate in [0,1].
	SuccessRate *float64 `json:"success_rate,omitempty"`

	// TokensUsed is the token count for the interaction.
	TokensUsed *float64 `json:"tokens_used,omitempty"`

	// Extra carries additional named numeric signals.
	Extra map[string]float64 `json:"extra,omitempty"`
}

// Event is the feedback payload shape produced by agents and consumed
// by the analyzer.
type Event struct {
	// EventID uniquely identifies the event.
	EventID string `json:"event_id"`

	// EventType classifies the event. Must be one of the EventType constants.
	EventType EventType `json:"event_type"`

	// AgentID identifies the agent the event describes.
	AgentID string `json:"agent_id"`

	// SessionID groups events belonging to one interaction session.
	SessionID string `json:"session_id,omitempty"`

	// Timestamp is when the observation was made.
	Timestamp time.Time `json:"timestamp"`

	// Context is free-form contextual data.
	Context map[string]any `json:"context,omitempty"`

	// Explicit holds user-provided signals, when present.
	Explicit *ExplicitSignals `json:"explicit,omitempty"`

	// Implicit holds behavioral signals, when present.
	Implicit *ImplicitSignals `json:"implicit,omitempty"`

	// Artifacts references logs or outputs related to the event.
	Artifacts []string `json:"artifacts,omitempty"`

	// Metadata carries string key-value annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Payload is the closed union of payload shapes carried by bus envelopes.
//
// Variants: *Event, *UnknownPayload. The marker method keeps the set
// closed to this package.
type Payload interface {
	payloadVariant()
}

func (*Event) payloadVariant()          {}
func (*UnknownPayload) payloadVariant() {}

// UnknownPayload wraps bytes that did not decode into a known shape.
// The analyzer skips these; the bus delivers them untouched.
type UnknownPayload struct {
	// Raw is the undecoded payload.
	Raw json.RawMessage
}

// ErrEmptyPayload is returned when a payload has no bytes at all.
var ErrEmptyPayload = errors.New("empty payload")

// Decode turns raw payload bytes into a typed Payload variant.
//
// Decode never fails on well-formed JSON: shapes that lack a known
// event_type come back as *UnknownPayload so a single odd producer
// cannot poison a batch. Only a completely empty payload is an error.
//
// Inputs:
//   - raw: Payload bytes from an envelope.
//
// Outputs:
//   - Payload: *Event or *UnknownPayload. Nil only on error.
//   - error: ErrEmptyPayload when raw is empty.
func Decode(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return &UnknownPayload{Raw: raw}, nil
	}
	if !event.EventType.Valid() || event.EventID == "" {
		return &UnknownPayload{Raw: raw}, nil
	}
	return &event, nil
}

// DecodeEvents decodes a batch of payloads, keeping only feedback
// events. Unknown shapes and empty payloads are counted, not returned.
//
// Outputs:
//   - []*Event: Decoded events in input order.
//   - int: Number of payloads skipped.
func DecodeEvents(raws []json.RawMessage) ([]*Event, int) {
	events := make([]*Event, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		payload, err := Decode(raw)
		if err != nil {
			skipped++
			continue
		}
		event, ok := payload.(*Event)
		if !ok {
			skipped++
			continue
		}
		events = append(events, event)
	}
	return events, skipped
}
