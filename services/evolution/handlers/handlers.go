// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface of the metaloop
// service: event ingestion, subscription management, tick triggering,
// and operational snapshots.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/calderai/metaloop/services/evolution/bus"
	"github.com/calderai/metaloop/services/evolution/executor"
	"github.com/calderai/metaloop/services/evolution/loop"
	"github.com/calderai/metaloop/services/evolution/planner"
	"github.com/calderai/metaloop/services/evolution/safety"
)

// =============================================================================
// Event ingestion
// =============================================================================

// publishRequest is the wire shape for POST /v1/events.
type publishRequest struct {
	EventType      string          `json:"event_type" binding:"required"`
	Payload        json.RawMessage `json:"payload" binding:"required"`
	SourceService  string          `json:"source_service" binding:"required"`
	TargetServices []string        `json:"target_services"`
	CorrelationID  string          `json:"correlation_id"`
	ParentEventID  string          `json:"parent_event_id"`
	MaxAttempts    int             `json:"max_attempts"`
}

// PublishEvent accepts one envelope onto the bus.
//
// Returns 202 with the envelope id, or 422 when the bus refuses the
// envelope (malformed or duplicate).
func PublishEvent(b *bus.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req publishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		env := bus.Envelope{
			EnvelopeID:     uuid.NewString(),
			EventType:      req.EventType,
			Payload:        req.Payload,
			SourceService:  req.SourceService,
			TargetServices: req.TargetServices,
			CorrelationID:  req.CorrelationID,
			ParentEventID:  req.ParentEventID,
			MaxAttempts:    req.MaxAttempts,
		}
		if !b.Publish(env) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "envelope rejected"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"envelope_id": env.EnvelopeID})
	}
}

// GetEvents pops up to "limit" envelopes off a subscriber's queue.
func GetEvents(b *bus.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		subscriberID := c.Query("subscriber_id")
		if subscriberID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "subscriber_id is required"})
			return
		}
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}
		events := b.GetEvents(subscriberID, limit)
		c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
	}
}

// AcknowledgeEvent removes a subscriber from an envelope's pending set.
func AcknowledgeEvent(b *bus.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		envelopeID := c.Param("id")
		subscriberID := c.Query("subscriber_id")
		if subscriberID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "subscriber_id is required"})
			return
		}
		if !b.Acknowledge(envelopeID, subscriberID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending delivery for this envelope and subscriber"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"acknowledged": true})
	}
}

// ListDeadLetters returns the bounded dead-letter queue for diagnostics.
func ListDeadLetters(b *bus.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		letters := b.DeadLetters()
		c.JSON(http.StatusOK, gin.H{"dead_letters": letters, "count": len(letters)})
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

type subscribeRequest struct {
	SubscriberID string   `json:"subscriber_id" binding:"required"`
	EventTypes   []string `json:"event_types"`
	MaxQueueSize int      `json:"max_queue_size"`
}

// CreateSubscription registers interest in event types.
func CreateSubscription(b *bus.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := b.Subscribe(bus.Subscription{
			SubscriberID: req.SubscriberID,
			EventTypes:   req.EventTypes,
			MaxQueueSize: req.MaxQueueSize,
		})
		c.JSON(http.StatusCreated, gin.H{"subscription_id": id})
	}
}

// DeleteSubscription removes a subscription by id.
func DeleteSubscription(b *bus.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !b.Unsubscribe(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown subscription"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"unsubscribed": true})
	}
}

// =============================================================================
// Loop control and stats
// =============================================================================

// TriggerTick runs the pipeline once, outside the schedule. Returns
// 409 when this instance does not hold the leader lease.
func TriggerTick(s *loop.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		result := s.RunNow(c.Request.Context())
		if result == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "this instance does not hold the leader lease"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// StatsSources bundles the read-only snapshots the stats endpoint
// exposes.
type StatsSources struct {
	Bus       *bus.EventBus
	Planner   *planner.Planner
	Validator *safety.Validator
	Driver    *executor.Driver
}

// GetStats reports per-component operational counters.
func GetStats(src StatsSources) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"bus":       src.Bus.Stats(),
			"planner":   src.Planner.Stats(),
			"safety":    src.Validator.Stats(),
			"executor":  src.Driver.Stats(),
			"timestamp": time.Now().UTC(),
		})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "metaloop"})
}
