// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/calderai/metaloop/services/evolution/bus"
	"github.com/calderai/metaloop/services/evolution/config"
	"github.com/calderai/metaloop/services/evolution/executor"
	"github.com/calderai/metaloop/services/evolution/handlers"
	"github.com/calderai/metaloop/services/evolution/loop"
	"github.com/calderai/metaloop/services/evolution/middleware"
	"github.com/calderai/metaloop/services/evolution/planner"
	"github.com/calderai/metaloop/services/evolution/safety"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Config    config.Config
	Bus       *bus.EventBus
	Planner   *planner.Planner
	Validator *safety.Validator
	Driver    *executor.Driver
	Scheduler *loop.Scheduler
	Registry  *prometheus.Registry
	Logger    *slog.Logger
}

// SetupRoutes wires middleware and endpoints onto the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(otelgin.Middleware("metaloop"))
	router.Use(middleware.RequestLogger(deps.Logger))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		deps.Registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		events := v1.Group("/events")
		{
			events.POST("", middleware.IngestRateLimit(
				deps.Config.Ingest.RequestsPerSecond, deps.Config.Ingest.Burst),
				handlers.PublishEvent(deps.Bus))
			events.GET("", handlers.GetEvents(deps.Bus))
			events.POST("/:id/ack", handlers.AcknowledgeEvent(deps.Bus))
			events.GET("/deadletters", handlers.ListDeadLetters(deps.Bus))
		}

		subscriptions := v1.Group("/subscriptions")
		{
			subscriptions.POST("", handlers.CreateSubscription(deps.Bus))
			subscriptions.DELETE("/:id", handlers.DeleteSubscription(deps.Bus))
		}

		v1.POST("/loop/tick", handlers.TriggerTick(deps.Scheduler))
		v1.GET("/stats", handlers.GetStats(handlers.StatsSources{
			Bus:       deps.Bus,
			Planner:   deps.Planner,
			Validator: deps.Validator,
			Driver:    deps.Driver,
		}))
	}
}
