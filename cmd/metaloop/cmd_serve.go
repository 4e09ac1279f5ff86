// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/calderai/metaloop/pkg/logging"
	"github.com/calderai/metaloop/services/evolution/analyzer"
	"github.com/calderai/metaloop/services/evolution/bus"
	"github.com/calderai/metaloop/services/evolution/executor"
	"github.com/calderai/metaloop/services/evolution/journal"
	"github.com/calderai/metaloop/services/evolution/loop"
	"github.com/calderai/metaloop/services/evolution/observability"
	"github.com/calderai/metaloop/services/evolution/planner"
	"github.com/calderai/metaloop/services/evolution/routes"
	"github.com/calderai/metaloop/services/evolution/safety"
)

// =============================================================================
// Telemetry
// =============================================================================

// initTracer wires the OTLP trace exporter and registers it as the
// global provider. The returned cleanup flushes pending spans.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("metaloop")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// =============================================================================
// Pipeline Assembly
// =============================================================================

// pipeline is the fully wired evolution stack behind the serve and
// tick commands.
type pipeline struct {
	bus       *bus.EventBus
	sweeper   *bus.Sweeper
	journal   *journal.Journal
	planner   *planner.Planner
	validator *safety.Validator
	driver    *executor.Driver
	loop      *loop.Loop
	registry  *prometheus.Registry
}

// buildPipeline assembles every stage from the loaded config. dryRun
// forces simulation on top of whatever the config says.
func buildPipeline(logger *logging.Logger, dryRun bool) (*pipeline, error) {
	slogger := logger.Slog()

	registry := prometheus.NewRegistry()
	metrics := observability.New(registry)

	busCfg := bus.DefaultConfig()
	busCfg.Retention = time.Duration(cfg.Bus.RetentionHours * float64(time.Hour))
	busCfg.DeadLetterCapacity = cfg.Bus.DeadLetterCapacity
	busCfg.Logger = slogger

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		var err error
		jnl, err = journal.Open(journal.DefaultConfig(cfg.Journal.Path))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		busCfg.Journal = jnl
	}

	eventBus := bus.New(busCfg)
	sweeper := bus.NewSweeper(eventBus,
		time.Duration(cfg.Bus.SweepSeconds)*time.Second, slogger)

	anlz := analyzer.New(analyzer.Config{Logger: slogger})

	plnr := planner.New(planner.Config{
		MinEvents:       cfg.Planner.MinEvents,
		MaxPlansPerHour: cfg.Planner.MaxPlansPerHour,
		MaxActions:      cfg.Planner.MaxActions,
		Logger:          slogger,
	})

	driver := executor.New(executor.Config{
		Handlers: defaultHandlers(slogger),
		Logger:   slogger,
	})

	validator, err := safety.New(safety.Config{
		CriticalTargets: cfg.Safety.CriticalTargets,
		InFlight:        driver.InFlightChecker(),
		Logger:          slogger,
	})
	if err != nil {
		if jnl != nil {
			jnl.Close()
		}
		return nil, fmt.Errorf("init validator: %w", err)
	}

	evoLoop := loop.New(loop.Config{
		BatchLimit:  cfg.Loop.BatchLimit,
		QueueSize:   cfg.Loop.QueueSize,
		WindowHours: cfg.Loop.WindowHours,
		DryRun:      cfg.Loop.DryRun || dryRun,
		TickTimeout: time.Duration(cfg.Loop.TickTimeoutSeconds) * time.Second,
		Logger:      slogger,
		Metrics:     metrics,
	}, eventBus, anlz, plnr, validator, driver)

	return &pipeline{
		bus:       eventBus,
		sweeper:   sweeper,
		journal:   jnl,
		planner:   plnr,
		validator: validator,
		driver:    driver,
		loop:      evoLoop,
		registry:  registry,
	}, nil
}

// replayJournal re-inserts journaled envelopes into the bus after the
// loop has subscribed, so recovered events are re-queued for analysis.
func (p *pipeline) replayJournal(logger *slog.Logger) {
	if p.journal == nil {
		return
	}
	restored, err := p.journal.Replay(func(env bus.Envelope) error {
		p.bus.Restore(env)
		return nil
	})
	if err != nil {
		logger.Warn("journal replay incomplete", "restored", restored, "error", err)
		return
	}
	if restored > 0 {
		logger.Info("journal replayed", "envelopes", restored)
	}
}

// close releases the pipeline's background resources.
func (p *pipeline) close() {
	p.sweeper.Stop()
	if p.journal != nil {
		if err := p.journal.Close(); err != nil {
			slog.Error("failed to close journal", "error", err)
		}
	}
}

// defaultHandlers returns the built-in mutation handlers. They record
// the requested change and report success; deployments that apply real
// mutations register their own handlers in place of these.
func defaultHandlers(logger *slog.Logger) *executor.HandlerRegistry {
	registry := executor.NewHandlerRegistry()
	for _, op := range []planner.OperationType{
		planner.OpPromptPatch,
		planner.OpModelSwap,
		planner.OpLoraApply,
		planner.OpLoraRemove,
		planner.OpParamSet,
		planner.OpMemoryUpdate,
		planner.OpRouteChange,
		planner.OpFeatureToggle,
	} {
		op := op
		registry.Register(op, executor.HandlerFunc(
			func(ctx context.Context, action planner.Action) (string, error) {
				logger.Info("mutation applied",
					"operation", op,
					"target", action.Target,
					"action_id", action.ActionID)
				return fmt.Sprintf("%s applied to %s", op, action.Target), nil
			}))
	}
	return registry
}

// =============================================================================
// Serve Command
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "metaloop",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if cfg.Telemetry.Enabled {
		cleanup, err := initTracer(cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("setup OTLP tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(logger, serveDryRun)
	if err != nil {
		return err
	}
	defer p.close()
	p.replayJournal(logger.Slog())

	if err := p.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}

	var guard *loop.LeaderGuard
	schedCfg := loop.SchedulerConfig{
		Interval: time.Duration(cfg.Loop.IntervalSeconds) * time.Second,
		Logger:   logger.Slog(),
	}
	if cfg.Leader.Enabled {
		guard, err = loop.NewLeaderGuard(loop.LeaderConfig{
			LeasePath: cfg.Leader.LeasePath,
			TTL:       time.Duration(cfg.Leader.TTLSeconds) * time.Second,
			Logger:    logger.Slog(),
		})
		if err != nil {
			return fmt.Errorf("init leader guard: %w", err)
		}
		guard.Start(ctx)
		defer guard.Stop()
		schedCfg.Guard = guard
	}

	scheduler := loop.NewScheduler(p.loop, schedCfg)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, routes.Deps{
		Config:    cfg,
		Bus:       p.bus,
		Planner:   p.planner,
		Validator: p.validator,
		Driver:    p.driver,
		Scheduler: scheduler,
		Registry:  p.registry,
		Logger:    logger.Slog(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("metaloop listening", "addr", server.Addr,
			"dry_run", cfg.Loop.DryRun || serveDryRun)
		if err := server.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		return err
	}
	return nil
}
