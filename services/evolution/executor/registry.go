// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"sync"

	"github.com/calderai/metaloop/services/evolution/planner"
)

// Handler applies one mutation operation to a target. Handlers are
// owned by the surrounding system; the driver treats them as opaque.
type Handler interface {
	// Apply performs the action and returns a human-readable detail
	// string. The context carries the per-action timeout.
	Apply(ctx context.Context, action planner.Action) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, action planner.Action) (string, error)

func (f HandlerFunc) Apply(ctx context.Context, action planner.Action) (string, error) {
	return f(ctx, action)
}

// HandlerRegistry maps operation types to their handlers.
//
// Thread Safety: safe for concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[planner.OperationType]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[planner.OperationType]Handler)}
}

// Register binds a handler to an operation type, replacing any
// previous binding.
func (r *HandlerRegistry) Register(op planner.OperationType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = handler
}

// Lookup returns the handler for op, if one is registered.
func (r *HandlerRegistry) Lookup(op planner.OperationType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[op]
	return h, ok
}

// inFlightRegistry tracks targets with a mutation in progress. It
// backs the safety validator's concurrency sub-check.
type inFlightRegistry struct {
	mu      sync.Mutex
	targets map[string]int
}

func newInFlightRegistry() *inFlightRegistry {
	return &inFlightRegistry{targets: make(map[string]int)}
}

func (r *inFlightRegistry) add(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[target]++
}

func (r *inFlightRegistry) remove(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.targets[target] <= 1 {
		delete(r.targets, target)
	} else {
		r.targets[target]--
	}
}

// InFlight reports whether target has a mutation in progress.
func (r *inFlightRegistry) InFlight(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets[target] > 0
}
