// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit implements the fixed-window rate limiter consumed
// by the tool execution gateway.
//
// The limiter is counter-based: each (server, tool, identity) key maps
// to a counter in a shared expiring store. The first increment of a
// window sets a 60-second TTL; the store's own expiry resets the
// window, never the limiter.
//
// # Failure Policy
//
// If the counter store is unreachable the limiter fails open: the call
// is allowed and a warning is logged. Availability of the tutoring
// flow is prioritized over strict quota enforcement. This is an
// explicit decision (see allowOnStoreFailure), not an accidental
// default.
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/studyloop/studyloop/pkg/logging"
)

// DefaultWindow is the fixed rate-limit window length.
const DefaultWindow = 60 * time.Second

var failOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "studyloop_ratelimit_fail_open_total",
	Help: "Total calls allowed because the counter store was unreachable",
})

// CounterStore is the shared counter collaborator. Implementations
// must make Increment atomic: create-with-ttl on first touch of a
// window, plain increment afterwards.
type CounterStore interface {
	// Increment bumps the counter at key and returns the new count.
	// The ttl applies only when the key is created.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ping reports store liveness for health checks.
	Ping(ctx context.Context) error
}

// Key identifies one rate-limit window.
type Key struct {
	Server   string
	Tool     string
	Identity string
}

// String renders the store key. The prefix keeps limiter counters
// apart from other tenants of the shared store.
func (k Key) String() string {
	return "ratelimit:" + k.Server + ":" + k.Tool + ":" + k.Identity
}

// Decision is the outcome of a limiter check.
type Decision struct {
	// Allowed is true when the call may proceed.
	Allowed bool

	// Count is the window counter after this call. Zero when the
	// store was unreachable.
	Count int64

	// Limit is the per-minute budget that was checked.
	Limit int

	// FailedOpen is true when the call was allowed only because the
	// counter store was unreachable.
	FailedOpen bool
}

// Limiter enforces per-key fixed-window budgets against a shared
// counter store. Safe for concurrent use; all state lives in the
// store.
type Limiter struct {
	store  CounterStore
	window time.Duration
	logger *logging.Logger
}

// NewLimiter creates a Limiter over the given store. A nil logger
// falls back to the package default.
func NewLimiter(store CounterStore, logger *logging.Logger) *Limiter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Limiter{
		store:  store,
		window: DefaultWindow,
		logger: logger,
	}
}

// Allow increments the counter for key and checks it against limit.
//
// The counter is incremented before the comparison, so a rejected
// call still consumes its slot; once a key's counter exceeds limit,
// every further call fails until the window expires in the store.
func (l *Limiter) Allow(ctx context.Context, key Key, limit int) Decision {
	count, err := l.store.Increment(ctx, key.String(), l.window)
	if err != nil {
		return l.allowOnStoreFailure(key, limit, err)
	}
	return Decision{
		Allowed: count <= int64(limit),
		Count:   count,
		Limit:   limit,
	}
}

// allowOnStoreFailure is the fail-open branch: when the counter store
// is unreachable the call proceeds without quota enforcement and the
// degradation is surfaced in logs and metrics.
func (l *Limiter) allowOnStoreFailure(key Key, limit int, err error) Decision {
	failOpenTotal.Inc()
	l.logger.Warn("rate-limit store unreachable, failing open",
		"tool", key.Tool,
		"identity", key.Identity,
		"error", err,
	)
	return Decision{
		Allowed:    true,
		Limit:      limit,
		FailedOpen: true,
	}
}

// Ping probes the backing counter store. Used by the gateway health
// check.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
