// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/studyloop/services/ratelimit"
)

// memCounterStore is an in-process ratelimit.CounterStore for gateway
// tests.
type memCounterStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	failWith error
}

func newMemCounterStore() *memCounterStore {
	return &memCounterStore{counts: make(map[string]int64)}
}

func (m *memCounterStore) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memCounterStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failWith
}

func (m *memCounterStore) total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, c := range m.counts {
		total += c
	}
	return total
}

func newTestGateway(t *testing.T) (*Gateway, *Registry, *memCounterStore) {
	t.Helper()
	registry := NewRegistry()
	store := newMemCounterStore()
	gw := New("studyloop-test", registry, ratelimit.NewLimiter(store, nil), nil)
	return gw, registry, store
}

func registerEcho(t *testing.T, registry *Registry, limit int) {
	t.Helper()
	err := registry.Register(ToolDefinition{
		Name:        "echo",
		Description: "echoes its message back",
		InputSchema: InputSchema{Fields: []FieldSpec{
			{Name: "message", Kind: KindString, Required: true},
		}},
		RateLimitPerMinute: limit,
		Handler: func(_ context.Context, input map[string]any, _ CallContext) (any, error) {
			return input["message"], nil
		},
	})
	require.NoError(t, err)
}

// TestExecute_EchoEndToEnd verifies the whole happy path: register,
// execute, envelope, latency, and statistics.
func TestExecute_EchoEndToEnd(t *testing.T) {
	gw, registry, _ := newTestGateway(t)
	registerEcho(t, registry, 10)

	outcome := gw.Execute(context.Background(), "echo",
		map[string]any{"message": "hello"},
		CallContext{UserID: "user-1"})

	assert.True(t, outcome.Success)
	assert.Equal(t, "echo", outcome.Tool)
	assert.Equal(t, "hello", outcome.Result)
	assert.Equal(t, "studyloop-test", outcome.ServerName)
	assert.Nil(t, outcome.Error)
	assert.GreaterOrEqual(t, outcome.LatencyMs, 0.0)

	snap := gw.Stats()
	assert.Equal(t, uint64(1), snap.Tools["echo"].TotalCalls)
	assert.Equal(t, uint64(1), snap.Tools["echo"].SuccessfulCalls)
	assert.Equal(t, uint64(1), snap.Global.TotalCalls)
}

// TestExecute_UnknownTool verifies an unregistered name fails with
// not_found and leaves the statistics untouched.
func TestExecute_UnknownTool(t *testing.T) {
	gw, _, store := newTestGateway(t)

	outcome := gw.Execute(context.Background(), "ghost", nil, CallContext{})

	assert.False(t, outcome.Success)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, ErrorKindNotFound, outcome.Error.Kind)
	assert.Zero(t, gw.Stats().Global.TotalCalls, "unknown tools must not be counted")
	assert.Zero(t, store.total(), "unknown tools must not consume quota")
}

// TestExecute_DisabledTool verifies a disabled tool fails
// deterministically and recovers after re-enable.
func TestExecute_DisabledTool(t *testing.T) {
	gw, registry, _ := newTestGateway(t)
	registerEcho(t, registry, 10)
	require.NoError(t, registry.Disable("echo"))

	for i := 0; i < 3; i++ {
		outcome := gw.Execute(context.Background(), "echo",
			map[string]any{"message": "hi"}, CallContext{})
		require.NotNil(t, outcome.Error)
		assert.Equal(t, ErrorKindDisabled, outcome.Error.Kind)
	}
	assert.Zero(t, gw.Stats().Global.TotalCalls)

	require.NoError(t, registry.Enable("echo"))
	outcome := gw.Execute(context.Background(), "echo",
		map[string]any{"message": "hi"}, CallContext{})
	assert.True(t, outcome.Success)
}

// TestExecute_Unauthorized verifies a caller without a permitted role
// is rejected without consuming rate-limit quota.
func TestExecute_Unauthorized(t *testing.T) {
	gw, registry, store := newTestGateway(t)
	require.NoError(t, registry.Register(ToolDefinition{
		Name:         "admin_reset",
		AllowedRoles: []string{"admin"},
		Handler:      noopHandler,
	}))

	outcome := gw.Execute(context.Background(), "admin_reset", nil,
		CallContext{UserID: "user-1", Roles: []string{"student"}})

	require.NotNil(t, outcome.Error)
	assert.Equal(t, ErrorKindUnauthorized, outcome.Error.Kind)
	assert.Zero(t, store.total(), "unauthorized calls must not consume quota")
	assert.Equal(t, uint64(1), gw.Stats().Tools["admin_reset"].FailedCalls)
}

// TestExecute_AuthorizedRole verifies a caller holding a permitted
// role passes the role check.
func TestExecute_AuthorizedRole(t *testing.T) {
	gw, registry, _ := newTestGateway(t)
	require.NoError(t, registry.Register(ToolDefinition{
		Name:         "admin_reset",
		AllowedRoles: []string{"admin"},
		Handler:      noopHandler,
	}))

	outcome := gw.Execute(context.Background(), "admin_reset", nil,
		CallContext{UserID: "root", Roles: []string{"admin"}})
	assert.True(t, outcome.Success)
}

// TestExecute_RateLimitNPlusOne verifies call N+1 by the same identity
// is rejected while a different identity still passes.
func TestExecute_RateLimitNPlusOne(t *testing.T) {
	gw, registry, _ := newTestGateway(t)
	registerEcho(t, registry, 2)

	same := CallContext{UserID: "user-1"}
	input := map[string]any{"message": "hi"}

	for i := 0; i < 2; i++ {
		require.True(t, gw.Execute(context.Background(), "echo", input, same).Success)
	}

	rejected := gw.Execute(context.Background(), "echo", input, same)
	assert.False(t, rejected.Success)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, ErrorKindRateLimited, rejected.Error.Kind)

	other := gw.Execute(context.Background(), "echo", input, CallContext{UserID: "user-2"})
	assert.True(t, other.Success, "a different identity has its own window")
}

// TestExecute_RateLimitedCountsAsFailure verifies rejected-by-quota
// calls land in the failure statistics.
func TestExecute_RateLimitedCountsAsFailure(t *testing.T) {
	gw, registry, _ := newTestGateway(t)
	registerEcho(t, registry, 1)

	call := CallContext{UserID: "user-1"}
	input := map[string]any{"message": "hi"}
	require.True(t, gw.Execute(context.Background(), "echo", input, call).Success)
	require.False(t, gw.Execute(context.Background(), "echo", input, call).Success)

	echo := gw.Stats().Tools["echo"]
	assert.Equal(t, uint64(2), echo.TotalCalls)
	assert.Equal(t, uint64(1), echo.FailedCalls)
}

// TestExecute_FailsOpenWhenStoreDown verifies an unreachable counter
// store lets calls through instead of taking the gateway down.
func TestExecute_FailsOpenWhenStoreDown(t *testing.T) {
	gw, registry, store := newTestGateway(t)
	registerEcho(t, registry, 1)
	store.failWith = errors.New("store unreachable")

	for i := 0; i < 3; i++ {
		outcome := gw.Execute(context.Background(), "echo",
			map[string]any{"message": "hi"}, CallContext{UserID: "user-1"})
		assert.True(t, outcome.Success, "call %d should fail open", i+1)
	}
}

// TestExecute_ValidationFailure verifies schema violations come back
// aggregated in the envelope and the handler never runs.
func TestExecute_ValidationFailure(t *testing.T) {
	gw, registry, _ := newTestGateway(t)
	invoked := false
	require.NoError(t, registry.Register(ToolDefinition{
		Name: "strict",
		InputSchema: InputSchema{Fields: []FieldSpec{
			{Name: "question", Kind: KindString, Required: true},
			{Name: "top_k", Kind: KindInt},
		}},
		Handler: func(_ context.Context, _ map[string]any, _ CallContext) (any, error) {
			invoked = true
			return nil, nil
		},
	}))

	outcome := gw.Execute(context.Background(), "strict",
		map[string]any{"top_k": "five", "bogus": 1}, CallContext{})

	require.NotNil(t, outcome.Error)
	assert.Equal(t, ErrorKindValidation, outcome.Error.Kind)
	assert.Len(t, outcome.Error.Violations, 3)
	assert.False(t, invoked, "handler must not run on invalid input")
}

// TestExecute_HandlerError verifies a handler error becomes a
// structured failure.
func TestExecute_HandlerError(t *testing.T) {
	gw, registry, _ := newTestGateway(t)
	require.NoError(t, registry.Register(ToolDefinition{
		Name: "broken",
		Handler: func(_ context.Context, _ map[string]any, _ CallContext) (any, error) {
			return nil, errors.New("backend exploded")
		},
	}))

	outcome := gw.Execute(context.Background(), "broken", nil, CallContext{})

	assert.False(t, outcome.Success)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, ErrorKindHandler, outcome.Error.Kind)
	assert.Contains(t, outcome.Error.Message, "backend exploded")
}

// TestExecute_HandlerPanicContained verifies a panicking handler is
// converted to a structured failure instead of crashing the process.
func TestExecute_HandlerPanicContained(t *testing.T) {
	gw, registry, _ := newTestGateway(t)
	require.NoError(t, registry.Register(ToolDefinition{
		Name: "panicky",
		Handler: func(_ context.Context, _ map[string]any, _ CallContext) (any, error) {
			panic("boom")
		},
	}))

	outcome := gw.Execute(context.Background(), "panicky", nil, CallContext{})

	assert.False(t, outcome.Success)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, ErrorKindHandler, outcome.Error.Kind)
	assert.Contains(t, outcome.Error.Message, "panicked")
	assert.Equal(t, uint64(1), gw.Stats().Tools["panicky"].FailedCalls)
}

// TestListToolDefinitions verifies discovery through the gateway.
func TestListToolDefinitions(t *testing.T) {
	gw, registry, _ := newTestGateway(t)
	registerEcho(t, registry, 10)

	descriptors := gw.ListToolDefinitions()
	require.Len(t, descriptors, 1)
	assert.Equal(t, "echo", descriptors[0].Name)
	require.Len(t, descriptors[0].InputSchema, 1)
	assert.Equal(t, "message", descriptors[0].InputSchema[0].Name)
}

// TestHealthCheck verifies the gateway reports ok against a live
// store and degraded against a dead one.
func TestHealthCheck(t *testing.T) {
	gw, _, store := newTestGateway(t)

	assert.Equal(t, "ok", gw.HealthCheck(context.Background()).Status)

	store.failWith = errors.New("down")
	health := gw.HealthCheck(context.Background())
	assert.Equal(t, "degraded", health.Status)
	assert.Contains(t, health.Detail, "down")
}
