// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/studyloop/studyloop/pkg/logging"
	"github.com/studyloop/studyloop/services/ratelimit"
)

var gatewayTracer = otel.Tracer("studyloop.gateway")

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studyloop_gateway_executions_total",
		Help: "Total tool executions by tool and status",
	}, []string{"tool", "status"})

	executionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studyloop_gateway_execution_latency_seconds",
		Help:    "Tool execution latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	}, []string{"tool"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studyloop_gateway_rate_limited_total",
		Help: "Total executions rejected by the rate limiter",
	}, []string{"tool"})
)

// ErrorKind classifies an execution failure so callers can react
// appropriately: back off on rate limits, fix input on validation,
// retry later on dependency failures.
type ErrorKind string

const (
	// ErrorKindNotFound: the tool name is not registered.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindDisabled: the tool exists but is disabled.
	ErrorKindDisabled ErrorKind = "disabled"

	// ErrorKindUnauthorized: the caller lacks a permitted role.
	ErrorKindUnauthorized ErrorKind = "unauthorized"

	// ErrorKindRateLimited: the caller exceeded the tool's budget.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindValidation: the input failed schema validation.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindHandler: the tool's business logic failed.
	ErrorKindHandler ErrorKind = "handler"
)

// ExecError is the structured failure half of an Outcome.
type ExecError struct {
	Kind       ErrorKind   `json:"kind"`
	Message    string      `json:"message"`
	Violations []Violation `json:"violations,omitempty"`
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	reasons := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		reasons = append(reasons, v.Field+": "+v.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(reasons, "; "))
}

// Outcome is the uniform envelope returned for every execution,
// success or failure. It is never a raw error: failures carry enough
// detail to distinguish caller mistakes from system failures.
type Outcome struct {
	Success    bool       `json:"success"`
	Tool       string     `json:"tool"`
	Result     any        `json:"result,omitempty"`
	Error      *ExecError `json:"error,omitempty"`
	LatencyMs  float64    `json:"latency_ms"`
	ServerName string     `json:"server_name"`
}

// Health reports gateway dependency status without crashing anything.
type Health struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Gateway executes registered tools: rate limit, validate, invoke,
// record. Request-scoped and stateless across calls except for the
// stats counters and the externally-synchronized limiter store, so
// any number of executions may run concurrently.
type Gateway struct {
	serverName string
	registry   *Registry
	limiter    *ratelimit.Limiter
	stats      *stats
	logger     *logging.Logger
}

// New creates a Gateway over an explicit registry and limiter. The
// serverName tags every envelope and rate-limit key. A nil logger
// falls back to the package default.
func New(serverName string, registry *Registry, limiter *ratelimit.Limiter, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gateway{
		serverName: serverName,
		registry:   registry,
		limiter:    limiter,
		stats:      newStats(),
		logger:     logger,
	}
}

// Execute runs the named tool against input on behalf of call.
//
// Unknown and disabled tools fail immediately without touching the
// rate limiter or the statistics. Everything after the lookup counts:
// unauthorized, rate-limited, invalid, and handler-failed calls are
// all recorded as failures with the wall-clock latency of the
// attempt.
func (g *Gateway) Execute(ctx context.Context, toolName string, input map[string]any, call CallContext) Outcome {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool", toolName),
		attribute.String("identity", call.Identity()),
	)

	def, enabled, found := g.registry.lookup(toolName)
	if !found {
		span.SetStatus(codes.Error, "tool not found")
		return g.fail(toolName, &ExecError{
			Kind:    ErrorKindNotFound,
			Message: fmt.Sprintf("tool %q not found", toolName),
		})
	}
	if !enabled {
		span.SetStatus(codes.Error, "tool disabled")
		return g.fail(toolName, &ExecError{
			Kind:    ErrorKindDisabled,
			Message: fmt.Sprintf("tool %q is disabled", toolName),
		})
	}

	start := time.Now()
	identity := call.Identity()

	// Role check comes before the limiter: an unauthorized caller
	// should not consume the identity's quota.
	if !def.allowsAny() && !g.authorized(def, call) {
		return g.finish(toolName, start, false, Outcome{
			Tool:       toolName,
			ServerName: g.serverName,
			Error: &ExecError{
				Kind:    ErrorKindUnauthorized,
				Message: fmt.Sprintf("caller lacks a permitted role for tool %q", toolName),
			},
		})
	}

	decision := g.limiter.Allow(ctx, ratelimit.Key{
		Server:   g.serverName,
		Tool:     toolName,
		Identity: identity,
	}, def.RateLimitPerMinute)
	if !decision.Allowed {
		rateLimitedTotal.WithLabelValues(toolName).Inc()
		span.SetAttributes(attribute.Int64("ratelimit.count", decision.Count))
		return g.finish(toolName, start, false, Outcome{
			Tool:       toolName,
			ServerName: g.serverName,
			Error: &ExecError{
				Kind: ErrorKindRateLimited,
				Message: fmt.Sprintf("rate limit exceeded for tool %q: %d calls in the current window (limit %d/min)",
					toolName, decision.Count, decision.Limit),
			},
		})
	}
	if decision.FailedOpen {
		span.SetAttributes(attribute.Bool("ratelimit.failed_open", true))
	}

	if violations := def.InputSchema.Validate(input); len(violations) > 0 {
		return g.finish(toolName, start, false, Outcome{
			Tool:       toolName,
			ServerName: g.serverName,
			Error: &ExecError{
				Kind:       ErrorKindValidation,
				Message:    fmt.Sprintf("input validation failed with %d violation(s)", len(violations)),
				Violations: violations,
			},
		})
	}

	result, err := g.invoke(ctx, def, input, call)
	if err != nil {
		span.RecordError(err)
		return g.finish(toolName, start, false, Outcome{
			Tool:       toolName,
			ServerName: g.serverName,
			Error: &ExecError{
				Kind:    ErrorKindHandler,
				Message: err.Error(),
			},
		})
	}

	return g.finish(toolName, start, true, Outcome{
		Success:    true,
		Tool:       toolName,
		Result:     result,
		ServerName: g.serverName,
	})
}

// invoke runs the handler with containment: any error or panic from
// the tool's business logic becomes a structured failure and never
// propagates to the caller.
func (g *Gateway) invoke(ctx context.Context, def ToolDefinition, input map[string]any, call CallContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("tool handler panicked",
				"tool", def.Name,
				"panic", r,
			)
			result = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return def.Handler(ctx, input, call)
}

func (g *Gateway) authorized(def ToolDefinition, call CallContext) bool {
	for _, role := range def.AllowedRoles {
		if call.HasRole(role) {
			return true
		}
	}
	return false
}

// finish records stats and metrics for a counted execution and stamps
// the envelope with its latency.
func (g *Gateway) finish(tool string, start time.Time, success bool, outcome Outcome) Outcome {
	elapsed := time.Since(start)
	outcome.LatencyMs = float64(elapsed.Microseconds()) / 1000.0

	g.stats.record(tool, outcome.LatencyMs, success)
	executionLatency.WithLabelValues(tool).Observe(elapsed.Seconds())

	status := "success"
	if !success {
		status = "error"
		g.logger.Warn("tool execution failed",
			"tool", tool,
			"kind", string(outcome.Error.Kind),
			"latency_ms", outcome.LatencyMs,
		)
	} else {
		g.logger.Debug("tool executed",
			"tool", tool,
			"latency_ms", outcome.LatencyMs,
		)
	}
	executionsTotal.WithLabelValues(tool, status).Inc()

	return outcome
}

// fail builds an envelope for failures that are not counted in the
// statistics (unknown or disabled tools).
func (g *Gateway) fail(tool string, execErr *ExecError) Outcome {
	executionsTotal.WithLabelValues(tool, "rejected").Inc()
	return Outcome{
		Tool:       tool,
		ServerName: g.serverName,
		Error:      execErr,
	}
}

// ListToolDefinitions returns the discovery view of every enabled
// tool.
func (g *Gateway) ListToolDefinitions() []ToolDescriptor {
	return g.registry.Descriptors()
}

// Stats returns a snapshot of the per-tool and server-wide execution
// counters.
func (g *Gateway) Stats() StatsSnapshot {
	return g.stats.snapshot()
}

// HealthCheck probes the rate limiter's backing store. A store
// failure reports degraded status; it never crashes the gateway.
func (g *Gateway) HealthCheck(ctx context.Context) Health {
	if err := g.limiter.Ping(ctx); err != nil {
		g.logger.Warn("gateway health check degraded", "error", err)
		return Health{Status: "degraded", Detail: err.Error()}
	}
	return Health{Status: "ok"}
}
