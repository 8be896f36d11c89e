// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway implements the tool registry and execution gateway:
// named, schema-validated callable capabilities with per-caller rate
// limits, structured failure envelopes, and execution statistics.
//
// The Registry is an explicit value owned by whichever component
// constructs the Gateway and passed by reference to all consumers.
// There is no process-wide singleton; single-instance-per-process
// semantics are a wiring decision, not hidden global state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultRateLimitPerMinute applies when a definition omits its
// budget.
const DefaultRateLimitPerMinute = 60

// ErrInvalidDefinition marks a malformed tool registration: a fatal
// configuration error reported at registration time, never deferred
// to call time.
var ErrInvalidDefinition = errors.New("gateway: invalid tool definition")

// Handler executes a tool. The input has already passed schema
// validation. Handlers may raise domain errors freely; the gateway
// contains them.
type Handler func(ctx context.Context, input map[string]any, call CallContext) (any, error)

// CallContext carries caller identity into a tool execution.
type CallContext struct {
	// UserID is the authenticated user, when there is one.
	UserID string

	// RequestID is the request-level fallback identity.
	RequestID string

	// Roles are the caller's granted roles, checked against the
	// tool's auth requirement.
	Roles []string
}

// Identity resolves the rate-limit identity: authenticated user id,
// else the request-level identity, else the literal "anonymous".
func (c CallContext) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	if c.RequestID != "" {
		return c.RequestID
	}
	return "anonymous"
}

// HasRole reports whether the caller holds role.
func (c CallContext) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ToolDefinition describes one callable capability. Immutable after
// registration except for the enabled flag, which the Registry owns.
type ToolDefinition struct {
	// Name is the unique tool key. Required.
	Name string

	// Description documents the tool for discovery.
	Description string

	// InputSchema validates call input before the handler runs.
	InputSchema InputSchema

	// AllowedRoles is the set of roles permitted to invoke the tool.
	// Empty or containing "any" means no restriction.
	AllowedRoles []string

	// Handler is the tool implementation. Required.
	Handler Handler

	// RateLimitPerMinute is the per-identity call budget. Defaults to
	// DefaultRateLimitPerMinute when zero.
	RateLimitPerMinute int
}

// allowsAny reports whether the definition is open to all callers.
func (d ToolDefinition) allowsAny() bool {
	if len(d.AllowedRoles) == 0 {
		return true
	}
	for _, role := range d.AllowedRoles {
		if role == "any" {
			return true
		}
	}
	return false
}

// registeredTool pairs an immutable definition with its mutable
// enabled state.
type registeredTool struct {
	def     ToolDefinition
	enabled bool
}

// ToolDescriptor is the discovery view of an enabled tool, consumed
// by callers (e.g. an LLM planning agent) deciding which tool to
// invoke.
type ToolDescriptor struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	InputSchema     []FieldDescriptor `json:"input_schema"`
	AuthRequirement []string          `json:"auth_requirement"`
}

// Registry holds the named tools. State machine per tool:
// registered → enabled ⇄ disabled.
//
// # Thread Safety
//
// Safe for concurrent use; reads take a shared lock.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool in the enabled state.
//
// An empty name, a nil handler, or a duplicate name is a fatal
// configuration error returned immediately. A missing rate limit
// falls back to DefaultRateLimitPerMinute; a negative one is
// rejected.
func (r *Registry) Register(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidDefinition)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", ErrInvalidDefinition, def.Name)
	}
	if def.RateLimitPerMinute < 0 {
		return fmt.Errorf("%w: tool %q has negative rate limit %d",
			ErrInvalidDefinition, def.Name, def.RateLimitPerMinute)
	}
	if def.RateLimitPerMinute == 0 {
		def.RateLimitPerMinute = DefaultRateLimitPerMinute
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: tool %q is already registered", ErrInvalidDefinition, def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, enabled: true}
	return nil
}

// Enable makes a tool callable again. Unknown names are an error.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable removes a tool from discovery and makes calls to it fail
// deterministically. Unknown names are an error.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tool, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("gateway: tool %q not found", name)
	}
	tool.enabled = enabled
	return nil
}

// lookup returns a copy of the tool's definition and its enabled
// state.
func (r *Registry) lookup(name string) (ToolDefinition, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, false, false
	}
	return tool.def, tool.enabled, true
}

// Descriptors returns the discovery view of every enabled tool,
// sorted by name. Disabled tools are invisible.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]ToolDescriptor, 0, len(r.tools))
	for _, tool := range r.tools {
		if !tool.enabled {
			continue
		}
		auth := tool.def.AllowedRoles
		if tool.def.allowsAny() {
			auth = []string{"any"}
		}
		descriptors = append(descriptors, ToolDescriptor{
			Name:            tool.def.Name,
			Description:     tool.def.Description,
			InputSchema:     tool.def.InputSchema.Describe(),
			AuthRequirement: auth,
		})
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors
}
