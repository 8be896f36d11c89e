// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import "sync"

// latencyAlpha is the smoothing factor of the latency moving average.
const latencyAlpha = 0.1

// ToolStats is a point-in-time snapshot of per-tool (or global)
// execution counters.
//
// Invariant: TotalCalls == SuccessfulCalls + FailedCalls.
type ToolStats struct {
	TotalCalls      uint64  `json:"total_calls"`
	SuccessfulCalls uint64  `json:"successful_calls"`
	FailedCalls     uint64  `json:"failed_calls"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// StatsSnapshot is the discovery view of gateway statistics: the
// server-wide aggregate plus one entry per tool that has been called.
type StatsSnapshot struct {
	Global ToolStats            `json:"global"`
	Tools  map[string]ToolStats `json:"tools"`
}

// stats accumulates execution counters. Latency uses an
// exponentially-weighted moving average seeded with the first sample,
// so memory stays bounded and the average never leaves the range of
// observed samples.
//
// Counters are only mutated by the gateway after each execution and
// reset only on process restart.
type stats struct {
	mu      sync.Mutex
	global  ToolStats
	perTool map[string]*ToolStats
}

func newStats() *stats {
	return &stats{perTool: make(map[string]*ToolStats)}
}

// record folds one execution into the tool's counters and the global
// aggregate.
func (s *stats) record(tool string, latencyMs float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.perTool[tool]
	if !ok {
		entry = &ToolStats{}
		s.perTool[tool] = entry
	}
	fold(entry, latencyMs, success)
	fold(&s.global, latencyMs, success)
}

func fold(t *ToolStats, latencyMs float64, success bool) {
	t.TotalCalls++
	if success {
		t.SuccessfulCalls++
	} else {
		t.FailedCalls++
	}
	if t.TotalCalls == 1 {
		t.AverageLatencyMs = latencyMs
		return
	}
	t.AverageLatencyMs += latencyAlpha * (latencyMs - t.AverageLatencyMs)
}

// snapshot copies the counters out under the lock.
func (s *stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools := make(map[string]ToolStats, len(s.perTool))
	for name, entry := range s.perTool {
		tools[name] = *entry
	}
	return StatsSnapshot{
		Global: s.global,
		Tools:  tools,
	}
}
