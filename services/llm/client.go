// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the text-completion collaborator used by the
// RAG pipeline and gateway tools.
//
// The backend is treated as a black box behind the Client interface;
// the OpenAI implementation is the default. Construction is two-phase:
// a Config is assembled at startup and the concrete client is built
// lazily on first call, so missing credentials surface as a call-time
// configuration error instead of crashing unrelated code paths at
// process start.
package llm

import "context"

// GenerationParams tunes a single completion call. Nil fields keep
// the backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client is the standard interface for any LLM backend.
type Client interface {
	// Generate produces a completion for prompt. Exactly one backend
	// call per invocation; retry policy belongs to the caller.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}
