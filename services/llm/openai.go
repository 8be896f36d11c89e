// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// ErrMissingAPIKey indicates the completion backend was invoked
// without credentials. A configuration error: fatal, never retried.
var ErrMissingAPIKey = errors.New("llm: API key not configured")

// defaultModel is used when no model is configured.
const defaultModel = "gpt-4o-mini"

// Config holds the settings needed to construct a completion client.
// Assemble it at startup; client construction happens on first use.
type Config struct {
	// APIKey authenticates against the completion service. Required.
	APIKey string

	// Model is the completion model name. Defaults to gpt-4o-mini.
	Model string

	// BaseURL overrides the API endpoint, e.g. for a local proxy.
	BaseURL string

	// SystemPrompt is prepended to every completion as the system
	// role. Defaults to a neutral tutoring persona.
	SystemPrompt string
}

// ConfigFromEnv reads Config from the environment: OPENAI_API_KEY,
// OPENAI_MODEL, OPENAI_BASE_URL, STUDYLOOP_SYSTEM_PROMPT.
//
// A missing key is not an error here; it becomes one when the client
// is first used.
func ConfigFromEnv() Config {
	cfg := Config{
		APIKey:       os.Getenv("OPENAI_API_KEY"),
		Model:        os.Getenv("OPENAI_MODEL"),
		BaseURL:      os.Getenv("OPENAI_BASE_URL"),
		SystemPrompt: os.Getenv("STUDYLOOP_SYSTEM_PROMPT"),
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
		slog.Warn("OPENAI_MODEL not set, defaulting", "model", defaultModel)
	}
	return cfg
}

// OpenAIClient implements Client against the OpenAI chat-completion
// API.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIClient constructs an OpenAIClient from cfg. Returns
// ErrMissingAPIKey when no key is configured.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are a patient tutor. Answer using only the provided course material."
	}

	var client *openai.Client
	if cfg.BaseURL != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(clientCfg)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}

	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client:       client,
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

// Generate implements the Client interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI", "model", o.model)

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return "", fmt.Errorf("OpenAI returned no choices")
	}

	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// LazyClient defers backend construction until the first Generate
// call. Construction happens exactly once; a configuration failure is
// memoized and returned on every subsequent call.
//
// # Thread Safety
//
// Safe for concurrent use; initialization is guarded by sync.Once.
type LazyClient struct {
	cfg    Config
	once   sync.Once
	client Client
	err    error
}

// NewLazyClient wraps cfg without touching the network or validating
// credentials.
func NewLazyClient(cfg Config) *LazyClient {
	return &LazyClient{cfg: cfg}
}

// Generate builds the underlying client on first use, then delegates.
func (l *LazyClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	l.once.Do(func() {
		l.client, l.err = NewOpenAIClient(l.cfg)
	})
	if l.err != nil {
		return "", fmt.Errorf("llm client initialization failed: %w", l.err)
	}
	return l.client.Generate(ctx, prompt, params)
}
