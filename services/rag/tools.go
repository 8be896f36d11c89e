// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"fmt"

	"github.com/studyloop/studyloop/services/gateway"
)

// RegisterTutorTools exposes the pipeline's operations as gateway
// tools so an LLM planning agent can invoke them by name under the
// gateway's validation and rate limiting.
func RegisterTutorTools(registry *gateway.Registry, pipeline *Pipeline) error {
	tools := []gateway.ToolDefinition{
		{
			Name:        "rag_query",
			Description: "Answer a question grounded in retrieved course material",
			InputSchema: gateway.InputSchema{Fields: []gateway.FieldSpec{
				{Name: "question", Kind: gateway.KindString, Required: true, MinLen: 3, MaxLen: 2000,
					Description: "The natural-language question to answer"},
				{Name: "collection", Kind: gateway.KindString, MaxLen: 100,
					Description: "Vector collection to search, defaults to course material"},
				{Name: "top_k", Kind: gateway.KindInt, Min: floatPtr(1), Max: floatPtr(50),
					Description: "Number of documents to retrieve"},
			}},
			Handler: func(ctx context.Context, input map[string]any, _ gateway.CallContext) (any, error) {
				opts := QueryOptions{}
				if collection, ok := input["collection"].(string); ok {
					opts.Collection = collection
				}
				if topK, ok := input["top_k"].(float64); ok {
					opts.TopK = int(topK)
				} else if topK, ok := input["top_k"].(int); ok {
					opts.TopK = topK
				}
				question, _ := input["question"].(string)
				return pipeline.Query(ctx, question, opts)
			},
		},
		{
			Name:        "explain_concept",
			Description: "Explain a course concept step by step from first principles",
			InputSchema: gateway.InputSchema{Fields: []gateway.FieldSpec{
				{Name: "concept", Kind: gateway.KindString, Required: true, MinLen: 2, MaxLen: 500,
					Description: "The concept to explain"},
			}},
			Handler: func(ctx context.Context, input map[string]any, _ gateway.CallContext) (any, error) {
				concept, _ := input["concept"].(string)
				return pipeline.ExplainConcept(ctx, concept)
			},
		},
		{
			Name:        "roadmap_guidance",
			Description: "Recommend what to study next toward a learning goal",
			InputSchema: gateway.InputSchema{Fields: []gateway.FieldSpec{
				{Name: "goal", Kind: gateway.KindString, Required: true, MinLen: 3, MaxLen: 500,
					Description: "The student's learning goal"},
			}},
			Handler: func(ctx context.Context, input map[string]any, _ gateway.CallContext) (any, error) {
				goal, _ := input["goal"].(string)
				return pipeline.RoadmapGuidance(ctx, goal)
			},
		},
	}

	for _, def := range tools {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("registering tutor tool %q: %w", def.Name, err)
		}
	}
	return nil
}

func floatPtr(v float64) *float64 { return &v }
