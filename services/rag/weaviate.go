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
	"os"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/studyloop/studyloop/pkg/logging"
)

var ragTracer = otel.Tracer("studyloop.rag")

// =============================================================================
// Weaviate Retriever
// =============================================================================

// WeaviateRetriever implements Retriever over a Weaviate vector index.
//
// # Description
//
// Each Search issues two GraphQL queries: a nearText Get for the topK
// matches, and a meta-count Aggregate for the collection's total
// document size. The total count lets callers distinguish an empty
// collection (nothing ingested yet) from a query with no relevant
// matches.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client is stateless per
// request.
type WeaviateRetriever struct {
	client *weaviate.Client
	logger *logging.Logger
}

// NewWeaviateRetriever wraps an existing Weaviate client. A nil logger
// falls back to the package default.
func NewWeaviateRetriever(client *weaviate.Client, logger *logging.Logger) *WeaviateRetriever {
	if logger == nil {
		logger = logging.Default()
	}
	return &WeaviateRetriever{client: client, logger: logger}
}

// NewWeaviateClientFromEnv builds a Weaviate client from WEAVIATE_HOST
// and WEAVIATE_SCHEME, defaulting to localhost:8080 over http.
func NewWeaviateClientFromEnv() (*weaviate.Client, error) {
	host := os.Getenv("WEAVIATE_HOST")
	if host == "" {
		host = "localhost:8080"
	}
	scheme := os.Getenv("WEAVIATE_SCHEME")
	if scheme == "" {
		scheme = "http"
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   host,
		Scheme: scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return client, nil
}

// Search performs a semantic nearText query against collection.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - collection: The Weaviate class name to search.
//   - query: The natural-language query.
//   - topK: Maximum number of matches to return.
//
// # Outputs
//
//   - *SearchResult: Matches plus the collection's total document count.
//   - error: Non-nil if either GraphQL query fails.
func (r *WeaviateRetriever) Search(ctx context.Context, collection, query string, topK int) (*SearchResult, error) {
	ctx, span := ragTracer.Start(ctx, "WeaviateRetriever.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("top_k", topK),
	)

	total, err := r.countDocuments(ctx, collection)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		r.logger.Info("Collection is empty", "collection", collection)
		return &SearchResult{Count: 0, Results: []Document{}}, nil
	}

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(collection).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}

	docs := r.parseResults(result, collection)

	r.logger.Debug("Vector search complete",
		"collection", collection,
		"matches", len(docs),
		"total_documents", total,
	)

	return &SearchResult{Count: total, Results: docs}, nil
}

// countDocuments returns the total number of objects in collection via
// a meta-count aggregate.
func (r *WeaviateRetriever) countDocuments(ctx context.Context, collection string) (int, error) {
	result, err := r.client.GraphQL().Aggregate().
		WithClassName(collection).
		WithFields(graphql.Field{
			Name: "meta",
			Fields: []graphql.Field{
				{Name: "count"},
			},
		}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate query failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("aggregate error: %s", result.Errors[0].Message)
	}
	return parseAggregateCount(result, collection)
}

// parseAggregateCount extracts the meta count from an aggregate
// response. A response that does not carry the expected shape is a
// dependency failure, never a zero count: an empty collection still
// answers with a well-formed count of 0, and conflating the two would
// misreport a broken search service as missing content.
func parseAggregateCount(result *models.GraphQLResponse, collection string) (int, error) {
	aggMap, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("aggregate response missing Aggregate block for %s", collection)
	}
	groups, ok := aggMap[collection].([]interface{})
	if !ok || len(groups) == 0 {
		return 0, fmt.Errorf("aggregate response has no groups for %s", collection)
	}
	groupMap, ok := groups[0].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("aggregate group for %s is not an object", collection)
	}
	metaMap, ok := groupMap["meta"].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("aggregate group for %s has no meta block", collection)
	}
	count, ok := metaMap["count"].(float64)
	if !ok {
		return 0, fmt.Errorf("aggregate meta count for %s is not a number", collection)
	}
	return int(count), nil
}

// parseResults extracts documents from a nearText Get response.
// Certainty from the _additional block becomes the relevance score;
// malformed entries are skipped rather than failing the whole search.
func (r *WeaviateRetriever) parseResults(result *models.GraphQLResponse, collection string) []Document {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return []Document{}
	}
	objects, ok := data[collection].([]interface{})
	if !ok {
		return []Document{}
	}

	docs := make([]Document, 0, len(objects))
	for _, obj := range objects {
		objMap, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := objMap["content"].(string)
		if !ok || content == "" {
			continue
		}

		doc := Document{Content: content}

		if source, ok := objMap["source"].(string); ok && source != "" {
			doc.Metadata = map[string]string{"source": source}
		}
		if additional, ok := objMap["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				doc.Score = certainty
			}
		}
		docs = append(docs, doc)
	}
	return docs
}
