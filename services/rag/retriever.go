// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rag implements the retrieval-augmented generation pipeline:
// cached vector search, relevance filtering, prompt construction, and
// a single LLM completion per request.
//
// The pipeline is request-scoped and stateless across calls; the only
// shared mutable resources are the retrieval cache and the vector
// index, both external collaborators accessed through atomic
// operations.
package rag

import "context"

// Document is one retrieved chunk of course material.
type Document struct {
	// Content is the chunk text.
	Content string `json:"content"`

	// Score is the relevance of the chunk to the query, 0.0 to 1.0.
	Score float64 `json:"score"`

	// Metadata carries source attribution (file, lesson, course).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SearchResult is the outcome of one vector search.
type SearchResult struct {
	// Count is the total number of documents in the collection, not
	// the number of matches. A zero Count means the collection is
	// empty: a content-provisioning problem, not a retrieval miss.
	Count int `json:"count"`

	// Results are the top matches, ranked by descending relevance.
	Results []Document `json:"results"`
}

// Retriever is the black-box vector search collaborator.
type Retriever interface {
	// Search returns the topK nearest documents in collection for
	// query, along with the collection's total document count.
	Search(ctx context.Context, collection, query string, topK int) (*SearchResult, error)
}
