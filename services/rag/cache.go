// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/studyloop/studyloop/pkg/logging"
)

// =============================================================================
// Retrieval Cache
// =============================================================================

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyloop_rag_cache_hits_total",
		Help: "Total retrieval cache hits",
	})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyloop_rag_cache_misses_total",
		Help: "Total retrieval cache misses",
	})

	cacheErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyloop_rag_cache_errors_total",
		Help: "Total retrieval cache store failures, degraded to misses",
	})
)

// CacheStore is the expiring byte store behind the retrieval cache.
// Implemented by services/storage/badger.Store.
type CacheStore interface {
	// Get returns the value for key. Absence is (nil, false, nil), not
	// an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with an expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Fingerprint derives the cache key for a retrieval request. The query
// is lowercased and whitespace-collapsed first, so trivially different
// phrasings of the same question share an entry. Identical inputs
// always produce identical keys.
func Fingerprint(collection, query string, topK int) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", collection, normalized, topK)))
	return "ragcache:" + hex.EncodeToString(sum[:])
}

// RetrievalCache memoizes vector search results keyed by request
// fingerprint.
//
// # Description
//
// The cache is strictly an optimization: a store failure on read
// degrades to a miss, and a store failure on write is logged and
// dropped. Retrieval never fails because the cache does.
type RetrievalCache struct {
	store  CacheStore
	logger *logging.Logger
}

// NewRetrievalCache creates a cache over store. A nil logger falls
// back to the package default.
func NewRetrievalCache(store CacheStore, logger *logging.Logger) *RetrievalCache {
	if logger == nil {
		logger = logging.Default()
	}
	return &RetrievalCache{store: store, logger: logger}
}

// Lookup returns the cached result for key, or (nil, false) on a miss.
// Store failures and undecodable entries degrade to misses.
func (c *RetrievalCache) Lookup(ctx context.Context, key string) (*SearchResult, bool) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		cacheErrorsTotal.Inc()
		c.logger.Warn("Retrieval cache read failed, treating as miss", "error", err)
		return nil, false
	}
	if !found {
		cacheMissesTotal.Inc()
		return nil, false
	}

	var result SearchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		cacheErrorsTotal.Inc()
		c.logger.Warn("Retrieval cache entry undecodable, treating as miss", "error", err)
		return nil, false
	}

	cacheHitsTotal.Inc()
	return &result, true
}

// Store writes result under key with the given expiry. Failures are
// logged and swallowed.
func (c *RetrievalCache) Store(ctx context.Context, key string, result *SearchResult, ttl time.Duration) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("Failed to encode retrieval cache entry", "error", err)
		return
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		cacheErrorsTotal.Inc()
		c.logger.Warn("Retrieval cache write failed", "error", err)
	}
}
