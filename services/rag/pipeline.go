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
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/studyloop/studyloop/pkg/logging"
	"github.com/studyloop/studyloop/pkg/safety"
	"github.com/studyloop/studyloop/services/llm"
)

// =============================================================================
// Pipeline
// =============================================================================

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studyloop_rag_queries_total",
		Help: "Total pipeline queries by terminal state",
	}, []string{"state"})

	injectionsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyloop_rag_injections_flagged_total",
		Help: "Total queries flagged by the injection heuristics",
	})
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultCollection     = "CourseMaterial"
	DefaultTopK           = 5
	DefaultMinScore       = 0.7
	DefaultMaxSourceChars = 300
	DefaultCacheTTL       = 15 * time.Minute
)

// Options configures a Pipeline at construction time.
type Options struct {
	// Collection is the default vector collection to search.
	Collection string

	// TopK is the default number of nearest documents to retrieve.
	TopK int

	// MinScore is the relevance threshold; results scoring below it
	// are discarded before generation. Zero falls back to the default;
	// a negative value disables the filter entirely.
	MinScore float64

	// MaxSourceChars bounds the content preview length in Sources.
	MaxSourceChars int

	// CacheTTL is the retrieval cache entry lifetime.
	CacheTTL time.Duration

	// SingleFlight collapses concurrent identical searches into one
	// live query. Off by default: a stampede recomputes idempotent
	// results, which is wasteful but correct.
	SingleFlight bool
}

func (o Options) withDefaults() Options {
	if o.Collection == "" {
		o.Collection = DefaultCollection
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	switch {
	case o.MinScore == 0:
		o.MinScore = DefaultMinScore
	case o.MinScore < 0:
		o.MinScore = 0
	}
	if o.MaxSourceChars <= 0 {
		o.MaxSourceChars = DefaultMaxSourceChars
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	return o
}

// QueryOptions overrides pipeline defaults for a single query.
type QueryOptions struct {
	// Collection overrides the default collection when non-empty.
	Collection string

	// TopK overrides the default topK when positive.
	TopK int

	// Template names the prompt template to use. Empty means "answer".
	Template string
}

// Source is one piece of grounding evidence attached to an Answer.
type Source struct {
	// Content is the truncated document preview.
	Content string `json:"content"`

	// Score is the document's relevance, 0.0 to 1.0.
	Score float64 `json:"score"`

	// Metadata carries source attribution.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Answer is the pipeline's immutable output, built once per request.
type Answer struct {
	// ID uniquely identifies this answer.
	ID string `json:"id"`

	// Answer is the generated (or terminal) answer text.
	Answer string `json:"answer"`

	// Sources are the surviving documents, descending by score.
	Sources []Source `json:"sources"`

	// Confidence is the top surviving source's score, 0 when no
	// source survived.
	Confidence float64 `json:"confidence"`

	// CollectionEmpty marks the terminal state where the collection
	// holds no documents at all: a content-provisioning problem.
	CollectionEmpty bool `json:"collection_empty"`

	// BelowThreshold marks the terminal state where matches existed
	// but none cleared the relevance threshold.
	BelowThreshold bool `json:"below_threshold"`

	// BestScore is the highest observed score when BelowThreshold is
	// set, so near-misses are diagnosable.
	BestScore float64 `json:"best_score,omitempty"`

	// InjectionFlagged reports that the question matched the prompt
	// injection heuristics. Advisory: the query still ran.
	InjectionFlagged bool `json:"injection_flagged,omitempty"`

	// CreatedAt is the answer construction time.
	CreatedAt time.Time `json:"created_at"`
}

// Pipeline turns a natural-language question into a grounded answer:
// cached vector search, relevance filtering, prompt construction, and
// one LLM completion.
//
// # Thread Safety
//
// Safe for concurrent use. The pipeline holds no per-request state;
// the cache and vector index are externally synchronized.
type Pipeline struct {
	retriever Retriever
	cache     *RetrievalCache
	client    llm.Client
	opts      Options
	logger    *logging.Logger
	flight    singleflight.Group
}

// NewPipeline wires a pipeline from its collaborators. The cache may
// be nil, in which case every query performs a live search. A nil
// logger falls back to the package default.
func NewPipeline(retriever Retriever, cache *RetrievalCache, client llm.Client, opts Options, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		retriever: retriever,
		cache:     cache,
		client:    client,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// Query answers a student question grounded in retrieved course
// material.
//
// # Description
//
// The question is sanitized and screened for injection patterns
// (advisory only), then resolved through the retrieval cache or a
// live vector search. An empty collection and an all-below-threshold
// result set each produce a terminal answer without invoking the LLM.
// Otherwise the surviving documents are assembled into a positional
// context and the chosen prompt template drives exactly one LLM
// completion; an LLM failure propagates as a pipeline failure with no
// retry here.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - question: The student's natural-language question.
//   - opts: Per-query overrides; zero values fall back to defaults.
//
// # Outputs
//
//   - *Answer: The grounded or terminal answer.
//   - error: Non-nil if the question is empty, the search fails, or
//     the LLM call fails.
func (p *Pipeline) Query(ctx context.Context, question string, opts QueryOptions) (*Answer, error) {
	ctx, span := ragTracer.Start(ctx, "Pipeline.Query")
	defer span.End()

	question = safety.SanitizeText(question)
	if question == "" {
		span.SetStatus(codes.Error, "empty question")
		return nil, fmt.Errorf("question must not be empty")
	}

	report := safety.DetectInjection(question)
	if report.Detected {
		injectionsFlagged.Inc()
		p.logger.Warn("Question matched injection heuristics",
			"matches", report.MatchCount,
			"patterns", report.Matched,
		)
	}

	templateName := opts.Template
	if templateName == "" {
		templateName = "answer"
	}
	tmpl, err := LookupTemplate(templateName)
	if err != nil {
		return nil, err
	}

	collection := p.opts.Collection
	if tmpl.Collection != "" {
		collection = tmpl.Collection
	}
	if opts.Collection != "" {
		collection = opts.Collection
	}
	topK := p.opts.TopK
	if tmpl.TopK > 0 {
		topK = tmpl.TopK
	}
	if opts.TopK > 0 {
		topK = opts.TopK
	}
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("top_k", topK),
		attribute.String("template", templateName),
	)

	result, err := p.retrieve(ctx, collection, question, topK)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	if result.Count == 0 {
		queriesTotal.WithLabelValues("collection_empty").Inc()
		p.logger.Info("Query against empty collection", "collection", collection)
		return p.terminal(report.Detected, &Answer{
			Answer:          fmt.Sprintf("The %s collection has no documents yet, so there is no material to answer from.", collection),
			CollectionEmpty: true,
		}), nil
	}

	survivors, bestScore := p.filterByScore(result.Results)
	if len(survivors) == 0 {
		queriesTotal.WithLabelValues("below_threshold").Inc()
		p.logger.Info("No result cleared the relevance threshold",
			"collection", collection,
			"best_score", bestScore,
			"min_score", p.opts.MinScore,
		)
		return p.terminal(report.Detected, &Answer{
			Answer: fmt.Sprintf("No sufficiently relevant material was found (best score %.2f, threshold %.2f). Try rephrasing the question.",
				bestScore, p.opts.MinScore),
			BelowThreshold: true,
			BestScore:      bestScore,
		}), nil
	}

	contextText := assembleContext(survivors)
	prompt := tmpl.Render(contextText, question)

	completion, err := p.client.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		queriesTotal.WithLabelValues("generation_failed").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	queriesTotal.WithLabelValues("answered").Inc()
	return p.terminal(report.Detected, &Answer{
		Answer:     completion,
		Sources:    p.shapeSources(survivors),
		Confidence: survivors[0].Score,
	}), nil
}

// ExplainConcept is Query with the explain_concept template.
func (p *Pipeline) ExplainConcept(ctx context.Context, concept string) (*Answer, error) {
	return p.Query(ctx, concept, QueryOptions{Template: "explain_concept"})
}

// RoadmapGuidance is Query with the roadmap_guidance template, which
// pins its own collection and topK.
func (p *Pipeline) RoadmapGuidance(ctx context.Context, goal string) (*Answer, error) {
	return p.Query(ctx, goal, QueryOptions{Template: "roadmap_guidance"})
}

// retrieve resolves a search through the cache, falling back to a
// live vector search and populating the cache on a miss. With
// SingleFlight enabled, concurrent identical misses share one search.
func (p *Pipeline) retrieve(ctx context.Context, collection, question string, topK int) (*SearchResult, error) {
	if p.cache == nil {
		return p.retriever.Search(ctx, collection, question, topK)
	}

	key := Fingerprint(collection, question, topK)
	if cached, ok := p.cache.Lookup(ctx, key); ok {
		return cached, nil
	}

	search := func() (*SearchResult, error) {
		result, err := p.retriever.Search(ctx, collection, question, topK)
		if err != nil {
			return nil, err
		}
		p.cache.Store(ctx, key, result, p.opts.CacheTTL)
		return result, nil
	}

	if !p.opts.SingleFlight {
		return search()
	}

	shared, err, _ := p.flight.Do(key, func() (any, error) {
		return search()
	})
	if err != nil {
		return nil, err
	}
	return shared.(*SearchResult), nil
}

// filterByScore drops results below the relevance threshold and
// returns the survivors sorted descending by score, plus the best
// score observed across all results.
func (p *Pipeline) filterByScore(results []Document) ([]Document, float64) {
	var bestScore float64
	survivors := make([]Document, 0, len(results))
	for _, doc := range results {
		if doc.Score > bestScore {
			bestScore = doc.Score
		}
		if doc.Score >= p.opts.MinScore {
			survivors = append(survivors, doc)
		}
	}
	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].Score > survivors[j].Score
	})
	return survivors, bestScore
}

// assembleContext concatenates survivors in ranked order, each under a
// stable positional marker the prompt templates tell the model to cite.
func assembleContext(docs []Document) string {
	var b strings.Builder
	for i, doc := range docs {
		fmt.Fprintf(&b, "[Source %d]\n%s\n\n", i+1, doc.Content)
	}
	return strings.TrimSpace(b.String())
}

// shapeSources builds the truncated, annotated source view.
func (p *Pipeline) shapeSources(docs []Document) []Source {
	sources := make([]Source, 0, len(docs))
	for _, doc := range docs {
		sources = append(sources, Source{
			Content:  truncateRunes(doc.Content, p.opts.MaxSourceChars),
			Score:    doc.Score,
			Metadata: doc.Metadata,
		})
	}
	return sources
}

// truncateRunes bounds s to at most limit bytes without splitting a
// multi-byte rune, so previews stay valid UTF-8.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// terminal stamps the identity and timestamp fields shared by every
// answer shape.
func (p *Pipeline) terminal(flagged bool, a *Answer) *Answer {
	a.ID = uuid.NewString()
	a.InjectionFlagged = flagged
	a.CreatedAt = time.Now().UTC()
	return a
}
