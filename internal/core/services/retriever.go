// Package services wires the core retrieval flow: embed the query, search
// the vector store, then post-process the hit list with reranking and
// semantic deduplication.
package services

import (
	"context"
	"fmt"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/core/ports/driving"
	"github.com/quarry-labs/quarry/internal/logger"
	"github.com/quarry-labs/quarry/internal/retrieval"
)

// Ensure Retriever implements the driving port.
var _ driving.Retriever = (*Retriever)(nil)

// RerankStrategy selects the reranker the service runs when a query asks
// for reranking.
type RerankStrategy string

const (
	RerankHeuristic    RerankStrategy = "heuristic"
	RerankSmart        RerankStrategy = "smart"
	RerankCrossEncoder RerankStrategy = "cross-encoder"
)

// Defaults.
const (
	DefaultLimit = 10

	// DefaultCandidateMultiplier oversamples the vector search so reranking
	// and dedup have material to work with before the final cut.
	DefaultCandidateMultiplier = 3
)

// RetrieverConfig tunes the retrieval service.
type RetrieverConfig struct {
	// Strategy picks the reranker. Empty defaults to heuristic.
	// Cross-encoder requires an LLM; without one it degrades to smart.
	Strategy RerankStrategy

	// CandidateMultiplier oversamples the initial search by this factor.
	// Zero defaults to 3.
	CandidateMultiplier int

	// Rerank tunes the rerank pass.
	Rerank retrieval.RerankOptions

	// Dedup tunes the deduplication pass.
	Dedup retrieval.DedupOptions
}

func (c RetrieverConfig) withDefaults() RetrieverConfig {
	if c.Strategy == "" {
		c.Strategy = RerankHeuristic
	}
	if c.CandidateMultiplier <= 0 {
		c.CandidateMultiplier = DefaultCandidateMultiplier
	}
	return c
}

// Retriever answers queries against indexed scopes.
type Retriever struct {
	provider driven.EmbeddingProvider
	store    driven.VectorStore
	reranker retrieval.Reranker
	cfg      RetrieverConfig
}

// NewRetriever creates the retrieval service. llm is only needed for the
// cross-encoder strategy and may be nil otherwise.
func NewRetriever(provider driven.EmbeddingProvider, store driven.VectorStore, llm driven.LLM, cfg RetrieverConfig) *Retriever {
	cfg = cfg.withDefaults()

	var reranker retrieval.Reranker
	switch cfg.Strategy {
	case RerankCrossEncoder:
		if llm != nil {
			reranker = retrieval.NewCrossEncoderReranker(llm)
			break
		}
		logger.Warn("Cross-encoder reranking requested without an LLM, using smart heuristics")
		reranker = retrieval.NewSmartReranker(retrieval.SmartWeights{})
	case RerankSmart:
		reranker = retrieval.NewSmartReranker(retrieval.SmartWeights{})
	default:
		reranker = retrieval.NewHeuristicReranker()
	}

	return &Retriever{
		provider: provider,
		store:    store,
		reranker: reranker,
		cfg:      cfg,
	}
}

// Retrieve embeds the query, searches the scope and post-processes the hit
// list. Rerank and dedup failures degrade to the previous result set rather
// than failing the query.
func (r *Retriever) Retrieve(ctx context.Context, scopeID, query string, opts driving.RetrieveOptions) ([]domain.VectorSearchMatch, error) {
	if scopeID == "" || query == "" {
		return nil, fmt.Errorf("%w: scope ID and query are required", domain.ErrInvalidInput)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	vectors, err := r.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("provider returned %d embeddings for the query", len(vectors))
	}

	var filters *driven.SearchFilters
	if len(opts.SourceIDs) > 0 {
		filters = &driven.SearchFilters{SourceIDs: opts.SourceIDs}
	}

	matches, err := r.store.Search(ctx, scopeID, vectors[0], limit*r.cfg.CandidateMultiplier, filters)
	if err != nil {
		return nil, fmt.Errorf("search scope %s: %w", scopeID, err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	if opts.Rerank {
		reranked, err := r.reranker.Rerank(ctx, query, matches, r.cfg.Rerank)
		if err != nil {
			logger.Warn("Reranking failed, keeping search order: %v", err)
		} else {
			matches = reranked
		}
	}

	if opts.Dedup {
		deduped, err := retrieval.Deduplicate(ctx, matches, r.cfg.Dedup)
		if err != nil {
			logger.Warn("Deduplication failed, keeping full list: %v", err)
		} else {
			matches = deduped
		}
	}

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
