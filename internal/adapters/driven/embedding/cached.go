package embedding

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
	"github.com/quarry-labs/quarry/internal/ratelimit"
)

// Ensure CachedProvider implements the interface.
var _ driven.EmbeddingProvider = (*CachedProvider)(nil)

// DefaultMissConcurrency bounds concurrent provider calls for cache misses.
const DefaultMissConcurrency = 4

// CacheStats counts cache outcomes for one provider instance.
type CacheStats struct {
	Hits   int
	Misses int
}

// CachedProvider fronts an EmbeddingProvider with a content-addressed cache
// and a rate limiter. Cache misses are embedded in provider-sized batches
// with bounded concurrency and written back.
type CachedProvider struct {
	provider driven.EmbeddingProvider
	cache    driven.EmbeddingCache
	limiter  *ratelimit.Limiter

	missConcurrency int

	mu    sync.Mutex
	stats CacheStats
}

// NewCachedProvider wraps provider with cache and limiter. A nil cache
// disables caching; a nil limiter disables budget enforcement.
func NewCachedProvider(provider driven.EmbeddingProvider, cache driven.EmbeddingCache, limiter *ratelimit.Limiter) *CachedProvider {
	return &CachedProvider{
		provider:        provider,
		cache:           cache,
		limiter:         limiter,
		missConcurrency: DefaultMissConcurrency,
	}
}

// Stats returns the hit/miss counters.
func (p *CachedProvider) Stats() CacheStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// CacheCounts returns the counters without exposing the stats type, for
// callers that only see the provider interface.
func (p *CachedProvider) CacheCounts() (hits, misses int) {
	s := p.Stats()
	return s.Hits, s.Misses
}

// Embed resolves texts from the cache first and embeds the misses through
// the wrapped provider, order-preserving.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missIndexes []int

	if p.cache == nil {
		for i := range texts {
			missIndexes = append(missIndexes, i)
		}
	} else {
		for i, text := range texts {
			key := CacheKey(p.provider.ModelName(), text)
			v, ok, err := p.cache.Get(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("cache lookup: %w", err)
			}
			if ok {
				vectors[i] = v
				continue
			}
			missIndexes = append(missIndexes, i)
		}
	}

	p.mu.Lock()
	p.stats.Hits += len(texts) - len(missIndexes)
	p.stats.Misses += len(missIndexes)
	p.mu.Unlock()

	if len(missIndexes) == 0 {
		return vectors, nil
	}
	logger.Debug("Embedding %d/%d texts (cache misses)", len(missIndexes), len(texts))

	// Embed misses in provider-sized batches with bounded concurrency.
	batches := p.splitBatches(texts, missIndexes)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.missConcurrency)

	for _, batch := range batches {
		g.Go(func() error {
			batchTexts := make([]string, len(batch))
			for i, idx := range batch {
				batchTexts[i] = texts[idx]
			}

			embed := func() error {
				result, err := p.provider.Embed(gctx, batchTexts)
				if err != nil {
					return err
				}
				if len(result) != len(batchTexts) {
					return fmt.Errorf("provider returned %d embeddings for %d texts", len(result), len(batchTexts))
				}
				for i, idx := range batch {
					vectors[idx] = result[i]
				}
				return nil
			}

			var err error
			if p.limiter != nil {
				err = p.limiter.Do(gctx, ratelimit.EstimateTokens(batchTexts), embed)
			} else {
				err = embed()
			}
			if err != nil {
				return err
			}

			// Write back. Cache failures only cost future lookups.
			if p.cache != nil {
				for _, idx := range batch {
					key := CacheKey(p.provider.ModelName(), texts[idx])
					if err := p.cache.Put(gctx, key, vectors[idx]); err != nil {
						logger.Warn("Cache write failed: %v", err)
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return vectors, nil
}

// splitBatches groups miss indexes into batches respecting the limiter's
// input and token caps.
func (p *CachedProvider) splitBatches(texts []string, missIndexes []int) [][]int {
	maxInputs := 0
	maxTokens := 0
	if p.limiter != nil {
		maxInputs = p.limiter.MaxBatchInputs()
		maxTokens = p.limiter.MaxRequestTokens()
	}
	if maxInputs <= 0 {
		maxInputs = 64
	}

	var batches [][]int
	var current []int
	currentTokens := 0

	for _, idx := range missIndexes {
		cost := ratelimit.EstimateTokens([]string{texts[idx]})
		tooMany := len(current) >= maxInputs
		tooBig := maxTokens > 0 && len(current) > 0 && currentTokens+cost > maxTokens
		if tooMany || tooBig {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, idx)
		currentTokens += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}

	return batches
}

// Dimensions returns the wrapped provider's vector size.
func (p *CachedProvider) Dimensions() int { return p.provider.Dimensions() }

// ModelName returns the wrapped provider's model name.
func (p *CachedProvider) ModelName() string { return p.provider.ModelName() }

// Close closes the wrapped provider. The cache has its own lifecycle.
func (p *CachedProvider) Close() error { return p.provider.Close() }
