package pipeline

import (
	"context"
	"fmt"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
)

// DefaultEmbedBatchSize is how many chunks go through the provider per
// round, interleaved with backpressure checks.
const DefaultEmbedBatchSize = 128

// cacheCounter is implemented by providers that track cache hit/miss
// counters (the cached provider wrapper).
type cacheCounter interface {
	CacheCounts() (hits, misses int)
}

// EmbeddingStage embeds every chunk's content. Batching, caching, rate
// limiting and provider-level concurrency live in the injected provider;
// the stage slices work so backpressure applies between rounds.
type EmbeddingStage struct {
	provider  driven.EmbeddingProvider
	batchSize int
}

// NewEmbeddingStage creates the embedding stage.
func NewEmbeddingStage(provider driven.EmbeddingProvider) *EmbeddingStage {
	return &EmbeddingStage{provider: provider, batchSize: DefaultEmbedBatchSize}
}

func (s *EmbeddingStage) Name() string { return "embedding" }

// Execute embeds pc.Chunks batch by batch. A failed batch records one
// error per affected file and its chunks drop out of the run; the
// remaining batches still embed, so storage only ever sees chunks that
// carry a vector.
func (s *EmbeddingStage) Execute(ctx context.Context, pc *Context) error {
	total := len(pc.Chunks)
	if total == 0 {
		return nil
	}

	var hits0, misses0 int
	if c, ok := s.provider.(cacheCounter); ok {
		hits0, misses0 = c.CacheCounts()
	}

	embedded := make([]domain.StoredChunk, 0, total)
	dropped := false

	for start := 0; start < total; start += s.batchSize {
		if pc.BudgetExceeded() {
			dropped = true
			break
		}
		if err := pc.Monitor.ApplyBackpressure(ctx); err != nil {
			return err
		}

		end := min(start+s.batchSize, total)
		batch := pc.Chunks[start:end]

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Content
		}

		vectors, err := s.provider.Embed(ctx, texts)
		if err == nil && len(vectors) != len(batch) {
			err = fmt.Errorf("provider returned %d embeddings for %d chunks", len(vectors), len(batch))
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			s.recordBatchFailure(pc, batch, err)
			dropped = true
			continue
		}

		for i := range batch {
			batch[i].Embedding = vectors[i]
		}
		embedded = append(embedded, batch...)
		pc.Stats.ChunksEmbedded += len(batch)

		pc.Emit(Event{Kind: EventProgress, Stage: s.Name(), Current: end, Total: total})
	}

	if dropped {
		pc.Chunks = embedded
	}

	if c, ok := s.provider.(cacheCounter); ok {
		hits, misses := c.CacheCounts()
		pc.Stats.CacheHits += hits - hits0
		pc.Stats.CacheMisses += misses - misses0
	}

	logger.Info("Embedded %d chunks (%d cache hits, %d misses)",
		pc.Stats.ChunksEmbedded, pc.Stats.CacheHits, pc.Stats.CacheMisses)
	return nil
}

// recordBatchFailure charges a failed batch against the error budget, one
// entry per distinct file in the batch.
func (s *EmbeddingStage) recordBatchFailure(pc *Context, batch []domain.StoredChunk, err error) {
	seen := make(map[string]bool, len(batch))
	for _, c := range batch {
		if seen[c.Path] {
			continue
		}
		seen[c.Path] = true
		pc.AddError(s.Name(), c.Path, fmt.Errorf("embed batch: %w", err))
	}
}
