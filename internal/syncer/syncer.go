// Package syncer implements the document synchronization lifecycle for
// externally-sourced documents: add, update, soft delete with a TTL
// restore window, hard delete, and batch ingestion. Synced documents live
// in the same vector store scopes as filesystem chunks and are tracked in
// the document registry.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/core/ports/driving"
	"github.com/quarry-labs/quarry/internal/logger"
	"github.com/quarry-labs/quarry/internal/retrieval"
)

// Ensure Syncer implements the driving port.
var _ driving.DocumentSync = (*Syncer)(nil)

// Defaults.
const (
	DefaultTTLDays             = 30
	DefaultMaxBatchSize        = 100
	DefaultBatchConcurrency    = 4
	DefaultSimilarityThreshold = 0.8
)

// Config tunes the syncer.
type Config struct {
	// TTLDays is the soft-delete restore window. Zero defaults to 30.
	TTLDays int

	// MaxBatchSize caps AddBatch input length. Zero defaults to 100.
	MaxBatchSize int

	// BatchConcurrency bounds parallel batch entries. Zero defaults to 4.
	BatchConcurrency int

	// PartialUpdates enables the similarity-gated partial update path.
	PartialUpdates bool

	// SimilarityThreshold gates partial updates: spans at least this
	// similar to their previous version keep their embedding. Zero
	// defaults to 0.8.
	SimilarityThreshold float64
}

func (c Config) withDefaults() Config {
	if c.TTLDays <= 0 {
		c.TTLDays = DefaultTTLDays
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = DefaultBatchConcurrency
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return c
}

// Syncer is the document synchronization service.
type Syncer struct {
	registry driven.DocumentRegistry
	store    driven.VectorStore
	provider driven.EmbeddingProvider
	chunker  driven.Chunker
	cfg      Config

	// now is swappable for TTL tests.
	now func() time.Time
}

// New creates a syncer. The chunker splits document content; documents
// without language structure typically get the line-based chunker.
func New(registry driven.DocumentRegistry, store driven.VectorStore, provider driven.EmbeddingProvider, chunker driven.Chunker, cfg Config) *Syncer {
	return &Syncer{
		registry: registry,
		store:    store,
		provider: provider,
		chunker:  chunker,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// failure builds an error result without crossing the API boundary.
func failure(req driving.SyncRequest, err error) driving.SyncResult {
	return driving.SyncResult{DocumentID: req.ExternalID, Error: err.Error()}
}

func validate(req driving.SyncRequest) error {
	if req.Source == "" || req.ExternalID == "" || req.ScopeID == "" {
		return fmt.Errorf("%w: source, external ID and scope ID are required", domain.ErrInvalidInput)
	}
	return nil
}

// AddDocument indexes a new document. On an existing active document it
// degrades to an update; on a soft-deleted one it restores then updates.
func (s *Syncer) AddDocument(ctx context.Context, req driving.SyncRequest) driving.SyncResult {
	if err := validate(req); err != nil {
		return failure(req, err)
	}

	existing, err := s.registry.Get(ctx, req.Source, req.ExternalID, req.ScopeID)
	switch {
	case err == nil && existing.Deleted:
		if res := s.RestoreDocument(ctx, req.Source, req.ExternalID, req.ScopeID); !res.Success {
			return res
		}
		return s.UpdateDocument(ctx, req)
	case err == nil:
		return s.UpdateDocument(ctx, req)
	case !errors.Is(err, domain.ErrNotFound):
		return failure(req, err)
	}

	record := &domain.DocumentRecord{
		Source:     req.Source,
		ExternalID: req.ExternalID,
		ScopeID:    req.ScopeID,
		Metadata:   req.Metadata,
		CreatedAt:  s.now().UTC(),
	}

	added, err := s.reindex(ctx, record, req.Content)
	if err != nil {
		return failure(req, err)
	}

	logger.Debug("Added document %s (%d chunks)", record.Key(), added)
	return driving.SyncResult{Success: true, DocumentID: req.ExternalID, ChunksAdded: added}
}

// UpdateDocument re-indexes an existing document. Unchanged content with
// no metadata delta is a no-op.
func (s *Syncer) UpdateDocument(ctx context.Context, req driving.SyncRequest) driving.SyncResult {
	if err := validate(req); err != nil {
		return failure(req, err)
	}

	record, err := s.registry.Get(ctx, req.Source, req.ExternalID, req.ScopeID)
	if err != nil {
		return failure(req, err)
	}
	if record.Deleted {
		return failure(req, fmt.Errorf("%w: %s", domain.ErrDocumentDeleted, record.Key()))
	}

	newHash := domain.HashContent(req.Content)
	if newHash == record.ContentHash {
		if req.Metadata == nil {
			return driving.SyncResult{Success: true, DocumentID: req.ExternalID}
		}
		record.Metadata = req.Metadata
		record.UpdatedAt = s.now().UTC()
		if err := s.registry.Save(ctx, record); err != nil {
			return failure(req, err)
		}
		return driving.SyncResult{Success: true, DocumentID: req.ExternalID}
	}

	if req.Metadata != nil {
		record.Metadata = req.Metadata
	}

	if s.cfg.PartialUpdates && len(record.Chunks) > 0 {
		res, err := s.partialUpdate(ctx, record, req.Content)
		if err == nil {
			return res
		}
		logger.Warn("Partial update failed for %s, falling back to full update: %v", record.Key(), err)
	}

	deleted := len(record.Chunks)
	added, err := s.reindex(ctx, record, req.Content)
	if err != nil {
		return failure(req, err)
	}

	return driving.SyncResult{
		Success:       true,
		DocumentID:    req.ExternalID,
		ChunksAdded:   added,
		ChunksDeleted: deleted,
	}
}

// reindex replaces the document's chunks wholesale: delete the old IDs,
// chunk and embed the new content, upsert, then save the record.
func (s *Syncer) reindex(ctx context.Context, record *domain.DocumentRecord, content string) (int, error) {
	if len(record.Chunks) > 0 {
		oldIDs := chunkIDs(record.Chunks)
		if err := s.store.DeleteChunks(ctx, record.ScopeID, oldIDs); err != nil {
			return 0, fmt.Errorf("delete old chunks: %w", err)
		}
	}

	spans, err := s.chunker.Chunk(ctx, record.ExternalID, content)
	if err != nil {
		return 0, fmt.Errorf("chunk document: %w", err)
	}

	records, stored, err := s.buildChunks(ctx, record, spans)
	if err != nil {
		return 0, err
	}

	if err := s.store.Upsert(ctx, record.ScopeID, stored); err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}

	record.ContentHash = domain.HashContent(content)
	record.Chunks = records
	record.UpdatedAt = s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	if err := s.registry.Save(ctx, record); err != nil {
		return 0, fmt.Errorf("save record: %w", err)
	}
	return len(stored), nil
}

// buildChunks embeds spans and produces the parallel registry and store
// representations.
func (s *Syncer) buildChunks(ctx context.Context, record *domain.DocumentRecord, spans []domain.Chunk) ([]domain.ChunkRecord, []domain.StoredChunk, error) {
	texts := make([]string, len(spans))
	for i, span := range spans {
		texts[i] = span.Content
	}

	vectors, err := s.provider.Embed(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("embed document: %w", err)
	}
	if len(vectors) != len(spans) {
		return nil, nil, fmt.Errorf("provider returned %d embeddings for %d chunks", len(vectors), len(spans))
	}

	records := make([]domain.ChunkRecord, len(spans))
	stored := make([]domain.StoredChunk, len(spans))
	for i, span := range spans {
		chunkID := domain.NewChunkID(record.Source, record.ExternalID, span.StartLine, span.EndLine, i)
		records[i] = domain.ChunkRecord{
			ChunkID:     chunkID,
			ContentHash: domain.HashContent(span.Content),
			Content:     span.Content,
			StartLine:   span.StartLine,
			EndLine:     span.EndLine,
		}
		stored[i] = domain.StoredChunk{
			ChunkID:   chunkID,
			ScopeID:   record.ScopeID,
			SourceID:  record.Source,
			Path:      record.ExternalID,
			Content:   span.Content,
			StartLine: span.StartLine,
			EndLine:   span.EndLine,
			Embedding: vectors[i],
			FileHash:  record.ContentHash,
			Metadata:  record.Metadata,
		}
	}
	return records, stored, nil
}

// partialUpdate re-embeds only the spans whose content drifted beyond the
// similarity threshold. Any failure propagates so the caller can fall back
// to a full reindex; nothing is committed until every store write has
// succeeded.
func (s *Syncer) partialUpdate(ctx context.Context, record *domain.DocumentRecord, content string) (driving.SyncResult, error) {
	spans, err := s.chunker.Chunk(ctx, record.ExternalID, content)
	if err != nil {
		return driving.SyncResult{}, fmt.Errorf("chunk document: %w", err)
	}

	// Index old records by exact content hash for cheap reuse.
	oldByHash := make(map[string][]int)
	for i, c := range record.Chunks {
		oldByHash[c.ContentHash] = append(oldByHash[c.ContentHash], i)
	}
	matched := make([]bool, len(record.Chunks))

	type pending struct {
		span    domain.Chunk
		ordinal int
	}
	var (
		newRecords []domain.ChunkRecord
		refreshed  []domain.ChunkRecord
		toEmbed    []pending
	)

	for i, span := range spans {
		hash := domain.HashContent(span.Content)

		// Exact match: carry the old chunk forward untouched.
		if idxs := oldByHash[hash]; len(idxs) > 0 {
			idx := idxs[0]
			oldByHash[hash] = idxs[1:]
			matched[idx] = true
			newRecords = append(newRecords, record.Chunks[idx])
			continue
		}

		// Near match: keep the old embedding but carry the new text and
		// span through both the registry and the store.
		if idx := s.bestSimilar(span.Content, record.Chunks, matched); idx >= 0 {
			matched[idx] = true
			old := record.Chunks[idx]
			rec := domain.ChunkRecord{
				ChunkID:     old.ChunkID,
				ContentHash: hash,
				Content:     span.Content,
				StartLine:   span.StartLine,
				EndLine:     span.EndLine,
			}
			newRecords = append(newRecords, rec)
			refreshed = append(refreshed, rec)
			continue
		}

		toEmbed = append(toEmbed, pending{span: span, ordinal: i})
	}

	refreshedStored, err := s.refreshStored(ctx, record, refreshed, content)
	if err != nil {
		return driving.SyncResult{}, err
	}

	// Genuinely new or heavily-changed spans get fresh chunks.
	var (
		addedRecords []domain.ChunkRecord
		addedStored  []domain.StoredChunk
	)
	if len(toEmbed) > 0 {
		texts := make([]string, len(toEmbed))
		for i, p := range toEmbed {
			texts[i] = p.span.Content
		}
		vectors, err := s.provider.Embed(ctx, texts)
		if err != nil {
			return driving.SyncResult{}, fmt.Errorf("embed changed spans: %w", err)
		}
		if len(vectors) != len(toEmbed) {
			return driving.SyncResult{}, fmt.Errorf("provider returned %d embeddings for %d spans", len(vectors), len(toEmbed))
		}

		for i, p := range toEmbed {
			chunkID := domain.NewChunkID(record.Source, record.ExternalID, p.span.StartLine, p.span.EndLine, p.ordinal)
			addedRecords = append(addedRecords, domain.ChunkRecord{
				ChunkID:     chunkID,
				ContentHash: domain.HashContent(p.span.Content),
				Content:     p.span.Content,
				StartLine:   p.span.StartLine,
				EndLine:     p.span.EndLine,
			})
			addedStored = append(addedStored, domain.StoredChunk{
				ChunkID:   chunkID,
				ScopeID:   record.ScopeID,
				SourceID:  record.Source,
				Path:      record.ExternalID,
				Content:   p.span.Content,
				StartLine: p.span.StartLine,
				EndLine:   p.span.EndLine,
				Embedding: vectors[i],
				FileHash:  domain.HashContent(content),
				Metadata:  record.Metadata,
			})
		}
	}

	// Old chunks nothing claimed get removed.
	var removedIDs []string
	for i, c := range record.Chunks {
		if !matched[i] {
			removedIDs = append(removedIDs, c.ChunkID)
		}
	}

	// Store writes happen before the registry commit: a failure here
	// leaves the registry pointing at the previous consistent version.
	if writes := append(refreshedStored, addedStored...); len(writes) > 0 {
		if err := s.store.Upsert(ctx, record.ScopeID, writes); err != nil {
			return driving.SyncResult{}, fmt.Errorf("store changed spans: %w", err)
		}
	}
	if len(removedIDs) > 0 {
		if err := s.store.DeleteChunks(ctx, record.ScopeID, removedIDs); err != nil {
			return driving.SyncResult{}, fmt.Errorf("remove stale spans: %w", err)
		}
	}

	record.Chunks = append(newRecords, addedRecords...)
	record.ContentHash = domain.HashContent(content)
	record.UpdatedAt = s.now().UTC()
	if err := s.registry.Save(ctx, record); err != nil {
		return driving.SyncResult{}, fmt.Errorf("save record: %w", err)
	}

	logger.Debug("Partial update for %s: %d added, %d updated, %d deleted",
		record.Key(), len(addedStored), len(refreshed), len(removedIDs))
	return driving.SyncResult{
		Success:       true,
		DocumentID:    record.ExternalID,
		ChunksAdded:   len(addedStored),
		ChunksUpdated: len(refreshed),
		ChunksDeleted: len(removedIDs),
	}, nil
}

// refreshStored rebuilds the stored form of near-matched chunks: the
// embedding read back from the store, everything else from the new span. A
// chunk missing from the store fails the whole partial update.
func (s *Syncer) refreshStored(ctx context.Context, record *domain.DocumentRecord, refreshed []domain.ChunkRecord, content string) ([]domain.StoredChunk, error) {
	if len(refreshed) == 0 {
		return nil, nil
	}

	existing, err := s.store.GetAllChunks(ctx, record.ScopeID, &driven.SearchFilters{
		SourceIDs:   []string{record.Source},
		PathMatcher: func(p string) bool { return p == record.ExternalID },
	})
	if err != nil {
		return nil, fmt.Errorf("read stored spans: %w", err)
	}
	embeddings := make(map[string][]float32, len(existing))
	for _, c := range existing {
		embeddings[c.ChunkID] = c.Embedding
	}

	fileHash := domain.HashContent(content)
	stored := make([]domain.StoredChunk, 0, len(refreshed))
	for _, rec := range refreshed {
		embedding, ok := embeddings[rec.ChunkID]
		if !ok {
			return nil, fmt.Errorf("stored span %s missing for %s", rec.ChunkID, record.Key())
		}
		stored = append(stored, domain.StoredChunk{
			ChunkID:   rec.ChunkID,
			ScopeID:   record.ScopeID,
			SourceID:  record.Source,
			Path:      record.ExternalID,
			Content:   rec.Content,
			StartLine: rec.StartLine,
			EndLine:   rec.EndLine,
			Embedding: embedding,
			FileHash:  fileHash,
			Metadata:  record.Metadata,
		})
	}
	return stored, nil
}

// bestSimilar finds an unmatched old chunk at least the threshold similar
// to the text, returning its index or -1.
func (s *Syncer) bestSimilar(text string, old []domain.ChunkRecord, matched []bool) int {
	best, bestSim := -1, 0.0
	for i, c := range old {
		if matched[i] {
			continue
		}
		if sim := retrieval.JaccardSimilarity(text, c.Content); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if bestSim >= s.cfg.SimilarityThreshold {
		return best
	}
	return -1
}

// SoftDeleteDocument marks the record deleted and removes its chunks from
// the vector store. The record stays restorable for TTLDays.
func (s *Syncer) SoftDeleteDocument(ctx context.Context, source, externalID, scopeID string) driving.SyncResult {
	req := driving.SyncRequest{Source: source, ExternalID: externalID, ScopeID: scopeID}

	record, err := s.registry.Get(ctx, source, externalID, scopeID)
	if err != nil {
		return failure(req, err)
	}
	if record.Deleted {
		return failure(req, fmt.Errorf("%w: %s", domain.ErrDocumentDeleted, record.Key()))
	}

	removed := len(record.Chunks)
	if removed > 0 {
		if err := s.store.DeleteChunks(ctx, scopeID, chunkIDs(record.Chunks)); err != nil {
			return failure(req, fmt.Errorf("remove chunks: %w", err))
		}
	}

	record.Deleted = true
	record.DeletedAt = s.now().UTC()
	if err := s.registry.Save(ctx, record); err != nil {
		return failure(req, err)
	}

	logger.Debug("Soft-deleted document %s", record.Key())
	return driving.SyncResult{Success: true, DocumentID: externalID, ChunksDeleted: removed}
}

// RestoreDocument reverses a soft delete within the TTL window,
// re-embedding the retained chunk contents.
func (s *Syncer) RestoreDocument(ctx context.Context, source, externalID, scopeID string) driving.SyncResult {
	req := driving.SyncRequest{Source: source, ExternalID: externalID, ScopeID: scopeID}

	record, err := s.registry.Get(ctx, source, externalID, scopeID)
	if err != nil {
		return failure(req, err)
	}
	if !record.Deleted {
		return failure(req, fmt.Errorf("%w: document %s is not deleted", domain.ErrInvalidInput, record.Key()))
	}
	if !record.Restorable(s.now().UTC(), s.cfg.TTLDays) {
		return failure(req, fmt.Errorf("%w: document %s deleted %s ago",
			domain.ErrTTLExpired, record.Key(), s.now().UTC().Sub(record.DeletedAt).Round(time.Hour)))
	}

	// Rebuild stored chunks from the retained registry contents.
	spans := make([]domain.Chunk, len(record.Chunks))
	for i, c := range record.Chunks {
		spans[i] = domain.Chunk{Content: c.Content, StartLine: c.StartLine, EndLine: c.EndLine}
	}
	records, stored, err := s.buildChunks(ctx, record, spans)
	if err != nil {
		return failure(req, err)
	}
	if err := s.store.Upsert(ctx, scopeID, stored); err != nil {
		return failure(req, fmt.Errorf("restore chunks: %w", err))
	}

	record.Chunks = records
	record.Deleted = false
	record.DeletedAt = time.Time{}
	record.UpdatedAt = s.now().UTC()
	if err := s.registry.Save(ctx, record); err != nil {
		return failure(req, err)
	}

	logger.Debug("Restored document %s (%d chunks)", record.Key(), len(stored))
	return driving.SyncResult{Success: true, DocumentID: externalID, ChunksAdded: len(stored)}
}

// HardDeleteDocument removes the record and any stored chunks entirely.
func (s *Syncer) HardDeleteDocument(ctx context.Context, source, externalID, scopeID string) driving.SyncResult {
	req := driving.SyncRequest{Source: source, ExternalID: externalID, ScopeID: scopeID}

	record, err := s.registry.Get(ctx, source, externalID, scopeID)
	if err != nil {
		return failure(req, err)
	}

	removed := 0
	if !record.Deleted && len(record.Chunks) > 0 {
		if err := s.store.DeleteChunks(ctx, scopeID, chunkIDs(record.Chunks)); err != nil {
			return failure(req, fmt.Errorf("remove chunks: %w", err))
		}
		removed = len(record.Chunks)
	}

	if err := s.registry.Delete(ctx, source, externalID, scopeID); err != nil {
		return failure(req, err)
	}

	logger.Debug("Hard-deleted document %s", record.Key())
	return driving.SyncResult{Success: true, DocumentID: externalID, ChunksDeleted: removed}
}

// AddBatch processes documents with bounded concurrency, one result per
// request in input order. Only an oversized batch or a cancelled context
// fails the whole call.
func (s *Syncer) AddBatch(ctx context.Context, reqs []driving.SyncRequest) ([]driving.SyncResult, error) {
	if len(reqs) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d documents exceeds the %d maximum", domain.ErrBatchTooLarge, len(reqs), s.cfg.MaxBatchSize)
	}

	results := make([]driving.SyncResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchConcurrency)

	for i, req := range reqs {
		g.Go(func() error {
			results[i] = s.AddDocument(gctx, req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CleanupExpired purges soft-deleted records whose TTL has elapsed.
func (s *Syncer) CleanupExpired(ctx context.Context, scopeID string) (int, error) {
	records, err := s.registry.List(ctx, scopeID)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	now := s.now().UTC()
	purged := 0
	for _, record := range records {
		if !record.Deleted || record.Restorable(now, s.cfg.TTLDays) {
			continue
		}
		if err := s.registry.Delete(ctx, record.Source, record.ExternalID, record.ScopeID); err != nil {
			return purged, fmt.Errorf("purge %s: %w", record.Key(), err)
		}
		purged++
	}

	if purged > 0 {
		logger.Info("Purged %d expired documents from scope %s", purged, scopeID)
	}
	return purged, nil
}

// chunkIDs extracts the store IDs from chunk records.
func chunkIDs(chunks []domain.ChunkRecord) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
	}
	return ids
}
