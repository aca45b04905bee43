// Package remote provides a vector store backed by a qdrant-compatible
// HTTP service. All scopes share one collection; every point carries its
// scope in the payload and queries filter on it.
package remote

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
)

// Ensure Store implements the interface.
var _ driven.VectorStore = (*Store)(nil)

// MaxPointsPerRequest is the wire limit on points per upsert.
const MaxPointsPerRequest = 100

const scrollPageSize = 256

// pointNamespace seeds the deterministic point ID derivation.
var pointNamespace = uuid.MustParse("8a0d0a4e-7c11-4b57-9c84-1f6de0c3a9b2")

// Config configures the remote store.
type Config struct {
	// URL is the service endpoint.
	URL string

	// APIKey authenticates requests. Optional.
	APIKey string

	// Collection is the collection name. Empty defaults to "quarry".
	Collection string

	// Dimensions is the vector size the collection is created with.
	Dimensions int
}

// Store is the remote vector store adapter.
type Store struct {
	client     *Client
	collection string
	dimensions int
}

// NewStore creates the adapter and ensures the collection exists.
func NewStore(ctx context.Context, rt driven.Runtime, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: vector store URL is required", domain.ErrInvalidConfig)
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: vector dimensions are required", domain.ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		cfg.Collection = "quarry"
	}

	s := &Store{
		client:     NewClient(rt, cfg.URL, cfg.APIKey),
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
	}
	if err := s.client.EnsureCollection(ctx, cfg.Collection, cfg.Dimensions); err != nil {
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return s, nil
}

// PointID derives the deterministic point UUID for a chunk within a scope.
func PointID(scopeID, chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(scopeID+":"+chunkID)).String()
}

// scopeFilter matches all points of one scope.
func scopeFilter(scopeID string) map[string]any {
	return mustFilter(matchFilter("scope_id", scopeID))
}

// toPoint converts a stored chunk to its wire shape.
func toPoint(scopeID string, c domain.StoredChunk) point {
	payload := map[string]any{
		"scope_id":   scopeID,
		"source_id":  c.SourceID,
		"chunk_id":   c.ChunkID,
		"path":       c.Path,
		"content":    c.Content,
		"start_line": c.StartLine,
		"end_line":   c.EndLine,
		"file_hash":  c.FileHash,
		"file_mtime": c.FileMtime,
		"file_size":  c.FileSize,
	}
	if len(c.Metadata) > 0 {
		payload["metadata"] = c.Metadata
	}
	return point{
		ID:      PointID(scopeID, c.ChunkID),
		Vector:  c.Embedding,
		Payload: payload,
	}
}

// fromPayload reconstructs a stored chunk from a point payload.
// JSON numbers arrive as float64.
func fromPayload(payload map[string]any, vector []float32) domain.StoredChunk {
	c := domain.StoredChunk{Embedding: vector}

	str := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}
	num := func(key string) float64 {
		v, _ := payload[key].(float64)
		return v
	}

	c.ScopeID = str("scope_id")
	c.SourceID = str("source_id")
	c.ChunkID = str("chunk_id")
	c.Path = str("path")
	c.Content = str("content")
	c.FileHash = str("file_hash")
	c.StartLine = int(num("start_line"))
	c.EndLine = int(num("end_line"))
	c.FileMtime = int64(num("file_mtime"))
	c.FileSize = int64(num("file_size"))
	if meta, ok := payload["metadata"].(map[string]any); ok {
		c.Metadata = meta
	}
	return c
}

// upsertBatched writes chunks in wire-sized batches. A failed batch is
// retried once before the error propagates.
func (s *Store) upsertBatched(ctx context.Context, scopeID string, chunks []domain.StoredChunk) error {
	for start := 0; start < len(chunks); start += MaxPointsPerRequest {
		end := min(start+MaxPointsPerRequest, len(chunks))

		points := make([]point, 0, end-start)
		for _, c := range chunks[start:end] {
			points = append(points, toPoint(scopeID, c))
		}

		if err := s.client.UpsertPoints(ctx, s.collection, points); err != nil {
			logger.Warn("Upsert batch failed, retrying: %v", err)
			if err := s.client.UpsertPoints(ctx, s.collection, points); err != nil {
				return fmt.Errorf("upsert batch at %d: %w", start, err)
			}
		}
	}
	return nil
}

// ReplaceScope atomically swaps the scope contents: delete by scope
// filter, then write the new chunks.
func (s *Store) ReplaceScope(ctx context.Context, scopeID string, chunks []domain.StoredChunk) error {
	if err := s.client.DeletePointsByFilter(ctx, s.collection, scopeFilter(scopeID)); err != nil {
		return fmt.Errorf("clear scope: %w", err)
	}
	if err := s.upsertBatched(ctx, scopeID, chunks); err != nil {
		return err
	}
	logger.Debug("Replaced scope %s with %d chunks", scopeID, len(chunks))
	return nil
}

// Upsert inserts or overwrites chunks by their derived point IDs.
func (s *Store) Upsert(ctx context.Context, scopeID string, chunks []domain.StoredChunk) error {
	return s.upsertBatched(ctx, scopeID, chunks)
}

// Search runs a filtered vector search within the scope.
func (s *Store) Search(ctx context.Context, scopeID string, vector []float32, limit int, filters *driven.SearchFilters) ([]domain.VectorSearchMatch, error) {
	conditions := []map[string]any{matchFilter("scope_id", scopeID)}
	if filters != nil && len(filters.SourceIDs) > 0 {
		conditions = append(conditions, matchAnyFilter("source_id", filters.SourceIDs))
	}

	hits, err := s.client.SearchPoints(ctx, s.collection, vector, limit, mustFilter(conditions...))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	matches := make([]domain.VectorSearchMatch, 0, len(hits))
	for _, h := range hits {
		chunk := fromPayload(h.Payload, h.Vector)
		// Path filtering is not expressible in the wire filter grammar.
		if filters != nil && filters.PathMatcher != nil && !filters.PathMatcher(chunk.Path) {
			continue
		}
		matches = append(matches, domain.VectorSearchMatch{Chunk: chunk, Score: h.Score})
	}
	return matches, nil
}

// GetAllChunks scrolls the full scope, optionally filtered.
func (s *Store) GetAllChunks(ctx context.Context, scopeID string, filters *driven.SearchFilters) ([]domain.StoredChunk, error) {
	conditions := []map[string]any{matchFilter("scope_id", scopeID)}
	if filters != nil && len(filters.SourceIDs) > 0 {
		conditions = append(conditions, matchAnyFilter("source_id", filters.SourceIDs))
	}
	filter := mustFilter(conditions...)

	var (
		chunks []domain.StoredChunk
		offset any
	)
	for {
		points, next, err := s.client.ScrollPoints(ctx, s.collection, filter, scrollPageSize, offset, true)
		if err != nil {
			return nil, fmt.Errorf("scroll scope: %w", err)
		}
		for _, p := range points {
			chunk := fromPayload(p.Payload, p.Vector)
			if filters != nil && filters.PathMatcher != nil && !filters.PathMatcher(chunk.Path) {
				continue
			}
			chunks = append(chunks, chunk)
		}
		if next == nil {
			break
		}
		offset = next
	}
	return chunks, nil
}

// ScopeExists reports whether the scope has any points.
func (s *Store) ScopeExists(ctx context.Context, scopeID string) (bool, error) {
	count, err := s.client.CountPoints(ctx, s.collection, scopeFilter(scopeID))
	if err != nil {
		return false, fmt.Errorf("count scope: %w", err)
	}
	return count > 0, nil
}

// DeleteScope removes all points of the scope.
func (s *Store) DeleteScope(ctx context.Context, scopeID string) error {
	if err := s.client.DeletePointsByFilter(ctx, s.collection, scopeFilter(scopeID)); err != nil {
		return fmt.Errorf("delete scope: %w", err)
	}
	return nil
}

// ExistingChunkIDs reports which chunk IDs already have points.
func (s *Store) ExistingChunkIDs(ctx context.Context, scopeID string, chunkIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(chunkIDs))

	for start := 0; start < len(chunkIDs); start += MaxPointsPerRequest {
		end := min(start+MaxPointsPerRequest, len(chunkIDs))

		ids := make([]string, 0, end-start)
		for _, chunkID := range chunkIDs[start:end] {
			ids = append(ids, PointID(scopeID, chunkID))
		}

		points, err := s.client.RetrievePoints(ctx, s.collection, ids)
		if err != nil {
			return nil, fmt.Errorf("retrieve points: %w", err)
		}
		for _, p := range points {
			if chunkID, ok := p.Payload["chunk_id"].(string); ok {
				existing[chunkID] = true
			}
		}
	}
	return existing, nil
}

// HasFileHash reports whether any point in the scope carries the hash.
func (s *Store) HasFileHash(ctx context.Context, scopeID string, hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	filter := mustFilter(matchFilter("scope_id", scopeID), matchFilter("file_hash", hash))
	count, err := s.client.CountPoints(ctx, s.collection, filter)
	if err != nil {
		return false, fmt.Errorf("count by hash: %w", err)
	}
	return count > 0, nil
}

// deleteBatched removes chunk IDs in wire-sized batches. A failed batch is
// retried once before the error propagates.
func (s *Store) deleteBatched(ctx context.Context, scopeID string, chunkIDs []string) error {
	for start := 0; start < len(chunkIDs); start += MaxPointsPerRequest {
		end := min(start+MaxPointsPerRequest, len(chunkIDs))

		ids := make([]string, 0, end-start)
		for _, chunkID := range chunkIDs[start:end] {
			ids = append(ids, PointID(scopeID, chunkID))
		}

		if err := s.client.DeletePointsByIDs(ctx, s.collection, ids); err != nil {
			logger.Warn("Delete batch failed, retrying: %v", err)
			if err := s.client.DeletePointsByIDs(ctx, s.collection, ids); err != nil {
				return fmt.Errorf("delete batch at %d: %w", start, err)
			}
		}
	}
	return nil
}

// DeleteChunks removes the given chunk IDs from the scope.
func (s *Store) DeleteChunks(ctx context.Context, scopeID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if err := s.deleteBatched(ctx, scopeID, chunkIDs); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// UpdateIncremental upserts a re-indexed file's chunks and removes the IDs
// its previous version left behind. The new points land before the stale
// ones go, so a failure part-way never drops data that was still current.
func (s *Store) UpdateIncremental(ctx context.Context, scopeID string, chunks []domain.StoredChunk, staleIDs []string) error {
	if err := s.upsertBatched(ctx, scopeID, chunks); err != nil {
		return err
	}
	if len(staleIDs) == 0 {
		return nil
	}
	if err := s.deleteBatched(ctx, scopeID, staleIDs); err != nil {
		return fmt.Errorf("remove stale chunks: %w", err)
	}
	return nil
}

// ChunkIDsBySource scrolls the source's points without vectors and groups
// their chunk IDs by path.
func (s *Store) ChunkIDsBySource(ctx context.Context, scopeID, sourceID string) (map[string][]string, error) {
	filter := mustFilter(matchFilter("scope_id", scopeID), matchFilter("source_id", sourceID))

	byPath := make(map[string][]string)
	var offset any
	for {
		points, next, err := s.client.ScrollPoints(ctx, s.collection, filter, scrollPageSize, offset, false)
		if err != nil {
			return nil, fmt.Errorf("scroll source: %w", err)
		}
		for _, p := range points {
			path, _ := p.Payload["path"].(string)
			chunkID, _ := p.Payload["chunk_id"].(string)
			if chunkID == "" {
				continue
			}
			byPath[path] = append(byPath[path], chunkID)
		}
		if next == nil {
			break
		}
		offset = next
	}
	return byPath, nil
}

// DeleteBySource removes every point of a source from the scope.
func (s *Store) DeleteBySource(ctx context.Context, scopeID, sourceID string) error {
	filter := mustFilter(matchFilter("scope_id", scopeID), matchFilter("source_id", sourceID))
	if err := s.client.DeletePointsByFilter(ctx, s.collection, filter); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}

// FileMetadata returns change-detection metadata for the paths, scrolling
// without vectors.
func (s *Store) FileMetadata(ctx context.Context, scopeID string, paths []string) (map[string]driven.FileMetadata, error) {
	if len(paths) == 0 {
		return map[string]driven.FileMetadata{}, nil
	}

	filter := mustFilter(matchFilter("scope_id", scopeID), matchAnyFilter("path", paths))

	meta := make(map[string]driven.FileMetadata)
	var offset any
	for {
		points, next, err := s.client.ScrollPoints(ctx, s.collection, filter, scrollPageSize, offset, false)
		if err != nil {
			return nil, fmt.Errorf("scroll metadata: %w", err)
		}
		for _, p := range points {
			c := fromPayload(p.Payload, nil)
			if _, ok := meta[c.Path]; ok {
				continue
			}
			meta[c.Path] = driven.FileMetadata{
				Path:  c.Path,
				Hash:  c.FileHash,
				Mtime: c.FileMtime,
				Size:  c.FileSize,
			}
		}
		if next == nil {
			break
		}
		offset = next
	}
	return meta, nil
}

// Close releases resources.
func (s *Store) Close() error { return nil }
