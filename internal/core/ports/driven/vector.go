package driven

import (
	"context"

	"github.com/quarry-labs/quarry/internal/core/domain"
)

// SearchFilters narrow vector store reads.
// SourceIDs filters server-side where the backend supports it; PathMatcher
// is always applied client-side.
type SearchFilters struct {
	// SourceIDs restricts results to chunks from these sources.
	// Empty means no source filtering.
	SourceIDs []string

	// PathMatcher is an arbitrary predicate over the chunk path.
	// Nil means no path filtering.
	PathMatcher func(path string) bool
}

// FileMetadata is the per-file change-detection record the filtering stage
// reads in batches.
type FileMetadata struct {
	// Path is the file path relative to the source root.
	Path string

	// Hash is the content hash recorded at last index time.
	Hash string

	// Mtime is the modification time in Unix nanoseconds.
	Mtime int64

	// Size is the file size in bytes.
	Size int64
}

// VectorStore is scope-partitioned storage of chunks and their embeddings.
// Implementations: a local file-backed store and a remote HTTP-backed store.
//
// Within a scope all writes must appear atomic to readers: a reader never
// observes a partially applied ReplaceScope or Upsert.
type VectorStore interface {
	// ReplaceScope atomically overwrites the full contents of a scope.
	// Replacing with an empty slice deletes the scope's chunks.
	ReplaceScope(ctx context.Context, scopeID string, chunks []domain.StoredChunk) error

	// Upsert inserts or overwrites chunks by ChunkID within a scope.
	Upsert(ctx context.Context, scopeID string, chunks []domain.StoredChunk) error

	// Search returns the most similar chunks to the query vector,
	// best first.
	Search(ctx context.Context, scopeID string, vector []float32, limit int, filters *SearchFilters) ([]domain.VectorSearchMatch, error)

	// GetAllChunks returns every chunk in a scope, optionally filtered.
	GetAllChunks(ctx context.Context, scopeID string, filters *SearchFilters) ([]domain.StoredChunk, error)

	// ScopeExists reports whether the scope has been created.
	ScopeExists(ctx context.Context, scopeID string) (bool, error)

	// DeleteScope removes a scope and all its chunks.
	DeleteScope(ctx context.Context, scopeID string) error

	// ExistingChunkIDs reports which of the given chunk IDs are already
	// present in the scope.
	ExistingChunkIDs(ctx context.Context, scopeID string, chunkIDs []string) (map[string]bool, error)

	// HasFileHash reports whether any chunk in the scope carries the
	// given file content hash. The storage stage uses this to skip
	// files whose content is already indexed.
	HasFileHash(ctx context.Context, scopeID string, hash string) (bool, error)

	// DeleteChunks removes the given chunk IDs from the scope.
	DeleteChunks(ctx context.Context, scopeID string, chunkIDs []string) error

	// UpdateIncremental applies one file's re-index as a unit: upsert the
	// new chunks and remove the stale IDs the new version no longer
	// produces.
	UpdateIncremental(ctx context.Context, scopeID string, chunks []domain.StoredChunk, staleIDs []string) error

	// ChunkIDsBySource returns every stored chunk ID of a source, grouped
	// by path. The storage stage diffs this against the current run to
	// find chunks whose file changed or disappeared.
	ChunkIDsBySource(ctx context.Context, scopeID, sourceID string) (map[string][]string, error)

	// DeleteBySource removes every chunk of a source from the scope.
	DeleteBySource(ctx context.Context, scopeID, sourceID string) error

	// FileMetadata returns the recorded change-detection metadata for the
	// given paths. Paths with no recorded chunks are absent from the map.
	FileMetadata(ctx context.Context, scopeID string, paths []string) (map[string]FileMetadata, error)

	// Close releases resources.
	Close() error
}
