// Package local provides a file-backed vector store. Each scope is one JSON
// file; all reads and derived mutations happen in a single address space.
// Mutations are read-modify-write over ReplaceScope, which trades O(1)
// updates for O(n) rewrites, acceptable at local-index scale.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"sort"
	"sync"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
	"github.com/quarry-labs/quarry/internal/retrieval"
)

// Ensure Store implements the interface.
var _ driven.VectorStore = (*Store)(nil)

const scopeFilePerm fs.FileMode = 0600

// Store is the local file-backed vector store.
// A per-scope mutex is held across every read-modify-write, so concurrent
// derived mutations against the same scope serialize instead of racing.
type Store struct {
	rt  driven.Runtime
	dir string

	mu     sync.Mutex
	scopes map[string]*scopeState
}

// scopeState is the in-memory image of one scope file.
type scopeState struct {
	mu     sync.Mutex
	loaded bool
	chunks map[string]domain.StoredChunk
}

// scopeFile is the persisted JSON shape.
type scopeFile struct {
	ScopeID string               `json:"scopeId"`
	Chunks  []domain.StoredChunk `json:"chunks"`
}

// NewStore creates a local store rooted at dir. All file access goes
// through the runtime seam.
func NewStore(rt driven.Runtime, dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: vector store directory is required", domain.ErrInvalidConfig)
	}
	if err := rt.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &Store{
		rt:     rt,
		dir:    dir,
		scopes: make(map[string]*scopeState),
	}, nil
}

// scope returns the state for a scope, creating the slot if needed.
func (s *Store) scope(scopeID string) *scopeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.scopes[scopeID]
	if !ok {
		st = &scopeState{chunks: make(map[string]domain.StoredChunk)}
		s.scopes[scopeID] = st
	}
	return st
}

// scopePath maps a scope ID to its file, escaping path separators.
func (s *Store) scopePath(scopeID string) string {
	return filepath.Join(s.dir, url.PathEscape(scopeID)+".json")
}

// load reads the scope file into memory if not already loaded.
// Callers hold st.mu.
func (s *Store) load(st *scopeState, scopeID string) error {
	if st.loaded {
		return nil
	}

	path := s.scopePath(scopeID)
	exists, err := s.rt.Exists(path)
	if err != nil {
		return fmt.Errorf("check scope file: %w", err)
	}
	if !exists {
		st.loaded = true
		return nil
	}

	data, err := s.rt.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scope file: %w", err)
	}

	var file scopeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode scope file: %w", err)
	}

	st.chunks = make(map[string]domain.StoredChunk, len(file.Chunks))
	for _, c := range file.Chunks {
		st.chunks[c.ChunkID] = c
	}
	st.loaded = true
	return nil
}

// persist writes the scope atomically: temp file then rename.
// Callers hold st.mu.
func (s *Store) persist(st *scopeState, scopeID string) error {
	file := scopeFile{ScopeID: scopeID, Chunks: make([]domain.StoredChunk, 0, len(st.chunks))}
	for _, c := range st.chunks {
		file.Chunks = append(file.Chunks, c)
	}
	// Stable order keeps files diffable.
	sort.Slice(file.Chunks, func(i, j int) bool {
		return file.Chunks[i].ChunkID < file.Chunks[j].ChunkID
	})

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode scope file: %w", err)
	}

	path := s.scopePath(scopeID)
	tmp := path + ".tmp"
	if err := s.rt.WriteFile(tmp, data, scopeFilePerm); err != nil {
		return fmt.Errorf("write scope file: %w", err)
	}
	if err := s.rt.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit scope file: %w", err)
	}
	return nil
}

// ReplaceScope atomically overwrites the full contents of a scope.
func (s *Store) ReplaceScope(ctx context.Context, scopeID string, chunks []domain.StoredChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	next := make(map[string]domain.StoredChunk, len(chunks))
	for _, c := range chunks {
		c.ScopeID = scopeID
		next[c.ChunkID] = c
	}

	prev := st.chunks
	st.chunks = next
	st.loaded = true

	if err := s.persist(st, scopeID); err != nil {
		// Keep memory consistent with disk on failure.
		st.chunks = prev
		return err
	}

	logger.Debug("Replaced scope %s with %d chunks", scopeID, len(next))
	return nil
}

// Upsert inserts or overwrites chunks by ChunkID.
func (s *Store) Upsert(ctx context.Context, scopeID string, chunks []domain.StoredChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return err
	}

	for _, c := range chunks {
		c.ScopeID = scopeID
		st.chunks[c.ChunkID] = c
	}
	return s.persist(st, scopeID)
}

// Search returns the most similar chunks to the query vector.
func (s *Store) Search(ctx context.Context, scopeID string, vector []float32, limit int, filters *driven.SearchFilters) ([]domain.VectorSearchMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	chunks, err := s.GetAllChunks(ctx, scopeID, filters)
	if err != nil {
		return nil, err
	}

	matches := make([]domain.VectorSearchMatch, 0, len(chunks))
	for _, c := range chunks {
		matches = append(matches, domain.VectorSearchMatch{
			Chunk: c,
			Score: retrieval.CosineSimilarity(vector, c.Embedding),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// GetAllChunks returns every chunk in a scope, optionally filtered.
func (s *Store) GetAllChunks(ctx context.Context, scopeID string, filters *driven.SearchFilters) ([]domain.StoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return nil, err
	}

	var sourceSet map[string]bool
	if filters != nil && len(filters.SourceIDs) > 0 {
		sourceSet = make(map[string]bool, len(filters.SourceIDs))
		for _, id := range filters.SourceIDs {
			sourceSet[id] = true
		}
	}

	chunks := make([]domain.StoredChunk, 0, len(st.chunks))
	for _, c := range st.chunks {
		if sourceSet != nil && !sourceSet[c.SourceID] {
			continue
		}
		if filters != nil && filters.PathMatcher != nil && !filters.PathMatcher(c.Path) {
			continue
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// ScopeExists reports whether the scope has chunks in memory or on disk.
func (s *Store) ScopeExists(ctx context.Context, scopeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return false, err
	}
	return len(st.chunks) > 0, nil
}

// DeleteScope removes a scope and its file.
func (s *Store) DeleteScope(ctx context.Context, scopeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.chunks = make(map[string]domain.StoredChunk)
	st.loaded = true

	path := s.scopePath(scopeID)
	exists, err := s.rt.Exists(path)
	if err != nil {
		return fmt.Errorf("check scope file: %w", err)
	}
	if exists {
		if err := s.rt.Remove(path); err != nil {
			return fmt.Errorf("remove scope file: %w", err)
		}
	}
	return nil
}

// ExistingChunkIDs reports which of the given chunk IDs are present.
func (s *Store) ExistingChunkIDs(ctx context.Context, scopeID string, chunkIDs []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		if _, ok := st.chunks[id]; ok {
			existing[id] = true
		}
	}
	return existing, nil
}

// HasFileHash reports whether any chunk carries the given file hash.
func (s *Store) HasFileHash(ctx context.Context, scopeID string, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if hash == "" {
		return false, nil
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return false, err
	}

	for _, c := range st.chunks {
		if c.FileHash == hash {
			return true, nil
		}
	}
	return false, nil
}

// DeleteChunks removes the given chunk IDs from the scope.
func (s *Store) DeleteChunks(ctx context.Context, scopeID string, chunkIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return err
	}

	for _, id := range chunkIDs {
		delete(st.chunks, id)
	}
	return s.persist(st, scopeID)
}

// UpdateIncremental upserts new chunks and removes stale IDs as one
// read-modify-write, so the scope file never holds the intermediate state.
func (s *Store) UpdateIncremental(ctx context.Context, scopeID string, chunks []domain.StoredChunk, staleIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunks) == 0 && len(staleIDs) == 0 {
		return nil
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return err
	}

	for _, c := range chunks {
		c.ScopeID = scopeID
		st.chunks[c.ChunkID] = c
	}
	for _, id := range staleIDs {
		delete(st.chunks, id)
	}
	return s.persist(st, scopeID)
}

// ChunkIDsBySource returns the scope's chunk IDs for a source, keyed by path.
func (s *Store) ChunkIDsBySource(ctx context.Context, scopeID, sourceID string) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return nil, err
	}

	byPath := make(map[string][]string)
	for _, c := range st.chunks {
		if c.SourceID != sourceID {
			continue
		}
		byPath[c.Path] = append(byPath[c.Path], c.ChunkID)
	}
	return byPath, nil
}

// DeleteBySource removes every chunk of a source from the scope.
func (s *Store) DeleteBySource(ctx context.Context, scopeID, sourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return err
	}

	removed := 0
	for id, c := range st.chunks {
		if c.SourceID == sourceID {
			delete(st.chunks, id)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return s.persist(st, scopeID)
}

// FileMetadata returns recorded change-detection metadata for the paths.
func (s *Store) FileMetadata(ctx context.Context, scopeID string, paths []string) (map[string]driven.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := s.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(st, scopeID); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}

	meta := make(map[string]driven.FileMetadata)
	for _, c := range st.chunks {
		if !wanted[c.Path] {
			continue
		}
		meta[c.Path] = driven.FileMetadata{
			Path:  c.Path,
			Hash:  c.FileHash,
			Mtime: c.FileMtime,
			Size:  c.FileSize,
		}
	}
	return meta, nil
}

// Close releases resources.
func (s *Store) Close() error { return nil }
