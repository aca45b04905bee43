package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runtimeadapter "github.com/quarry-labs/quarry/internal/adapters/driven/runtime"
	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(runtimeadapter.New(), dir)
	require.NoError(t, err)
	return s, dir
}

func chunk(id, sourceID, path string, embedding []float32) domain.StoredChunk {
	return domain.StoredChunk{
		ChunkID:   id,
		SourceID:  sourceID,
		Path:      path,
		Content:   "content of " + id,
		Embedding: embedding,
	}
}

func TestNewStore_RequiresDir(t *testing.T) {
	_, err := NewStore(runtimeadapter.New(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestStore_UpsertAndSearch(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, "main", []domain.StoredChunk{
		chunk("c1", "backend", "a.go", []float32{1, 0}),
		chunk("c2", "backend", "b.go", []float32{0, 1}),
	})
	require.NoError(t, err)

	matches, err := s.Search(ctx, "main", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "c1", matches[0].Chunk.ChunkID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestStore_SearchLimit(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{
		chunk("c1", "backend", "a.go", []float32{1, 0}),
		chunk("c2", "backend", "b.go", []float32{0.9, 0.1}),
		chunk("c3", "backend", "c.go", []float32{0, 1}),
	}))

	matches, err := s.Search(ctx, "main", []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestStore_SearchSourceFilter(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{
		chunk("c1", "backend", "a.go", []float32{1, 0}),
		chunk("c2", "docs", "readme.md", []float32{1, 0}),
	}))

	matches, err := s.Search(ctx, "main", []float32{1, 0}, 10, &driven.SearchFilters{SourceIDs: []string{"docs"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c2", matches[0].Chunk.ChunkID)
}

func TestStore_ScopeIsolation(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "alpha", []domain.StoredChunk{chunk("c1", "src", "a.go", []float32{1})}))
	require.NoError(t, s.Upsert(ctx, "beta", []domain.StoredChunk{chunk("c2", "src", "b.go", []float32{1})}))

	chunks, err := s.GetAllChunks(ctx, "alpha", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c1", chunks[0].ChunkID)
	assert.Equal(t, "alpha", chunks[0].ScopeID)
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{chunk("c1", "src", "a.go", []float32{1, 0})}))

	reopened, err := NewStore(runtimeadapter.New(), dir)
	require.NoError(t, err)

	chunks, err := reopened.GetAllChunks(ctx, "main", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c1", chunks[0].ChunkID)
	assert.Equal(t, []float32{1, 0}, chunks[0].Embedding)
}

func TestStore_ReplaceScope(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{
		chunk("c1", "src", "a.go", nil),
		chunk("c2", "src", "b.go", nil),
	}))
	require.NoError(t, s.ReplaceScope(ctx, "main", []domain.StoredChunk{chunk("c3", "src", "c.go", nil)}))

	chunks, err := s.GetAllChunks(ctx, "main", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c3", chunks[0].ChunkID)
}

func TestStore_DeleteChunks(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{
		chunk("c1", "src", "a.go", nil),
		chunk("c2", "src", "b.go", nil),
	}))
	require.NoError(t, s.DeleteChunks(ctx, "main", []string{"c1", "missing"}))

	chunks, err := s.GetAllChunks(ctx, "main", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c2", chunks[0].ChunkID)
}

func TestStore_DeleteScope(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{chunk("c1", "src", "a.go", nil)}))
	require.NoError(t, s.DeleteScope(ctx, "main"))

	exists, err := s.ScopeExists(ctx, "main")
	require.NoError(t, err)
	assert.False(t, exists)

	// A fresh instance must agree: the file is gone.
	reopened, err := NewStore(runtimeadapter.New(), dir)
	require.NoError(t, err)
	exists, err = reopened.ScopeExists(ctx, "main")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_ScopeExists(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	exists, err := s.ScopeExists(ctx, "main")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{chunk("c1", "src", "a.go", nil)}))

	exists, err = s.ScopeExists(ctx, "main")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_ExistingChunkIDs(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{
		chunk("c1", "src", "a.go", nil),
		chunk("c2", "src", "b.go", nil),
	}))

	existing, err := s.ExistingChunkIDs(ctx, "main", []string{"c1", "c3"})
	require.NoError(t, err)
	assert.True(t, existing["c1"])
	assert.False(t, existing["c3"])
}

func TestStore_HasFileHash(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	c := chunk("c1", "src", "a.go", nil)
	c.FileHash = "abc123"
	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{c}))

	ok, err := s.HasFileHash(ctx, "main", "abc123")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasFileHash(ctx, "main", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HasFileHash(ctx, "main", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_FileMetadata(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	c := chunk("c1", "src", "a.go", nil)
	c.FileHash = "hash1"
	c.FileSize = 42
	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{c}))

	meta, err := s.FileMetadata(ctx, "main", []string{"a.go", "b.go"})
	require.NoError(t, err)
	require.Contains(t, meta, "a.go")
	assert.Equal(t, "hash1", meta["a.go"].Hash)
	assert.Equal(t, int64(42), meta["a.go"].Size)
	assert.NotContains(t, meta, "b.go")
}

func TestStore_UpdateIncremental(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{
		chunk("old1", "src", "a.go", nil),
		chunk("old2", "src", "a.go", nil),
		chunk("other", "src", "b.go", nil),
	}))

	require.NoError(t, s.UpdateIncremental(ctx, "main",
		[]domain.StoredChunk{chunk("new1", "src", "a.go", nil)},
		[]string{"old1", "old2"}))

	chunks, err := s.GetAllChunks(ctx, "main", nil)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, c := range chunks {
		ids[c.ChunkID] = true
	}
	assert.True(t, ids["new1"])
	assert.True(t, ids["other"])
	assert.False(t, ids["old1"])
	assert.False(t, ids["old2"])

	// The write and the removal land in one persisted state.
	reopened, err := NewStore(runtimeadapter.New(), dir)
	require.NoError(t, err)
	chunks, err = reopened.GetAllChunks(ctx, "main", nil)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestStore_ChunkIDsBySource(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{
		chunk("c1", "backend", "a.go", nil),
		chunk("c2", "backend", "a.go", nil),
		chunk("c3", "backend", "b.go", nil),
		chunk("c4", "docs", "readme.md", nil),
	}))

	byPath, err := s.ChunkIDsBySource(ctx, "main", "backend")
	require.NoError(t, err)
	require.Len(t, byPath, 2)
	assert.ElementsMatch(t, []string{"c1", "c2"}, byPath["a.go"])
	assert.ElementsMatch(t, []string{"c3"}, byPath["b.go"])
	assert.NotContains(t, byPath, "readme.md")
}

func TestStore_DeleteBySource(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "main", []domain.StoredChunk{
		chunk("c1", "backend", "a.go", nil),
		chunk("c2", "backend", "b.go", nil),
		chunk("c3", "docs", "readme.md", nil),
	}))

	require.NoError(t, s.DeleteBySource(ctx, "main", "backend"))

	chunks, err := s.GetAllChunks(ctx, "main", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c3", chunks[0].ChunkID)

	// Absent source is a no-op.
	require.NoError(t, s.DeleteBySource(ctx, "main", "missing"))
}

func TestStore_ScopeIDWithSlash(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "org/repo", []domain.StoredChunk{chunk("c1", "src", "a.go", nil)}))

	exists, err := s.ScopeExists(ctx, "org/repo")
	require.NoError(t, err)
	assert.True(t, exists)
}
