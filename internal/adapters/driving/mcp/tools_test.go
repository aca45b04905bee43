package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/core/ports/driving"
)

// mockRetriever returns canned matches and records the last call.
type mockRetriever struct {
	matches   []domain.VectorSearchMatch
	lastScope string
	lastOpts  driving.RetrieveOptions
}

func (m *mockRetriever) Retrieve(_ context.Context, scopeID, _ string, opts driving.RetrieveOptions) ([]domain.VectorSearchMatch, error) {
	m.lastScope = scopeID
	m.lastOpts = opts
	return m.matches, nil
}

// mockStore serves a fixed chunk list.
type mockStore struct {
	driven.VectorStore

	chunks []domain.StoredChunk
}

func (m *mockStore) ScopeExists(context.Context, string) (bool, error) {
	return len(m.chunks) > 0, nil
}

func (m *mockStore) GetAllChunks(context.Context, string, *driven.SearchFilters) ([]domain.StoredChunk, error) {
	return m.chunks, nil
}

func testServer(t *testing.T, retriever driving.Retriever, store driven.VectorStore) *Server {
	t.Helper()
	s, err := NewServer(&Ports{Retriever: retriever, Store: store}, "test")
	require.NoError(t, err)
	return s
}

func TestNewServer_RequiresRetriever(t *testing.T) {
	_, err := NewServer(&Ports{}, "test")
	assert.ErrorIs(t, err, ErrMissingRetriever)
}

func TestHandleSearch(t *testing.T) {
	retriever := &mockRetriever{matches: []domain.VectorSearchMatch{
		{
			Chunk: domain.StoredChunk{Path: "auth.go", SourceID: "backend", StartLine: 10, EndLine: 24, Content: "func validateToken()"},
			Score: 0.91,
		},
	}}
	s := testServer(t, retriever, nil)

	_, out, err := s.handleSearch(context.Background(), nil, SearchInput{Query: "token validation", Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, "default", retriever.lastScope)
	assert.Equal(t, 5, retriever.lastOpts.Limit)
	assert.True(t, retriever.lastOpts.Rerank)
	assert.True(t, retriever.lastOpts.Dedup)

	require.Equal(t, 1, out.Count)
	assert.Equal(t, "auth.go", out.Results[0].Path)
	assert.Equal(t, 0.91, out.Results[0].Score)
}

func TestHandleStatus(t *testing.T) {
	store := &mockStore{chunks: []domain.StoredChunk{
		{SourceID: "backend", Path: "a.go"},
		{SourceID: "backend", Path: "a.go"},
		{SourceID: "docs", Path: "readme.md"},
	}}
	s := testServer(t, &mockRetriever{}, store)

	_, out, err := s.handleStatus(context.Background(), nil, StatusInput{Scope: "main"})
	require.NoError(t, err)

	assert.True(t, out.Exists)
	assert.Equal(t, 3, out.Chunks)
	assert.Equal(t, 2, out.Files)
	assert.Equal(t, 2, out.BySrc["backend"])
}

func TestHandleStatus_EmptyScope(t *testing.T) {
	s := testServer(t, &mockRetriever{}, &mockStore{})

	_, out, err := s.handleStatus(context.Background(), nil, StatusInput{})
	require.NoError(t, err)
	assert.False(t, out.Exists)
	assert.Equal(t, 0, out.Chunks)
}
