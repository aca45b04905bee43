package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-labs/quarry/internal/adapters/driven/embedding"
	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/core/ports/driving"
	"github.com/quarry-labs/quarry/internal/retrieval"
)

// searchStore records the last search call and returns canned matches.
type searchStore struct {
	driven.VectorStore

	matches   []domain.VectorSearchMatch
	err       error
	lastLimit int
	lastFlt   *driven.SearchFilters
}

func (s *searchStore) Search(_ context.Context, _ string, _ []float32, limit int, filters *driven.SearchFilters) ([]domain.VectorSearchMatch, error) {
	s.lastLimit = limit
	s.lastFlt = filters
	if s.err != nil {
		return nil, s.err
	}
	return s.matches, nil
}

func hit(id, path, content string, score float64) domain.VectorSearchMatch {
	return domain.VectorSearchMatch{
		Chunk: domain.StoredChunk{
			ChunkID: id,
			Path:    path,
			Content: content,
		},
		Score: score,
	}
}

func testRetriever(store *searchStore, cfg RetrieverConfig) *Retriever {
	return NewRetriever(embedding.NewDeterministicProvider(16), store, nil, cfg)
}

func TestRetriever_Validation(t *testing.T) {
	r := testRetriever(&searchStore{}, RetrieverConfig{})

	_, err := r.Retrieve(context.Background(), "", "query", driving.RetrieveOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = r.Retrieve(context.Background(), "scope-1", "", driving.RetrieveOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRetriever_OversamplesAndTruncates(t *testing.T) {
	store := &searchStore{}
	for i := 0; i < 12; i++ {
		store.matches = append(store.matches, hit(domain.NewChunkID("src", "a.go", i, i, i), "a.go", "content", 1.0-float64(i)*0.01))
	}
	r := testRetriever(store, RetrieverConfig{})

	got, err := r.Retrieve(context.Background(), "scope-1", "query", driving.RetrieveOptions{Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, 15, store.lastLimit)
	assert.Len(t, got, 5)
}

func TestRetriever_SourceFilter(t *testing.T) {
	store := &searchStore{}
	r := testRetriever(store, RetrieverConfig{})

	_, err := r.Retrieve(context.Background(), "scope-1", "query", driving.RetrieveOptions{SourceIDs: []string{"backend"}})
	require.NoError(t, err)

	require.NotNil(t, store.lastFlt)
	assert.Equal(t, []string{"backend"}, store.lastFlt.SourceIDs)
}

func TestRetriever_SearchErrorFailsQuery(t *testing.T) {
	store := &searchStore{err: errors.New("connection refused")}
	r := testRetriever(store, RetrieverConfig{})

	_, err := r.Retrieve(context.Background(), "scope-1", "query", driving.RetrieveOptions{})
	assert.ErrorContains(t, err, "connection refused")
}

func TestRetriever_RerankPromotesKeywordHits(t *testing.T) {
	store := &searchStore{matches: []domain.VectorSearchMatch{
		hit("c1", "util.go", "miscellaneous helpers", 0.80),
		hit("c2", "auth.go", "func validateToken checks the auth token", 0.78),
	}}
	r := testRetriever(store, RetrieverConfig{})

	got, err := r.Retrieve(context.Background(), "scope-1", "validateToken auth", driving.RetrieveOptions{Rerank: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].Chunk.ChunkID)
}

func TestRetriever_DedupCollapsesDuplicates(t *testing.T) {
	dup1 := hit("c1", "a.go", "parse the configuration file into sections", 0.9)
	dup2 := hit("c2", "a.go", "parse the configuration file into sections", 0.88)
	other := hit("c3", "b.go", "entirely different content about sockets", 0.85)
	dup1.Chunk.Embedding = []float32{1, 0}
	dup2.Chunk.Embedding = []float32{1, 0}
	other.Chunk.Embedding = []float32{0, 1}
	store := &searchStore{matches: []domain.VectorSearchMatch{dup1, dup2, other}}
	r := testRetriever(store, RetrieverConfig{
		Dedup: retrieval.DedupOptions{PreserveTopN: -1, MinDifferentFiles: -1},
	})

	got, err := r.Retrieve(context.Background(), "scope-1", "query", driving.RetrieveOptions{Dedup: true})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, m := range got {
		ids[i] = m.Chunk.ChunkID
	}
	assert.Equal(t, []string{"c1", "c3"}, ids)
}

func TestRetriever_EmptyScope(t *testing.T) {
	r := testRetriever(&searchStore{}, RetrieverConfig{})

	got, err := r.Retrieve(context.Background(), "scope-1", "query", driving.RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetriever_CrossEncoderWithoutLLMDegrades(t *testing.T) {
	r := testRetriever(&searchStore{}, RetrieverConfig{Strategy: RerankCrossEncoder})

	_, ok := r.reranker.(*retrieval.SmartReranker)
	assert.True(t, ok)
}
