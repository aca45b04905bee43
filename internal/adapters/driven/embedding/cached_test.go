package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/ratelimit"
)

// memoryCache is an in-process EmbeddingCache for tests.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]float32
	getErr  error
	puts    int
}

var _ driven.EmbeddingCache = (*memoryCache)(nil)

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]float32)}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *memoryCache) Put(_ context.Context, key string, vector []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = vector
	c.puts++
	return nil
}

func (c *memoryCache) Reset(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]float32)
	return nil
}

func (c *memoryCache) Close() error { return nil }

// countingProvider tracks how many texts reached the wrapped provider.
type countingProvider struct {
	*DeterministicProvider

	mu    sync.Mutex
	calls int
	texts int
}

func (p *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	p.texts += len(texts)
	p.mu.Unlock()
	return p.DeterministicProvider.Embed(ctx, texts)
}

func newCountingProvider() *countingProvider {
	return &countingProvider{DeterministicProvider: NewDeterministicProvider(16)}
}

func TestCachedProvider_MissThenHit(t *testing.T) {
	inner := newCountingProvider()
	cache := newMemoryCache()
	p := NewCachedProvider(inner, cache, nil)

	texts := []string{"alpha", "beta"}
	first, err := p.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 2, inner.texts)

	second, err := p.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, inner.texts)

	hits, misses := p.CacheCounts()
	assert.Equal(t, 2, hits)
	assert.Equal(t, 2, misses)
}

func TestCachedProvider_PartialHit(t *testing.T) {
	inner := newCountingProvider()
	cache := newMemoryCache()
	p := NewCachedProvider(inner, cache, nil)

	_, err := p.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	vectors, err := p.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	// Only the miss reached the provider.
	assert.Equal(t, 2, inner.texts)
}

func TestCachedProvider_NilCache(t *testing.T) {
	inner := newCountingProvider()
	p := NewCachedProvider(inner, nil, nil)

	vectors, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, 2, inner.texts)

	hits, misses := p.CacheCounts()
	assert.Equal(t, 0, hits)
	assert.Equal(t, 2, misses)
}

func TestCachedProvider_CacheLookupError(t *testing.T) {
	inner := newCountingProvider()
	cache := newMemoryCache()
	cache.getErr = errors.New("disk gone")
	p := NewCachedProvider(inner, cache, nil)

	_, err := p.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache lookup")
}

func TestCachedProvider_RespectsBatchCap(t *testing.T) {
	inner := newCountingProvider()
	limiter := ratelimit.New(ratelimit.Preset{Name: "test", MaxInputsPerBatch: 2})
	p := NewCachedProvider(inner, newMemoryCache(), limiter)

	texts := []string{"a", "b", "c", "d", "e"}
	vectors, err := p.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 5)

	assert.Equal(t, 5, inner.texts)
	assert.Equal(t, 3, inner.calls)
}

func TestCachedProvider_EmptyInput(t *testing.T) {
	p := NewCachedProvider(newCountingProvider(), newMemoryCache(), nil)
	vectors, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestCachedProvider_ModelKeySeparation(t *testing.T) {
	assert.NotEqual(t, CacheKey("modelA", "text"), CacheKey("modelB", "text"))
	assert.NotEqual(t, CacheKey("model", "a"), CacheKey("model", "b"))
	assert.Equal(t, CacheKey("model", "a"), CacheKey("model", "a"))
}

func TestCachedProvider_Passthrough(t *testing.T) {
	inner := newCountingProvider()
	p := NewCachedProvider(inner, nil, nil)

	assert.Equal(t, 16, p.Dimensions())
	assert.Equal(t, "deterministic", p.ModelName())
	assert.NoError(t, p.Close())
}
