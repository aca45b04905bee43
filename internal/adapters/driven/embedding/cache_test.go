package embedding

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) *SQLiteCache {
	t.Helper()
	c, err := NewSQLiteCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSQLiteCache_Roundtrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	vector := []float32{0.1, -0.5, 2.25}
	require.NoError(t, c.Put(ctx, "key1", vector))

	got, ok, err := c.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vector, got)
}

func TestSQLiteCache_Miss(t *testing.T) {
	c := testCache(t)

	got, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSQLiteCache_Overwrite(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "key1", []float32{1}))
	require.NoError(t, c.Put(ctx, "key1", []float32{2}))

	got, ok, err := c.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{2}, got)
}

func TestSQLiteCache_Reset(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "key1", []float32{1}))
	require.NoError(t, c.Reset(ctx))

	_, ok, err := c.Get(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteCache_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := NewSQLiteCache(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "key1", []float32{0.5, 0.25}))
	require.NoError(t, c.Close())

	c, err = NewSQLiteCache(dir)
	require.NoError(t, err)
	defer c.Close()

	got, ok, err := c.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.25}, got)
	assert.Equal(t, filepath.Join(dir, "embeddings.db"), c.Path())
}

func TestFloat32BlobRoundtrip(t *testing.T) {
	in := []float32{0, -1, 1.5, 3.14159}
	assert.Equal(t, in, bytesToFloat32Slice(float32SliceToBytes(in)))
	assert.Nil(t, bytesToFloat32Slice(nil))
}
