package chunkers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-labs/quarry/internal/core/domain"
)

func numberedLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "line"
	}
	return strings.Join(lines, "\n")
}

func TestLineChunker_EmptyContent(t *testing.T) {
	c := NewLineChunker()
	chunks, err := c.Chunk(context.Background(), "a.txt", "")
	require.NoError(t, err)
	assert.Nil(t, chunks)
}

func TestLineChunker_SingleWindow(t *testing.T) {
	c := NewLineChunker()
	chunks, err := c.Chunk(context.Background(), "a.txt", "one\ntwo")
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, "one\ntwo", chunks[0].Content)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 2, chunks[0].EndLine)
	assert.Equal(t, domain.ChunkTypeLineBased, chunks[0].Type)
}

func TestLineChunker_OverlappingWindows(t *testing.T) {
	c := NewLineChunker(WithMaxLines(5), WithOverlap(2), WithMinLines(1))
	chunks, err := c.Chunk(context.Background(), "a.txt", numberedLines(12))
	require.NoError(t, err)

	require.Len(t, chunks, 4)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 5, chunks[0].EndLine)
	assert.Equal(t, 4, chunks[1].StartLine)
	assert.Equal(t, 8, chunks[1].EndLine)
	assert.Equal(t, 7, chunks[2].StartLine)
	assert.Equal(t, 11, chunks[2].EndLine)
	assert.Equal(t, 10, chunks[3].StartLine)
	assert.Equal(t, 12, chunks[3].EndLine)
}

func TestLineChunker_DropsShortTrailingWindow(t *testing.T) {
	c := NewLineChunker(WithMaxLines(5), WithOverlap(0), WithMinLines(2))
	chunks, err := c.Chunk(context.Background(), "a.txt", numberedLines(11))
	require.NoError(t, err)

	require.Len(t, chunks, 2)
	assert.Equal(t, 10, chunks[1].EndLine)
}

func TestLineChunker_ExcessiveOverlapStillProgresses(t *testing.T) {
	// Overlap >= maxLines would loop forever; the constructor corrects it.
	c := NewLineChunker(WithMaxLines(4), WithOverlap(10), WithMinLines(1))
	chunks, err := c.Chunk(context.Background(), "a.txt", numberedLines(10))
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestLineChunker_ChunkReader(t *testing.T) {
	c := NewLineChunker(WithMaxLines(3), WithOverlap(0), WithMinLines(1))
	chunks, err := c.ChunkReader(context.Background(), strings.NewReader("a\nb\nc\nd\ne\nf\ng"))
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, "a\nb\nc", chunks[0].Content)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 3, chunks[0].EndLine)
	assert.Equal(t, "d\ne\nf", chunks[1].Content)
	assert.Equal(t, "g", chunks[2].Content)
	assert.Equal(t, 7, chunks[2].StartLine)
}

func TestLineChunker_ChunkReaderOverlap(t *testing.T) {
	c := NewLineChunker(WithMaxLines(4), WithOverlap(1), WithMinLines(1))
	chunks, err := c.ChunkReader(context.Background(), strings.NewReader(numberedLines(10)))
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 4, chunks[0].EndLine)
	assert.Equal(t, 4, chunks[1].StartLine)
	assert.Equal(t, 7, chunks[1].EndLine)
	assert.Equal(t, 7, chunks[2].StartLine)
	assert.Equal(t, 10, chunks[2].EndLine)
}

func TestLineChunker_ChunkReaderCancelled(t *testing.T) {
	c := NewLineChunker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ChunkReader(ctx, strings.NewReader(numberedLines(100)))
	assert.ErrorIs(t, err, context.Canceled)
}
