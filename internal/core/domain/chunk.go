package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChunkType classifies how a chunk was produced.
type ChunkType string

const (
	// ChunkTypeFunction is a function or method body.
	ChunkTypeFunction ChunkType = "function"

	// ChunkTypeClass is a class, struct or type declaration.
	ChunkTypeClass ChunkType = "class"

	// ChunkTypeInterface is an interface declaration.
	ChunkTypeInterface ChunkType = "interface"

	// ChunkTypeLineBased is a fixed line window produced by the fallback chunker.
	ChunkTypeLineBased ChunkType = "line-based"

	// ChunkTypeTruncated marks content that was cut at the oversize limit
	// instead of being chunked wholesale.
	ChunkTypeTruncated ChunkType = "truncated"
)

// Chunk is a semantic span of source text produced by a Chunker.
// It is immutable once embedded.
type Chunk struct {
	// Content is the text of the span.
	Content string

	// StartLine and EndLine delimit the span (1-based, inclusive).
	StartLine int
	EndLine   int

	// Type records how the chunk was produced.
	Type ChunkType

	// Name is the declared symbol name, when the chunker knows it.
	Name string

	// Metadata holds chunker-specific key-value pairs, e.g. the leading
	// import context carried into splits of an oversized unit.
	Metadata map[string]any
}

// StoredChunk is a Chunk persisted in a vector store together with its
// embedding and the bookkeeping needed for change detection.
type StoredChunk struct {
	// ChunkID is stable and unique within a scope. It is derived from
	// (source, path, span, ordinal) so re-embedding identical content
	// produces the same ID.
	ChunkID string

	// ScopeID names the vector store partition this chunk lives in.
	ScopeID string

	// SourceID links back to the source that produced the file.
	SourceID string

	// Path is the file path relative to the source root.
	Path string

	// Content is the chunk text.
	Content string

	// StartLine and EndLine delimit the span within the file.
	StartLine int
	EndLine   int

	// Embedding is the vector representation of Content.
	Embedding []float32

	// FileHash is the content hash of the whole file, used by the
	// filtering stage to skip unchanged files.
	FileHash string

	// FileMtime is the file modification time in Unix nanoseconds,
	// used by the cheap first filtering tier.
	FileMtime int64

	// FileSize is the file size in bytes at index time.
	FileSize int64

	// Metadata holds arbitrary chunk metadata.
	Metadata map[string]any
}

// VectorSearchMatch is one retrieval hit. Score is mutated in place by
// reranking stages.
type VectorSearchMatch struct {
	Chunk StoredChunk

	// Score is the relevance score, higher is better.
	Score float64
}

// NewChunkID derives the stable chunk identifier for a span.
// The ID is deterministic given (sourceID, path, span, ordinal), which makes
// re-indexing idempotent: the same logical chunk always maps to the same ID.
func NewChunkID(sourceID, path string, startLine, endLine, ordinal int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d-%d:%d", sourceID, path, startLine, endLine, ordinal))
	return hex.EncodeToString(sum[:16])
}

// HashContent returns the canonical content hash used for change detection
// across the pipeline, the vector store and the document registry.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
