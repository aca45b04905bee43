package driven

import "context"

// EmbeddingProvider generates vector embeddings from text.
//
// Implementations may include:
//   - OpenAI-compatible HTTP APIs (text-embedding-3-small, ...)
//   - Local inference servers (Ollama nomic-embed-text, all-minilm)
//   - A deterministic hash-based provider for tests and offline runs
type EmbeddingProvider interface {
	// Embed generates embeddings for the given texts.
	// The result is order-preserving and has the same length as texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector size (e.g. 384, 1536).
	// This must match the vector store collection configuration.
	Dimensions() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string

	// Close releases resources.
	Close() error
}

// EmbeddingCache is a content-addressed cache in front of an
// EmbeddingProvider. Keys are derived from (model, text) so a model change
// never serves stale vectors.
type EmbeddingCache interface {
	// Get returns the cached vector for the key, or (nil, false).
	Get(ctx context.Context, key string) ([]float32, bool, error)

	// Put stores a vector under the key.
	Put(ctx context.Context, key string, vector []float32) error

	// Reset removes all cached entries. Intended for tests.
	Reset(ctx context.Context) error

	// Close releases resources.
	Close() error
}
