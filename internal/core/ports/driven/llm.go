package driven

import "context"

// LLM is a minimal completion interface used by retrieval-time features
// that need a language model, such as cross-encoder reranking.
// Concrete providers are external collaborators behind this seam.
type LLM interface {
	// Complete returns the model's completion for the prompt.
	Complete(ctx context.Context, prompt string) (string, error)

	// ModelName returns the name of the model being used.
	ModelName() string

	// Close releases resources.
	Close() error
}
