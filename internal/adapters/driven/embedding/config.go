package embedding

import (
	"fmt"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
)

// ProviderKind tags the provider variant in ProviderConfig.
type ProviderKind string

const (
	// KindDeterministic is the hash-based offline provider.
	KindDeterministic ProviderKind = "deterministic"

	// KindOpenAI is the OpenAI-compatible HTTP provider.
	KindOpenAI ProviderKind = "openai"

	// KindLocal is the Ollama-compatible local server provider.
	KindLocal ProviderKind = "local"
)

// ProviderConfig is the tagged union of provider configurations. Exactly
// the variant named by Kind is read; it is resolved once at construction
// into a concrete provider.
type ProviderConfig struct {
	Kind ProviderKind

	// Deterministic variant: vector size only.
	Dimensions int

	// OpenAI variant.
	OpenAI OpenAIConfig

	// Local variant.
	Local LocalConfig
}

// NewProvider resolves the tagged config into a concrete provider.
func NewProvider(cfg ProviderConfig, rt driven.Runtime) (driven.EmbeddingProvider, error) {
	switch cfg.Kind {
	case KindDeterministic, "":
		return NewDeterministicProvider(cfg.Dimensions), nil
	case KindOpenAI:
		return NewOpenAIProvider(cfg.OpenAI, rt)
	case KindLocal:
		return NewLocalProvider(cfg.Local, rt)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", domain.ErrInvalidConfig, cfg.Kind)
	}
}
