// Package config loads the TOML configuration file and resolves it into
// the concrete adapter configurations. Environment variables looked up
// through the Runtime override file values for the secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/quarry-labs/quarry/internal/adapters/driven/embedding"
	"github.com/quarry-labs/quarry/internal/adapters/driven/vectorstore/remote"
	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/retrieval"
)

// Environment variables consulted for secrets and endpoint overrides.
const (
	EnvOpenAIKey = "OPENAI_API_KEY"
	EnvQdrantURL = "QUARRY_QDRANT_URL"
	EnvQdrantKey = "QUARRY_QDRANT_API_KEY"
)

// DefaultFileName is the config file name under the data directory.
const DefaultFileName = "config.toml"

// Config is the full file-backed configuration.
type Config struct {
	// Verbose enables debug logging.
	Verbose bool `toml:"verbose"`

	// DataDir holds the registry, checkpoints and the embedding cache.
	// Empty defaults to ~/.quarry.
	DataDir string `toml:"data_dir"`

	Embedding EmbeddingConfig `toml:"embedding"`
	Store     StoreConfig     `toml:"store"`
	Index     IndexConfig     `toml:"index"`
	Retrieval RetrievalConfig `toml:"retrieval"`
	Sync      SyncConfig      `toml:"sync"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	// Provider is deterministic, openai or local.
	Provider string `toml:"provider"`

	// Model names the embedding model for HTTP providers.
	Model string `toml:"model"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `toml:"base_url"`

	// APIKey authenticates HTTP providers. The environment variable wins
	// over the file value.
	APIKey string `toml:"api_key"`

	// Dimensions is the vector size.
	Dimensions int `toml:"dimensions"`

	// TimeoutSeconds bounds provider requests.
	TimeoutSeconds int `toml:"timeout_seconds"`

	// Cache enables the persistent content-addressed embedding cache.
	Cache bool `toml:"cache"`
}

// StoreConfig selects and tunes the vector store.
type StoreConfig struct {
	// Backend is local or remote.
	Backend string `toml:"backend"`

	// Root is the local backend's scope file directory. Empty defaults to
	// DataDir/vectors.
	Root string `toml:"root"`

	// URL, APIKey and Collection configure the remote backend.
	URL        string `toml:"url"`
	APIKey     string `toml:"api_key"`
	Collection string `toml:"collection"`
}

// IndexConfig tunes the indexing pipeline.
type IndexConfig struct {
	// MaxErrors is the per-run error budget.
	MaxErrors int `toml:"max_errors"`

	// MaxWorkers caps the auto-scaled worker pool.
	MaxWorkers int `toml:"max_workers"`

	// MemoryLimitMB bounds the memory monitor.
	MemoryLimitMB int `toml:"memory_limit_mb"`

	// UpdateExisting overwrites chunks already present in the store.
	UpdateExisting bool `toml:"update_existing"`

	// Checkpoints enables checkpoint files under DataDir.
	Checkpoints bool `toml:"checkpoints"`
}

// RetrievalConfig tunes query post-processing.
type RetrievalConfig struct {
	// Strategy is heuristic, smart or cross-encoder.
	Strategy string `toml:"strategy"`

	// TopK is how many leading candidates reranking rescores.
	TopK int `toml:"top_k"`

	// DedupStrategy is greedy, max-score or diverse.
	DedupStrategy string `toml:"dedup_strategy"`

	// DedupThreshold is the duplicate similarity cutoff.
	DedupThreshold float64 `toml:"dedup_threshold"`

	// MinDifferentFiles is the diversity floor.
	MinDifferentFiles int `toml:"min_different_files"`
}

// SyncConfig tunes document synchronization.
type SyncConfig struct {
	// TTLDays is the soft-delete restore window.
	TTLDays int `toml:"ttl_days"`

	// MaxBatchSize caps batch ingestion.
	MaxBatchSize int `toml:"max_batch_size"`

	// PartialUpdates enables similarity-gated partial re-embedding.
	PartialUpdates bool `toml:"partial_updates"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:   string(embedding.KindDeterministic),
			Dimensions: 256,
			Cache:      true,
		},
		Store: StoreConfig{
			Backend: "local",
		},
		Retrieval: RetrievalConfig{
			Strategy: "heuristic",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Secrets are overridden from the environment.
func Load(rt driven.Runtime, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		exists, err := rt.Exists(path)
		if err != nil {
			return nil, fmt.Errorf("check config file: %w", err)
		}
		if exists {
			data, err := rt.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidConfig, path, err)
			}
		}
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".quarry")
	}

	applyEnv(rt, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func applyEnv(rt driven.Runtime, cfg *Config) {
	if key, ok := rt.Env(EnvOpenAIKey); ok && key != "" {
		cfg.Embedding.APIKey = key
	}
	if url, ok := rt.Env(EnvQdrantURL); ok && url != "" {
		cfg.Store.URL = url
	}
	if key, ok := rt.Env(EnvQdrantKey); ok && key != "" {
		cfg.Store.APIKey = key
	}
}

// Validate rejects configurations that cannot be resolved into adapters.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "", string(embedding.KindDeterministic), string(embedding.KindLocal):
	case string(embedding.KindOpenAI):
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("%w: the openai provider needs an API key (set %s)", domain.ErrInvalidConfig, EnvOpenAIKey)
		}
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", domain.ErrInvalidConfig, c.Embedding.Provider)
	}

	switch c.Store.Backend {
	case "", "local":
	case "remote":
		if c.Store.URL == "" {
			return fmt.Errorf("%w: the remote store needs a URL (set %s)", domain.ErrInvalidConfig, EnvQdrantURL)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", domain.ErrInvalidConfig, c.Store.Backend)
	}

	switch c.Retrieval.Strategy {
	case "", "heuristic", "smart", "cross-encoder":
	default:
		return fmt.Errorf("%w: unknown rerank strategy %q", domain.ErrInvalidConfig, c.Retrieval.Strategy)
	}
	return nil
}

// EmbeddingProviderConfig resolves the embedding section into the tagged
// provider config.
func (c *Config) EmbeddingProviderConfig() embedding.ProviderConfig {
	timeout := time.Duration(c.Embedding.TimeoutSeconds) * time.Second
	return embedding.ProviderConfig{
		Kind:       embedding.ProviderKind(c.Embedding.Provider),
		Dimensions: c.Embedding.Dimensions,
		OpenAI: embedding.OpenAIConfig{
			APIKey:     c.Embedding.APIKey,
			BaseURL:    c.Embedding.BaseURL,
			Model:      c.Embedding.Model,
			Timeout:    timeout,
			Dimensions: c.Embedding.Dimensions,
		},
		Local: embedding.LocalConfig{
			BaseURL:    c.Embedding.BaseURL,
			Model:      c.Embedding.Model,
			Timeout:    timeout,
			Dimensions: c.Embedding.Dimensions,
		},
	}
}

// RemoteStoreConfig resolves the store section into the remote adapter
// config.
func (c *Config) RemoteStoreConfig() remote.Config {
	return remote.Config{
		URL:        c.Store.URL,
		APIKey:     c.Store.APIKey,
		Collection: c.Store.Collection,
		Dimensions: c.Embedding.Dimensions,
	}
}

// LocalStoreRoot resolves the local backend's scope directory.
func (c *Config) LocalStoreRoot() string {
	if c.Store.Root != "" {
		return c.Store.Root
	}
	return filepath.Join(c.DataDir, "vectors")
}

// RetrievalOptions resolves the retrieval section into service options.
func (c *Config) RetrievalOptions() (retrieval.RerankOptions, retrieval.DedupOptions) {
	rerank := retrieval.RerankOptions{TopK: c.Retrieval.TopK}
	dedup := retrieval.DedupOptions{
		Strategy:          retrieval.DedupStrategy(c.Retrieval.DedupStrategy),
		Threshold:         c.Retrieval.DedupThreshold,
		MinDifferentFiles: c.Retrieval.MinDifferentFiles,
	}
	return rerank, dedup
}
