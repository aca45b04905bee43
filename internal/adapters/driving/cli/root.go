// Package cli provides the cobra command tree. Services are wired once in
// the persistent pre-run from the loaded configuration and shared by the
// commands through package variables.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarry-labs/quarry/internal/adapters/driven/embedding"
	"github.com/quarry-labs/quarry/internal/adapters/driven/registry"
	runtimeadapter "github.com/quarry-labs/quarry/internal/adapters/driven/runtime"
	"github.com/quarry-labs/quarry/internal/adapters/driven/vectorstore/local"
	"github.com/quarry-labs/quarry/internal/adapters/driven/vectorstore/remote"
	"github.com/quarry-labs/quarry/internal/chunkers"
	"github.com/quarry-labs/quarry/internal/config"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/core/services"
	"github.com/quarry-labs/quarry/internal/governor"
	"github.com/quarry-labs/quarry/internal/logger"
	"github.com/quarry-labs/quarry/internal/pipeline"
	"github.com/quarry-labs/quarry/internal/ratelimit"
	"github.com/quarry-labs/quarry/internal/syncer"
)

var (
	flagConfig  string
	flagVerbose bool

	version = "dev"

	cfg      *config.Config
	rt       driven.Runtime
	store    driven.VectorStore
	provider driven.EmbeddingProvider
	docSync  *syncer.Syncer
)

var rootCmd = &cobra.Command{
	Use:           "quarry",
	Short:         "Index and search codebases with embeddings",
	Long:          `Quarry indexes source trees into a vector store and serves ranked, deduplicated retrieval results.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return initServices(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path (default $HOME/.quarry/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the command tree.
func Execute(v string) error {
	version = v
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// initServices loads the configuration and wires the adapters.
func initServices(cmd *cobra.Command) error {
	rt = runtimeadapter.New(runtimeadapter.WithEnvAllowList(
		config.EnvOpenAIKey, config.EnvQdrantURL, config.EnvQdrantKey,
	))

	path := flagConfig
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".quarry", config.DefaultFileName)
		}
	}

	var err error
	cfg, err = config.Load(rt, path)
	if err != nil {
		return err
	}

	if flagVerbose || cfg.Verbose {
		logger.SetVerbose(true)
	}

	if provider, err = buildProvider(); err != nil {
		return err
	}
	if store, err = buildStore(cmd); err != nil {
		return err
	}
	if docSync, err = buildSyncer(); err != nil {
		return err
	}
	return nil
}

// buildProvider resolves the embedding provider and its cache.
func buildProvider() (driven.EmbeddingProvider, error) {
	base, err := embedding.NewProvider(cfg.EmbeddingProviderConfig(), rt)
	if err != nil {
		return nil, err
	}
	if !cfg.Embedding.Cache {
		return base, nil
	}

	cache, err := embedding.NewSQLiteCache(filepath.Join(cfg.DataDir, "data"))
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}

	var limiter *ratelimit.Limiter
	if preset, ok := ratelimit.DefaultPresets[cfg.Embedding.Provider]; ok {
		limiter = ratelimit.New(preset)
	}
	return embedding.NewCachedProvider(base, cache, limiter), nil
}

// buildStore resolves the vector store backend.
func buildStore(cmd *cobra.Command) (driven.VectorStore, error) {
	if cfg.Store.Backend == "remote" {
		return remote.NewStore(cmd.Context(), rt, cfg.RemoteStoreConfig())
	}
	return local.NewStore(rt, cfg.LocalStoreRoot())
}

// buildSyncer wires the document synchronization service.
func buildSyncer() (*syncer.Syncer, error) {
	reg, err := registry.NewFileRegistry(rt, filepath.Join(cfg.DataDir, "registry.json"))
	if err != nil {
		return nil, err
	}
	return syncer.New(reg, store, provider, chunkers.NewLineChunker(), syncer.Config{
		TTLDays:        cfg.Sync.TTLDays,
		MaxBatchSize:   cfg.Sync.MaxBatchSize,
		PartialUpdates: cfg.Sync.PartialUpdates,
	}), nil
}

// newIndexer builds an indexer with the given progress callback.
func newIndexer(progress func(pipeline.Event)) *pipeline.Indexer {
	return pipeline.NewIndexer(rt, store, provider, chunkers.DefaultRegistry(), chunkers.NewLineChunker(), pipeline.IndexerConfig{
		MaxErrors:      cfg.Index.MaxErrors,
		UpdateExisting: cfg.Index.UpdateExisting,
		Memory: governor.MemoryConfig{
			LimitBytes: uint64(cfg.Index.MemoryLimitMB) << 20,
		},
		Scaler: governor.ScalerConfig{
			MaxWorkers: cfg.Index.MaxWorkers,
		},
		Progress: progress,
	})
}

// newRetriever builds the retrieval service from the config.
func newRetriever() *services.Retriever {
	rerank, dedup := cfg.RetrievalOptions()
	return services.NewRetriever(provider, store, nil, services.RetrieverConfig{
		Strategy: services.RerankStrategy(cfg.Retrieval.Strategy),
		Rerank:   rerank,
		Dedup:    dedup,
	})
}
