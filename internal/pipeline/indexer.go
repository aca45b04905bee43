package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quarry-labs/quarry/internal/chunkers"
	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/core/ports/driving"
	"github.com/quarry-labs/quarry/internal/governor"
	"github.com/quarry-labs/quarry/internal/logger"
)

// Ensure Indexer implements the driving port.
var _ driving.Indexer = (*Indexer)(nil)

// governorTick is how often the auto-scaler adjusts the worker pool
// during a run.
const governorTick = 2 * time.Second

// DefaultMaxWorkers caps the pool when the scaler config leaves it unset.
const DefaultMaxWorkers = 32

// IndexerConfig tunes the indexer service.
type IndexerConfig struct {
	// MaxErrors is the per-run error budget. Zero defaults to 100.
	MaxErrors int

	// UpdateExisting controls overwriting of chunks whose IDs already
	// exist in the store.
	UpdateExisting bool

	// Memory configures the run's memory monitor.
	Memory governor.MemoryConfig

	// Scaler configures the run's auto-scaler. Zero values take the
	// scaler defaults, including the memory-derived initial target.
	Scaler governor.ScalerConfig

	// Progress receives pipeline events. Optional.
	Progress func(Event)
}

// Indexer wires the five stages into runnable pipelines, one run per scope
// at a time.
type Indexer struct {
	rt       driven.Runtime
	store    driven.VectorStore
	provider driven.EmbeddingProvider
	registry *chunkers.Registry
	fallback driven.Chunker
	cfg      IndexerConfig

	mu      sync.Mutex
	running map[string]bool
}

// NewIndexer creates the indexer service.
func NewIndexer(rt driven.Runtime, store driven.VectorStore, provider driven.EmbeddingProvider, registry *chunkers.Registry, fallback driven.Chunker, cfg IndexerConfig) *Indexer {
	return &Indexer{
		rt:       rt,
		store:    store,
		provider: provider,
		registry: registry,
		fallback: fallback,
		cfg:      cfg,
		running:  make(map[string]bool),
	}
}

// Index runs the pipeline for the request. Concurrent runs on the same
// scope are rejected; different scopes are independent.
func (ix *Indexer) Index(ctx context.Context, req driving.IndexRequest) (*driving.IndexResult, error) {
	if req.ScopeID == "" {
		return nil, fmt.Errorf("%w: scope ID is required", domain.ErrInvalidInput)
	}
	if len(req.Sources) == 0 {
		return nil, fmt.Errorf("%w: at least one source is required", domain.ErrInvalidInput)
	}

	if err := ix.lockScope(req.ScopeID); err != nil {
		return nil, err
	}
	defer ix.unlockScope(req.ScopeID)

	monitor := governor.NewMemoryMonitor(ix.cfg.Memory)

	scalerCfg := ix.cfg.Scaler
	if scalerCfg.MaxWorkers == 0 {
		scalerCfg.MaxWorkers = DefaultMaxWorkers
	}
	available := ix.cfg.Memory.LimitBytes
	if available == 0 {
		available = 1 << 30
	}
	scaler := governor.NewAutoScaler(scalerCfg, monitor, available)
	pool := governor.NewWorkerPool(scalerCfg.MaxWorkers)
	if err := pool.Resize(ctx, scaler.Target()); err != nil {
		return nil, err
	}

	pc := NewContext(req.ScopeID, req.Sources, monitor, pool)
	pc.SetMaxErrors(ix.cfg.MaxErrors)
	pc.SetProgress(ix.cfg.Progress)

	storage := NewStorageStage(ix.store)
	storage.UpdateExisting = ix.cfg.UpdateExisting

	p := New(ix.rt,
		NewDiscoveryStage(ix.rt),
		NewFilteringStage(ix.rt, ix.store),
		NewChunkingStage(ix.rt, ix.registry, ix.fallback),
		NewEmbeddingStage(ix.provider),
		storage,
	)
	if req.CheckpointPath != "" {
		p.SetCheckpointPath(req.CheckpointPath)
	}

	// The governor adjusts pool concurrency for the duration of the run.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := &governor.Governor{Monitor: monitor, Scaler: scaler, Pool: pool}
	go g.Run(runCtx, governorTick)

	logger.Info("Indexing scope %s (%d sources, %d workers)", req.ScopeID, len(req.Sources), pool.Target())
	start := time.Now()
	runErr := p.Run(runCtx, pc)

	result := &driving.IndexResult{
		Success:  runErr == nil && !pc.BudgetExceeded(),
		Stats:    pc.Stats,
		Errors:   pc.Errors(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		logger.Error("Indexing scope %s failed: %v", req.ScopeID, runErr)
		return result, runErr
	}

	logger.Info("Indexed scope %s: %d chunks stored in %s",
		req.ScopeID, result.Stats.ChunksStored, result.Duration.Round(time.Millisecond))
	return result, nil
}

// lockScope claims the per-scope run slot.
func (ix *Indexer) lockScope(scopeID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.running[scopeID] {
		return fmt.Errorf("%w: scope %s", domain.ErrSyncInProgress, scopeID)
	}
	ix.running[scopeID] = true
	return nil
}

func (ix *Indexer) unlockScope(scopeID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.running, scopeID)
}
