package driving

import (
	"context"
	"time"
)

// IndexSource describes one root to index: a base directory plus the glob
// patterns to expand beneath it.
type IndexSource struct {
	// ID identifies the source in stored chunks.
	ID string

	// Root is the base directory.
	Root string

	// Include are doublestar glob patterns relative to Root.
	// Empty defaults to every regular file.
	Include []string

	// Exclude are glob patterns removed after inclusion.
	Exclude []string

	// Language hints the chunker resolution for files without a
	// recognised extension.
	Language string
}

// IndexRequest is one pipeline run over a scope.
type IndexRequest struct {
	// ScopeID names the vector store partition to write.
	ScopeID string

	// Sources are the roots to index.
	Sources []IndexSource

	// CheckpointPath, when set, enables checkpoint/restore for the run.
	CheckpointPath string
}

// IndexStats accumulates per-run counters.
type IndexStats struct {
	DiscoveredFiles int
	FilteredFiles   int
	SkippedByMtime  int
	SkippedByHash   int
	ChunksCreated   int
	ChunksEmbedded  int
	ChunksStored    int
	ChunksDeleted   int
	FilesSkipped    int
	CacheHits       int
	CacheMisses     int
}

// IndexError records one per-item failure that did not abort the run.
type IndexError struct {
	Stage string
	Path  string
	Err   string
}

// IndexResult is the outcome of a pipeline run.
// The pipeline never panics across this boundary: failures are reported in
// Errors and Success.
type IndexResult struct {
	Success  bool
	Stats    IndexStats
	Errors   []IndexError
	Duration time.Duration
}

// Indexer runs the staged indexing pipeline.
type Indexer interface {
	// Index runs the pipeline for the request. Concurrent runs on the
	// same scope return domain.ErrSyncInProgress; different scopes are
	// independent.
	Index(ctx context.Context, req IndexRequest) (*IndexResult, error)
}
