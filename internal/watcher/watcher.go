// Package watcher triggers incremental re-indexing from filesystem events.
// Change bursts are debounced into a single pipeline run; the pipeline's
// filtering tiers keep the run cheap by skipping everything unchanged.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driving"
	"github.com/quarry-labs/quarry/internal/logger"
)

// DefaultDebounce is the quiet period after the last event before a
// re-index run starts.
const DefaultDebounce = 2 * time.Second

// ignoredDirs are never watched or reacted to.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// Config tunes a watcher.
type Config struct {
	// Debounce is the quiet period between the last event and the run.
	// Zero defaults to 2s.
	Debounce time.Duration

	// OnResult receives the outcome of each triggered run. Optional.
	OnResult func(*driving.IndexResult)
}

// Watcher re-runs the indexing pipeline for a scope when files under its
// source roots change.
type Watcher struct {
	indexer  driving.Indexer
	req      driving.IndexRequest
	debounce time.Duration
	onResult func(*driving.IndexResult)

	fsw *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
	dirty bool
}

// New creates a watcher over the request's source roots.
func New(indexer driving.Indexer, req driving.IndexRequest, cfg Config) (*Watcher, error) {
	if indexer == nil || req.ScopeID == "" || len(req.Sources) == 0 {
		return nil, fmt.Errorf("%w: indexer, scope ID and sources are required", domain.ErrInvalidInput)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		indexer:  indexer,
		req:      req,
		debounce: debounce,
		onResult: cfg.OnResult,
		fsw:      fsw,
	}, nil
}

// Run watches until the context is cancelled. It returns the error that
// stopped the event loop, or nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for _, src := range w.req.Sources {
		if err := w.watchTree(src.Root); err != nil {
			return fmt.Errorf("watch %s: %w", src.Root, err)
		}
	}
	logger.Info("Watching %d source roots for scope %s", len(w.req.Sources), w.req.ScopeID)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error: %v", err)
		}
	}
}

// handleEvent filters and debounces one filesystem event.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if ignored(event.Name) {
		return
	}

	// New directories join the watch set immediately so nested creates
	// are not missed.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				logger.Warn("Watch new directory %s: %v", event.Name, err)
			}
		}
	}

	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.dirty = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.runIndex(ctx)
	})
}

// runIndex runs one debounced pipeline pass.
func (w *Watcher) runIndex(ctx context.Context) {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	w.dirty = false
	w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	logger.Info("Changes detected, re-indexing scope %s", w.req.ScopeID)
	result, err := w.indexer.Index(ctx, w.req)
	if err != nil {
		logger.Warn("Incremental re-index failed: %v", err)
		return
	}
	if w.onResult != nil {
		w.onResult(result)
	}
}

// stopTimer cancels a pending debounced run.
func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.dirty = false
}

// watchTree adds root and every non-ignored subdirectory to the watch set.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			logger.Warn("Watch %s: %v", path, err)
		}
		return nil
	})
}

// ignored reports whether the path sits under a hidden or excluded
// directory.
func ignored(path string) bool {
	for _, part := range strings.Split(filepath.Clean(path), string(filepath.Separator)) {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if ignoredDirs[part] || strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
