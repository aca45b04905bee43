package pipeline

import (
	"context"
	"fmt"
	"runtime"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
)

// Storage defaults.
const (
	// DefaultStoreBatchSize is how many chunks go to the store per write.
	DefaultStoreBatchSize = 100

	// DefaultGCInterval is how many stored chunks pass between forced
	// collection and backpressure cycles.
	DefaultGCInterval = 500
)

// StorageStage persists embedded chunks. Files whose content hash already
// exists in the store are skipped wholesale; the rest are split into new
// and pre-existing IDs, with updates to existing IDs gated by
// UpdateExisting.
type StorageStage struct {
	store driven.VectorStore

	// UpdateExisting controls whether chunks whose IDs already exist are
	// overwritten or left alone.
	UpdateExisting bool

	batchSize  int
	gcInterval int
}

// NewStorageStage creates the storage stage. Existing chunks are updated
// by default.
func NewStorageStage(store driven.VectorStore) *StorageStage {
	return &StorageStage{
		store:          store,
		UpdateExisting: true,
		batchSize:      DefaultStoreBatchSize,
		gcInterval:     DefaultGCInterval,
	}
}

func (s *StorageStage) Name() string { return "storage" }

// Restore marks checkpointed files as processed so a resumed run skips
// rewriting them.
func (s *StorageStage) Restore(pc *Context, cp *Checkpoint) error {
	for _, f := range cp.ProcessedFiles {
		pc.Processed[f] = true
	}
	return nil
}

// Execute writes pc.Chunks to the store grouped by file, removing each
// changed file's previous-version chunks alongside the write, then
// reconciles away the chunks of files discovery no longer found.
func (s *StorageStage) Execute(ctx context.Context, pc *Context) error {
	byFile := groupByFile(pc.Chunks)
	total := len(byFile)

	prior := s.priorChunkIDs(ctx, pc, byFile)

	var sinceGC, done int
	for _, file := range byFile {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pc.BudgetExceeded() {
			return nil
		}

		done++
		if pc.Processed[file.path] {
			continue
		}

		stored, removed, err := s.storeFile(ctx, pc, file, prior[file.sourceID][file.path])
		if err != nil {
			pc.AddError(s.Name(), file.path, err)
			continue
		}
		pc.MarkProcessed(file.path)
		pc.Stats.ChunksStored += stored
		pc.Stats.ChunksDeleted += removed
		pc.Emit(Event{Kind: EventProgress, Stage: s.Name(), Current: done, Total: total})

		sinceGC += len(file.chunks)
		if sinceGC >= s.gcInterval {
			sinceGC = 0
			runtime.GC()
			if err := pc.Monitor.ApplyBackpressure(ctx); err != nil {
				return err
			}
		}
	}

	s.removeVanished(ctx, pc, prior)

	logger.Info("Stored %d chunks (%d files skipped by hash, %d stale chunks removed)",
		pc.Stats.ChunksStored, pc.Stats.FilesSkipped, pc.Stats.ChunksDeleted)
	return nil
}

// fileChunks is one file's chunk group.
type fileChunks struct {
	path     string
	sourceID string
	hash     string
	chunks   []domain.StoredChunk
}

// groupByFile groups chunks by path, preserving first-seen file order.
func groupByFile(chunks []domain.StoredChunk) []*fileChunks {
	index := make(map[string]*fileChunks)
	var files []*fileChunks

	for _, c := range chunks {
		fc, ok := index[c.Path]
		if !ok {
			fc = &fileChunks{path: c.Path, sourceID: c.SourceID, hash: c.FileHash}
			index[c.Path] = fc
			files = append(files, fc)
		}
		fc.chunks = append(fc.chunks, c)
	}
	return files
}

// priorChunkIDs fetches the stored chunk IDs per path for every source in
// play. A source whose lookup fails records an error and is left out, which
// disables stale cleanup for it this run.
func (s *StorageStage) priorChunkIDs(ctx context.Context, pc *Context, byFile []*fileChunks) map[string]map[string][]string {
	sources := make(map[string]bool, len(pc.Discovered))
	for id := range pc.Discovered {
		sources[id] = true
	}
	for _, file := range byFile {
		sources[file.sourceID] = true
	}

	prior := make(map[string]map[string][]string, len(sources))
	for sourceID := range sources {
		byPath, err := s.store.ChunkIDsBySource(ctx, pc.ScopeID, sourceID)
		if err != nil {
			pc.AddError(s.Name(), sourceID, fmt.Errorf("list stored chunks: %w", err))
			continue
		}
		prior[sourceID] = byPath
	}
	return prior
}

// storeFile writes one file's chunks together with the removal of its
// previous version's IDs, returning how many were written and removed.
func (s *StorageStage) storeFile(ctx context.Context, pc *Context, file *fileChunks, priorIDs []string) (int, int, error) {
	// A matching file hash means this exact content is already stored,
	// and identical content derives identical chunk IDs.
	if file.hash != "" {
		exists, err := s.store.HasFileHash(ctx, pc.ScopeID, file.hash)
		if err != nil {
			return 0, 0, fmt.Errorf("hash check: %w", err)
		}
		if exists {
			pc.Stats.FilesSkipped++
			logger.Debug("File %s already stored, skipping", file.path)
			return 0, 0, nil
		}
	}

	ids := make([]string, len(file.chunks))
	current := make(map[string]bool, len(file.chunks))
	for i, c := range file.chunks {
		ids[i] = c.ChunkID
		current[c.ChunkID] = true
	}

	// Previous-version IDs the new chunking no longer produces.
	var stale []string
	for _, id := range priorIDs {
		if !current[id] {
			stale = append(stale, id)
		}
	}

	existing, err := s.store.ExistingChunkIDs(ctx, pc.ScopeID, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("existence check: %w", err)
	}

	var toWrite []domain.StoredChunk
	for _, c := range file.chunks {
		if existing[c.ChunkID] && !s.UpdateExisting {
			continue
		}
		toWrite = append(toWrite, c)
	}

	for start := 0; start < len(toWrite); start += s.batchSize {
		end := min(start+s.batchSize, len(toWrite))
		// The stale IDs ride the last batch so the write and the removal
		// commit together where the store can manage that.
		var drop []string
		if end == len(toWrite) {
			drop = stale
		}
		if err := s.store.UpdateIncremental(ctx, pc.ScopeID, toWrite[start:end], drop); err != nil {
			return 0, 0, fmt.Errorf("update: %w", err)
		}
	}
	if len(toWrite) == 0 && len(stale) > 0 {
		if err := s.store.UpdateIncremental(ctx, pc.ScopeID, nil, stale); err != nil {
			return 0, 0, fmt.Errorf("update: %w", err)
		}
	}
	return len(toWrite), len(stale), nil
}

// removeVanished deletes the chunks of stored paths that a successful
// discovery walk no longer found on disk.
func (s *StorageStage) removeVanished(ctx context.Context, pc *Context, prior map[string]map[string][]string) {
	for sourceID, onDisk := range pc.Discovered {
		byPath, ok := prior[sourceID]
		if !ok {
			continue
		}

		var vanished []string
		for path, ids := range byPath {
			if !onDisk[path] {
				vanished = append(vanished, ids...)
			}
		}
		if len(vanished) == 0 {
			continue
		}
		if pc.BudgetExceeded() {
			return
		}

		var err error
		if len(onDisk) == 0 {
			err = s.store.DeleteBySource(ctx, pc.ScopeID, sourceID)
		} else {
			err = s.store.DeleteChunks(ctx, pc.ScopeID, vanished)
		}
		if err != nil {
			pc.AddError(s.Name(), sourceID, fmt.Errorf("remove vanished files: %w", err))
			continue
		}
		pc.Stats.ChunksDeleted += len(vanished)
		logger.Debug("Source %s: removed %d chunks of vanished files", sourceID, len(vanished))
	}
}
