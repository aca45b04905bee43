package pipeline

import (
	"context"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
)

// DefaultMetadataBatchSize bounds store round-trips during filtering.
const DefaultMetadataBatchSize = 50

// FilteringStage eliminates unchanged files in three tiers: an exact
// mtime+size match against store metadata, then a content hash match for
// the remainder. Everything else proceeds to chunking.
type FilteringStage struct {
	rt        driven.Runtime
	store     driven.VectorStore
	batchSize int
}

// NewFilteringStage creates the filtering stage.
func NewFilteringStage(rt driven.Runtime, store driven.VectorStore) *FilteringStage {
	return &FilteringStage{rt: rt, store: store, batchSize: DefaultMetadataBatchSize}
}

func (s *FilteringStage) Name() string { return "filtering" }

// Execute narrows pc.Files to the files that actually changed.
func (s *FilteringStage) Execute(ctx context.Context, pc *Context) error {
	var kept []FileInfo
	total := len(pc.Files)

	for start := 0; start < len(pc.Files); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+s.batchSize, len(pc.Files))
		batch := pc.Files[start:end]

		paths := make([]string, len(batch))
		for i, f := range batch {
			paths[i] = f.RelPath
		}

		meta, err := s.store.FileMetadata(ctx, pc.ScopeID, paths)
		if err != nil {
			// Without metadata everything in the batch counts as changed.
			pc.AddError(s.Name(), "", err)
			meta = nil
		}

		for i := range batch {
			f := &batch[i]
			if s.unchanged(pc, f, meta) {
				continue
			}
			kept = append(kept, *f)
		}

		pc.Emit(Event{Kind: EventProgress, Stage: s.Name(), Current: end, Total: total})
	}

	pc.Files = kept
	pc.Stats.FilteredFiles = len(kept)
	logger.Info("Filtering kept %d of %d files (%d mtime, %d hash skips)",
		len(kept), total, pc.Stats.SkippedByMtime, pc.Stats.SkippedByHash)
	return nil
}

// unchanged applies the two skip tiers to one file, updating stats. Files
// it cannot read fall through to chunking, which reports the real error.
func (s *FilteringStage) unchanged(pc *Context, f *FileInfo, meta map[string]driven.FileMetadata) bool {
	recorded, ok := meta[f.RelPath]
	if !ok {
		return false
	}

	// Tier 1: mtime and size both match exactly.
	if recorded.Mtime == f.Mtime && recorded.Size == f.Size {
		pc.Stats.SkippedByMtime++
		return true
	}

	// Tier 2: metadata drifted but content did not.
	if recorded.Hash == "" {
		return false
	}
	data, err := s.rt.ReadFile(f.AbsPath)
	if err != nil {
		return false
	}
	f.Hash = domain.HashContent(string(data))
	if f.Hash == recorded.Hash {
		pc.Stats.SkippedByHash++
		return true
	}
	return false
}
