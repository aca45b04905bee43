package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
)

// DiscoveryStage expands each source's glob patterns into the file list
// the rest of the pipeline operates on.
type DiscoveryStage struct {
	rt driven.Runtime
}

// NewDiscoveryStage creates the discovery stage.
func NewDiscoveryStage(rt driven.Runtime) *DiscoveryStage {
	return &DiscoveryStage{rt: rt}
}

func (s *DiscoveryStage) Name() string { return "discovery" }

// Execute walks every source and records size, mtime and source ID per
// matched regular file. A bad source records an error against the budget
// instead of aborting the run.
func (s *DiscoveryStage) Execute(ctx context.Context, pc *Context) error {
	for _, src := range pc.Sources {
		if err := ctx.Err(); err != nil {
			return err
		}

		files, err := s.discoverSource(ctx, pc, src.ID, src.Root, src.Include, src.Exclude, src.Language)
		if err != nil {
			pc.AddError(s.Name(), src.Root, err)
			continue
		}
		pc.Files = append(pc.Files, files...)

		// Record the full on-disk path set so storage can reconcile away
		// chunks of files that no longer exist. Only successful walks are
		// recorded; a failed source must not look emptied.
		paths := make(map[string]bool, len(files))
		for _, f := range files {
			paths[f.RelPath] = true
		}
		pc.Discovered[src.ID] = paths
	}

	pc.Stats.DiscoveredFiles = len(pc.Files)
	logger.Info("Discovered %d files across %d sources", len(pc.Files), len(pc.Sources))
	pc.Emit(Event{Kind: EventProgress, Stage: s.Name(), Total: len(pc.Files), Current: len(pc.Files)})
	return nil
}

// discoverSource expands one source's patterns against its root.
func (s *DiscoveryStage) discoverSource(ctx context.Context, pc *Context, sourceID, root string, include, exclude []string, language string) ([]FileInfo, error) {
	fsys, err := s.rt.DirFS(root)
	if err != nil {
		return nil, fmt.Errorf("open source root: %w", err)
	}

	if len(include) == 0 {
		include = []string{"**/*"}
	}

	seen := make(map[string]bool)
	var files []FileInfo

	for _, pattern := range include {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}

		for _, rel := range matches {
			if seen[rel] || excluded(rel, exclude) {
				continue
			}
			seen[rel] = true

			info, err := fs.Stat(fsys, rel)
			if err != nil {
				pc.AddError(s.Name(), rel, err)
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}

			files = append(files, FileInfo{
				SourceID: sourceID,
				AbsPath:  filepath.Join(root, filepath.FromSlash(rel)),
				RelPath:  rel,
				Size:     info.Size(),
				Mtime:    info.ModTime().UnixNano(),
				Language: language,
			})
		}
	}

	logger.Debug("Source %s: %d files", sourceID, len(files))
	return files, nil
}

// excluded reports whether any exclude pattern matches the path.
func excluded(rel string, exclude []string) bool {
	for _, pattern := range exclude {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}
