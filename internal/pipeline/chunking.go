package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/quarry-labs/quarry/internal/chunkers"
	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
)

// MaxChunkedFileSize is the oversize limit: larger content is truncated
// with a marker chunk instead of being chunked whole.
const MaxChunkedFileSize = 10 << 20

// TruncationMarker is appended to truncated content.
const TruncationMarker = "\n[content truncated]"

// ChunkingStage applies the resolved chunker per file and converts the
// spans into stored chunks with stable IDs. Files fan out on the worker
// pool.
type ChunkingStage struct {
	rt       driven.Runtime
	registry *chunkers.Registry
	fallback driven.Chunker
}

// NewChunkingStage creates the chunking stage. The fallback handles files
// no registered chunker claims.
func NewChunkingStage(rt driven.Runtime, registry *chunkers.Registry, fallback driven.Chunker) *ChunkingStage {
	return &ChunkingStage{rt: rt, registry: registry, fallback: fallback}
}

func (s *ChunkingStage) Name() string { return "chunking" }

// Execute chunks every filtered file.
func (s *ChunkingStage) Execute(ctx context.Context, pc *Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	total := len(pc.Files)

	for i := range pc.Files {
		f := &pc.Files[i]

		if pc.BudgetExceeded() {
			break
		}
		if err := pc.Monitor.ApplyBackpressure(ctx); err != nil {
			break
		}

		err := pc.Pool.Go(ctx, &wg, func() {
			chunks, err := s.chunkFile(ctx, pc, f)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				pc.AddError(s.Name(), f.RelPath, err)
			} else {
				pc.Chunks = append(pc.Chunks, chunks...)
				pc.Stats.ChunksCreated += len(chunks)
			}
			done++
			pc.Emit(Event{Kind: EventProgress, Stage: s.Name(), Current: done, Total: total})
		})
		if err != nil {
			break
		}
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	logger.Info("Chunked %d files into %d chunks", total, pc.Stats.ChunksCreated)
	return nil
}

// chunkFile reads, chunks and converts one file.
func (s *ChunkingStage) chunkFile(ctx context.Context, pc *Context, f *FileInfo) ([]domain.StoredChunk, error) {
	data, err := s.rt.ReadFile(f.AbsPath)
	if err != nil {
		return nil, err
	}
	content := string(data)

	if f.Hash == "" {
		f.Hash = domain.HashContent(content)
	}

	var spans []domain.Chunk
	if len(content) > MaxChunkedFileSize {
		spans = []domain.Chunk{truncatedChunk(content)}
		logger.Warn("File %s exceeds %d bytes, truncated", f.RelPath, MaxChunkedFileSize)
	} else {
		chunker := s.registry.Find(f.RelPath, f.Language)
		if chunker == nil {
			chunker = s.fallback
		}
		spans, err = chunker.Chunk(ctx, f.RelPath, content)
		if err != nil {
			return nil, err
		}
	}

	stored := make([]domain.StoredChunk, 0, len(spans))
	for ordinal, span := range spans {
		meta := span.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta["type"] = string(span.Type)
		if span.Name != "" {
			meta["name"] = span.Name
		}

		stored = append(stored, domain.StoredChunk{
			ChunkID:   domain.NewChunkID(f.SourceID, f.RelPath, span.StartLine, span.EndLine, ordinal),
			ScopeID:   pc.ScopeID,
			SourceID:  f.SourceID,
			Path:      f.RelPath,
			Content:   span.Content,
			StartLine: span.StartLine,
			EndLine:   span.EndLine,
			FileHash:  f.Hash,
			FileMtime: f.Mtime,
			FileSize:  f.Size,
			Metadata:  meta,
		})
	}
	return stored, nil
}

// truncatedChunk builds the single marker chunk for oversized content.
func truncatedChunk(content string) domain.Chunk {
	cut := content[:MaxChunkedFileSize]
	return domain.Chunk{
		Content:   cut + TruncationMarker,
		StartLine: 1,
		EndLine:   strings.Count(cut, "\n") + 1,
		Type:      domain.ChunkTypeTruncated,
		Metadata:  map[string]any{"truncated": true},
	}
}
