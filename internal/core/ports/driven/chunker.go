package driven

import (
	"context"

	"github.com/quarry-labs/quarry/internal/core/domain"
)

// Chunker splits raw file text into semantically bounded spans.
// Chunkers are pluggable per language/extension; when no chunker matches,
// callers fall back to the line-based chunker.
//
// AST-capable chunkers must keep syntactic units (function, class,
// interface) intact where they fit the size bound, and split oversized
// units while carrying the leading import context in each split's metadata.
type Chunker interface {
	// Name identifies the chunker for logging.
	Name() string

	// Extensions returns the file extensions this chunker handles,
	// including the leading dot (".go", ".py").
	Extensions() []string

	// Languages returns the language identifiers this chunker handles
	// ("go", "python").
	Languages() []string

	// Chunk splits the file content into spans.
	Chunk(ctx context.Context, path, content string) ([]domain.Chunk, error)
}
