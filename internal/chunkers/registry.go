// Package chunkers provides the chunker registry and the built-in chunkers
// used by the chunking stage. Language grammars (tree-sitter, AST parsers)
// live behind the driven.Chunker interface; this package supplies the
// registry, a regex-based code chunker and the line-window fallback.
package chunkers

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/quarry-labs/quarry/internal/core/ports/driven"
)

// Registry resolves chunkers by file extension or language identifier.
// Resolution order: extension match, then language match. Callers fall back
// to the line-based chunker when Find returns nil.
type Registry struct {
	mu          sync.RWMutex
	byExtension map[string]driven.Chunker
	byLanguage  map[string]driven.Chunker
}

// NewRegistry creates an empty chunker registry.
func NewRegistry() *Registry {
	return &Registry{
		byExtension: make(map[string]driven.Chunker),
		byLanguage:  make(map[string]driven.Chunker),
	}
}

// Register adds a chunker for all its declared extensions and languages.
// Later registrations win on conflicts.
func (r *Registry) Register(c driven.Chunker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ext := range c.Extensions() {
		r.byExtension[strings.ToLower(ext)] = c
	}
	for _, lang := range c.Languages() {
		r.byLanguage[strings.ToLower(lang)] = c
	}
}

// Find returns the chunker for a path, preferring extension match over
// language match. Returns nil when no chunker is registered for either.
func (r *Registry) Find(path, language string) driven.Chunker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext := strings.ToLower(filepath.Ext(path))
	if ext != "" {
		if c, ok := r.byExtension[ext]; ok {
			return c
		}
	}

	if language != "" {
		if c, ok := r.byLanguage[strings.ToLower(language)]; ok {
			return c
		}
	}

	return nil
}
