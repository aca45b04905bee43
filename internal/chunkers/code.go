package chunkers

import (
	"context"
	"regexp"
	"strings"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
)

// Ensure CodeChunker implements the interface.
var _ driven.Chunker = (*CodeChunker)(nil)

// declPattern pairs a declaration-start regex with the chunk type it opens.
type declPattern struct {
	re  *regexp.Regexp
	typ domain.ChunkType
}

// LanguageSpec describes one language family for the code chunker.
// Proper grammars (tree-sitter, go/ast) plug in as their own Chunker
// implementations; this regex-based chunker covers the common brace and
// indent languages well enough to keep syntactic units together.
type LanguageSpec struct {
	// Name is the language identifier ("go", "python").
	Name string

	// Extensions are the file extensions, with leading dot.
	Extensions []string

	// Declarations are the patterns that open a top-level unit, with a
	// capture group for the declared name where the syntax has one.
	Declarations []declPattern

	// ImportPrefixes mark the leading context lines carried into splits
	// of oversized units ("import ", "using ", "#include").
	ImportPrefixes []string
}

// GoSpec describes Go source.
func GoSpec() LanguageSpec {
	return LanguageSpec{
		Name:       "go",
		Extensions: []string{".go"},
		Declarations: []declPattern{
			{regexp.MustCompile(`^func\s+(?:\([^)]+\)\s+)?(\w+)`), domain.ChunkTypeFunction},
			{regexp.MustCompile(`^type\s+(\w+)\s+interface\b`), domain.ChunkTypeInterface},
			{regexp.MustCompile(`^type\s+(\w+)\s+struct\b`), domain.ChunkTypeClass},
			{regexp.MustCompile(`^type\s+(\w+)\b`), domain.ChunkTypeClass},
		},
		ImportPrefixes: []string{"package ", "import "},
	}
}

// TypeScriptSpec describes TypeScript and JavaScript source.
func TypeScriptSpec() LanguageSpec {
	return LanguageSpec{
		Name:       "typescript",
		Extensions: []string{".ts", ".tsx", ".js", ".jsx", ".mjs"},
		Declarations: []declPattern{
			{regexp.MustCompile(`^(?:export\s+)?(?:abstract\s+)?class\s+(\w+)`), domain.ChunkTypeClass},
			{regexp.MustCompile(`^(?:export\s+)?interface\s+(\w+)`), domain.ChunkTypeInterface},
			{regexp.MustCompile(`^(?:export\s+)?(?:async\s+)?function\s*\*?\s*(\w+)`), domain.ChunkTypeFunction},
			{regexp.MustCompile(`^(?:export\s+)?const\s+(\w+)\s*=\s*(?:async\s+)?(?:\([^)]*\)|\w+)\s*=>`), domain.ChunkTypeFunction},
		},
		ImportPrefixes: []string{"import ", "const ", "require("},
	}
}

// PythonSpec describes Python source.
func PythonSpec() LanguageSpec {
	return LanguageSpec{
		Name:       "python",
		Extensions: []string{".py"},
		Declarations: []declPattern{
			{regexp.MustCompile(`^class\s+(\w+)`), domain.ChunkTypeClass},
			{regexp.MustCompile(`^(?:async\s+)?def\s+(\w+)`), domain.ChunkTypeFunction},
		},
		ImportPrefixes: []string{"import ", "from "},
	}
}

// CodeChunker splits source files at top-level declaration boundaries.
// Units that fit maxLines stay intact; oversized units are split into line
// windows that carry the file's leading import context in their metadata.
type CodeChunker struct {
	spec     LanguageSpec
	maxLines int
	fallback *LineChunker
}

// NewCodeChunker creates a code chunker for the given language spec.
func NewCodeChunker(spec LanguageSpec, maxLines int) *CodeChunker {
	if maxLines <= 0 {
		maxLines = 2 * DefaultMaxLines
	}
	return &CodeChunker{
		spec:     spec,
		maxLines: maxLines,
		fallback: NewLineChunker(WithMaxLines(maxLines), WithMinLines(1)),
	}
}

// Name returns the chunker name.
func (c *CodeChunker) Name() string { return "code-" + c.spec.Name }

// Extensions returns the handled file extensions.
func (c *CodeChunker) Extensions() []string { return c.spec.Extensions }

// Languages returns the handled language identifiers.
func (c *CodeChunker) Languages() []string { return []string{c.spec.Name} }

// unit is one contiguous top-level block of a file.
type unit struct {
	startLine int // 1-based
	endLine   int
	typ       domain.ChunkType
	name      string
}

// Chunk splits the content at declaration boundaries.
func (c *CodeChunker) Chunk(ctx context.Context, path string, content string) ([]domain.Chunk, error) {
	if content == "" {
		return nil, nil
	}

	lines := strings.Split(content, "\n")
	units := c.splitUnits(lines)
	if len(units) == 0 {
		// No declarations recognised: fall back to line windows.
		return c.fallback.Chunk(ctx, path, content)
	}

	importContext := c.leadingImports(lines)

	var chunks []domain.Chunk
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		body := lines[u.startLine-1 : u.endLine]
		if len(body) <= c.maxLines {
			chunks = append(chunks, domain.Chunk{
				Content:   strings.Join(body, "\n"),
				StartLine: u.startLine,
				EndLine:   u.endLine,
				Type:      u.typ,
				Name:      u.name,
			})
			continue
		}

		// Oversized unit: split into windows, each carrying the import
		// context so the embedding still sees the file's dependencies.
		for _, part := range c.fallback.window(body, u.startLine) {
			part.Type = u.typ
			part.Name = u.name
			if importContext != "" {
				part.Metadata = map[string]any{"imports": importContext}
			}
			chunks = append(chunks, part)
		}
	}

	return chunks, nil
}

// splitUnits finds top-level declaration boundaries. Each unit runs from its
// declaration line to the line before the next declaration; leading
// non-declaration content becomes a line-based unit.
func (c *CodeChunker) splitUnits(lines []string) []unit {
	var units []unit

	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		// Only top-level declarations open a unit.
		if trimmed != line && c.spec.Name != "python" {
			continue
		}
		for _, p := range c.spec.Declarations {
			m := p.re.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			name := ""
			if len(m) > 1 {
				name = m[1]
			}
			units = append(units, unit{startLine: i + 1, typ: p.typ, name: name})
			break
		}
	}

	if len(units) == 0 {
		return nil
	}

	// Close each unit at the next declaration.
	for i := range units {
		if i+1 < len(units) {
			units[i].endLine = units[i+1].startLine - 1
		} else {
			units[i].endLine = len(lines)
		}
	}

	// Preamble before the first declaration becomes its own unit.
	if first := units[0].startLine; first > 1 {
		units = append([]unit{{startLine: 1, endLine: first - 1, typ: domain.ChunkTypeLineBased}}, units...)
	}

	return units
}

// leadingImports collects the file's import/using lines for split metadata.
func (c *CodeChunker) leadingImports(lines []string) string {
	var imports []string
	inBlock := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if inBlock {
			imports = append(imports, line)
			if trimmed == ")" {
				inBlock = false
			}
			continue
		}
		for _, prefix := range c.spec.ImportPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				imports = append(imports, line)
				// Go-style grouped import block.
				if strings.HasSuffix(trimmed, "(") {
					inBlock = true
				}
				break
			}
		}
		// Stop scanning at the first declaration.
		for _, p := range c.spec.Declarations {
			if p.re.MatchString(trimmed) {
				return strings.Join(imports, "\n")
			}
		}
	}

	return strings.Join(imports, "\n")
}

// DefaultRegistry returns a registry with the built-in code chunkers
// registered. Callers add grammar-backed chunkers on top.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewCodeChunker(GoSpec(), 0))
	r.Register(NewCodeChunker(TypeScriptSpec(), 0))
	r.Register(NewCodeChunker(PythonSpec(), 0))
	return r
}
