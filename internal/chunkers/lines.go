package chunkers

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
)

// Default line-window parameters.
const (
	DefaultMaxLines = 60
	DefaultOverlap  = 10
	DefaultMinLines = 3

	// maxLineBytes bounds the scanner buffer for streaming reads.
	maxLineBytes = 1 << 20
)

// Ensure LineChunker implements the interface.
var _ driven.Chunker = (*LineChunker)(nil)

// LineChunker is the fallback chunker: it windows text into MaxLines-sized
// spans with Overlap lines carried over between windows, dropping windows
// shorter than MinLines.
type LineChunker struct {
	maxLines int
	overlap  int
	minLines int
}

// Option configures a LineChunker.
type Option func(*LineChunker)

// WithMaxLines sets the window size in lines.
func WithMaxLines(n int) Option {
	return func(c *LineChunker) {
		if n > 0 {
			c.maxLines = n
		}
	}
}

// WithOverlap sets the carry-over between windows in lines.
func WithOverlap(n int) Option {
	return func(c *LineChunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

// WithMinLines sets the minimum window size; shorter trailing windows are
// dropped.
func WithMinLines(n int) Option {
	return func(c *LineChunker) {
		if n > 0 {
			c.minLines = n
		}
	}
}

// NewLineChunker creates a line-window chunker with the given options.
func NewLineChunker(opts ...Option) *LineChunker {
	c := &LineChunker{
		maxLines: DefaultMaxLines,
		overlap:  DefaultOverlap,
		minLines: DefaultMinLines,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Overlap must leave forward progress.
	if c.overlap >= c.maxLines {
		c.overlap = c.maxLines / 4
	}
	return c
}

// Name returns the chunker name.
func (c *LineChunker) Name() string { return "lines" }

// Extensions returns nil: the line chunker is the fallback, never resolved
// through the registry.
func (c *LineChunker) Extensions() []string { return nil }

// Languages returns nil for the same reason as Extensions.
func (c *LineChunker) Languages() []string { return nil }

// Chunk windows the content into line spans.
func (c *LineChunker) Chunk(_ context.Context, _ string, content string) ([]domain.Chunk, error) {
	if content == "" {
		return nil, nil
	}

	lines := strings.Split(content, "\n")
	return c.window(lines, 1), nil
}

// window produces chunks from lines, numbering them from firstLine.
func (c *LineChunker) window(lines []string, firstLine int) []domain.Chunk {
	var chunks []domain.Chunk

	step := c.maxLines - c.overlap
	for start := 0; start < len(lines); start += step {
		end := start + c.maxLines
		if end > len(lines) {
			end = len(lines)
		}

		// Drop short trailing windows unless they are the only window.
		if end-start < c.minLines && len(chunks) > 0 {
			break
		}

		chunks = append(chunks, domain.Chunk{
			Content:   strings.Join(lines[start:end], "\n"),
			StartLine: firstLine + start,
			EndLine:   firstLine + end - 1,
			Type:      domain.ChunkTypeLineBased,
		})

		if end == len(lines) {
			break
		}
	}

	return chunks
}

// ChunkReader is the streaming variant: it windows the reader line by line
// with a bounded buffer instead of loading the file wholesale. Use it for
// files too large to chunk in memory.
func (c *LineChunker) ChunkReader(ctx context.Context, r io.Reader) ([]domain.Chunk, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var chunks []domain.Chunk
	// buf holds at most maxLines lines: the current window.
	buf := make([]string, 0, c.maxLines)
	windowStart := 1

	flush := func(final bool) {
		if len(buf) == 0 {
			return
		}
		if len(buf) < c.minLines && len(chunks) > 0 {
			return
		}
		chunks = append(chunks, domain.Chunk{
			Content:   strings.Join(buf, "\n"),
			StartLine: windowStart,
			EndLine:   windowStart + len(buf) - 1,
			Type:      domain.ChunkTypeLineBased,
		})
		if final {
			return
		}
		// Carry the overlap into the next window.
		carry := c.overlap
		if carry > len(buf) {
			carry = len(buf)
		}
		windowStart += len(buf) - carry
		buf = append(buf[:0], buf[len(buf)-carry:]...)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf = append(buf, scanner.Text())
		if len(buf) >= c.maxLines {
			flush(false)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Final partial window, if it grew beyond the carried overlap.
	if len(buf) > c.overlap || len(chunks) == 0 {
		flush(true)
	}

	return chunks, nil
}
