package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/quarry-labs/quarry/internal/core/ports/driven"
)

// Ensure DeterministicProvider implements the interface.
var _ driven.EmbeddingProvider = (*DeterministicProvider)(nil)

// DefaultDeterministicDimensions is the default vector size of the
// deterministic provider.
const DefaultDeterministicDimensions = 256

// DeterministicProvider derives embeddings from content hashes. Vectors are
// stable across runs and processes, which makes the provider useful for
// tests, offline smoke runs and idempotence checks. It carries no semantic
// signal.
type DeterministicProvider struct {
	dimensions int
}

// NewDeterministicProvider creates a deterministic provider.
func NewDeterministicProvider(dimensions int) *DeterministicProvider {
	if dimensions <= 0 {
		dimensions = DefaultDeterministicDimensions
	}
	return &DeterministicProvider{dimensions: dimensions}
}

// Embed derives one unit-length vector per text from its hash.
func (p *DeterministicProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = p.vector(text)
	}
	return vectors, nil
}

// vector expands the text's hash into a normalised vector.
func (p *DeterministicProvider) vector(text string) []float32 {
	v := make([]float32, p.dimensions)
	seed := sha256.Sum256([]byte(text))

	// Stretch the 32-byte digest by re-hashing with a counter.
	var norm float64
	buf := seed[:]
	for i := 0; i < p.dimensions; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.LittleEndian.Uint32(buf[(i%8)*4:])
		// Map to [-1, 1).
		f := float64(int32(bits)) / float64(math.MaxInt32)
		v[i] = float32(f)
		norm += f * f
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}

// Dimensions returns the vector size.
func (p *DeterministicProvider) Dimensions() int { return p.dimensions }

// ModelName returns the provider identifier.
func (p *DeterministicProvider) ModelName() string { return "deterministic" }

// Close releases resources.
func (p *DeterministicProvider) Close() error { return nil }
