package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicProvider_StableAcrossCalls(t *testing.T) {
	p := NewDeterministicProvider(64)

	a, err := p.Embed(context.Background(), []string{"func main() {}"})
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), []string{"func main() {}"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestDeterministicProvider_DistinctTexts(t *testing.T) {
	p := NewDeterministicProvider(64)

	vectors, err := p.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.NotEqual(t, vectors[0], vectors[1])
}

func TestDeterministicProvider_UnitLength(t *testing.T) {
	p := NewDeterministicProvider(128)

	vectors, err := p.Embed(context.Background(), []string{"normalise me"})
	require.NoError(t, err)

	var norm float64
	for _, f := range vectors[0] {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 0.001)
}

func TestDeterministicProvider_Dimensions(t *testing.T) {
	assert.Equal(t, 64, NewDeterministicProvider(64).Dimensions())
	assert.Equal(t, DefaultDeterministicDimensions, NewDeterministicProvider(0).Dimensions())

	p := NewDeterministicProvider(37)
	vectors, err := p.Embed(context.Background(), []string{"odd size"})
	require.NoError(t, err)
	assert.Len(t, vectors[0], 37)
}

func TestDeterministicProvider_Cancelled(t *testing.T) {
	p := NewDeterministicProvider(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Embed(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}
