package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewChunkID(t *testing.T) {
	a := NewChunkID("backend", "auth.go", 1, 40, 0)
	b := NewChunkID("backend", "auth.go", 1, 40, 0)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, NewChunkID("backend", "auth.go", 1, 40, 1))
	assert.NotEqual(t, a, NewChunkID("backend", "auth.go", 2, 40, 0))
	assert.NotEqual(t, a, NewChunkID("docs", "auth.go", 1, 40, 0))
}

func TestHashContent(t *testing.T) {
	assert.Equal(t, HashContent("same"), HashContent("same"))
	assert.NotEqual(t, HashContent("same"), HashContent("different"))
	assert.Len(t, HashContent(""), 64)
}
