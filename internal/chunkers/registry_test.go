package chunkers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_FindByExtension(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCodeChunker(GoSpec(), 0))

	c := r.Find("internal/auth/token.go", "")
	require.NotNil(t, c)
	assert.Equal(t, "code-go", c.Name())

	// Extension matching is case-insensitive.
	c = r.Find("Main.GO", "")
	require.NotNil(t, c)
	assert.Equal(t, "code-go", c.Name())
}

func TestRegistry_FindByLanguage(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCodeChunker(PythonSpec(), 0))

	c := r.Find("script", "Python")
	require.NotNil(t, c)
	assert.Equal(t, "code-python", c.Name())
}

func TestRegistry_ExtensionBeatsLanguage(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCodeChunker(GoSpec(), 0))
	r.Register(NewCodeChunker(PythonSpec(), 0))

	c := r.Find("main.go", "python")
	require.NotNil(t, c)
	assert.Equal(t, "code-go", c.Name())
}

func TestRegistry_FindUnknown(t *testing.T) {
	r := DefaultRegistry()
	assert.Nil(t, r.Find("README.md", ""))
	assert.Nil(t, r.Find("", ""))
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	for _, path := range []string{"a.go", "a.ts", "a.tsx", "a.js", "a.py"} {
		assert.NotNil(t, r.Find(path, ""), path)
	}
}
