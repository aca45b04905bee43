package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnippet(t *testing.T) {
	assert.Equal(t, "    one\n    two", snippet("one\ntwo", 3))
	assert.Equal(t, "    one\n    two\n    three\n    ...", snippet("one\ntwo\nthree\nfour\nfive", 3))
	assert.Equal(t, "    ", snippet("", 3))
}
