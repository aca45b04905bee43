package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
)

// stubRuntime serves a fixed file map and environment.
type stubRuntime struct {
	driven.Runtime

	files map[string][]byte
	env   map[string]string
}

func (s *stubRuntime) Exists(path string) (bool, error) {
	_, ok := s.files[path]
	return ok, nil
}

func (s *stubRuntime) ReadFile(path string) ([]byte, error) {
	return s.files[path], nil
}

func (s *stubRuntime) Env(key string) (string, bool) {
	v, ok := s.env[key]
	return v, ok
}

func TestLoad_Defaults(t *testing.T) {
	rt := &stubRuntime{}

	cfg, err := Load(rt, "")
	require.NoError(t, err)

	assert.Equal(t, "deterministic", cfg.Embedding.Provider)
	assert.Equal(t, 256, cfg.Embedding.Dimensions)
	assert.Equal(t, "local", cfg.Store.Backend)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_FileValues(t *testing.T) {
	rt := &stubRuntime{files: map[string][]byte{
		"config.toml": []byte(`
verbose = true
data_dir = "/var/lib/quarry"

[embedding]
provider = "local"
model = "nomic-embed-text"
dimensions = 768

[store]
backend = "remote"
url = "http://qdrant:6333"
collection = "code"

[retrieval]
strategy = "smart"
dedup_strategy = "diverse"

[sync]
ttl_days = 14
partial_updates = true
`),
	}}

	cfg, err := Load(rt, "config.toml")
	require.NoError(t, err)

	assert.True(t, cfg.Verbose)
	assert.Equal(t, "/var/lib/quarry", cfg.DataDir)
	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, "remote", cfg.Store.Backend)
	assert.Equal(t, "code", cfg.Store.Collection)
	assert.Equal(t, "smart", cfg.Retrieval.Strategy)
	assert.Equal(t, 14, cfg.Sync.TTLDays)
	assert.True(t, cfg.Sync.PartialUpdates)
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	rt := &stubRuntime{
		files: map[string][]byte{
			"config.toml": []byte(`
[embedding]
provider = "openai"
api_key = "file-key"
`),
		},
		env: map[string]string{
			EnvOpenAIKey: "env-key",
			EnvQdrantURL: "http://qdrant:6333",
		},
	}

	cfg, err := Load(rt, "config.toml")
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Embedding.APIKey)
	assert.Equal(t, "http://qdrant:6333", cfg.Store.URL)
}

func TestLoad_InvalidProvider(t *testing.T) {
	rt := &stubRuntime{files: map[string][]byte{
		"config.toml": []byte("[embedding]\nprovider = \"quantum\"\n"),
	}}

	_, err := Load(rt, "config.toml")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLoad_OpenAIRequiresKey(t *testing.T) {
	rt := &stubRuntime{files: map[string][]byte{
		"config.toml": []byte("[embedding]\nprovider = \"openai\"\n"),
	}}

	_, err := Load(rt, "config.toml")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLoad_RemoteStoreRequiresURL(t *testing.T) {
	rt := &stubRuntime{files: map[string][]byte{
		"config.toml": []byte("[store]\nbackend = \"remote\"\n"),
	}}

	_, err := Load(rt, "config.toml")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLoad_MalformedTOML(t *testing.T) {
	rt := &stubRuntime{files: map[string][]byte{
		"config.toml": []byte("verbose = yes please"),
	}}

	_, err := Load(rt, "config.toml")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLocalStoreRoot(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	assert.Equal(t, "/data/vectors", cfg.LocalStoreRoot())

	cfg.Store.Root = "/elsewhere"
	assert.Equal(t, "/elsewhere", cfg.LocalStoreRoot())
}
