package remote

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/retrieval"
)

// stubRuntime satisfies driven.Runtime for HTTP-only adapters.
type stubRuntime struct{}

func (stubRuntime) ReadFile(string) ([]byte, error)              { return nil, fs.ErrNotExist }
func (stubRuntime) OpenFile(string) (io.ReadCloser, error)       { return nil, fs.ErrNotExist }
func (stubRuntime) WriteFile(string, []byte, fs.FileMode) error  { return nil }
func (stubRuntime) MkdirAll(string, fs.FileMode) error           { return nil }
func (stubRuntime) Exists(string) (bool, error)                  { return false, nil }
func (stubRuntime) Stat(string) (fs.FileInfo, error)             { return nil, fs.ErrNotExist }
func (stubRuntime) Remove(string) error                          { return nil }
func (stubRuntime) Rename(string, string) error                  { return nil }
func (stubRuntime) DirFS(string) (fs.FS, error)                  { return nil, fs.ErrNotExist }
func (stubRuntime) Env(string) (string, bool)                    { return "", false }
func (stubRuntime) HTTPClient() *http.Client                     { return http.DefaultClient }
func (stubRuntime) Metric(string, float64)                       {}

// fakeBackend is an in-memory qdrant-wire server.
type fakeBackend struct {
	mu          sync.Mutex
	collections map[string]bool
	points      map[string]point
	maxBatch    int
	upserts     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{collections: make(map[string]bool), points: make(map[string]point)}
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.collections[r.PathValue("name")] {
			http.NotFound(w, r)
			return
		}
		writeResult(w, map[string]any{})
	})

	mux.HandleFunc("PUT /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.collections[r.PathValue("name")] = true
		writeResult(w, true)
	})

	mux.HandleFunc("PUT /collections/{name}/points", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Points []point `json:"points"`
		}
		decode(r, &req)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.upserts++
		if len(req.Points) > f.maxBatch {
			f.maxBatch = len(req.Points)
		}
		for _, p := range req.Points {
			f.points[p.ID] = p
		}
		writeResult(w, true)
	})

	mux.HandleFunc("POST /collections/{name}/points", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		decode(r, &req)

		f.mu.Lock()
		defer f.mu.Unlock()
		var out []map[string]any
		for _, id := range req.IDs {
			if p, ok := f.points[id]; ok {
				out = append(out, map[string]any{"id": p.ID, "payload": p.Payload})
			}
		}
		writeResult(w, out)
	})

	mux.HandleFunc("POST /collections/{name}/points/search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Vector []float32      `json:"vector"`
			Limit  int            `json:"limit"`
			Filter map[string]any `json:"filter"`
		}
		decode(r, &req)

		f.mu.Lock()
		defer f.mu.Unlock()
		var out []map[string]any
		for _, p := range f.matching(req.Filter) {
			out = append(out, map[string]any{
				"id":      p.ID,
				"score":   retrieval.CosineSimilarity(req.Vector, p.Vector),
				"payload": p.Payload,
				"vector":  p.Vector,
			})
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i]["score"].(float64) > out[j]["score"].(float64)
		})
		if len(out) > req.Limit {
			out = out[:req.Limit]
		}
		writeResult(w, out)
	})

	mux.HandleFunc("POST /collections/{name}/points/scroll", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filter map[string]any `json:"filter"`
		}
		decode(r, &req)

		f.mu.Lock()
		defer f.mu.Unlock()
		var out []map[string]any
		for _, p := range f.matching(req.Filter) {
			out = append(out, map[string]any{"id": p.ID, "payload": p.Payload, "vector": p.Vector})
		}
		writeResult(w, map[string]any{"points": out, "next_page_offset": nil})
	})

	mux.HandleFunc("POST /collections/{name}/points/count", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filter map[string]any `json:"filter"`
		}
		decode(r, &req)

		f.mu.Lock()
		defer f.mu.Unlock()
		writeResult(w, map[string]any{"count": len(f.matching(req.Filter))})
	})

	mux.HandleFunc("POST /collections/{name}/points/delete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Points []string       `json:"points"`
			Filter map[string]any `json:"filter"`
		}
		decode(r, &req)

		f.mu.Lock()
		defer f.mu.Unlock()
		if len(req.Points) > 0 {
			for _, id := range req.Points {
				delete(f.points, id)
			}
		} else {
			for _, p := range f.matching(req.Filter) {
				delete(f.points, p.ID)
			}
		}
		writeResult(w, true)
	})

	return mux
}

// matching applies a must/match filter conjunction to the stored points.
func (f *fakeBackend) matching(filter map[string]any) []point {
	var out []point
pointLoop:
	for _, p := range f.points {
		must, _ := filter["must"].([]any)
		for _, cond := range must {
			c, _ := cond.(map[string]any)
			key, _ := c["key"].(string)
			match, _ := c["match"].(map[string]any)

			if value, ok := match["value"]; ok {
				if !jsonEqual(p.Payload[key], value) {
					continue pointLoop
				}
			}
			if anyVals, ok := match["any"].([]any); ok {
				found := false
				for _, v := range anyVals {
					if jsonEqual(p.Payload[key], v) {
						found = true
						break
					}
				}
				if !found {
					continue pointLoop
				}
			}
		}
		out = append(out, p)
	}
	return out
}

// jsonEqual compares values after a JSON round-trip has normalised types.
func jsonEqual(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func decode(r *http.Request, v any) {
	_ = json.NewDecoder(r.Body).Decode(v)
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

// --- Test helpers ---

func testStore(t *testing.T) (*Store, *fakeBackend) {
	t.Helper()

	backend := newFakeBackend()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	store, err := NewStore(context.Background(), stubRuntime{}, Config{
		URL:        server.URL,
		Dimensions: 2,
	})
	require.NoError(t, err)
	return store, backend
}

func storedChunk(chunkID, sourceID, path, content string, vec []float32) domain.StoredChunk {
	return domain.StoredChunk{
		ChunkID:   chunkID,
		SourceID:  sourceID,
		Path:      path,
		Content:   content,
		StartLine: 1,
		EndLine:   5,
		Embedding: vec,
		FileHash:  domain.HashContent(content),
		FileMtime: 1700000000,
		FileSize:  int64(len(content)),
	}
}

// --- Tests ---

func TestPointID_Deterministic(t *testing.T) {
	a := PointID("scope", "chunk")
	b := PointID("scope", "chunk")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, PointID("scope2", "chunk"))
	assert.NotEqual(t, a, PointID("scope", "chunk2"))
}

func TestStore_CreatesCollection(t *testing.T) {
	_, backend := testStore(t)
	assert.True(t, backend.collections["quarry"])
}

func TestStore_UpsertAndSearch(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	chunks := []domain.StoredChunk{
		storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0}),
		storedChunk("c2", "src-1", "b.go", "beta", []float32{0, 1}),
	}
	require.NoError(t, store.Upsert(ctx, "scope-1", chunks))

	matches, err := store.Search(ctx, "scope-1", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "c1", matches[0].Chunk.ChunkID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, []float32{1, 0}, matches[0].Chunk.Embedding)
}

func TestStore_SearchScopeIsolation(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "scope-1", []domain.StoredChunk{
		storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0}),
	}))
	require.NoError(t, store.Upsert(ctx, "scope-2", []domain.StoredChunk{
		storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0}),
	}))

	matches, err := store.Search(ctx, "scope-1", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "scope-1", matches[0].Chunk.ScopeID)
}

func TestStore_SearchSourceFilter(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "s", []domain.StoredChunk{
		storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0}),
		storedChunk("c2", "src-2", "b.go", "beta", []float32{1, 0}),
	}))

	matches, err := store.Search(ctx, "s", []float32{1, 0}, 10, &driven.SearchFilters{SourceIDs: []string{"src-2"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c2", matches[0].Chunk.ChunkID)
}

func TestStore_UpsertRespectsBatchLimit(t *testing.T) {
	store, backend := testStore(t)
	ctx := context.Background()

	chunks := make([]domain.StoredChunk, 250)
	for i := range chunks {
		chunks[i] = storedChunk(domain.NewChunkID("src-1", "a.go", i, i+1, i),
			"src-1", "a.go", "content", []float32{1, 0})
	}
	require.NoError(t, store.Upsert(ctx, "s", chunks))

	assert.LessOrEqual(t, backend.maxBatch, MaxPointsPerRequest)
	assert.Equal(t, 3, backend.upserts)
	assert.Len(t, backend.points, 250)
}

func TestStore_ReplaceScope(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "s", []domain.StoredChunk{
		storedChunk("old", "src-1", "a.go", "old", []float32{1, 0}),
	}))
	require.NoError(t, store.ReplaceScope(ctx, "s", []domain.StoredChunk{
		storedChunk("new", "src-1", "b.go", "new", []float32{0, 1}),
	}))

	chunks, err := store.GetAllChunks(ctx, "s", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "new", chunks[0].ChunkID)
}

func TestStore_ExistingChunkIDs(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "s", []domain.StoredChunk{
		storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0}),
	}))

	existing, err := store.ExistingChunkIDs(ctx, "s", []string{"c1", "c2"})
	require.NoError(t, err)
	assert.True(t, existing["c1"])
	assert.False(t, existing["c2"])
}

func TestStore_HasFileHash(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	chunk := storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0})
	require.NoError(t, store.Upsert(ctx, "s", []domain.StoredChunk{chunk}))

	ok, err := store.HasFileHash(ctx, "s", chunk.FileHash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasFileHash(ctx, "s", domain.HashContent("other"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.HasFileHash(ctx, "s", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteChunksAndScope(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "s", []domain.StoredChunk{
		storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0}),
		storedChunk("c2", "src-1", "b.go", "beta", []float32{0, 1}),
	}))

	require.NoError(t, store.DeleteChunks(ctx, "s", []string{"c1"}))
	exists, err := store.ScopeExists(ctx, "s")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.DeleteScope(ctx, "s"))
	exists, err = store.ScopeExists(ctx, "s")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_UpdateIncremental(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "s", []domain.StoredChunk{
		storedChunk("old1", "src-1", "a.go", "old alpha", []float32{1, 0}),
		storedChunk("old2", "src-1", "a.go", "old beta", []float32{0, 1}),
		storedChunk("keep", "src-1", "b.go", "kept", []float32{1, 1}),
	}))

	require.NoError(t, store.UpdateIncremental(ctx, "s",
		[]domain.StoredChunk{storedChunk("new1", "src-1", "a.go", "new alpha", []float32{1, 0})},
		[]string{"old1", "old2"}))

	chunks, err := store.GetAllChunks(ctx, "s", nil)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, c := range chunks {
		ids[c.ChunkID] = true
	}
	assert.True(t, ids["new1"])
	assert.True(t, ids["keep"])
	assert.False(t, ids["old1"])
	assert.False(t, ids["old2"])
}

func TestStore_UpdateIncrementalBatchesStaleDeletes(t *testing.T) {
	store, backend := testStore(t)
	ctx := context.Background()

	chunks := make([]domain.StoredChunk, 150)
	stale := make([]string, 150)
	for i := range chunks {
		id := domain.NewChunkID("src-1", "a.go", i, i+1, i)
		chunks[i] = storedChunk(id, "src-1", "a.go", "content", []float32{1, 0})
		stale[i] = id
	}
	require.NoError(t, store.Upsert(ctx, "s", chunks))
	require.Len(t, backend.points, 150)

	require.NoError(t, store.UpdateIncremental(ctx, "s", nil, stale))
	assert.Empty(t, backend.points)
}

func TestStore_ChunkIDsBySource(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "s", []domain.StoredChunk{
		storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0}),
		storedChunk("c2", "src-1", "a.go", "beta", []float32{0, 1}),
		storedChunk("c3", "src-1", "b.go", "gamma", []float32{1, 1}),
		storedChunk("c4", "src-2", "c.go", "delta", []float32{0, 0}),
	}))

	byPath, err := store.ChunkIDsBySource(ctx, "s", "src-1")
	require.NoError(t, err)
	require.Len(t, byPath, 2)
	assert.ElementsMatch(t, []string{"c1", "c2"}, byPath["a.go"])
	assert.ElementsMatch(t, []string{"c3"}, byPath["b.go"])
}

func TestStore_DeleteBySource(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "s", []domain.StoredChunk{
		storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0}),
		storedChunk("c2", "src-2", "b.go", "beta", []float32{0, 1}),
	}))
	require.NoError(t, store.Upsert(ctx, "s2", []domain.StoredChunk{
		storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0}),
	}))

	require.NoError(t, store.DeleteBySource(ctx, "s", "src-1"))

	chunks, err := store.GetAllChunks(ctx, "s", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c2", chunks[0].ChunkID)

	// Other scopes keep the source's points.
	chunks, err = store.GetAllChunks(ctx, "s2", nil)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestStore_FileMetadata(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	a := storedChunk("c1", "src-1", "a.go", "alpha", []float32{1, 0})
	b := storedChunk("c2", "src-1", "b.go", "beta", []float32{0, 1})
	require.NoError(t, store.Upsert(ctx, "s", []domain.StoredChunk{a, b}))

	meta, err := store.FileMetadata(ctx, "s", []string{"a.go", "missing.go"})
	require.NoError(t, err)
	require.Len(t, meta, 1)
	assert.Equal(t, a.FileHash, meta["a.go"].Hash)
	assert.Equal(t, a.FileMtime, meta["a.go"].Mtime)
	assert.Equal(t, a.FileSize, meta["a.go"].Size)
}
