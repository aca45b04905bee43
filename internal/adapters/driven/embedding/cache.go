package embedding

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/quarry-labs/quarry/internal/core/ports/driven"
)

// Ensure SQLiteCache implements the interface.
var _ driven.EmbeddingCache = (*SQLiteCache)(nil)

// SQLiteCache is a persistent content-addressed embedding cache. Losing it
// only costs re-embedding time, never correctness, so there is no
// migration machinery: an incompatible file can simply be deleted.
type SQLiteCache struct {
	db   *sql.DB
	path string
}

// NewSQLiteCache opens (or creates) the cache database under dataDir.
func NewSQLiteCache(dataDir string) (*SQLiteCache, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".quarry", "data")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "embeddings.db")

	// WAL mode for concurrent readers during indexing.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS embeddings (
		key    TEXT PRIMARY KEY,
		vector BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}

	return &SQLiteCache{db: db, path: dbPath}, nil
}

// CacheKey derives the content-addressed key for (model, text).
// Including the model keeps vectors from different models apart.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for the key, or (nil, false).
func (c *SQLiteCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, "SELECT vector FROM embeddings WHERE key = ?", key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return bytesToFloat32Slice(blob), true, nil
}

// Put stores a vector under the key.
func (c *SQLiteCache) Put(ctx context.Context, key string, vector []float32) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO embeddings (key, vector) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET vector = excluded.vector",
		key, float32SliceToBytes(vector))
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Reset removes all cached entries. Intended for tests.
func (c *SQLiteCache) Reset(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM embeddings"); err != nil {
		return fmt.Errorf("cache reset: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Path returns the database file path.
func (c *SQLiteCache) Path() string {
	return c.path
}

// float32SliceToBytes converts an embedding to a little-endian blob.
func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a blob back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
