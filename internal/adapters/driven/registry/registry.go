// Package registry provides the JSON-file document registry: one object
// keyed by "source:id:scopeId", with timestamped backups rotated on every
// write.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
)

// Ensure FileRegistry implements the interface.
var _ driven.DocumentRegistry = (*FileRegistry)(nil)

// DefaultBackupRetention is how many timestamped backups are kept.
const DefaultBackupRetention = 5

const registryPerm fs.FileMode = 0600

// backupTimestampFormat orders backups lexicographically by age.
const backupTimestampFormat = "20060102-150405.000"

// FileRegistry is the file-backed document registry.
type FileRegistry struct {
	rt        driven.Runtime
	path      string
	retention int

	mu      sync.Mutex
	loaded  bool
	records map[string]*domain.DocumentRecord
}

// NewFileRegistry creates a registry persisted at path.
func NewFileRegistry(rt driven.Runtime, path string) (*FileRegistry, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: registry path is required", domain.ErrInvalidConfig)
	}
	if err := rt.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	return &FileRegistry{
		rt:        rt,
		path:      path,
		retention: DefaultBackupRetention,
		records:   make(map[string]*domain.DocumentRecord),
	}, nil
}

// load reads the registry file once. Callers hold r.mu.
func (r *FileRegistry) load() error {
	if r.loaded {
		return nil
	}

	exists, err := r.rt.Exists(r.path)
	if err != nil {
		return fmt.Errorf("check registry file: %w", err)
	}
	if !exists {
		r.loaded = true
		return nil
	}

	data, err := r.rt.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	if err := json.Unmarshal(data, &r.records); err != nil {
		return fmt.Errorf("decode registry file: %w", err)
	}
	r.loaded = true
	return nil
}

// persist writes the registry atomically, rotating a backup of the
// previous version first. Callers hold r.mu.
func (r *FileRegistry) persist() error {
	r.backup()

	data, err := json.MarshalIndent(r.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := r.rt.WriteFile(tmp, data, registryPerm); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := r.rt.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("commit registry: %w", err)
	}
	return nil
}

// backup copies the current file to a timestamped sibling and prunes old
// backups past the retention count. Backup failures only cost recovery
// options, so they log instead of propagating.
func (r *FileRegistry) backup() {
	exists, err := r.rt.Exists(r.path)
	if err != nil || !exists {
		return
	}

	data, err := r.rt.ReadFile(r.path)
	if err != nil {
		logger.Warn("Registry backup read failed: %v", err)
		return
	}

	name := fmt.Sprintf("%s.backup-%s", r.path, time.Now().UTC().Format(backupTimestampFormat))
	if err := r.rt.WriteFile(name, data, registryPerm); err != nil {
		logger.Warn("Registry backup write failed: %v", err)
		return
	}

	r.pruneBackups()
}

// pruneBackups removes the oldest backups beyond the retention count.
func (r *FileRegistry) pruneBackups() {
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path) + ".backup-"

	fsys, err := r.rt.DirFS(dir)
	if err != nil {
		return
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return
	}

	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base) {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= r.retention {
		return
	}

	// Timestamped names sort oldest first.
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-r.retention] {
		if err := r.rt.Remove(filepath.Join(dir, name)); err != nil {
			logger.Warn("Registry backup prune failed: %v", err)
		}
	}
}

// Save inserts or overwrites a record.
func (r *FileRegistry) Save(ctx context.Context, record *domain.DocumentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: record is required", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(); err != nil {
		return err
	}

	clone := *record
	r.records[record.Key()] = &clone
	return r.persist()
}

// Get returns the record, or domain.ErrNotFound.
func (r *FileRegistry) Get(ctx context.Context, source, externalID, scopeID string) (*domain.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(); err != nil {
		return nil, err
	}

	rec, ok := r.records[domain.DocumentKey(source, externalID, scopeID)]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, domain.DocumentKey(source, externalID, scopeID))
	}
	clone := *rec
	return &clone, nil
}

// Delete removes a record entirely.
func (r *FileRegistry) Delete(ctx context.Context, source, externalID, scopeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(); err != nil {
		return err
	}

	key := domain.DocumentKey(source, externalID, scopeID)
	if _, ok := r.records[key]; !ok {
		return fmt.Errorf("%w: document %s", domain.ErrNotFound, key)
	}
	delete(r.records, key)
	return r.persist()
}

// List returns all records for a scope, soft-deleted included.
func (r *FileRegistry) List(ctx context.Context, scopeID string) ([]*domain.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(); err != nil {
		return nil, err
	}

	var out []*domain.DocumentRecord
	for _, rec := range r.records {
		if rec.ScopeID != scopeID {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

// Exists reports whether a record is present.
func (r *FileRegistry) Exists(ctx context.Context, source, externalID, scopeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(); err != nil {
		return false, err
	}
	_, ok := r.records[domain.DocumentKey(source, externalID, scopeID)]
	return ok, nil
}

// Close releases resources.
func (r *FileRegistry) Close() error { return nil }
