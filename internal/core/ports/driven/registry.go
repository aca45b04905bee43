package driven

import (
	"context"

	"github.com/quarry-labs/quarry/internal/core/domain"
)

// DocumentRegistry persists DocumentRecords for the synchronization layer.
// Records are keyed by (source, externalID, scopeID).
type DocumentRegistry interface {
	// Save inserts or overwrites a record.
	Save(ctx context.Context, record *domain.DocumentRecord) error

	// Get returns the record, or domain.ErrNotFound.
	Get(ctx context.Context, source, externalID, scopeID string) (*domain.DocumentRecord, error)

	// Delete removes a record entirely (hard delete).
	Delete(ctx context.Context, source, externalID, scopeID string) error

	// List returns all records for a scope, including soft-deleted ones.
	List(ctx context.Context, scopeID string) ([]*domain.DocumentRecord, error)

	// Exists reports whether a record is present.
	Exists(ctx context.Context, source, externalID, scopeID string) (bool, error)

	// Close releases resources.
	Close() error
}
