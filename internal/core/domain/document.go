package domain

import (
	"fmt"
	"time"
)

// DocumentRecord is the registry entry for one externally-synced document.
// Unlike filesystem files, synced documents are pushed through the document
// synchronization API and tracked here for lifecycle management.
type DocumentRecord struct {
	// Source names the system the document came from (e.g. "confluence").
	Source string

	// ExternalID is the document identifier within its source.
	ExternalID string

	// ScopeID names the vector store partition the chunks live in.
	ScopeID string

	// ContentHash is the hash of the last synced content, used to detect
	// no-op updates.
	ContentHash string

	// Chunks is the ordered chunk bookkeeping for the current version.
	Chunks []ChunkRecord

	// Metadata holds caller-supplied key-value pairs.
	Metadata map[string]any

	// Deleted marks a soft-deleted record. Soft-deleted records have no
	// chunks in the vector store but remain restorable until the TTL
	// window elapses.
	Deleted bool

	// DeletedAt is when the record was soft-deleted.
	DeletedAt time.Time

	// CreatedAt is when the document was first synced.
	CreatedAt time.Time

	// UpdatedAt is when the document was last synced.
	UpdatedAt time.Time
}

// ChunkRecord tracks one chunk of a synced document.
// The full set is recreated on every full update; a partial update touches
// only the records whose content changed.
type ChunkRecord struct {
	// ChunkID is the stable chunk identifier in the vector store.
	ChunkID string

	// ContentHash is the hash of the chunk text.
	ContentHash string

	// Content is the chunk text, retained for partial-update diffing.
	Content string

	// StartLine and EndLine delimit the span within the document.
	StartLine int
	EndLine   int
}

// Key returns the registry key for this record.
func (r *DocumentRecord) Key() string {
	return DocumentKey(r.Source, r.ExternalID, r.ScopeID)
}

// DocumentKey builds the registry key for a (source, externalID, scopeID)
// triple. The persisted registry is a JSON object keyed by this string.
func DocumentKey(source, externalID, scopeID string) string {
	return fmt.Sprintf("%s:%s:%s", source, externalID, scopeID)
}

// Restorable reports whether a soft-deleted record is still inside its TTL
// window at the given instant.
func (r *DocumentRecord) Restorable(now time.Time, ttlDays int) bool {
	if !r.Deleted {
		return false
	}
	return now.Sub(r.DeletedAt) <= time.Duration(ttlDays)*24*time.Hour
}
