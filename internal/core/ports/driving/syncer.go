package driving

import "context"

// SyncRequest carries one externally-sourced document into the index.
type SyncRequest struct {
	// Source names the external system.
	Source string

	// ExternalID is the document identifier within its source.
	ExternalID string

	// ScopeID names the vector store partition.
	ScopeID string

	// Content is the full document text.
	Content string

	// Metadata holds caller-supplied key-value pairs. A nil map means
	// "no metadata delta" for update calls.
	Metadata map[string]any
}

// SyncResult is the per-call outcome of a synchronization operation.
// Sync operations never return errors across the public boundary for
// per-document failures; Error carries the message instead.
type SyncResult struct {
	Success       bool
	DocumentID    string
	ChunksAdded   int
	ChunksUpdated int
	ChunksDeleted int
	Error         string
}

// DocumentSync is the upsert/delete/restore lifecycle for externally-sourced
// documents.
type DocumentSync interface {
	// AddDocument indexes a new document. On an existing active document
	// it degrades to UpdateDocument; on a soft-deleted one it restores
	// then updates.
	AddDocument(ctx context.Context, req SyncRequest) SyncResult

	// UpdateDocument re-indexes an existing document. Unchanged content
	// with no metadata delta is a no-op.
	UpdateDocument(ctx context.Context, req SyncRequest) SyncResult

	// SoftDeleteDocument marks the record deleted and removes its chunks
	// from the vector store. The record stays restorable for TTLDays.
	SoftDeleteDocument(ctx context.Context, source, externalID, scopeID string) SyncResult

	// RestoreDocument reverses a soft delete within the TTL window.
	RestoreDocument(ctx context.Context, source, externalID, scopeID string) SyncResult

	// HardDeleteDocument removes the record and any chunks entirely.
	HardDeleteDocument(ctx context.Context, source, externalID, scopeID string) SyncResult

	// AddBatch processes documents with bounded concurrency, returning
	// one result per request in input order.
	AddBatch(ctx context.Context, reqs []SyncRequest) ([]SyncResult, error)

	// CleanupExpired purges soft-deleted records whose TTL has elapsed.
	// Returns the number of records removed.
	CleanupExpired(ctx context.Context, scopeID string) (int, error)
}
