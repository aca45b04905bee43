package domain

import "errors"

// Domain errors represent business logic failures.
// These are distinct from infrastructure errors.
var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrScopeNotFound indicates the vector store scope does not exist.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrAlreadyExists indicates an entity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig indicates required configuration is missing or
	// malformed. Configuration errors fail fast and are never retried.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrRateLimited indicates a provider rate limit was exceeded.
	// Rate-limit retries do not count against the pipeline error budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrProviderUnavailable indicates an embedding or LLM provider is
	// not configured or unreachable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrTTLExpired indicates a soft-deleted document is past its
	// restoration window. The record remains until an explicit cleanup.
	ErrTTLExpired = errors.New("restore window expired")

	// ErrDocumentDeleted indicates an operation targeted a soft-deleted
	// document that must be restored first.
	ErrDocumentDeleted = errors.New("document is deleted")

	// ErrBatchTooLarge indicates a batch operation exceeds the configured
	// maximum batch size.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrTooManyErrors indicates the pipeline error budget was exhausted
	// and remaining stages were aborted.
	ErrTooManyErrors = errors.New("error budget exhausted")

	// ErrHashMismatch indicates a data-consistency check failed.
	// Consistency errors are reported, never auto-corrected.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrSyncInProgress indicates an indexing run is already active for
	// the scope. One run per scope at a time.
	ErrSyncInProgress = errors.New("indexing already in progress for scope")
)
