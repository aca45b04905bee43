package driving

import (
	"context"

	"github.com/quarry-labs/quarry/internal/core/domain"
)

// RetrieveOptions tune a retrieval query.
type RetrieveOptions struct {
	// Limit caps the final result count (default 10).
	Limit int

	// SourceIDs restricts results to these sources.
	SourceIDs []string

	// Rerank enables reranking of the initial hit list.
	Rerank bool

	// Dedup enables semantic deduplication of the reranked list.
	Dedup bool
}

// Retriever answers queries against an indexed scope.
type Retriever interface {
	// Retrieve embeds the query, searches the scope and post-processes
	// the hit list. Rerank and dedup failures degrade gracefully to the
	// unprocessed list rather than failing the query.
	Retrieve(ctx context.Context, scopeID, query string, opts RetrieveOptions) ([]domain.VectorSearchMatch, error)
}
