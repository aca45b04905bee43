package mcp

import (
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/core/ports/driving"
)

// Ports aggregates the driving and driven interfaces the MCP server needs.
// One injection point keeps the server testable.
type Ports struct {
	// Retriever answers search queries.
	Retriever driving.Retriever

	// Store backs the index inspection tool. Optional.
	Store driven.VectorStore
}

// Validate ensures the required ports are set.
func (p *Ports) Validate() error {
	if p.Retriever == nil {
		return ErrMissingRetriever
	}
	return nil
}
