package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quarry-labs/quarry/internal/core/ports/driving"
)

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query   string   `json:"query" jsonschema:"the search query"`
	Scope   string   `json:"scope,omitempty" jsonschema:"scope to search (default: default)"`
	Limit   int      `json:"limit,omitempty" jsonschema:"maximum number of results (default 10)"`
	Sources []string `json:"sources,omitempty" jsonschema:"restrict results to these source IDs"`
}

// SearchOutput is the output schema for the search tool.
type SearchOutput struct {
	Results []SearchResultOutput `json:"results"`
	Count   int                  `json:"count"`
}

// SearchResultOutput is one retrieval hit.
type SearchResultOutput struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	SourceID  string  `json:"source_id,omitempty"`
	Content   string  `json:"content"`
}

// StatusInput is the input schema for the index status tool.
type StatusInput struct {
	Scope string `json:"scope,omitempty" jsonschema:"scope to inspect (default: default)"`
}

// StatusOutput is the output schema for the index status tool.
type StatusOutput struct {
	Scope  string         `json:"scope"`
	Exists bool           `json:"exists"`
	Chunks int            `json:"chunks"`
	Files  int            `json:"files"`
	BySrc  map[string]int `json:"chunks_by_source,omitempty"`
}

// registerTools registers the tool handlers with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search",
		Description: "Search indexed code for chunks relevant to a query",
	}, s.handleSearch)

	if s.ports.Store != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "index_status",
			Description: "Report how many chunks and files a scope holds",
		}, s.handleStatus)
	}
}

// handleSearch handles the search tool invocation.
func (s *Server) handleSearch(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	scope := input.Scope
	if scope == "" {
		scope = "default"
	}

	matches, err := s.ports.Retriever.Retrieve(ctx, scope, input.Query, driving.RetrieveOptions{
		Limit:     input.Limit,
		SourceIDs: input.Sources,
		Rerank:    true,
		Dedup:     true,
	})
	if err != nil {
		return nil, SearchOutput{}, err
	}

	output := SearchOutput{
		Results: make([]SearchResultOutput, len(matches)),
		Count:   len(matches),
	}
	for i, m := range matches {
		output.Results[i] = SearchResultOutput{
			Path:      m.Chunk.Path,
			StartLine: m.Chunk.StartLine,
			EndLine:   m.Chunk.EndLine,
			Score:     m.Score,
			SourceID:  m.Chunk.SourceID,
			Content:   m.Chunk.Content,
		}
	}
	return nil, output, nil
}

// handleStatus handles the index status tool invocation.
func (s *Server) handleStatus(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	scope := input.Scope
	if scope == "" {
		scope = "default"
	}

	exists, err := s.ports.Store.ScopeExists(ctx, scope)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	output := StatusOutput{Scope: scope, Exists: exists}
	if !exists {
		return nil, output, nil
	}

	chunks, err := s.ports.Store.GetAllChunks(ctx, scope, nil)
	if err != nil {
		return nil, StatusOutput{}, err
	}

	files := make(map[string]bool)
	output.BySrc = make(map[string]int)
	for _, c := range chunks {
		files[c.SourceID+":"+c.Path] = true
		output.BySrc[c.SourceID]++
	}
	output.Chunks = len(chunks)
	output.Files = len(files)
	return nil, output, nil
}
