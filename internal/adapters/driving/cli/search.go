package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driving"
)

var (
	searchScope   string
	searchLimit   int
	searchSources []string
	searchRerank  bool
	searchDedup   bool
	searchJSON    bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search an indexed scope",
	Long: `Embeds the query, searches the scope and prints the ranked chunks.
Reranking and deduplication are on by default; disable them to see the
raw vector search order.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchScope, "scope", "default", "scope to search")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().StringSliceVar(&searchSources, "source", nil, "restrict results to these source IDs")
	searchCmd.Flags().BoolVar(&searchRerank, "rerank", true, "rerank the hit list")
	searchCmd.Flags().BoolVar(&searchDedup, "dedup", true, "deduplicate near-identical chunks")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	matches, err := newRetriever().Retrieve(cmd.Context(), searchScope, args[0], driving.RetrieveOptions{
		Limit:     searchLimit,
		SourceIDs: searchSources,
		Rerank:    searchRerank,
		Dedup:     searchDedup,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		return outputSearchJSON(cmd, matches)
	}
	return outputSearchText(cmd, matches)
}

// searchResult is the JSON shape of one hit.
type searchResult struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	SourceID  string  `json:"source_id,omitempty"`
	Content   string  `json:"content"`
}

func outputSearchJSON(cmd *cobra.Command, matches []domain.VectorSearchMatch) error {
	results := make([]searchResult, len(matches))
	for i, m := range matches {
		results[i] = searchResult{
			Path:      m.Chunk.Path,
			StartLine: m.Chunk.StartLine,
			EndLine:   m.Chunk.EndLine,
			Score:     m.Score,
			SourceID:  m.Chunk.SourceID,
			Content:   m.Chunk.Content,
		}
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func outputSearchText(cmd *cobra.Command, matches []domain.VectorSearchMatch) error {
	if len(matches) == 0 {
		cmd.Println("No results found.")
		return nil
	}

	for i, m := range matches {
		cmd.Printf("[%d] %s:%d-%d (%.3f)\n", i+1, m.Chunk.Path, m.Chunk.StartLine, m.Chunk.EndLine, m.Score)
		cmd.Println(snippet(m.Chunk.Content, 3))
		cmd.Println()
	}
	return nil
}

// snippet returns the first n lines of content, indented.
func snippet(content string, n int) string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = append(lines[:n:n], "...")
	}
	for i := range lines {
		lines[i] = "    " + lines[i]
	}
	return strings.Join(lines, "\n")
}
