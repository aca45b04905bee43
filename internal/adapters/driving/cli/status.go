package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusScope string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scope statistics",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusScope, "scope", "default", "scope to inspect")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	exists, err := store.ScopeExists(ctx, statusScope)
	if err != nil {
		return fmt.Errorf("check scope: %w", err)
	}
	if !exists {
		cmd.Printf("Scope %q is empty.\n", statusScope)
		return nil
	}

	chunks, err := store.GetAllChunks(ctx, statusScope, nil)
	if err != nil {
		return fmt.Errorf("read scope: %w", err)
	}

	files := make(map[string]bool)
	sources := make(map[string]int)
	for _, c := range chunks {
		files[c.SourceID+":"+c.Path] = true
		sources[c.SourceID]++
	}

	cmd.Printf("Scope %q\n", statusScope)
	cmd.Printf("  chunks: %d\n", len(chunks))
	cmd.Printf("  files:  %d\n", len(files))
	for id, n := range sources {
		cmd.Printf("  source %s: %d chunks\n", id, n)
	}
	return nil
}
