package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarry-labs/quarry/internal/core/ports/driving"
	"github.com/quarry-labs/quarry/internal/watcher"
)

var (
	watchScope    string
	watchSource   string
	watchDebounce time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch a source tree and re-index on changes",
	Long: `Runs an initial index of the path, then watches it and re-runs the
pipeline after each burst of file changes. Blocks until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchScope, "scope", "default", "vector store scope to write")
	watchCmd.Flags().StringVar(&watchSource, "source", "", "source ID (default: the directory name)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watcher.DefaultDebounce, "quiet period before re-indexing")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	sourceID := watchSource
	if sourceID == "" {
		sourceID = filepath.Base(root)
	}

	indexer := newIndexer(nil)
	req := driving.IndexRequest{
		ScopeID: watchScope,
		Sources: []driving.IndexSource{{ID: sourceID, Root: root}},
	}

	cmd.Printf("Initial index of %s...\n", root)
	result, err := indexer.Index(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("initial index failed: %w", err)
	}
	cmd.Printf("Indexed %d chunks. Watching for changes (Ctrl-C to stop)...\n", result.Stats.ChunksStored)

	w, err := watcher.New(indexer, req, watcher.Config{
		Debounce: watchDebounce,
		OnResult: func(r *driving.IndexResult) {
			cmd.Printf("Re-indexed: %d files changed, %d chunks stored\n",
				r.Stats.FilteredFiles, r.Stats.ChunksStored)
		},
	})
	if err != nil {
		return err
	}
	return w.Run(cmd.Context())
}
