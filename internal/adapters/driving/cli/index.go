package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/quarry-labs/quarry/internal/core/ports/driving"
	"github.com/quarry-labs/quarry/internal/pipeline"
)

var (
	indexScope      string
	indexSource     string
	indexInclude    []string
	indexExclude    []string
	indexUpdate     bool
	indexCheckpoint bool
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a source tree into the vector store",
	Long: `Discovers, chunks and embeds the files under the given path and stores
them in the configured vector store. Unchanged files are skipped, so
re-running over the same tree is cheap.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexScope, "scope", "default", "vector store scope to write")
	indexCmd.Flags().StringVar(&indexSource, "source", "", "source ID (default: the directory name)")
	indexCmd.Flags().StringSliceVar(&indexInclude, "include", nil, "glob patterns to include (default: all files)")
	indexCmd.Flags().StringSliceVar(&indexExclude, "exclude", nil, "glob patterns to exclude")
	indexCmd.Flags().BoolVar(&indexUpdate, "update", false, "overwrite chunks already in the store")
	indexCmd.Flags().BoolVar(&indexCheckpoint, "checkpoint", false, "write a checkpoint so an interrupted run can resume")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	sourceID := indexSource
	if sourceID == "" {
		sourceID = filepath.Base(root)
	}

	if indexUpdate {
		cfg.Index.UpdateExisting = true
	}

	var bar *progressbar.ProgressBar
	indexer := newIndexer(func(ev pipeline.Event) {
		switch ev.Kind {
		case pipeline.EventStageStart:
			if bar != nil {
				_ = bar.Finish()
			}
			bar = nil
			cmd.Printf("%s...\n", ev.Stage)
		case pipeline.EventProgress:
			if ev.Total > 0 {
				if bar == nil {
					bar = progressbar.NewOptions(ev.Total,
						progressbar.OptionSetDescription(ev.Stage),
						progressbar.OptionShowCount(),
						progressbar.OptionClearOnFinish(),
					)
				}
				_ = bar.Set(ev.Current)
			}
		}
	})

	req := driving.IndexRequest{
		ScopeID: indexScope,
		Sources: []driving.IndexSource{{
			ID:      sourceID,
			Root:    root,
			Include: indexInclude,
			Exclude: indexExclude,
		}},
	}
	if indexCheckpoint {
		req.CheckpointPath = filepath.Join(cfg.DataDir, "checkpoint-"+indexScope+".json")
	}

	result, err := indexer.Index(cmd.Context(), req)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("index failed: %w", err)
	}

	cmd.Printf("Indexed %s into scope %q\n", root, indexScope)
	cmd.Printf("  files:   %d discovered, %d changed, %d unchanged\n",
		result.Stats.DiscoveredFiles, result.Stats.FilteredFiles,
		result.Stats.SkippedByMtime+result.Stats.SkippedByHash)
	cmd.Printf("  chunks:  %d created, %d embedded, %d stored\n",
		result.Stats.ChunksCreated, result.Stats.ChunksEmbedded, result.Stats.ChunksStored)
	cmd.Printf("  cache:   %d hits, %d misses\n", result.Stats.CacheHits, result.Stats.CacheMisses)
	cmd.Printf("  took:    %s\n", result.Duration.Round(time.Millisecond))

	if len(result.Errors) > 0 {
		cmd.Printf("  errors:  %d (first: %s: %s)\n",
			len(result.Errors), result.Errors[0].Path, result.Errors[0].Err)
	}
	if !result.Success {
		return fmt.Errorf("indexing aborted after %d errors", len(result.Errors))
	}
	return nil
}
