package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarry-labs/quarry/internal/core/ports/driving"
)

var (
	syncScope  string
	syncSource string
	syncFile   string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronise externally-sourced documents",
	Long: `Manages documents pushed from external systems: add, update, delete,
restore and expire. Document content is read from --file or stdin.`,
}

var syncAddCmd = &cobra.Command{
	Use:   "add [document-id]",
	Short: "Add or update a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncAdd,
}

var syncDeleteCmd = &cobra.Command{
	Use:   "delete [document-id]",
	Short: "Soft-delete a document (restorable within the TTL window)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncDelete,
}

var syncPurgeCmd = &cobra.Command{
	Use:   "purge [document-id]",
	Short: "Hard-delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncPurge,
}

var syncRestoreCmd = &cobra.Command{
	Use:   "restore [document-id]",
	Short: "Restore a soft-deleted document",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncRestore,
}

var syncCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge soft-deleted documents past their restore window",
	Args:  cobra.NoArgs,
	RunE:  runSyncCleanup,
}

func init() {
	syncCmd.PersistentFlags().StringVar(&syncScope, "scope", "default", "vector store scope")
	syncCmd.PersistentFlags().StringVar(&syncSource, "source", "external", "source system name")
	syncAddCmd.Flags().StringVar(&syncFile, "file", "", "read document content from this file (default stdin)")

	syncCmd.AddCommand(syncAddCmd, syncDeleteCmd, syncPurgeCmd, syncRestoreCmd, syncCleanupCmd)
	rootCmd.AddCommand(syncCmd)
}

func runSyncAdd(cmd *cobra.Command, args []string) error {
	content, err := readContent(cmd)
	if err != nil {
		return err
	}

	res := docSync.AddDocument(cmd.Context(), driving.SyncRequest{
		Source:     syncSource,
		ExternalID: args[0],
		ScopeID:    syncScope,
		Content:    content,
	})
	return printSyncResult(cmd, "added", res)
}

func runSyncDelete(cmd *cobra.Command, args []string) error {
	res := docSync.SoftDeleteDocument(cmd.Context(), syncSource, args[0], syncScope)
	return printSyncResult(cmd, "deleted", res)
}

func runSyncPurge(cmd *cobra.Command, args []string) error {
	res := docSync.HardDeleteDocument(cmd.Context(), syncSource, args[0], syncScope)
	return printSyncResult(cmd, "purged", res)
}

func runSyncRestore(cmd *cobra.Command, args []string) error {
	res := docSync.RestoreDocument(cmd.Context(), syncSource, args[0], syncScope)
	return printSyncResult(cmd, "restored", res)
}

func runSyncCleanup(cmd *cobra.Command, _ []string) error {
	purged, err := docSync.CleanupExpired(cmd.Context(), syncScope)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	cmd.Printf("Purged %d expired documents from scope %q\n", purged, syncScope)
	return nil
}

// readContent reads the document body from --file or stdin.
func readContent(cmd *cobra.Command) (string, error) {
	if syncFile != "" {
		data, err := rt.ReadFile(syncFile)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", syncFile, err)
		}
		return string(data), nil
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no content: pass --file or pipe the document on stdin")
	}
	return string(data), nil
}

func printSyncResult(cmd *cobra.Command, verb string, res driving.SyncResult) error {
	if !res.Success {
		fmt.Fprintf(os.Stderr, "Document %s: %s\n", res.DocumentID, res.Error)
		return fmt.Errorf("sync %s failed", verb)
	}
	cmd.Printf("Document %s %s (+%d ~%d -%d chunks)\n",
		res.DocumentID, verb, res.ChunksAdded, res.ChunksUpdated, res.ChunksDeleted)
	return nil
}
