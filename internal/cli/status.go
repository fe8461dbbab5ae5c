package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/trestle-ai/trestle/internal/core/checkpoint/sqlitestore"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [file]",
	Short: "Show the ingestion checkpoint for a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	abs, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	dir, err := resolveDataDir()
	if err != nil {
		return err
	}
	checkpoints, err := sqlitestore.NewStore(dir)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	cp, err := checkpoints.Load(cmd.Context(), localDocumentID(abs))
	if err != nil {
		return err
	}
	if cp == nil {
		cmd.Println("not_started")
		return nil
	}

	if statusJSON {
		return printJSON(cmd, cp)
	}

	cmd.Printf("status:          %s\n", cp.Status)
	cmd.Printf("pages processed: %d/%d\n", cp.LastPageProcessed, cp.TotalPages)
	cmd.Printf("chunks produced: %d\n", len(cp.ProducedChunks))
	cmd.Printf("chunks embedded: %d\n", len(cp.EmbeddedChunks))
	if len(cp.FailedPages) > 0 {
		cmd.Printf("failed pages:    %v\n", cp.FailedPages)
	}
	if len(cp.FailedChunks) > 0 {
		cmd.Printf("failed chunks:   %d\n", len(cp.FailedChunks))
	}
	return nil
}
