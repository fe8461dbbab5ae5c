// Package cli implements the trestle command line interface: local ingestion
// into a file-backed index, and querying against it.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	dataDir    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "trestle",
	Short: "Table-aware document ingestion and retrieval",
	Long: `Trestle ingests page-oriented documents (PDF and office formats),
chunks them with table-aware boundaries, and answers questions against
the indexed content with page-level citations.

Ingestion is resumable: progress is checkpointed per page, so an
interrupted run picks up where it left off without re-extracting or
re-embedding finished work.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.trestle/data)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "pipeline.yaml", "pipeline tuning file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".trestle", "data"), nil
}

func indexPath(dir string) string {
	return filepath.Join(dir, "index.json")
}
