package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/labshot/labshot/cmd/labshot/commands"
	"github.com/labshot/labshot/logger"
)

var rootCmd = &cobra.Command{
	Use:   "labshot",
	Short: "labshot - camera-to-inventory ingestion for lab assets",
	Long: `labshot - camera-to-inventory ingestion for lab assets.

Photograph a piece of equipment, let a vision model describe it, register
it in your eLabFTW-style inventory, and print a QR label that links back
to the record.

Available commands:
  serve   - Run the labshot daemon (workers + HTTP/WebSocket API)
  capture - Capture one frame and run it through the pipeline
  jobs    - Inspect pipeline jobs
  config  - Show and change configuration
  labels  - List generated QR labels
  version - Show version information

Examples:
  labshot serve                     # Start the daemon
  labshot capture                   # One-shot capture and register
  labshot jobs ls --status failed   # List failed jobs
  labshot config set pipeline.workers 2`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: $LABSHOT_CONFIG or ./labshot.toml)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.CaptureCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.LabelsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
