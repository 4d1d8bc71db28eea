package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/observatorio-andes/snowflow/cmd/snowflow/commands"
	"github.com/observatorio-andes/snowflow/logger"
)

var rootCmd = &cobra.Command{
	Use:   "snowflow",
	Short: "snowflow - recurring satellite snow-cover export automation",
	Long: `snowflow - recurring satellite snow-cover export automation.

snowflow drives recurring analysis jobs against a remote geospatial compute
service: it decides which job types are due, submits export tasks, polls them
to completion with retry and timeout policy, and publishes finished artifacts
to the results website.

Available commands:
  daemon - Run the initiator and orchestrator loops
  jobs   - Inspect and manage job records
  db     - Manage the snowflow database
  catalog - Validate and inspect the job type catalog

Examples:
  snowflow daemon            # Run the scheduling loops in foreground
  snowflow jobs ls           # List recent job records
  snowflow jobs cancel <id>  # Cancel an in-flight record
  snowflow db stats          # Show database statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: search for snowflow.toml)")

	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.CatalogCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
