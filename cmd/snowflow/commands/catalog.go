package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/job"
)

// CatalogCmd validates and inspects the job type catalog.
var CatalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Validate and inspect the job type catalog",
	Long: `Validate and inspect the TOML job type catalog.

Examples:
  snowflow catalog show   # List job types with cadence and retry policy`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var catalogShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List the configured job types",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		registry, err := job.LoadRegistry(cfg.Automation.JobsCatalog)
		if err != nil {
			return errors.Wrap(err, "failed to load job catalog")
		}

		fmt.Printf("Catalog: %s (%d job types)\n\n", cfg.Automation.JobsCatalog, registry.Len())
		fmt.Printf("%-20s %-14s %-10s %-10s %s\n", "NAME", "CADENCE", "ATTEMPTS", "BACKOFF", "TIMEOUT")
		fmt.Printf("%-20s %-14s %-10s %-10s %s\n", "----", "-------", "--------", "-------", "-------")
		for _, jt := range registry.All() {
			fmt.Printf("%-20s %-14s %-10d %-10s %s\n",
				jt.Name, jt.Cadence, jt.MaxAttempts, jt.Backoff, jt.Timeout)
		}
		return nil
	},
}

func init() {
	CatalogCmd.AddCommand(catalogShowCmd)
}
