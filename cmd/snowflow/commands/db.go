package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/job"
)

// DbCmd groups database management commands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the snowflow database",
	Long: `Manage the snowflow database.

Examples:
  snowflow db migrate   # Apply pending schema migrations
  snowflow db stats     # Show record counts and database size`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Printf("Database %s migrated\n", cfg.Database.Path)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	counts, err := job.NewStore(database).CountByState()
	if err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if info, err := os.Stat(cfg.Database.Path); err == nil {
		fmt.Printf("Size:     %.1f KB\n", float64(info.Size())/1024)
	}
	fmt.Printf("Records:  %d\n\n", total)

	order := []job.State{
		job.StatePending, job.StateSubmitted, job.StateRunning,
		job.StateSucceeded, job.StateFailed, job.StateTimedOut, job.StateCancelled,
	}
	fmt.Printf("%-12s %s\n", "STATE", "COUNT")
	fmt.Printf("%-12s %s\n", "-----", "-----")
	for _, state := range order {
		fmt.Printf("%-12s %d\n", state, counts[state])
	}
	return nil
}
