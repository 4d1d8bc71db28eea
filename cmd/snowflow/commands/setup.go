package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/observatorio-andes/snowflow/config"
	"github.com/observatorio-andes/snowflow/db"
	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/logger"
)

// loadConfig loads the runtime configuration, honoring the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// openDatabase opens the job store database with migrations applied.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	return database, nil
}
