package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/db"
	"github.com/labshot/labshot/logger"
)

// configPath resolves the config file location from the --config flag,
// falling back to the LABSHOT_CONFIG / default cascade.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	if p, _ := cmd.Root().PersistentFlags().GetString("config"); p != "" {
		return p
	}
	return am.DefaultConfigPath()
}

// loadStore loads configuration and wraps it in a live store.
func loadStore(cmd *cobra.Command) (*am.Store, error) {
	path := configPath(cmd)
	cfg, err := am.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return am.NewStore(cfg, path), nil
}

// openDatabase opens the job database configured in storage.database_path.
func openDatabase(store *am.Store, log *zap.SugaredLogger) (*sql.DB, error) {
	cfg := store.Config()
	database, err := db.OpenWithMigrations(cfg.Storage.DatabasePath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

// cliLogger returns a named logger for command-line entry points.
func cliLogger(name string) *zap.SugaredLogger {
	return logger.Named(name)
}
