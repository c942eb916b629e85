package commands

import (
	"fmt"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/repository/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply pending schema migrations to the configured PostgreSQL database.
SQLite databases are migrated when they are opened.

Examples:
  hugefs migrate --config /etc/hugefs/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cfg, err := setup()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		fmt.Println("Nothing to migrate for driver", cfg.Database.Driver)
		return nil
	}
	if err := postgres.Migrate(ctx, cfg.Database.Postgres.DSN()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Println("Migrations completed successfully")
	return nil
}
