package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alecgard/clubpass/internal/config"
	"github.com/alecgard/clubpass/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  migrateRunner("applied", migrations.Up),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every schema migration",
	RunE:  migrateRunner("rolled back", migrations.Down),
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

// migrateRunner wraps a migrations function taking the database URL.
func migrateRunner(done string, apply func(databaseURL string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		newLogger(cfg.Log.Level)

		if err := apply(cfg.DatabaseURLForMigrate()); err != nil {
			return err
		}
		slog.Info("schema migrations "+done, "database", redactURL(cfg.Database.URL))
		return nil
	}
}
