package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackcrane/sw-grader-api/internal/database"
)

var migrateCmd = cobra.Command{
	Use:   "migrate",
	Short: "Manage database schema migrations",
}

var migrateUpCmd = cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := database.NewMigrator(cfg.Database)
		if err != nil {
			return err
		}
		if err := m.Up(); err != nil {
			return err
		}
		log.Info().Msg("Migrations applied successfully")
		return nil
	},
}

var migrateDownCmd = cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := database.NewMigrator(cfg.Database)
		if err != nil {
			return err
		}
		if err := m.Down(); err != nil {
			return err
		}
		log.Info().Msg("Migrations rolled back successfully")
		return nil
	},
}

var migrateForceCmd = cobra.Command{
	Use:   "force <version>",
	Short: "Mark a schema version as applied after a failed migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		m, err := database.NewMigrator(cfg.Database)
		if err != nil {
			return err
		}
		if err := m.Force(version); err != nil {
			return err
		}
		log.Info().Int("version", version).Msg("Migration version forced")
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(&migrateUpCmd)
	migrateCmd.AddCommand(&migrateDownCmd)
	migrateCmd.AddCommand(&migrateForceCmd)

	rootCmd.AddCommand(&migrateCmd)
}
