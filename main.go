package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jackcrane/sw-grader-api/internal/config"
	"github.com/jackcrane/sw-grader-api/internal/database"
	"github.com/jackcrane/sw-grader-api/pkg/logger"
)

var rootCmd = cobra.Command{
	Use:          "grader",
	Short:        "CAD part grading service",
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		pretty := cfg.Logging.Pretty || devMode
		log = logger.NewWithConfig(cfg.Logging.Level, pretty, cfg.Logging.NoColor)
		return nil
	},
}

var (
	devMode bool
	cfg     *config.Config
	log     zerolog.Logger
)

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Human-readable console logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// openDatabase connects and pings Postgres before handing the pool out.
func openDatabase() (*sql.DB, error) {
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection established")
	return db, nil
}
