package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jackcrane/sw-grader-api/internal/app"
)

var serveCmd = cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: "Runs the HTTP API. Queue workers and the sweeper run in the same\n" +
		"process unless --no-workers is given.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		noWorkers, err := cmd.Flags().GetBool("no-workers")
		if err != nil {
			return err
		}
		return runApp(app.Options{HTTP: true, Workers: !noWorkers})
	},
}

var workerCmd = cobra.Command{
	Use:   "worker",
	Short: "Run queue workers without the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runApp(app.Options{Workers: true})
	},
}

func init() {
	serveCmd.Flags().Bool("no-workers", false, "Serve HTTP only; run workers elsewhere")

	rootCmd.AddCommand(&serveCmd)
	rootCmd.AddCommand(&workerCmd)
}

func runApp(opts app.Options) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, log, db, opts)
	if err != nil {
		db.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	runErr := application.Run(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("Grader exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown gracefully")
	}

	return runErr
}
