package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jackcrane/sw-grader-api/internal/app"
)

var sweepCmd = cobra.Command{
	Use:   "sweep",
	Short: "Re-enqueue stale ungraded submissions once and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}

		application, err := app.New(cfg, log, db, app.Options{})
		if err != nil {
			db.Close()
			return err
		}
		defer application.Shutdown(context.Background())

		n, err := application.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		log.Info().Int("requeued", n).Msg("Sweep finished")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(&sweepCmd)
}
