package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/tablesync/internal/db"
	"github.com/jfoltran/tablesync/internal/progress"
)

var sweepKeep time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove long-inactive client registrations",
	Long: `Sweep deletes clients that have been inactive longer than the retention
window, together with their durable sync progress. A swept client that
reconnects starts over with a fresh initial sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		database, err := db.Open(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			return err
		}
		defer database.Close()

		registry := progress.NewRegistry(database.Pool, logger)
		removed, err := registry.Sweep(ctx, sweepKeep)
		if err != nil {
			return err
		}
		fmt.Printf("Swept %d inactive clients (retention %s)\n", removed, sweepKeep)
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepKeep, "idle", 30*24*time.Hour,
		"Inactivity window after which clients are swept")
	rootCmd.AddCommand(sweepCmd)
}
