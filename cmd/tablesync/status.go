package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/tablesync/internal/metrics"
	"github.com/jfoltran/tablesync/internal/tui"
)

var (
	statusWatch     bool
	statusAPIAddr   string
	statusStatePath string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync server counters and registered clients",
	Long: `Status prints the last persisted metrics snapshot of a running server.
With --watch it opens a live terminal dashboard polling the server API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusWatch {
			return tui.Run(statusAPIAddr)
		}

		snap, err := metrics.ReadSnapshot(statusStatePath)
		if err != nil {
			fmt.Println("No sync state found. Is the server running?")
			fmt.Printf("  (error: %v)\n", err)
			return nil
		}

		fmt.Printf("Started:         %s (up %s)\n",
			snap.StartedAt.Format(time.RFC3339),
			(time.Duration(snap.UptimeSeconds) * time.Second))
		fmt.Printf("Connected:       %d clients\n", snap.ConnectedClients)
		fmt.Printf("Snapshot chunks: %d (%d rows)\n", snap.SnapshotChunks, snap.SnapshotRows)
		fmt.Printf("Feed batches:    %d (%d changes)\n", snap.FeedBatches, snap.FeedChanges)
		fmt.Printf("Client batches:  %d (%d applied, %d skipped)\n",
			snap.ClientBatches, snap.RowsApplied, snap.RowsSkipped)
		if snap.LastWakeMillis > 0 {
			fmt.Printf("Last wake:       %s ago\n",
				time.Since(time.UnixMilli(snap.LastWakeMillis)).Truncate(time.Second))
		}
		if snap.Errors > 0 {
			fmt.Printf("Errors:          %d\n", snap.Errors)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Open a live terminal dashboard")
	statusCmd.Flags().StringVar(&statusAPIAddr, "api-addr", "http://localhost:7654", "Address of the tablesync API")
	statusCmd.Flags().StringVar(&statusStatePath, "state-file", metrics.DefaultStatePath(),
		"Path of the persisted metrics snapshot")
	rootCmd.AddCommand(statusCmd)
}
