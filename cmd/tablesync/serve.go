package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/tablesync/internal/apply"
	"github.com/jfoltran/tablesync/internal/db"
	"github.com/jfoltran/tablesync/internal/feed"
	"github.com/jfoltran/tablesync/internal/metrics"
	"github.com/jfoltran/tablesync/internal/progress"
	"github.com/jfoltran/tablesync/internal/server"
	"github.com/jfoltran/tablesync/internal/session"
	"github.com/jfoltran/tablesync/internal/tables"
)

var (
	servePort      int
	serveStatePath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	Long: `Serve opens the central database, applies the bookkeeping migrations,
installs capture triggers on the configured tables, and accepts client
sync sessions over WebSocket. Operator endpoints are served on the same
port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		ctx := cmd.Context()

		database, err := db.Open(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			return err
		}
		defer database.Close()
		pool := database.Pool

		reg := tables.NewRegistry(cfg.Sync.Tables)
		pager := tables.NewPager(pool, logger)
		if err := pager.VerifyPrimaryKeys(ctx, reg); err != nil {
			return err
		}
		if err := tables.InstallTriggers(ctx, pool, reg, logger); err != nil {
			return err
		}

		collector := metrics.New()
		registry := progress.NewRegistry(pool, logger)

		sessions := session.NewManager(session.Config{
			CursorPageSize:    cfg.Sync.CursorPageSize,
			ChunkSize:         cfg.Sync.ChunkSize,
			AckTimeout:        cfg.Sync.AckTimeout,
			LiveTick:          cfg.Sync.LiveTick,
			HeartbeatInterval: cfg.Sync.HeartbeatInterval,
			QueueBound:        cfg.Sync.QueueBound,
		}, session.Deps{
			Store:    progress.NewStore(pool, logger),
			Registry: registry,
			Feed:     feed.NewReader(pool, logger),
			Pager:    pager,
			Applier: apply.NewEngine(pool, apply.Timeouts{
				Statement:   cfg.Sync.StatementTimeout,
				SingleOp:    cfg.Sync.OpTimeout,
				BatchInsert: cfg.Sync.BatchInsertTimeout,
			}, logger),
			Tables:  reg,
			Metrics: collector,
			Logger:  logger,
		})

		persister := metrics.NewPersister(collector, serveStatePath, 2*time.Second, logger)
		go persister.Run(ctx)

		listener := server.NewListener(pool, cfg.Server.NotifyChannel, sessions, logger)
		go listener.Run(ctx)

		srv := server.New(sessions, registry, collector, logger)
		return srv.Start(ctx, cfg.Server.Port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default 7654)")
	serveCmd.Flags().StringVar(&serveStatePath, "state-file", metrics.DefaultStatePath(),
		"Path for the periodic metrics snapshot")
	rootCmd.AddCommand(serveCmd)
}
