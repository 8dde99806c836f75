package tables

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// InstallTriggers attaches the capture and conflict-guard triggers to every
// registered domain table. The trigger functions themselves ship with the
// bookkeeping migrations; attachment happens at startup because the table
// set comes from configuration.
func InstallTriggers(ctx context.Context, pool *pgxpool.Pool, reg *Registry, logger zerolog.Logger) error {
	log := logger.With().Str("component", "triggers").Logger()
	for _, t := range reg.List() {
		qn := quoteIdent(t.Name)
		stmts := []string{
			fmt.Sprintf("DROP TRIGGER IF EXISTS tablesync_capture_trg ON %s", qn),
			fmt.Sprintf(`CREATE TRIGGER tablesync_capture_trg
				AFTER INSERT OR UPDATE OR DELETE ON %s
				FOR EACH ROW EXECUTE FUNCTION tablesync_capture()`, qn),
			fmt.Sprintf("DROP TRIGGER IF EXISTS tablesync_guard_trg ON %s", qn),
			fmt.Sprintf(`CREATE TRIGGER tablesync_guard_trg
				BEFORE UPDATE ON %s
				FOR EACH ROW EXECUTE FUNCTION tablesync_crdt_guard()`, qn),
		}
		for _, stmt := range stmts {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("install triggers on %s: %w", t.Name, err)
			}
		}
		log.Debug().Str("table", t.Name).Msg("sync triggers installed")
	}
	return nil
}
