// Package feed reads the ordered change feed that capture triggers write to
// change_history, and reports the current server WAL position.
package feed

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

// Batch is one window of feed changes.
type Batch struct {
	Items   []protocol.Change
	HasMore bool
}

// Reader pulls committed changes from change_history in LSN order.
type Reader struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewReader creates a Reader backed by the given pool.
func NewReader(pool *pgxpool.Pool, logger zerolog.Logger) *Reader {
	return &Reader{
		pool:   pool,
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

// ChangesSince returns up to limit changes with lsn strictly greater than
// after, ascending. It fetches limit+1 rows to detect whether more remain.
func (r *Reader) ChangesSince(ctx context.Context, after pglogrepl.LSN, limit int) (Batch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT lsn::text, table_name, op, data, updated_at
		FROM change_history
		WHERE lsn > $1::pg_lsn
		ORDER BY lsn ASC, id ASC
		LIMIT $2`, after.String(), limit+1)
	if err != nil {
		return Batch{}, fmt.Errorf("query change feed after %s: %w", after, err)
	}
	defer rows.Close()

	var items []protocol.Change
	for rows.Next() {
		var c protocol.Change
		if err := rows.Scan(&c.LSN, &c.Table, &c.Op, &c.Data, &c.UpdatedAt); err != nil {
			return Batch{}, fmt.Errorf("scan feed row: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return Batch{}, fmt.Errorf("read change feed: %w", err)
	}

	b := Batch{Items: items}
	if len(items) > limit {
		b.Items = items[:limit]
		b.HasMore = true
	}
	return b, nil
}

// CurrentServerLSN returns the server's current WAL write position.
func (r *Reader) CurrentServerLSN(ctx context.Context) (pglogrepl.LSN, error) {
	var s string
	if err := r.pool.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&s); err != nil {
		return lsn.Zero, fmt.Errorf("read server lsn: %w", err)
	}
	v, err := lsn.Parse(s)
	if err != nil {
		return lsn.Zero, err
	}
	return v, nil
}
