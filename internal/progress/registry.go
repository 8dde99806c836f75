package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ClientInfo is one advisory registry row. Operator visibility only; never
// trusted for correctness.
type ClientInfo struct {
	ClientID  string    `json:"client_id"`
	Active    bool      `json:"active"`
	LastSeen  time.Time `json:"last_seen"`
	LastLSN   string    `json:"last_lsn"`
	SyncState string    `json:"sync_state"`
}

// Registry maintains the shared sync_clients table.
type Registry struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewRegistry creates a Registry backed by the given pool.
func NewRegistry(pool *pgxpool.Pool, logger zerolog.Logger) *Registry {
	return &Registry{
		pool:   pool,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Connect registers the client (creating it on first connect) and marks it
// active.
func (r *Registry) Connect(ctx context.Context, clientID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_clients (client_id, active, last_seen)
		VALUES ($1, true, now())
		ON CONFLICT (client_id) DO UPDATE SET active = true, last_seen = now()`,
		clientID)
	if err != nil {
		return fmt.Errorf("register client %s: %w", clientID, err)
	}
	return nil
}

// Disconnect marks the client inactive. Progress is left intact.
func (r *Registry) Disconnect(ctx context.Context, clientID string) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE sync_clients SET active = false, last_seen = now() WHERE client_id = $1",
		clientID)
	if err != nil {
		return fmt.Errorf("mark client %s inactive: %w", clientID, err)
	}
	return nil
}

// Advise refreshes the advisory LSN and phase columns for a client. Failures
// are logged, not propagated: this table is not trusted for correctness.
func (r *Registry) Advise(ctx context.Context, clientID, lastLSN, syncState string) {
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_clients
		SET last_seen = now(), last_lsn = $2, sync_state = $3
		WHERE client_id = $1`,
		clientID, lastLSN, syncState)
	if err != nil {
		r.logger.Warn().Err(err).Str("client", clientID).Msg("advisory update failed")
	}
}

// Heartbeat refreshes last_seen (and optionally the advisory LSN) from a
// client heartbeat frame.
func (r *Registry) Heartbeat(ctx context.Context, clientID, lastLSN string, active bool) {
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_clients
		SET last_seen = now(), active = $2,
		    last_lsn = CASE WHEN $3 <> '' THEN $3 ELSE last_lsn END
		WHERE client_id = $1`,
		clientID, active, lastLSN)
	if err != nil {
		r.logger.Warn().Err(err).Str("client", clientID).Msg("heartbeat update failed")
	}
}

// List returns all registered clients, most recently seen first.
func (r *Registry) List(ctx context.Context) ([]ClientInfo, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT client_id, active, last_seen, last_lsn, sync_state
		FROM sync_clients ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []ClientInfo
	for rows.Next() {
		var c ClientInfo
		if err := rows.Scan(&c.ClientID, &c.Active, &c.LastSeen, &c.LastLSN, &c.SyncState); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if out == nil {
		out = []ClientInfo{}
	}
	return out, rows.Err()
}

// Sweep destroys registrations not seen within keep, together with their
// progress keys. This is the only path that removes a registration.
func (r *Registry) Sweep(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := time.Now().Add(-keep)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM sync_progress WHERE client_id IN (
			SELECT client_id FROM sync_clients WHERE NOT active AND last_seen < $1
		)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep progress: %w", err)
	}

	tag, err := tx.Exec(ctx,
		"DELETE FROM sync_clients WHERE NOT active AND last_seen < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep clients: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
