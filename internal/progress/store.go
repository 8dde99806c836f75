// Package progress owns the durable per-client sync state: the acknowledged
// LSN, the initial-sync cursor, and the advisory client registry. It is the
// only state that survives disconnects and actor eviction.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

// Keys within a client's namespace.
const (
	KeyCurrentClientID  = "current_client_id"
	KeyInitialSyncState = "initial_sync_state"
	KeyLastWakeTime     = "lastWakeTime"
)

// LSNKey returns the progress key holding a client's last acknowledged LSN.
func LSNKey(clientID string) string {
	return "client:" + clientID + ":lsn"
}

// SyncStateKey returns the progress key holding a client's sync phase.
func SyncStateKey(clientID string) string {
	return "client:" + clientID + ":syncState"
}

// ErrVerifyFailed reports that a read-back after a durable write did not
// observe the written value.
var ErrVerifyFailed = errors.New("progress: read-back verification failed")

// Initial sync status values.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusComplete   = "COMPLETE"
)

// InitialProgress is the durable cursor of an initial sync.
type InitialProgress struct {
	CurrentTable    string   `json:"currentTable"`
	LastAckedChunk  int      `json:"lastAckedChunk"`
	CursorID        string   `json:"cursorId,omitempty"`
	CompletedTables []string `json:"completedTables"`
	StartLSN        string   `json:"startLSN"`
	StartedAtMillis int64    `json:"startedAtMillis"`
	Status          string   `json:"status"`
}

// Completed reports whether table has already been fully shipped.
func (p InitialProgress) Completed(table string) bool {
	for _, t := range p.CompletedTables {
		if t == table {
			return true
		}
	}
	return false
}

// Store is the durable key-value namespace scoped to clientId, backed by the
// sync_progress table. Writes are read-your-writes within the pool.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "progress").Logger(),
	}
}

// Put stores value (JSON-encoded) under (clientID, key).
func (s *Store) Put(ctx context.Context, clientID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal progress %s: %w", key, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_progress (client_id, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (client_id, key) DO UPDATE SET value = $3, updated_at = now()`,
		clientID, key, data)
	if err != nil {
		return fmt.Errorf("put progress %s/%s: %w", clientID, key, err)
	}
	return nil
}

// Get loads the value under (clientID, key) into dest. It reports whether
// the key existed.
func (s *Store) Get(ctx context.Context, clientID, key string, dest any) (bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		"SELECT value FROM sync_progress WHERE client_id = $1 AND key = $2",
		clientID, key,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get progress %s/%s: %w", clientID, key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode progress %s/%s: %w", clientID, key, err)
	}
	return true, nil
}

// Delete removes the key from the client's namespace.
func (s *Store) Delete(ctx context.Context, clientID, key string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM sync_progress WHERE client_id = $1 AND key = $2", clientID, key)
	if err != nil {
		return fmt.Errorf("delete progress %s/%s: %w", clientID, key, err)
	}
	return nil
}

// List returns the keys under clientID starting with prefix.
func (s *Store) List(ctx context.Context, clientID, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM sync_progress
		WHERE client_id = $1 AND key LIKE $2 || '%'
		ORDER BY key`, clientID, prefix)
	if err != nil {
		return nil, fmt.Errorf("list progress %s/%s*: %w", clientID, prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ClientLSN returns the client's last acknowledged LSN, Zero when none is
// recorded yet.
func (s *Store) ClientLSN(ctx context.Context, clientID string) (pglogrepl.LSN, error) {
	var raw string
	found, err := s.Get(ctx, clientID, LSNKey(clientID), &raw)
	if err != nil {
		return lsn.Zero, err
	}
	if !found {
		return lsn.Zero, nil
	}
	return lsn.Parse(raw)
}

// SetClientLSN durably records the client's acknowledged LSN and verifies
// the write by reading it back. Regressions are ignored so the recorded LSN
// stays monotonically non-decreasing.
func (s *Store) SetClientLSN(ctx context.Context, clientID string, v pglogrepl.LSN) error {
	current, err := s.ClientLSN(ctx, clientID)
	if err != nil {
		return err
	}
	if v < current {
		s.logger.Warn().
			Str("client", clientID).
			Stringer("current", current).
			Stringer("proposed", v).
			Msg("ignoring lsn regression")
		return nil
	}
	if err := s.Put(ctx, clientID, LSNKey(clientID), v.String()); err != nil {
		return err
	}

	back, err := s.ClientLSN(ctx, clientID)
	if err != nil {
		return err
	}
	if back != v {
		return fmt.Errorf("%w: wrote %s, read %s", ErrVerifyFailed, v, back)
	}
	return nil
}

// Phase returns the client's persisted sync phase, defaulting to INITIAL.
func (s *Store) Phase(ctx context.Context, clientID string) (protocol.Phase, error) {
	var raw string
	found, err := s.Get(ctx, clientID, SyncStateKey(clientID), &raw)
	if err != nil {
		return protocol.PhaseInitial, err
	}
	if !found {
		return protocol.PhaseInitial, nil
	}
	return protocol.Phase(raw), nil
}

// SetPhase durably records the client's sync phase.
func (s *Store) SetPhase(ctx context.Context, clientID string, phase protocol.Phase) error {
	return s.Put(ctx, clientID, SyncStateKey(clientID), string(phase))
}

// InitialProgressGet loads the initial-sync cursor if one exists.
func (s *Store) InitialProgressGet(ctx context.Context, clientID string) (InitialProgress, bool, error) {
	var p InitialProgress
	found, err := s.Get(ctx, clientID, KeyInitialSyncState, &p)
	return p, found, err
}

// InitialProgressPut durably records the initial-sync cursor.
func (s *Store) InitialProgressPut(ctx context.Context, clientID string, p InitialProgress) error {
	return s.Put(ctx, clientID, KeyInitialSyncState, p)
}

// SetCurrentClientID records the identity key used to restore a session
// after the runtime evicts its actor.
func (s *Store) SetCurrentClientID(ctx context.Context, clientID string) error {
	return s.Put(ctx, clientID, KeyCurrentClientID, clientID)
}

// TouchWake records the last wake time for diagnostics.
func (s *Store) TouchWake(ctx context.Context, clientID string, at time.Time) error {
	return s.Put(ctx, clientID, KeyLastWakeTime, at.UnixMilli())
}
