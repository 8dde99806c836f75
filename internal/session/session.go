// Package session implements the per-client sync session: the actor that
// owns a client's transport, the frame correlator, the initial-sync driver,
// the catchup/live feeder, and the manager that serializes actors per client.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/tablesync/internal/apply"
	"github.com/jfoltran/tablesync/internal/feed"
	"github.com/jfoltran/tablesync/internal/progress"
	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/internal/tables"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

var (
	// ErrInvalidArgument reports a malformed connect parameter or frame.
	ErrInvalidArgument = errors.New("session: invalid argument")
	// ErrAckTimeout reports that no matching frame arrived in the window.
	ErrAckTimeout = errors.New("session: ack timeout")
	// ErrSessionClosed reports that the session ended while waiting.
	ErrSessionClosed = errors.New("session: closed")
)

// Transport close codes, mirrored onto the websocket status codes by the
// server layer.
const (
	CloseNormal        = 1000
	CloseInternalError = 1011
)

// Transport is the bidirectional message channel to one client. Send must
// preserve order; Close is idempotent.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Feed is the read interface over the ordered change feed.
type Feed interface {
	ChangesSince(ctx context.Context, after pglogrepl.LSN, limit int) (feed.Batch, error)
	CurrentServerLSN(ctx context.Context) (pglogrepl.LSN, error)
}

// Pager pages a domain table by primary key.
type Pager interface {
	Next(ctx context.Context, table, afterID string, limit int) (tables.Page, error)
	Count(ctx context.Context, table string) (int64, error)
}

// Applier executes deduplicated client changes against the domain tables.
type Applier interface {
	Apply(ctx context.Context, changes []protocol.Change) apply.Result
}

// ProgressStore is the durable per-client state handle.
type ProgressStore interface {
	ClientLSN(ctx context.Context, clientID string) (pglogrepl.LSN, error)
	SetClientLSN(ctx context.Context, clientID string, v pglogrepl.LSN) error
	Phase(ctx context.Context, clientID string) (protocol.Phase, error)
	SetPhase(ctx context.Context, clientID string, phase protocol.Phase) error
	InitialProgressGet(ctx context.Context, clientID string) (progress.InitialProgress, bool, error)
	InitialProgressPut(ctx context.Context, clientID string, p progress.InitialProgress) error
	SetCurrentClientID(ctx context.Context, clientID string) error
	TouchWake(ctx context.Context, clientID string, at time.Time) error
}

// Registry is the advisory client registry.
type Registry interface {
	Connect(ctx context.Context, clientID string) error
	Disconnect(ctx context.Context, clientID string) error
	Advise(ctx context.Context, clientID, lastLSN, syncState string)
	Heartbeat(ctx context.Context, clientID, lastLSN string, active bool)
}

// SelectPhase picks the sync phase for a client position against the server
// position. Pure; equal positions go LIVE.
func SelectPhase(clientLSN, serverLSN pglogrepl.LSN) protocol.Phase {
	switch {
	case clientLSN == lsn.Zero:
		return protocol.PhaseInitial
	case lsn.Compare(clientLSN, serverLSN) < 0:
		return protocol.PhaseCatchup
	default:
		return protocol.PhaseLive
	}
}
