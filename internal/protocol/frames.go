// Package protocol defines the JSON frame set exchanged between the sync
// server and its client replicas, and the codec for the frame envelope.
package protocol

import "errors"

// Type identifies a frame on the wire. Server-originated frames carry a
// srv_ prefix, client-originated frames a clt_ prefix.
type Type string

// Server → client frames.
const (
	TypeInitStart       Type = "srv_init_start"
	TypeInitChanges     Type = "srv_init_changes"
	TypeInitComplete    Type = "srv_init_complete"
	TypeLSNUpdate       Type = "srv_lsn_update"
	TypeStateChange     Type = "srv_state_change"
	TypeSendChanges     Type = "srv_send_changes"
	TypeChangesReceived Type = "srv_changes_received"
	TypeChangesApplied  Type = "srv_changes_applied"
	TypeServerError     Type = "srv_error"
	TypeServerHeartbeat Type = "srv_heartbeat"
	TypeStatsRequest    Type = "srv_request_stats"
)

// Client → server frames.
const (
	TypeInitReceived       Type = "clt_init_received"
	TypeInitProcessed      Type = "clt_init_processed"
	TypeClientChanges      Type = "clt_send_changes"
	TypeClientReceived     Type = "clt_changes_received"
	TypeClientApplied      Type = "clt_changes_applied"
	TypeCatchupReceived    Type = "clt_catchup_received"
	TypeClientHeartbeat Type = "clt_heartbeat"
	TypeClientError     Type = "clt_error"
	TypeClientStats     Type = "clt_stats"
)

// Known reports whether t names a frame this server understands.
func Known(t Type) bool {
	switch t {
	case TypeInitStart, TypeInitChanges, TypeInitComplete, TypeLSNUpdate,
		TypeStateChange, TypeSendChanges, TypeChangesReceived,
		TypeChangesApplied, TypeServerError, TypeServerHeartbeat,
		TypeStatsRequest, TypeInitReceived, TypeInitProcessed,
		TypeClientChanges, TypeClientReceived, TypeClientApplied,
		TypeCatchupReceived, TypeClientHeartbeat, TypeClientError,
		TypeClientStats:
		return true
	}
	return false
}

// Envelope validation errors.
var (
	ErrMissingType     = errors.New("protocol: frame missing type")
	ErrMissingClientID = errors.New("protocol: frame missing clientId")
	ErrMissingID       = errors.New("protocol: frame missing messageId")
)

// Phase names carried in srv_state_change frames and the progress store.
type Phase string

const (
	PhaseInitial Phase = "INITIAL"
	PhaseCatchup Phase = "CATCHUP"
	PhaseLive    Phase = "LIVE"
)

// Sequence locates a chunk within a table snapshot or a feed batch.
type Sequence struct {
	Table string `json:"table,omitempty"`
	Chunk int    `json:"chunk"`
	Total int    `json:"total"`
}

// InitStart announces the beginning of an initial sync at serverLSN.
type InitStart struct {
	ServerLSN string `json:"serverLSN"`
	Resuming  bool   `json:"resuming,omitempty"`
}

// InitChanges carries one acknowledged chunk of snapshot rows.
type InitChanges struct {
	Changes         []Change `json:"changes"`
	Sequence        Sequence `json:"sequence"`
	CumulativeTotal int64    `json:"cumulativeTotal"`
}

// InitComplete marks the end of the snapshot stream.
type InitComplete struct {
	ServerLSN string `json:"serverLSN"`
}

// LSNUpdate tells the client its new acknowledged position.
type LSNUpdate struct {
	LSN string `json:"lsn"`
}

// StateChange reports a phase transition to the client.
type StateChange struct {
	State Phase  `json:"state"`
	LSN   string `json:"lsn"`
}

// SendChanges delivers a batch of feed changes. LastLSN is the greatest LSN
// included; an empty batch carries lastLSN "0/0" and acts as a noop.
type SendChanges struct {
	Changes  []Change  `json:"changes"`
	LastLSN  string    `json:"lastLSN"`
	Sequence *Sequence `json:"sequence,omitempty"`
}

// ChangesReceived acknowledges receipt of client changes after dedup.
type ChangesReceived struct {
	ChangeIDs []string `json:"changeIds"`
}

// ChangesApplied reports the outcome of applying client changes.
type ChangesApplied struct {
	AppliedChanges []string `json:"appliedChanges"`
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
}

// InitReceived acknowledges one snapshot chunk.
type InitReceived struct {
	Table string `json:"table"`
	Chunk int    `json:"chunk"`
}

// ClientChanges carries client-originated changes to apply.
type ClientChanges struct {
	Changes []Change `json:"changes"`
}

// ClientReceived acknowledges a srv_send_changes batch.
type ClientReceived struct {
	ChangeIDs []string `json:"changeIds"`
	LastLSN   string   `json:"lastLSN"`
}

// ClientApplied reports that the client finished applying a batch. Advisory;
// correctness rides on ClientReceived.
type ClientApplied struct {
	ChangeIDs []string `json:"changeIds"`
	LastLSN   string   `json:"lastLSN"`
}

// CatchupReceived is an advisory marker sent by clients during catchup.
type CatchupReceived struct {
	LSN string `json:"lsn"`
}

// ClientHeartbeat refreshes the advisory registry entry for a client.
type ClientHeartbeat struct {
	LSN    string `json:"lsn"`
	Active bool   `json:"active"`
}

// ServerError reports a fatal session failure before the transport closes.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatsPayload is forwarded verbatim to a connected client on request.
type StatsPayload struct {
	Stats map[string]any `json:"stats,omitempty"`
}
