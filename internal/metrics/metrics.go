// Package metrics keeps process-wide sync counters and periodically persists
// a snapshot for operator tooling.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
)

// Collector accumulates sync counters. All methods are safe on a nil
// receiver so wiring it stays optional in tests.
type Collector struct {
	startedAt time.Time

	connectedClients atomic.Int64
	snapshotChunks   atomic.Int64
	snapshotRows     atomic.Int64
	feedBatches      atomic.Int64
	feedChanges      atomic.Int64
	clientBatches    atomic.Int64
	rowsApplied      atomic.Int64
	rowsSkipped      atomic.Int64
	errorCount       atomic.Int64
	lastWakeMillis   atomic.Int64
	serverLSN        atomic.Uint64
}

// New creates a Collector stamped with the process start time.
func New() *Collector {
	return &Collector{startedAt: time.Now()}
}

// ClientConnected increments the connected-client gauge.
func (c *Collector) ClientConnected() {
	if c == nil {
		return
	}
	c.connectedClients.Add(1)
}

// ClientDisconnected decrements the connected-client gauge.
func (c *Collector) ClientDisconnected() {
	if c == nil {
		return
	}
	c.connectedClients.Add(-1)
}

// SnapshotChunkSent records one shipped snapshot chunk of n rows.
func (c *Collector) SnapshotChunkSent(n int) {
	if c == nil {
		return
	}
	c.snapshotChunks.Add(1)
	c.snapshotRows.Add(int64(n))
}

// FeedBatchSent records one shipped feed batch of n changes.
func (c *Collector) FeedBatchSent(n int) {
	if c == nil {
		return
	}
	c.feedBatches.Add(1)
	c.feedChanges.Add(int64(n))
}

// ClientBatchApplied records the outcome of one client change batch.
func (c *Collector) ClientBatchApplied(applied, skipped int) {
	if c == nil {
		return
	}
	c.clientBatches.Add(1)
	c.rowsApplied.Add(int64(applied))
	c.rowsSkipped.Add(int64(skipped))
}

// Error counts one session-level failure.
func (c *Collector) Error() {
	if c == nil {
		return
	}
	c.errorCount.Add(1)
}

// ServerPosition records the most recently observed server WAL position.
func (c *Collector) ServerPosition(v pglogrepl.LSN) {
	if c == nil {
		return
	}
	c.serverLSN.Store(uint64(v))
}

// TouchWake records the most recent feed wake.
func (c *Collector) TouchWake() {
	if c == nil {
		return
	}
	c.lastWakeMillis.Store(time.Now().UnixMilli())
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	StartedAt        time.Time `json:"startedAt"`
	UptimeSeconds    int64     `json:"uptimeSeconds"`
	ConnectedClients int64     `json:"connectedClients"`
	SnapshotChunks   int64     `json:"snapshotChunks"`
	SnapshotRows     int64     `json:"snapshotRows"`
	FeedBatches      int64     `json:"feedBatches"`
	FeedChanges      int64     `json:"feedChanges"`
	ClientBatches    int64     `json:"clientBatches"`
	RowsApplied      int64     `json:"rowsApplied"`
	RowsSkipped      int64     `json:"rowsSkipped"`
	Errors           int64     `json:"errors"`
	LastWakeMillis   int64     `json:"lastWakeMillis"`
	ServerLSN        string    `json:"serverLSN,omitempty"`
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		StartedAt:        c.startedAt,
		UptimeSeconds:    int64(time.Since(c.startedAt).Seconds()),
		ConnectedClients: c.connectedClients.Load(),
		SnapshotChunks:   c.snapshotChunks.Load(),
		SnapshotRows:     c.snapshotRows.Load(),
		FeedBatches:      c.feedBatches.Load(),
		FeedChanges:      c.feedChanges.Load(),
		ClientBatches:    c.clientBatches.Load(),
		RowsApplied:      c.rowsApplied.Load(),
		RowsSkipped:      c.rowsSkipped.Load(),
		Errors:           c.errorCount.Load(),
		LastWakeMillis:   c.lastWakeMillis.Load(),
	}
	if v := c.serverLSN.Load(); v > 0 {
		snap.ServerLSN = pglogrepl.LSN(v).String()
	}
	return snap
}
