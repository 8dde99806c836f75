package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jfoltran/tablesync/internal/progress"
	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

// runInitialSync ships a full snapshot of every registered table in chunks,
// each acknowledged by the client and persisted before the next one goes
// out. A reconnect mid-snapshot resumes at the chunk after the last
// acknowledged one; completed tables are never re-shipped.
func (a *Actor) runInitialSync(ctx context.Context) error {
	prog, found, err := a.deps.Store.InitialProgressGet(ctx, a.clientID)
	if err != nil {
		return err
	}
	resuming := found && prog.Status == progress.StatusInProgress

	if !resuming {
		startLSN, err := a.deps.Feed.CurrentServerLSN(ctx)
		if err != nil {
			return err
		}
		a.deps.Metrics.ServerPosition(startLSN)
		prog = progress.InitialProgress{
			StartLSN:        startLSN.String(),
			StartedAtMillis: time.Now().UnixMilli(),
			Status:          progress.StatusInProgress,
		}
		if err := a.deps.Store.InitialProgressPut(ctx, a.clientID, prog); err != nil {
			return err
		}
	}

	if err := a.send(ctx, protocol.TypeInitStart, protocol.InitStart{
		ServerLSN: prog.StartLSN,
		Resuming:  resuming,
	}); err != nil {
		return err
	}

	for _, t := range a.deps.Tables.List() {
		if prog.Completed(t.Name) {
			continue
		}
		if err := a.syncTable(ctx, t.Name, &prog); err != nil {
			return fmt.Errorf("snapshot %s: %w", t.Name, err)
		}
		prog.CompletedTables = append(prog.CompletedTables, t.Name)
		prog.CurrentTable = ""
		prog.LastAckedChunk = 0
		prog.CursorID = ""
		if err := a.deps.Store.InitialProgressPut(ctx, a.clientID, prog); err != nil {
			return err
		}
	}

	if err := a.send(ctx, protocol.TypeInitComplete, protocol.InitComplete{
		ServerLSN: prog.StartLSN,
	}); err != nil {
		return err
	}
	if _, err := a.corr.WaitFor(ctx, protocol.TypeInitProcessed, nil, a.cfg.AckTimeout); err != nil {
		return fmt.Errorf("await init processed: %w", err)
	}

	return a.finishInitialSync(ctx, prog)
}

// syncTable ships one table chunk by chunk, persisting the cursor after each
// acknowledged chunk.
func (a *Actor) syncTable(ctx context.Context, table string, prog *progress.InitialProgress) error {
	chunk := 0
	afterID := ""
	var shipped int64
	if prog.CurrentTable == table {
		chunk = prog.LastAckedChunk
		afterID = prog.CursorID
		shipped = int64(chunk) * int64(a.cfg.ChunkSize)
	}

	count, err := a.deps.Pager.Count(ctx, table)
	if err != nil {
		return err
	}
	totalChunks := int((count + int64(a.cfg.ChunkSize) - 1) / int64(a.cfg.ChunkSize))

	for {
		rows, nextAfterID, hasMore, err := a.collectChunk(ctx, table, afterID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		chunk++
		shipped += int64(len(rows))
		seq := protocol.Sequence{Table: table, Chunk: chunk, Total: totalChunks}
		if err := a.send(ctx, protocol.TypeInitChanges, protocol.InitChanges{
			Changes:         snapshotChanges(table, rows),
			Sequence:        seq,
			CumulativeTotal: shipped,
		}); err != nil {
			return err
		}
		a.deps.Metrics.SnapshotChunkSent(len(rows))

		_, err = a.corr.WaitFor(ctx, protocol.TypeInitReceived, func(f protocol.Frame) bool {
			var ack protocol.InitReceived
			if err := f.Decode(&ack); err != nil {
				return false
			}
			return ack.Table == table && ack.Chunk == seq.Chunk
		}, a.cfg.AckTimeout)
		if err != nil {
			return fmt.Errorf("await chunk %d ack: %w", chunk, err)
		}

		prog.CurrentTable = table
		prog.LastAckedChunk = chunk
		prog.CursorID = nextAfterID
		if err := a.deps.Store.InitialProgressPut(ctx, a.clientID, *prog); err != nil {
			return err
		}

		if !hasMore {
			return nil
		}
		afterID = nextAfterID
	}
}

// collectChunk assembles one wire chunk from smaller cursor pages. The DB
// page size bounds per-query row counts while the wire chunk stays larger.
func (a *Actor) collectChunk(ctx context.Context, table, afterID string) (rows []map[string]any, nextAfterID string, hasMore bool, err error) {
	nextAfterID = afterID
	for len(rows) < a.cfg.ChunkSize {
		want := a.cfg.CursorPageSize
		if remaining := a.cfg.ChunkSize - len(rows); remaining < want {
			want = remaining
		}
		page, err := a.deps.Pager.Next(ctx, table, nextAfterID, want)
		if err != nil {
			return nil, "", false, err
		}
		rows = append(rows, page.Rows...)
		if page.NextAfterID != "" {
			nextAfterID = page.NextAfterID
		}
		if !page.HasMore {
			return rows, nextAfterID, false, nil
		}
	}
	return rows, nextAfterID, true, nil
}

// snapshotChanges wraps raw rows as update changes so the client applies
// them through the same idempotent merge path as feed changes.
func snapshotChanges(table string, rows []map[string]any) []protocol.Change {
	changes := make([]protocol.Change, 0, len(rows))
	for _, row := range rows {
		c := protocol.Change{Table: table, Op: protocol.OpUpdate, Data: row}
		if ts, ok := row["updated_at"].(time.Time); ok {
			c.UpdatedAt = ts
		}
		changes = append(changes, c)
	}
	return changes
}

// finishInitialSync seals the snapshot and hands the session to the next
// phase. When the server moved past the snapshot start position the client
// continues in CATCHUP from the start position, so nothing written during
// the snapshot is skipped; replays are absorbed by the idempotent merge.
func (a *Actor) finishInitialSync(ctx context.Context, prog progress.InitialProgress) error {
	startLSN, err := lsn.Parse(prog.StartLSN)
	if err != nil {
		return err
	}
	serverLSN, err := a.deps.Feed.CurrentServerLSN(ctx)
	if err != nil {
		return err
	}
	a.deps.Metrics.ServerPosition(serverLSN)

	next := protocol.PhaseLive
	anchor := serverLSN
	if serverLSN != startLSN {
		next = protocol.PhaseCatchup
		anchor = startLSN
	}

	if err := a.deps.Store.SetClientLSN(ctx, a.clientID, anchor); err != nil {
		return err
	}
	prog.Status = progress.StatusComplete
	if err := a.deps.Store.InitialProgressPut(ctx, a.clientID, prog); err != nil {
		return err
	}
	if err := a.deps.Store.SetPhase(ctx, a.clientID, next); err != nil {
		return err
	}

	if err := a.send(ctx, protocol.TypeLSNUpdate, protocol.LSNUpdate{
		LSN: anchor.String(),
	}); err != nil {
		return err
	}
	if err := a.send(ctx, protocol.TypeStateChange, protocol.StateChange{
		State: next,
		LSN:   anchor.String(),
	}); err != nil {
		return err
	}
	a.deps.Registry.Advise(ctx, a.clientID, anchor.String(), string(next))
	a.logger.Info().Str("phase", string(next)).Stringer("lsn", anchor).
		Msg("initial sync complete")
	return nil
}
