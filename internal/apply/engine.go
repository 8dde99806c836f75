// Package apply executes client-originated changes against the domain
// tables with last-writer-wins semantics. Conflicting rows are silently
// skipped; only non-CRDT statement failures surface as errors.
package apply

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/tablesync/internal/protocol"
)

// Timeouts bundles the statement-level deadlines of the engine.
type Timeouts struct {
	Statement   time.Duration
	SingleOp    time.Duration
	BatchInsert time.Duration
}

// Result summarizes one apply pass. AppliedIDs lists every deduplicated row
// id, conflict-skips included; Err carries the first non-CRDT failure.
type Result struct {
	AppliedIDs []string
	Applied    int
	Skipped    int
	Err        error
}

// Success reports whether the pass saw no non-CRDT errors.
func (r Result) Success() bool {
	return r.Err == nil
}

// querier is the slice of a pooled connection the row operations need.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Engine applies batches of client changes grouped by (table, op).
type Engine struct {
	pool     *pgxpool.Pool
	logger   zerolog.Logger
	timeouts Timeouts

	mu        sync.Mutex
	stmtCache map[string]string
}

// NewEngine creates an Engine writing through the given pool.
func NewEngine(pool *pgxpool.Pool, timeouts Timeouts, logger zerolog.Logger) *Engine {
	return &Engine{
		pool:      pool,
		logger:    logger.With().Str("component", "apply").Logger(),
		timeouts:  timeouts,
		stmtCache: make(map[string]string),
	}
}

// group is a run of deduplicated changes sharing (table, op).
type group struct {
	table   string
	op      protocol.Op
	changes []protocol.Change
}

// groupChanges splits deduplicated changes into (table, op) groups,
// preserving the order in which each group first appears.
func groupChanges(changes []protocol.Change) []group {
	type key struct {
		table string
		op    protocol.Op
	}
	index := make(map[key]int)
	var groups []group
	for _, c := range changes {
		k := key{c.Table, c.Op}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group{table: c.Table, op: c.Op})
		}
		groups[i].changes = append(groups[i].changes, c)
	}
	return groups
}

// Apply runs one pass over changes. The input must already be deduplicated
// by (table, id); see protocol.Dedupe.
func (e *Engine) Apply(ctx context.Context, changes []protocol.Change) Result {
	res := Result{AppliedIDs: protocol.IDs(changes)}
	if len(changes) == 0 {
		return res
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		res.Err = fmt.Errorf("acquire connection: %w", err)
		return res
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx,
		fmt.Sprintf("SET statement_timeout = %d", e.timeouts.Statement.Milliseconds())); err != nil {
		res.Err = fmt.Errorf("set statement timeout: %w", err)
		return res
	}

	for _, g := range groupChanges(changes) {
		applied, skipped, err := e.applyGroup(ctx, conn, g)
		res.Applied += applied
		res.Skipped += skipped
		if err != nil && res.Err == nil {
			res.Err = err
		}
	}
	return res
}

func (e *Engine) applyGroup(ctx context.Context, q querier, g group) (applied, skipped int, err error) {
	switch g.op {
	case protocol.OpInsert:
		return e.applyInserts(ctx, q, g)
	case protocol.OpUpdate:
		return e.applyRows(ctx, q, g, e.updateRow)
	case protocol.OpDelete:
		return e.applyRows(ctx, q, g, e.deleteRow)
	default:
		e.logger.Warn().Str("op", string(g.op)).Str("table", g.table).Msg("unknown op, skipping group")
		return 0, len(g.changes), nil
	}
}

// applyInserts upserts a run of rows in one statement, falling back to
// per-row upserts when the batch statement fails for a non-CRDT reason.
// Batches split whenever the column signature changes.
func (e *Engine) applyInserts(ctx context.Context, q querier, g group) (applied, skipped int, firstErr error) {
	var batch []protocol.Change
	var sig string

	flush := func() {
		if len(batch) == 0 {
			return
		}
		a, s, err := e.upsertBatch(ctx, q, g.table, batch)
		if err != nil {
			e.logger.Warn().Err(err).Str("table", g.table).Int("rows", len(batch)).
				Msg("batch upsert failed, retrying per row")
			a, s, err = e.applyRows(ctx, q, group{table: g.table, op: protocol.OpInsert, changes: batch}, e.upsertRow)
		}
		applied += a
		skipped += s
		if err != nil && firstErr == nil {
			firstErr = err
		}
		batch = batch[:0]
	}

	for _, c := range g.changes {
		s := columnSignature(c.Data)
		if len(batch) > 0 && s != sig {
			flush()
		}
		sig = s
		batch = append(batch, c)
	}
	flush()
	return applied, skipped, firstErr
}

func (e *Engine) upsertBatch(ctx context.Context, q querier, table string, batch []protocol.Change) (applied, skipped int, err error) {
	cols := sortedColumns(batch[0].Data)
	query := e.cachedStmt("I", table, columnSignature(batch[0].Data), len(batch), func() string {
		return buildUpsertSQL(table, cols, len(batch))
	})

	vals := make([]any, 0, len(batch)*len(cols))
	for _, c := range batch {
		for _, col := range cols {
			vals = append(vals, c.Data[col])
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, e.timeouts.BatchInsert)
	defer cancel()

	returned, err := collectReturnedIDs(opCtx, q, query, vals...)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert into %s (%d rows): %w", table, len(batch), err)
	}
	return len(returned), len(batch) - len(returned), nil
}

// rowFunc applies a single change and reports whether a row was affected.
type rowFunc func(ctx context.Context, q querier, table string, c protocol.Change) (bool, error)

// applyRows runs changes one at a time. Per-row errors are absorbed into the
// first-error summary; conflict rejections count as skipped.
func (e *Engine) applyRows(ctx context.Context, q querier, g group, fn rowFunc) (applied, skipped int, firstErr error) {
	for _, c := range g.changes {
		opCtx, cancel := context.WithTimeout(ctx, e.timeouts.SingleOp)
		ok, err := fn(opCtx, q, g.table, c)
		cancel()
		if err != nil {
			e.logger.Warn().Err(err).
				Str("table", g.table).Str("op", string(g.op)).Str("id", c.ID()).
				Msg("row apply failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s %s id=%s: %w", g.op, g.table, c.ID(), err)
			}
			continue
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}
	return applied, skipped, firstErr
}

func (e *Engine) upsertRow(ctx context.Context, q querier, table string, c protocol.Change) (bool, error) {
	cols := sortedColumns(c.Data)
	query := e.cachedStmt("I", table, columnSignature(c.Data), 1, func() string {
		return buildUpsertSQL(table, cols, 1)
	})
	vals := make([]any, 0, len(cols))
	for _, col := range cols {
		vals = append(vals, c.Data[col])
	}
	returned, err := collectReturnedIDs(ctx, q, query, vals...)
	if err != nil {
		return false, err
	}
	return len(returned) > 0, nil
}

func (e *Engine) updateRow(ctx context.Context, q querier, table string, c protocol.Change) (bool, error) {
	cols := sortedColumns(c.Data)
	if !hasNonIDColumn(cols) {
		// Nothing to set; an id-only update cannot move the row anywhere.
		return false, nil
	}
	query := e.cachedStmt("U", table, columnSignature(c.Data), 1, func() string {
		return buildUpdateSQL(table, cols)
	})

	vals := make([]any, 0, len(cols)+1)
	vals = append(vals, c.Data["id"])
	for _, col := range cols {
		if col == "id" {
			continue
		}
		vals = append(vals, c.Data[col])
	}
	returned, err := collectReturnedIDs(ctx, q, query, vals...)
	if err != nil {
		return false, err
	}
	return len(returned) > 0, nil
}

// deleteRow guards the delete with updated_at in the WHERE clause: the CRDT
// trigger cannot veto deletes, so a newer stored row must survive a stale
// delete.
func (e *Engine) deleteRow(ctx context.Context, q querier, table string, c protocol.Change) (bool, error) {
	query := e.cachedStmt("D", table, "", 1, func() string {
		return buildDeleteSQL(table)
	})
	returned, err := collectReturnedIDs(ctx, q, query, c.Data["id"], c.UpdatedAt)
	if err != nil {
		return false, err
	}
	return len(returned) > 0, nil
}

func collectReturnedIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// cachedStmt memoizes a built statement. The key carries the column
// signature: two changes for the same table with the same column count but
// different column sets must never share a statement.
func (e *Engine) cachedStmt(op, table, sig string, nRows int, build func() string) string {
	key := fmt.Sprintf("%s:%s:%s:%d", op, table, sig, nRows)
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.stmtCache[key]; ok {
		return q
	}
	q := build()
	e.stmtCache[key] = q
	return q
}

func buildUpsertSQL(table string, cols []string, nRows int) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	arg := 1
	for r := 0; r < nRows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for i := range cols {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", arg)
			arg++
		}
		sb.WriteByte(')')
	}

	var sets []string
	for _, c := range cols {
		if c == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
	}
	if len(sets) == 0 {
		sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	} else {
		sb.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
		sb.WriteString(strings.Join(sets, ", "))
	}
	sb.WriteString(" RETURNING id::text")
	return sb.String()
}

func buildUpdateSQL(table string, cols []string) string {
	var sets []string
	arg := 2
	for _, c := range cols {
		if c == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(c), arg))
		arg++
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE id = $1 RETURNING id::text",
		quoteIdent(table), strings.Join(sets, ", "))
}

func buildDeleteSQL(table string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND updated_at <= $2 RETURNING id::text",
		quoteIdent(table))
}

func sortedColumns(data map[string]any) []string {
	cols := make([]string, 0, len(data))
	for c := range data {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func columnSignature(data map[string]any) string {
	return strings.Join(sortedColumns(data), ",")
}

func hasNonIDColumn(cols []string) bool {
	for _, c := range cols {
		if c != "id" {
			return true
		}
	}
	return false
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
