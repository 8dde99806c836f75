package tables

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrNoPrimaryKey is returned when a domain table lacks a single-column
// primary key named id. Snapshot paging depends on a stable PK order, so the
// driver refuses to operate on such tables.
var ErrNoPrimaryKey = errors.New("tables: no usable primary key")

// Page is one window of rows from a domain table.
type Page struct {
	Rows        []map[string]any
	NextAfterID string
	HasMore     bool
}

// Pager reads domain tables in primary-key order, one window at a time.
type Pager struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPager creates a Pager backed by the given pool.
func NewPager(pool *pgxpool.Pool, logger zerolog.Logger) *Pager {
	return &Pager{
		pool:   pool,
		logger: logger.With().Str("component", "pager").Logger(),
	}
}

// VerifyPrimaryKeys checks every registered table has a primary key that is
// exactly the id column.
func (p *Pager) VerifyPrimaryKeys(ctx context.Context, reg *Registry) error {
	var errs []error
	for _, t := range reg.List() {
		cols, err := p.primaryKeyColumns(ctx, t.Name)
		if err != nil {
			return fmt.Errorf("inspect primary key of %s: %w", t.Name, err)
		}
		if len(cols) != 1 || cols[0] != "id" {
			errs = append(errs, fmt.Errorf("%w: table %s has key %v", ErrNoPrimaryKey, t.Name, cols))
		}
	}
	return errors.Join(errs...)
}

func (p *Pager) primaryKeyColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY a.attnum`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// Next returns the window of rows with id greater than afterID, ascending.
// An empty afterID starts from the beginning. It fetches limit+1 rows to
// detect whether more remain.
func (p *Pager) Next(ctx context.Context, table, afterID string, limit int) (Page, error) {
	qn := quoteIdent(table)

	var (
		query string
		args  []any
	)
	if afterID == "" {
		query = fmt.Sprintf("SELECT * FROM %s ORDER BY id ASC LIMIT $1", qn)
		args = []any{limit + 1}
	} else {
		query = fmt.Sprintf("SELECT * FROM %s WHERE id > $1 ORDER BY id ASC LIMIT $2", qn)
		args = []any{afterID, limit + 1}
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("page %s after %q: %w", table, afterID, err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	cols := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		cols[i] = fd.Name
	}

	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return Page{}, fmt.Errorf("read %s row: %w", table, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("page %s: %w", table, err)
	}

	page := Page{Rows: out}
	if len(out) > limit {
		page.Rows = out[:limit]
		page.HasMore = true
	}
	if n := len(page.Rows); n > 0 {
		page.NextAfterID = fmt.Sprintf("%v", page.Rows[n-1]["id"])
	}
	return page, nil
}

// Count returns the number of rows currently in table.
func (p *Pager) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT count(*) FROM %s", quoteIdent(table))
	if err := p.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
