package sqlitehost

import (
	"context"
	"database/sql"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
)

// Connect hands out a frame connection. All frame connections share
// the pinned session connection; Close detaches the wrapper without
// touching the underlying connection, which must survive for SAVEPOINT
// coherence until the engine closes.
func (e *Engine) Connect(ctx context.Context) (hostbridge.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, errors.Closed(errors.PhaseConnect, "engine")
	}
	return &conn{e: e}, nil
}

type conn struct {
	e      *Engine
	closed bool
}

func (c *conn) Prepare(ctx context.Context, text string) (hostbridge.Plan, error) {
	if c.closed {
		return nil, errors.Closed(errors.PhaseHost, "connection")
	}
	defer c.e.enter(ctx)()
	stmt, err := c.e.conn.PrepareContext(ctx, text)
	if err != nil {
		return nil, c.e.fail("prepare", err)
	}
	return &plan{e: c.e, stmt: stmt, text: text}, nil
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}

type plan struct {
	e      *Engine
	stmt   *sql.Stmt
	text   string
	closed bool
}

func (p *plan) Exec(ctx context.Context, args ...any) (int64, error) {
	if p.closed {
		return 0, errors.Closed(errors.PhaseHost, "plan")
	}
	defer p.e.enter(ctx)()
	res, err := p.stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, p.e.fail("exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, p.e.fail("exec", err)
	}
	return n, nil
}

func (p *plan) Open(ctx context.Context, args ...any) (hostbridge.Cursor, error) {
	if p.closed {
		return nil, errors.Closed(errors.PhaseHost, "plan")
	}
	defer p.e.enter(ctx)()
	rows, err := p.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, p.e.fail("open", err)
	}
	cols, err := describe(rows)
	if err != nil {
		_ = rows.Close()
		return nil, p.e.fail("open", err)
	}
	return &cursor{e: p.e, rows: rows, cols: cols}, nil
}

func (p *plan) Close() error {
	if p.closed {
		return errors.DoubleRelease("free-plan")
	}
	p.closed = true
	return p.stmt.Close()
}

func describe(rows *sql.Rows) ([]hostbridge.ColumnInfo, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]hostbridge.ColumnInfo, len(types))
	for i, t := range types {
		cols[i] = hostbridge.ColumnInfo{Name: t.Name(), Type: t.DatabaseTypeName()}
	}
	return cols, nil
}

type cursor struct {
	e      *Engine
	rows   *sql.Rows
	cols   []hostbridge.ColumnInfo
	closed bool
}

func (c *cursor) Next(ctx context.Context) (hostbridge.Row, bool, error) {
	if c.closed {
		return nil, false, errors.Closed(errors.PhaseHost, "cursor")
	}
	defer c.e.enter(ctx)()
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, false, c.e.fail("fetch-next", err)
		}
		return nil, false, nil
	}
	vals, err := c.scan()
	if err != nil {
		return nil, false, c.e.fail("fetch-next", err)
	}
	return &row{vals: vals}, true, nil
}

func (c *cursor) Fetch(ctx context.Context, n int) (hostbridge.ResultSet, error) {
	if c.closed {
		return nil, errors.Closed(errors.PhaseHost, "cursor")
	}
	defer c.e.enter(ctx)()
	rs := &resultSet{cols: c.cols}
	for len(rs.rows) < n && c.rows.Next() {
		vals, err := c.scan()
		if err != nil {
			return nil, c.e.fail("fetch", err)
		}
		rs.rows = append(rs.rows, vals)
	}
	if err := c.rows.Err(); err != nil {
		return nil, c.e.fail("fetch", err)
	}
	return rs, nil
}

// scan copies the current row into values the caller owns. Byte slices
// are cloned because the driver reuses its buffers between rows.
func (c *cursor) scan() ([]any, error) {
	vals := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals, nil
}

func (c *cursor) Close() error {
	if c.closed {
		return errors.DoubleRelease("close-cursor")
	}
	c.closed = true
	return c.rows.Close()
}

// resultSet is a materialized snapshot; its rows are views into the
// snapshot and go away with it.
type resultSet struct {
	rows     [][]any
	cols     []hostbridge.ColumnInfo
	released bool
}

func (rs *resultSet) Len() int {
	return len(rs.rows)
}

func (rs *resultSet) Row(i int) hostbridge.Row {
	return &row{vals: rs.rows[i], view: true}
}

func (rs *resultSet) Descriptor() hostbridge.Descriptor {
	return &descriptor{cols: rs.cols}
}

func (rs *resultSet) Release() error {
	if rs.released {
		return errors.DoubleRelease("free-result-set")
	}
	rs.released = true
	rs.rows = nil
	return nil
}

type row struct {
	vals  []any
	view  bool
	freed bool
}

func (r *row) Values() []any {
	return r.vals
}

func (r *row) Free() error {
	if r.view {
		return nil
	}
	if r.freed {
		return errors.DoubleRelease("free-row")
	}
	r.freed = true
	r.vals = nil
	return nil
}

type descriptor struct {
	cols  []hostbridge.ColumnInfo
	freed bool
}

func (d *descriptor) Columns() []hostbridge.ColumnInfo {
	return d.cols
}

func (d *descriptor) Free() error {
	if d.freed {
		return errors.DoubleRelease("free-descriptor")
	}
	d.freed = true
	return nil
}
