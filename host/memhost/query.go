package memhost

import (
	"context"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
)

// stmtDef is a scripted statement: what Exec reports and what a cursor
// over it yields.
type stmtDef struct {
	cols     []hostbridge.ColumnInfo
	rows     [][]any
	affected int64
}

// Define scripts a statement. Preparing an undefined text fails, which
// is the engine's stand-in for a parse error.
func (e *Engine) Define(text string, cols []hostbridge.ColumnInfo, rows [][]any, affected int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stmts[text] = &stmtDef{cols: cols, rows: rows, affected: affected}
}

// Connect opens an engine connection
func (e *Engine) Connect(ctx context.Context) (hostbridge.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFail("connect"); err != nil {
		return nil, err
	}
	e.log("connect")
	return &conn{e: e}, nil
}

type conn struct {
	e      *Engine
	closed bool
}

func (c *conn) Prepare(ctx context.Context, text string) (hostbridge.Plan, error) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if c.closed {
		return nil, errors.Closed(errors.PhaseHost, "connection")
	}
	if err := c.e.checkFail("prepare"); err != nil {
		return nil, err
	}
	def, ok := c.e.stmts[text]
	if !ok {
		c.e.pending = &hostbridge.Failure{
			Code:    errors.MustCode("42601"),
			Message: "statement not defined: " + text,
			Record:  &Resource{Kind: "error-record"},
		}
		return nil, errors.NotFound(errors.PhaseHost, "statement", text)
	}
	c.e.log("prepare %s", text)
	return &plan{e: c.e, def: def, text: text}, nil
}

func (c *conn) Close() error {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if c.closed {
		return errors.DoubleRelease("disconnect")
	}
	c.closed = true
	c.e.log("disconnect")
	return nil
}

type plan struct {
	e      *Engine
	def    *stmtDef
	text   string
	closed bool
}

func (p *plan) Exec(ctx context.Context, args ...any) (int64, error) {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	if p.closed {
		return 0, errors.Closed(errors.PhaseHost, "plan")
	}
	if err := p.e.checkFail("exec"); err != nil {
		return 0, err
	}
	p.e.log("exec %s", p.text)
	return p.def.affected, nil
}

func (p *plan) Open(ctx context.Context, args ...any) (hostbridge.Cursor, error) {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	if p.closed {
		return nil, errors.Closed(errors.PhaseHost, "plan")
	}
	if err := p.e.checkFail("open"); err != nil {
		return nil, err
	}
	p.e.log("open %s", p.text)
	return &cursor{e: p.e, def: p.def}, nil
}

func (p *plan) Close() error {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	if p.closed {
		return errors.DoubleRelease("free-plan")
	}
	p.closed = true
	p.e.log("close-plan %s", p.text)
	return nil
}

type cursor struct {
	e      *Engine
	def    *stmtDef
	pos    int
	closed bool
}

func (c *cursor) Next(ctx context.Context) (hostbridge.Row, bool, error) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if c.closed {
		return nil, false, errors.Closed(errors.PhaseHost, "cursor")
	}
	if c.pos >= len(c.def.rows) {
		return nil, false, nil
	}
	r := &row{e: c.e, vals: c.def.rows[c.pos]}
	c.pos++
	c.e.log("fetch-row")
	return r, true, nil
}

func (c *cursor) Fetch(ctx context.Context, n int) (hostbridge.ResultSet, error) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if c.closed {
		return nil, errors.Closed(errors.PhaseHost, "cursor")
	}
	end := c.pos + n
	if end > len(c.def.rows) {
		end = len(c.def.rows)
	}
	rs := &resultSet{e: c.e, cols: c.def.cols, rows: c.def.rows[c.pos:end]}
	c.pos = end
	c.e.log("fetch %d", len(rs.rows))
	return rs, nil
}

func (c *cursor) Close() error {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if c.closed {
		return errors.DoubleRelease("close-cursor")
	}
	c.closed = true
	c.e.log("close-cursor")
	return nil
}

type resultSet struct {
	e        *Engine
	cols     []hostbridge.ColumnInfo
	rows     [][]any
	released bool
}

func (rs *resultSet) Len() int {
	return len(rs.rows)
}

func (rs *resultSet) Row(i int) hostbridge.Row {
	return &row{e: rs.e, vals: rs.rows[i], shared: true}
}

func (rs *resultSet) Descriptor() hostbridge.Descriptor {
	return &descriptor{e: rs.e, cols: rs.cols}
}

func (rs *resultSet) Release() error {
	rs.e.mu.Lock()
	defer rs.e.mu.Unlock()
	if rs.released {
		return errors.DoubleRelease("free-result-set")
	}
	rs.released = true
	rs.e.log("free-result-set %d", len(rs.rows))
	return nil
}

type row struct {
	e      *Engine
	vals   []any
	shared bool
	freed  bool
}

func (r *row) Values() []any {
	return r.vals
}

func (r *row) Free() error {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if r.shared {
		// Freed with its result set
		return nil
	}
	if r.freed {
		return errors.DoubleRelease("free-row-value")
	}
	r.freed = true
	r.e.log("free-row-value")
	return nil
}

type descriptor struct {
	e     *Engine
	cols  []hostbridge.ColumnInfo
	freed bool
}

func (d *descriptor) Columns() []hostbridge.ColumnInfo {
	return d.cols
}

func (d *descriptor) Free() error {
	d.e.mu.Lock()
	defer d.e.mu.Unlock()
	if d.freed {
		return errors.DoubleRelease("free-descriptor-value")
	}
	d.freed = true
	d.e.log("free-descriptor-value")
	return nil
}

// Registry hooks for query objects. The registry hands back the SPI
// value that was registered; each hook closes it through its own path.

func (e *Engine) FreePlan(n hostbridge.Native) error {
	if p, ok := n.(*plan); ok {
		if err := p.Close(); err != nil {
			return err
		}
		e.mu.Lock()
		e.log("free-plan %s", p.text)
		e.mu.Unlock()
		return nil
	}
	return e.freeResource("free-plan", n)
}

func (e *Engine) FreeResultSet(n hostbridge.Native) error {
	if rs, ok := n.(*resultSet); ok {
		if err := rs.Release(); err != nil {
			return err
		}
		return nil
	}
	return e.freeResource("free-result-set", n)
}

func (e *Engine) CloseCursor(n hostbridge.Native) error {
	if c, ok := n.(*cursor); ok {
		return c.Close()
	}
	return e.freeResource("close-cursor", n)
}
