package invocation

import (
	"context"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
	"github.com/wippyai/hostbridge/resource"
)

// frameOwner picks the resource owner for objects created now: the
// current frame's owner, or the session when no frame is active.
func (s *Stack) frameOwner() resource.Owner {
	if s.current != nil {
		return s.current.owner
	}
	return s.session
}

// Connection is a frame's engine connection. It is opened by
// Frame.Connect and closed automatically when the frame pops;
// statements prepared through it may outlive it.
type Connection struct {
	fr     *Frame
	spi    hostbridge.Conn
	closed bool
}

type planConfig struct {
	session bool
}

// PlanOption configures statement preparation
type PlanOption func(*planConfig)

// SessionLifetime keeps the prepared plan alive across invocations:
// the plan is owned by the session instead of the preparing frame and
// is freed when its wrapper becomes unreachable, when Close is
// called, or at session teardown.
func SessionLifetime() PlanOption {
	return func(c *planConfig) { c.session = true }
}

// Prepare compiles a statement into a plan. By default the plan is
// owned by the preparing frame and freed at its pop.
func (c *Connection) Prepare(ctx context.Context, text string, opts ...PlanOption) (*PreparedPlan, error) {
	if c.closed {
		return nil, errors.Closed(errors.PhaseCall, "connection")
	}
	var cfg planConfig
	for _, o := range opts {
		o(&cfg)
	}

	spi, err := c.spi.Prepare(ctx, text)
	if err != nil {
		return nil, c.fr.stack.hostErr(errors.PhaseCall, "prepare", err)
	}

	owner := c.fr.owner
	if cfg.session {
		owner = c.fr.stack.session
	}
	id, err := c.fr.stack.reg.Register(spi, resource.OpFreePlan, owner)
	if err != nil {
		_ = spi.Close()
		return nil, err
	}

	p := &PreparedPlan{stack: c.fr.stack, spi: spi, id: id, text: text}
	resource.Bind(c.fr.stack.reg, p, id)
	return p, nil
}

// close is called from frame pop
func (c *Connection) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.spi.Close()
}

// PreparedPlan is a compiled statement with registered release
// bookkeeping. Dropping the last reference enqueues the plan for
// deferred free; Close frees it immediately.
type PreparedPlan struct {
	stack  *Stack
	spi    hostbridge.Plan
	id     resource.EntryID
	text   string
	closed bool
}

// Text returns the statement text the plan was prepared from
func (p *PreparedPlan) Text() string {
	return p.text
}

func (p *PreparedPlan) alive() error {
	if p.closed || !p.stack.reg.Alive(p.id) {
		return errors.Closed(errors.PhaseCall, "plan")
	}
	return nil
}

// Exec runs the plan and returns the affected row count
func (p *PreparedPlan) Exec(ctx context.Context, args ...any) (int64, error) {
	if err := p.alive(); err != nil {
		return 0, err
	}
	n, err := p.spi.Exec(ctx, args...)
	if err != nil {
		return 0, p.stack.hostErr(errors.PhaseCall, "exec", err)
	}
	return n, nil
}

// Open runs the plan and returns a cursor over its results. The
// cursor is owned by the current frame: if it is still open at frame
// pop it is closed there, unless the frame ends in failure, in which
// case the close is suppressed because the engine already discarded
// the cursor during its own abort.
func (p *PreparedPlan) Open(ctx context.Context, args ...any) (*Cursor, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	spi, err := p.spi.Open(ctx, args...)
	if err != nil {
		return nil, p.stack.hostErr(errors.PhaseCall, "open", err)
	}
	id, err := p.stack.reg.Register(spi, resource.OpCloseCursor, p.stack.frameOwner())
	if err != nil {
		_ = spi.Close()
		return nil, err
	}
	cur := &Cursor{stack: p.stack, spi: spi, id: id}
	resource.Bind(p.stack.reg, cur, id)
	return cur, nil
}

// Close frees the plan immediately. Safe to call more than once; the
// native free runs at most once.
func (p *PreparedPlan) Close() error {
	p.closed = true
	_, err := p.stack.reg.ReleaseNow(p.id)
	return err
}

// Cursor iterates a plan's results
type Cursor struct {
	stack  *Stack
	spi    hostbridge.Cursor
	id     resource.EntryID
	closed bool
}

func (c *Cursor) alive() error {
	if c.closed || !c.stack.reg.Alive(c.id) {
		return errors.Closed(errors.PhaseCall, "cursor")
	}
	return nil
}

// Next returns the next row, or ok=false at the end. Each returned
// row is an independently freed copy owned by the current frame.
func (c *Cursor) Next(ctx context.Context) (*Row, bool, error) {
	if err := c.alive(); err != nil {
		return nil, false, err
	}
	spi, ok, err := c.spi.Next(ctx)
	if err != nil {
		return nil, false, c.stack.hostErr(errors.PhaseCall, "fetch next", err)
	}
	if !ok {
		return nil, false, nil
	}
	id, err := c.stack.reg.Register(spi, resource.OpFreeRow, c.stack.frameOwner())
	if err != nil {
		_ = spi.Free()
		return nil, false, err
	}
	r := &Row{stack: c.stack, spi: spi, id: id}
	resource.Bind(c.stack.reg, r, id)
	return r, true, nil
}

// Fetch materializes up to n rows into a result set owned by the
// current frame.
func (c *Cursor) Fetch(ctx context.Context, n int) (*ResultSet, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	spi, err := c.spi.Fetch(ctx, n)
	if err != nil {
		return nil, c.stack.hostErr(errors.PhaseCall, "fetch", err)
	}
	id, err := c.stack.reg.Register(spi, resource.OpFreeResultSet, c.stack.frameOwner())
	if err != nil {
		_ = spi.Release()
		return nil, err
	}
	rs := &ResultSet{stack: c.stack, spi: spi, id: id}
	resource.Bind(c.stack.reg, rs, id)
	return rs, nil
}

// Close closes the cursor immediately. An explicit close always runs
// the engine operation; the failure-suppression rule applies only to
// the automatic teardown paths.
func (c *Cursor) Close() error {
	c.closed = true
	_, err := c.stack.reg.ReleaseNow(c.id)
	return err
}

// ResultSet is a materialized batch of rows sharing one descriptor
type ResultSet struct {
	stack    *Stack
	spi      hostbridge.ResultSet
	id       resource.EntryID
	closed   bool
	desc     *Descriptor
}

func (rs *ResultSet) alive() error {
	if rs.closed || !rs.stack.reg.Alive(rs.id) {
		return errors.Closed(errors.PhaseCall, "result set")
	}
	return nil
}

// Len returns the number of rows in the set
func (rs *ResultSet) Len() int {
	return rs.spi.Len()
}

// Row returns the i-th row as a view into the set. Views share the
// set's storage and go away with it; Free on a view is a no-op.
func (rs *ResultSet) Row(i int) (*Row, error) {
	if err := rs.alive(); err != nil {
		return nil, err
	}
	if i < 0 || i >= rs.spi.Len() {
		return nil, errors.InvalidInput(errors.PhaseCall, "row index out of range")
	}
	return &Row{spi: rs.spi.Row(i)}, nil
}

// Descriptor returns the set's column descriptor. The descriptor is a
// copy registered for its own release, cached across calls.
func (rs *ResultSet) Descriptor() (*Descriptor, error) {
	if err := rs.alive(); err != nil {
		return nil, err
	}
	if rs.desc != nil {
		return rs.desc, nil
	}
	spi := rs.spi.Descriptor()
	id, err := rs.stack.reg.Register(spi, resource.OpFreeDescriptor, rs.stack.frameOwner())
	if err != nil {
		_ = spi.Free()
		return nil, err
	}
	d := &Descriptor{stack: rs.stack, spi: spi, id: id}
	resource.Bind(rs.stack.reg, d, id)
	rs.desc = d
	return d, nil
}

// Release frees the set immediately
func (rs *ResultSet) Release() error {
	rs.closed = true
	_, err := rs.stack.reg.ReleaseNow(rs.id)
	return err
}

// Row is a single result row. Rows from Cursor.Next own their storage
// and are freed through the registry; rows from ResultSet.Row are
// views freed with their set.
type Row struct {
	stack *Stack
	spi   hostbridge.Row
	id    resource.EntryID
}

// Values returns the row's column values
func (r *Row) Values() []any {
	return r.spi.Values()
}

// Free releases an owned row; a no-op for views
func (r *Row) Free() error {
	if r.id.IsZero() {
		return nil
	}
	_, err := r.stack.reg.ReleaseNow(r.id)
	return err
}

// Descriptor describes the shape of a result
type Descriptor struct {
	stack *Stack
	spi   hostbridge.Descriptor
	id    resource.EntryID
}

// Columns returns the column names and types
func (d *Descriptor) Columns() []hostbridge.ColumnInfo {
	return d.spi.Columns()
}

// Free releases the descriptor
func (d *Descriptor) Free() error {
	_, err := d.stack.reg.ReleaseNow(d.id)
	return err
}
