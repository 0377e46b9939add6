package sqlitehost

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
)

// Caller is the managed dispatch surface the bridge_call SQL function
// routes to. *invocation.Dispatcher satisfies it.
type Caller interface {
	Call(ctx context.Context, name string, args ...hostbridge.Native) (hostbridge.Native, error)
}

// Engine is the SQLite host adapter
type Engine struct {
	db *sql.DB

	mu     sync.Mutex
	conn   *sql.Conn // pinned; carries all SAVEPOINT state
	tx     []txRec
	txSeq  uint64
	caller Caller

	// callCtx is the context of the SPI call currently executing a
	// statement, so bridge_call can re-enter the boundary lock it
	// already holds. Single logical thread; one slot is enough.
	callCtx context.Context

	pending *hostbridge.Failure

	root *scopeRec
	cur  *scopeRec
}

type txRec struct {
	id   hostbridge.ScopeID
	name string // caller-visible name, bookkeeping only
	wire string // identifier actually used in SAVEPOINT statements
}

type scopeRec struct {
	label   string
	parent  *scopeRec
	deleted bool
}

type blockRec struct {
	size  int
	freed bool
}

type errorRecord struct {
	code    errors.Code
	message string
	freed   bool
}

// driver registration is per-engine so each connect hook closes over
// its own engine.
var (
	driverMu  sync.Mutex
	driverSeq int
)

// Open opens (creating if needed) an SQLite database at path and pins
// the connection the bridge will drive. Pass ":memory:" for a
// throwaway database.
func Open(path string) (*Engine, error) {
	root := &scopeRec{label: "root"}
	e := &Engine{root: root, cur: root}

	driverMu.Lock()
	driverSeq++
	name := fmt.Sprintf("sqlite3_hostbridge_%d", driverSeq)
	driverMu.Unlock()

	sql.Register(name, &sqlite3.SQLiteDriver{
		ConnectHook: func(c *sqlite3.SQLiteConn) error {
			return c.RegisterFunc("bridge_call", e.bridgeCall, false)
		},
	})

	db, err := sql.Open(name, path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindHostFailure, err, "open database")
	}
	// The pinned connection is the session; a pool would scatter
	// SAVEPOINT state across connections the bridge never sees.
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindHostFailure, err, "pin connection")
	}
	e.db = db
	e.conn = conn
	return e, nil
}

// Name identifies the adapter
func (e *Engine) Name() string {
	return "sqlite"
}

// Close releases the pinned connection and the database
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// SetDispatcher installs the managed dispatch surface bridge_call
// routes to. Statements may call bridge_call(name, arg) once this is
// set.
func (e *Engine) SetDispatcher(c Caller) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.caller = c
}

// bridgeCall is the SQL function installed on every connection. It
// runs on the goroutine executing the statement, which already holds
// the boundary lock; the stashed call context carries the re-entry
// token.
func (e *Engine) bridgeCall(name, arg string) (string, error) {
	e.mu.Lock()
	c := e.caller
	ctx := e.callCtx
	e.mu.Unlock()
	if c == nil {
		return "", errors.Unsupported(errors.PhaseCall, "no dispatcher bound to engine")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := c.Call(ctx, name, arg)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(out), nil
}

// enter stashes the in-flight call context for bridge_call re-entry.
// Callers pair it with the returned restore in a defer.
func (e *Engine) enter(ctx context.Context) func() {
	e.mu.Lock()
	prev := e.callCtx
	e.callCtx = ctx
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.callCtx = prev
		e.mu.Unlock()
	}
}

// fail latches err as the pending host failure and returns the
// structured error for the failed operation.
func (e *Engine) fail(op string, cause error) error {
	code := mapCode(cause)
	e.mu.Lock()
	e.pending = &hostbridge.Failure{
		Code:    code,
		Message: cause.Error(),
		Record:  &errorRecord{code: code, message: cause.Error()},
	}
	e.mu.Unlock()
	return errors.New(errors.PhaseHost, errors.KindHostFailure).
		Entity(op).
		Code(code).
		Cause(cause).
		Build()
}

// mapCode folds SQLite error numbers into condition codes. Anything
// unrecognized reports the general-error code.
func mapCode(err error) errors.Code {
	var se sqlite3.Error
	if !stderrors.As(err, &se) {
		return errors.MustCode("HY000")
	}
	switch se.Code {
	case sqlite3.ErrConstraint:
		return errors.MustCode("23000")
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return errors.MustCode("55P03")
	case sqlite3.ErrError:
		return errors.MustCode("42601")
	case sqlite3.ErrAuth, sqlite3.ErrPerm:
		return errors.MustCode("42501")
	default:
		return errors.MustCode("HY000")
	}
}

// Memory. SQLite exposes no allocation scopes, so these are
// adapter-side records: what matters to the bridge is that Switch and
// DeleteScope behave, and that misuse is detected.

// Current returns the scope new adapter allocations go into
func (e *Engine) Current() hostbridge.Scope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur
}

// Switch makes to the current scope and returns the previous one
func (e *Engine) Switch(to hostbridge.Scope) hostbridge.Scope {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.cur
	e.cur = to.(*scopeRec)
	return prev
}

// NewScope creates a child scope under parent
func (e *Engine) NewScope(parent hostbridge.Scope, label string) (hostbridge.Scope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.root
	if parent != nil {
		p = parent.(*scopeRec)
	}
	if p.deleted {
		return nil, errors.InvalidInput(errors.PhaseHost, "parent scope already deleted")
	}
	return &scopeRec{label: label, parent: p}, nil
}

// DeleteScope frees a scope record
func (e *Engine) DeleteScope(sc hostbridge.Scope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := sc.(*scopeRec)
	if s == e.root {
		return errors.InvalidInput(errors.PhaseHost, "cannot delete the root scope")
	}
	if s.deleted {
		return errors.DoubleRelease("delete-scope")
	}
	s.deleted = true
	if e.cur == s {
		e.cur = s.parent
	}
	return nil
}

// Alloc tracks an adapter-side allocation. Tests and demos use it to
// create something worth freeing.
func (e *Engine) Alloc(size int) hostbridge.Native {
	return &blockRec{size: size}
}

// FreeBlock frees a tracked allocation
func (e *Engine) FreeBlock(block hostbridge.Native) error {
	b := block.(*blockRec)
	if b.freed {
		return errors.DoubleRelease("free-block")
	}
	b.freed = true
	return nil
}

// Transactor, backed by SAVEPOINT on the pinned connection. The wire
// names are generated so caller-supplied names never reach SQL text.

// BeginNested opens a nested scope
func (e *Engine) BeginNested(name string) (hostbridge.ScopeID, int, error) {
	e.mu.Lock()
	e.txSeq++
	rec := txRec{
		id:   hostbridge.ScopeID(e.txSeq),
		name: name,
		wire: fmt.Sprintf("hb_sp_%d", e.txSeq),
	}
	conn := e.conn
	e.mu.Unlock()

	if _, err := conn.ExecContext(context.Background(), "SAVEPOINT "+rec.wire); err != nil {
		return 0, e.Level(), e.fail("begin-nested", err)
	}
	e.mu.Lock()
	e.tx = append(e.tx, rec)
	level := len(e.tx)
	e.mu.Unlock()
	return rec.id, level, nil
}

// Level returns the nesting depth
func (e *Engine) Level() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tx)
}

// CurrentID returns the innermost scope's identity, zero at depth 0
func (e *Engine) CurrentID() hostbridge.ScopeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tx) == 0 {
		return 0
	}
	return e.tx[len(e.tx)-1].id
}

// ReleaseCurrent commits the innermost scope into its parent
func (e *Engine) ReleaseCurrent() error {
	return e.endTx("release-nested", false)
}

// RollbackCurrent discards the innermost scope's effects
func (e *Engine) RollbackCurrent() error {
	return e.endTx("rollback-nested", true)
}

// Discard abandons the innermost scope during unwinding. Effects are
// rolled back; an unwind that wanted them kept would have released.
func (e *Engine) Discard() error {
	return e.endTx("discard-nested", true)
}

func (e *Engine) endTx(op string, rollback bool) error {
	e.mu.Lock()
	if len(e.tx) == 0 {
		e.mu.Unlock()
		return errors.InvalidInput(errors.PhaseHost, "no nested scope is open")
	}
	top := e.tx[len(e.tx)-1]
	conn := e.conn
	e.mu.Unlock()

	ctx := context.Background()
	if rollback {
		if _, err := conn.ExecContext(ctx, "ROLLBACK TO "+top.wire); err != nil {
			return e.fail(op, err)
		}
	}
	// RELEASE pops the savepoint either way; ROLLBACK TO alone leaves
	// it on the connection's stack.
	if _, err := conn.ExecContext(ctx, "RELEASE "+top.wire); err != nil {
		return e.fail(op, err)
	}
	e.mu.Lock()
	e.tx = e.tx[:len(e.tx)-1]
	e.mu.Unlock()
	return nil
}

// FailureSource

// TakeFailure captures and clears the pending failure
func (e *Engine) TakeFailure() *hostbridge.Failure {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.pending
	e.pending = nil
	return f
}

// RaiseFailure records a failure as pending
func (e *Engine) RaiseFailure(f *hostbridge.Failure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = f
}

// Release hooks for query objects and records. Each expects the value
// type this adapter registered and reports a double free.

func (e *Engine) FreeDescriptor(n hostbridge.Native) error {
	d, ok := n.(*descriptor)
	if !ok {
		return badNative("free-descriptor", n)
	}
	return d.Free()
}

func (e *Engine) FreeRow(n hostbridge.Native) error {
	r, ok := n.(*row)
	if !ok {
		return badNative("free-row", n)
	}
	return r.Free()
}

func (e *Engine) FreeErrorRecord(n hostbridge.Native) error {
	rec, ok := n.(*errorRecord)
	if !ok {
		return badNative("free-error-record", n)
	}
	if rec.freed {
		return errors.DoubleRelease("free-error-record")
	}
	rec.freed = true
	return nil
}

func (e *Engine) FreePlan(n hostbridge.Native) error {
	p, ok := n.(*plan)
	if !ok {
		return badNative("free-plan", n)
	}
	return p.Close()
}

func (e *Engine) FreeResultSet(n hostbridge.Native) error {
	rs, ok := n.(*resultSet)
	if !ok {
		return badNative("free-result-set", n)
	}
	return rs.Release()
}

func (e *Engine) CloseCursor(n hostbridge.Native) error {
	c, ok := n.(*cursor)
	if !ok {
		return badNative("close-cursor", n)
	}
	return c.Close()
}

func badNative(op string, n hostbridge.Native) error {
	return errors.New(errors.PhaseRelease, errors.KindInvalidInput).
		Entity(op).
		Detail("unexpected native type %T", n).
		Build()
}
