package memhost

import (
	"fmt"
	"sync"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
)

// Engine is the in-memory reference host. It models nested allocation
// scopes with block accounting, a nested transaction stack with
// monotonically assigned scope IDs, and a single pending-failure slot,
// which is all the host surface the bridge needs. Double frees and
// scope misuse are detected and reported instead of tolerated, which
// is what makes it useful as the primary test engine.
//
// All operations keep an order-preserving journal of the native calls
// performed, so tests can assert exactly what the bridge did.
type Engine struct {
	mu sync.Mutex

	root *scopeRec
	cur  *scopeRec

	tx    []txRec
	txSeq uint64

	pending *hostbridge.Failure
	failOn  map[string]*hostbridge.Failure

	stmts   map[string]*stmtDef
	journal []string

	liveBlocks int
	liveScopes int
}

type scopeRec struct {
	label   string
	parent  *scopeRec
	deleted bool
}

type blockRec struct {
	scope *scopeRec
	size  int
	freed bool
}

type txRec struct {
	id   hostbridge.ScopeID
	name string
}

// Resource is a generic freeable host object used for descriptors,
// rows, error records, and anything else a test registers.
type Resource struct {
	Kind  string
	freed bool
}

// Freed reports whether the resource was released
func (r *Resource) Freed() bool {
	return r.freed
}

// New creates an engine with a root scope as the current scope
func New() *Engine {
	root := &scopeRec{label: "root"}
	return &Engine{
		root:   root,
		cur:    root,
		failOn: make(map[string]*hostbridge.Failure),
		stmts:  make(map[string]*stmtDef),
	}
}

// Name identifies the adapter
func (e *Engine) Name() string {
	return "mem"
}

func (e *Engine) log(format string, args ...any) {
	e.journal = append(e.journal, fmt.Sprintf(format, args...))
}

// Journal returns a copy of the native-call journal
func (e *Engine) Journal() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.journal))
	copy(out, e.journal)
	return out
}

// ClearJournal resets the journal, keeping all other state
func (e *Engine) ClearJournal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.journal = e.journal[:0]
}

// LiveBlocks returns the number of allocated, unfreed blocks
func (e *Engine) LiveBlocks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveBlocks
}

// LiveScopes returns the number of created, undeleted scopes
func (e *Engine) LiveScopes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveScopes
}

// TxDepth returns the nested transaction depth
func (e *Engine) TxDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tx)
}

// FailNext arranges for the next operation with the given journal name
// to fail, raising f as the pending host failure. Consumed once.
func (e *Engine) FailNext(op string, f *hostbridge.Failure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOn[op] = f
}

// checkFail consumes an injected failure for op. Caller holds e.mu.
func (e *Engine) checkFail(op string) error {
	f := e.failOn[op]
	if f == nil {
		return nil
	}
	delete(e.failOn, op)
	e.pending = f
	e.log("%s: failed", op)
	return errors.New(errors.PhaseHost, errors.KindHostFailure).
		Entity(op).
		Detail("injected failure").
		Build()
}

// NewResource creates a generic freeable object
func (e *Engine) NewResource(kind string) *Resource {
	return &Resource{Kind: kind}
}

// Memory

// Current returns the scope new allocations go into
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
	if err := e.checkFail("new-scope"); err != nil {
		return nil, err
	}
	p := e.root
	if parent != nil {
		p = parent.(*scopeRec)
	}
	if p.deleted {
		return nil, errors.New(errors.PhaseHost, errors.KindInvalidInput).
			Entity("new-scope").
			Detail("parent scope %q already deleted", p.label).
			Build()
	}
	s := &scopeRec{label: label, parent: p}
	e.liveScopes++
	e.log("new-scope %s", label)
	return s, nil
}

// DeleteScope frees a scope. Deleting twice is reported, not tolerated.
func (e *Engine) DeleteScope(sc hostbridge.Scope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := sc.(*scopeRec)
	if s == e.root {
		return errors.New(errors.PhaseHost, errors.KindInvalidInput).
			Entity("delete-scope").
			Detail("cannot delete the root scope").
			Build()
	}
	if s.deleted {
		return errors.DoubleRelease("delete-scope")
	}
	s.deleted = true
	e.liveScopes--
	if e.cur == s {
		e.cur = s.parent
	}
	e.log("delete-scope %s", s.label)
	return nil
}

// Alloc allocates a block in the current scope. Not part of the SPI;
// tests and examples use it to create things worth freeing.
func (e *Engine) Alloc(size int) hostbridge.Native {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := &blockRec{scope: e.cur, size: size}
	e.liveBlocks++
	e.log("alloc %d", size)
	return b
}

// FreeBlock frees a single allocation
func (e *Engine) FreeBlock(block hostbridge.Native) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := block.(*blockRec)
	if b.freed {
		return errors.DoubleRelease("free-block")
	}
	b.freed = true
	e.liveBlocks--
	e.log("free-block %d", b.size)
	return nil
}

// Transactor

// BeginNested opens a nested transaction scope
func (e *Engine) BeginNested(name string) (hostbridge.ScopeID, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFail("begin-nested"); err != nil {
		return 0, len(e.tx), err
	}
	e.txSeq++
	id := hostbridge.ScopeID(e.txSeq)
	e.tx = append(e.tx, txRec{id: id, name: name})
	e.log("begin-nested %s", name)
	return id, len(e.tx), nil
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
	return e.endTx("release-nested")
}

// RollbackCurrent discards the innermost scope's effects
func (e *Engine) RollbackCurrent() error {
	return e.endTx("rollback-nested")
}

// Discard abandons the innermost scope during unwinding
func (e *Engine) Discard() error {
	return e.endTx("discard-nested")
}

func (e *Engine) endTx(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFail(op); err != nil {
		return err
	}
	if len(e.tx) == 0 {
		return errors.New(errors.PhaseHost, errors.KindInvalidInput).
			Entity(op).
			Detail("no nested scope is open").
			Build()
	}
	top := e.tx[len(e.tx)-1]
	e.tx = e.tx[:len(e.tx)-1]
	e.log("%s %s", op, top.name)
	return nil
}

// PushTx opens a scope behind the controller's back. Tests use it to
// simulate host state diverging from what the bridge recorded.
func (e *Engine) PushTx(name string) hostbridge.ScopeID {
	id, _, _ := e.BeginNested(name)
	return id
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

// RaiseFailure records a failure as pending, as the native error
// mechanism would.
func (e *Engine) RaiseFailure(f *hostbridge.Failure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = f
	e.log("raise %s", f.Code)
}

// Pending reports whether a failure is waiting to be taken
func (e *Engine) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// Fail builds a failure whose record is a freeable engine resource
func (e *Engine) Fail(code errors.Code, message string) *hostbridge.Failure {
	return &hostbridge.Failure{
		Code:    code,
		Message: message,
		Record:  e.NewResource("error-record"),
	}
}

// Release hooks for resources that are not blocks or scopes. Each
// expects the generic Resource type and reports a double free.

func (e *Engine) FreeDescriptor(n hostbridge.Native) error {
	if d, ok := n.(*descriptor); ok {
		return d.Free()
	}
	return e.freeResource("free-descriptor", n)
}

func (e *Engine) FreeRow(n hostbridge.Native) error {
	if r, ok := n.(*row); ok {
		return r.Free()
	}
	return e.freeResource("free-row", n)
}

func (e *Engine) FreeErrorRecord(n hostbridge.Native) error {
	return e.freeResource("free-error-record", n)
}

func (e *Engine) freeResource(op string, n hostbridge.Native) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := n.(*Resource)
	if !ok {
		return errors.New(errors.PhaseHost, errors.KindInvalidInput).
			Entity(op).
			Detail("unexpected native type %T", n).
			Build()
	}
	if r.freed {
		return errors.DoubleRelease(op)
	}
	r.freed = true
	e.log("%s %s", op, r.Kind)
	return nil
}
