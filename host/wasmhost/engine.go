package wasmhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
	"github.com/wippyai/hostbridge/invocation"
)

// abiExports are the guest functions the adapter requires
var abiExports = []string{
	"arena_current", "arena_switch", "arena_new", "arena_delete",
	"alloc", "free",
	"tx_begin", "tx_level", "tx_id",
	"tx_release", "tx_rollback", "tx_discard",
}

// Config holds engine creation options
type Config struct {
	// MemoryLimitPages caps guest memory in 64KB pages. 0 means the
	// wazero default.
	MemoryLimitPages uint32
}

// Engine is the wazero host adapter. It drives a guest module
// implementing the arena/transaction ABI; see the package comment for
// the export list.
type Engine struct {
	runtime wazero.Runtime
	mod     api.Module
	fns     map[string]api.Function

	mu      sync.Mutex
	pending *hostbridge.Failure
	disp    *invocation.Dispatcher
}

type errorRecord struct {
	code    errors.Code
	message string
	freed   bool
}

// New compiles and instantiates the guest and resolves its ABI. The
// bridge import module is installed first, so guests may import
// bridge.call and bridge.ret.
func New(ctx context.Context, guest []byte, cfg *Config) (*Engine, error) {
	rcfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	e := &Engine{runtime: r, fns: make(map[string]api.Function)}

	if err := e.instantiateBridge(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}

	mod, err := r.Instantiate(ctx, guest)
	if err != nil {
		_ = r.Close(ctx)
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindHostFailure, err, "instantiate guest")
	}
	e.mod = mod

	for _, name := range abiExports {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			_ = r.Close(ctx)
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Entity(name).
				Detail("guest does not export the ABI function").
				Build()
		}
		e.fns[name] = fn
	}
	return e, nil
}

// instantiateBridge installs the import module guests call back
// through. call dispatches a managed procedure by name read from guest
// memory; ret reads the saved return slot.
func (e *Engine) instantiateBridge(ctx context.Context) error {
	_, err := e.runtime.NewHostModuleBuilder("bridge").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, m api.Module, stack []uint64) {
			ptr, length := uint32(stack[0]), uint32(stack[1])
			stack[0] = e.hostCall(ctx, m, ptr, length)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("call").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = e.retSlot()
		}), nil, []api.ValueType{api.ValueTypeI64}).
		Export("ret").
		Instantiate(ctx)
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindHostFailure, err, "instantiate bridge imports")
	}
	return nil
}

// hostCall runs a managed procedure named in guest memory. Returns 0
// on success and 1 on failure; the failure itself reaches the guest
// through the engine's pending slot, raised by the dispatcher before
// Call returns. A primitive result lands in the stack's return slot.
func (e *Engine) hostCall(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
	e.mu.Lock()
	d := e.disp
	e.mu.Unlock()
	if d == nil {
		e.latch(errors.CodeInternal, "no dispatcher bound to engine")
		return 1
	}
	nameBytes, ok := m.Memory().Read(ptr, length)
	if !ok {
		e.latch(errors.CodeInternal, fmt.Sprintf("procedure name out of guest memory bounds: ptr=%d len=%d", ptr, length))
		return 1
	}
	out, err := d.Call(ctx, string(nameBytes))
	if err != nil {
		return 1
	}
	if v, ok := primitive(out); ok {
		d.Stack().SetRetSlot(v)
	}
	return 0
}

// primitive converts a managed result into the return-slot encoding
func primitive(v hostbridge.Native) (uint64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (e *Engine) retSlot() uint64 {
	e.mu.Lock()
	d := e.disp
	e.mu.Unlock()
	if d == nil {
		return 0
	}
	return d.Stack().RetSlot()
}

// BindDispatcher installs the dispatcher guest imports route to
func (e *Engine) BindDispatcher(d *invocation.Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disp = d
}

// CallGuest invokes an exported guest function. This is the way into
// guest code that may itself call back through the bridge imports.
func (e *Engine) CallGuest(ctx context.Context, name string, args ...uint64) (uint64, error) {
	fn := e.mod.ExportedFunction(name)
	if fn == nil {
		return 0, errors.NotFound(errors.PhaseCall, "guest export", name)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, e.trap(name, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0], nil
}

// Name identifies the adapter
func (e *Engine) Name() string {
	return "wasm"
}

// Close tears down the wazero runtime and the guest with it
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

func (e *Engine) latch(code errors.Code, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = &hostbridge.Failure{
		Code:    code,
		Message: message,
		Record:  &errorRecord{code: code, message: message},
	}
}

// trap latches a guest trap as the pending failure
func (e *Engine) trap(op string, cause error) error {
	e.latch(errors.CodeInternal, cause.Error())
	return errors.New(errors.PhaseHost, errors.KindHostFailure).
		Entity(op).
		Cause(cause).
		Build()
}

// status latches a nonzero guest status as the pending failure
func (e *Engine) status(op string, st uint64) error {
	code := errors.MustCode("P0001")
	e.latch(code, fmt.Sprintf("guest %s reported status %d", op, st))
	return errors.New(errors.PhaseHost, errors.KindHostFailure).
		Entity(op).
		Code(code).
		Detail("guest status %d", st).
		Build()
}

// abi runs one ABI export and returns its single result
func (e *Engine) abi(name string, args ...uint64) (uint64, error) {
	res, err := e.fns[name].Call(context.Background(), args...)
	if err != nil {
		return 0, e.trap(name, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0], nil
}

// abiStatus runs an ABI export whose result is a status code
func (e *Engine) abiStatus(name string, args ...uint64) error {
	st, err := e.abi(name, args...)
	if err != nil {
		return err
	}
	if st != 0 {
		return e.status(name, st)
	}
	return nil
}

func offset(n hostbridge.Native) (uint32, bool) {
	switch v := n.(type) {
	case uint32:
		return v, true
	case uint64:
		return uint32(v), true
	default:
		return 0, false
	}
}

// Memory, over the guest arena exports. Scopes and blocks are both
// guest offsets.

func (e *Engine) Current() hostbridge.Scope {
	v, err := e.abi("arena_current")
	if err != nil {
		return uint32(0)
	}
	return uint32(v)
}

func (e *Engine) Switch(to hostbridge.Scope) hostbridge.Scope {
	t, _ := offset(to)
	prev, err := e.abi("arena_switch", uint64(t))
	if err != nil {
		return uint32(0)
	}
	return uint32(prev)
}

func (e *Engine) NewScope(parent hostbridge.Scope, label string) (hostbridge.Scope, error) {
	var p uint32
	if parent != nil {
		p, _ = offset(parent)
	}
	s, err := e.abi("arena_new", uint64(p))
	if err != nil {
		return nil, err
	}
	if s == 0 {
		code := errors.MustCode("P0001")
		e.latch(code, "guest arena_new returned the null scope")
		return nil, errors.New(errors.PhaseHost, errors.KindHostFailure).
			Entity("arena_new").
			Code(code).
			Build()
	}
	return uint32(s), nil
}

func (e *Engine) DeleteScope(s hostbridge.Scope) error {
	v, ok := offset(s)
	if !ok {
		return badNative("arena_delete", s)
	}
	return e.abiStatus("arena_delete", uint64(v))
}

// Alloc allocates a guest block. Tests and demos use it to create
// something worth freeing.
func (e *Engine) Alloc(size int) (hostbridge.Native, error) {
	v, err := e.abi("alloc", uint64(uint32(size)))
	if err != nil {
		return nil, err
	}
	return uint32(v), nil
}

func (e *Engine) FreeBlock(block hostbridge.Native) error {
	v, ok := offset(block)
	if !ok {
		return badNative("free", block)
	}
	return e.abiStatus("free", uint64(v))
}

// Transactor, over the guest tx exports. The guest owns the nesting
// state; the adapter holds none.

func (e *Engine) BeginNested(name string) (hostbridge.ScopeID, int, error) {
	id, err := e.abi("tx_begin")
	if err != nil {
		return 0, e.Level(), err
	}
	return hostbridge.ScopeID(id), e.Level(), nil
}

func (e *Engine) Level() int {
	v, err := e.abi("tx_level")
	if err != nil {
		return 0
	}
	return int(int32(v))
}

func (e *Engine) CurrentID() hostbridge.ScopeID {
	v, err := e.abi("tx_id")
	if err != nil {
		return 0
	}
	return hostbridge.ScopeID(uint32(v))
}

func (e *Engine) ReleaseCurrent() error {
	return e.abiStatus("tx_release")
}

func (e *Engine) RollbackCurrent() error {
	return e.abiStatus("tx_rollback")
}

func (e *Engine) Discard() error {
	return e.abiStatus("tx_discard")
}

// FailureSource

func (e *Engine) TakeFailure() *hostbridge.Failure {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.pending
	e.pending = nil
	return f
}

func (e *Engine) RaiseFailure(f *hostbridge.Failure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = f
}

// Release hooks. Everything the guest hands out is an offset freed
// through the generic guest free; error records are adapter-side.

func (e *Engine) FreeErrorRecord(n hostbridge.Native) error {
	rec, ok := n.(*errorRecord)
	if !ok {
		return e.freeOffset("free-error-record", n)
	}
	if rec.freed {
		return errors.DoubleRelease("free-error-record")
	}
	rec.freed = true
	return nil
}

func (e *Engine) FreeDescriptor(n hostbridge.Native) error { return e.freeOffset("free-descriptor", n) }
func (e *Engine) FreeRow(n hostbridge.Native) error        { return e.freeOffset("free-row", n) }
func (e *Engine) FreePlan(n hostbridge.Native) error       { return e.freeOffset("free-plan", n) }
func (e *Engine) FreeResultSet(n hostbridge.Native) error  { return e.freeOffset("free-result-set", n) }
func (e *Engine) CloseCursor(n hostbridge.Native) error    { return e.freeOffset("close-cursor", n) }

func (e *Engine) freeOffset(op string, n hostbridge.Native) error {
	v, ok := offset(n)
	if !ok {
		return badNative(op, n)
	}
	return e.abiStatus("free", uint64(v))
}

func badNative(op string, n hostbridge.Native) error {
	return errors.New(errors.PhaseRelease, errors.KindInvalidInput).
		Entity(op).
		Detail("unexpected native type %T", n).
		Build()
}
