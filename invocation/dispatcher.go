package invocation

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
)

// Func is a managed entry point callable from the host. Arguments and
// the result are opaque natives; marshaling belongs to the caller.
// Returning an error raises a failure into the host after the frame
// is popped.
type Func func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error)

// Dispatcher routes host entry-point calls to registered managed
// functions. Every call is wrapped in a frame push/pop pair on the
// dispatcher's stack, so managed code always runs with an active
// frame, a resource owner, and the boundary lock held.
type Dispatcher struct {
	stack *Stack

	mu    sync.RWMutex
	funcs map[string]Func
}

// NewDispatcher creates a dispatcher driving the given stack
func NewDispatcher(s *Stack) *Dispatcher {
	return &Dispatcher{
		stack: s,
		funcs: make(map[string]Func),
	}
}

// Stack returns the invocation stack calls run on
func (d *Dispatcher) Stack() *Stack {
	return d.stack
}

// Register binds a managed function to a name. Names are unique;
// rebinding an existing name is refused.
func (d *Dispatcher) Register(name string, fn Func) error {
	if name == "" {
		return errors.InvalidInput(errors.PhaseConfig, "empty function name")
	}
	if fn == nil {
		return errors.InvalidInput(errors.PhaseConfig, "nil function for "+name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.funcs[name]; dup {
		return errors.InvalidInput(errors.PhaseConfig, "function already registered: "+name)
	}
	d.funcs[name] = fn
	Logger().Debug("function registered", zap.String("function", name))
	return nil
}

// Names returns the registered function names, sorted
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.funcs))
	for name := range d.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs the named function under a fresh frame. The first frame
// on a logical thread is pushed as a bootstrap frame. On a managed
// error, including a panic in the function, the frame pops
// exceptionally and the failure is re-raised into the host before
// Call returns it.
func (d *Dispatcher) Call(ctx context.Context, name string, args ...hostbridge.Native) (hostbridge.Native, error) {
	return d.dispatch(ctx, name, nil, args)
}

// CallWith is Call with a context payload attached to the frame, for
// entry points invoked with trigger-style data alongside arguments.
func (d *Dispatcher) CallWith(ctx context.Context, name string, payload any, args ...hostbridge.Native) (hostbridge.Native, error) {
	return d.dispatch(ctx, name, payload, args)
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, payload any, args []hostbridge.Native) (hostbridge.Native, error) {
	ctx, acquired := d.stack.Acquire(ctx)
	defer d.stack.Release(acquired)

	d.mu.RLock()
	fn, ok := d.funcs[name]
	d.mu.RUnlock()
	if !ok {
		err := errors.NotFound(errors.PhaseCall, "function", name)
		d.stack.PropagateToHost(err)
		return nil, err
	}

	opts := make([]PushOption, 0, 2)
	if d.stack.Depth() == 0 {
		opts = append(opts, Bootstrap())
	}
	if payload != nil {
		opts = append(opts, WithPayload(payload))
	}
	fr := d.stack.Push(opts...)

	out, err := d.run(ctx, fr, name, fn, args)
	if err != nil {
		fr.recordError(err)
	}
	if popErr := d.stack.Pop(fr, err != nil); popErr != nil {
		if err == nil {
			err = popErr
		} else {
			Logger().Error("frame pop failed after call error",
				zap.String("function", name),
				zap.Error(popErr))
		}
	}
	if err != nil {
		d.stack.PropagateToHost(err)
		return nil, err
	}
	return out, nil
}

// run invokes fn, converting a panic into a call-phase error so the
// stack and host state still unwind cleanly.
func (d *Dispatcher) run(ctx context.Context, fr *Frame, name string, fn Func, args []hostbridge.Native) (out hostbridge.Native, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.PhaseCall, errors.KindPanic).
				Entity(name).
				Frame(fr.level).
				Detail("managed function panicked: %v", r).
				Build()
			Logger().Error("managed function panicked",
				zap.String("function", name),
				zap.Int("level", fr.level),
				zap.Any("panic", r))
		}
	}()
	return fn(ctx, fr, args)
}
