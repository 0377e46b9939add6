package invocation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
	"github.com/wippyai/hostbridge/resource"
)

// Stack is the invocation stack for one host engine: the boundary
// lock, the chain of live frames, and the registry of resources whose
// lifetimes those frames bound.
//
// Host state belongs to a single logical thread of control. Every
// crossing acquires the boundary lock; nested crossings on the same
// logical thread are recognized through the context token Acquire
// plants, so re-entry never self-deadlocks. The one operation legal
// without the lock is deferred enqueueing, which lives on the registry.
type Stack struct {
	mu   sync.Mutex
	host hostbridge.Host
	reg  *resource.Registry

	current *Frame
	depth   int

	retSlot uint64
	locals  []hostbridge.Native

	indirect struct {
		mu   sync.Mutex
		next uint32
		refs map[uint32]hostbridge.Native
	}

	session   resource.Owner
	observers []PopObserver
}

// PopObserver sees every frame pop, after the frame's completion
// hooks and before its resources are torn down, so the frame's host
// context is still intact.
type PopObserver interface {
	OnFramePop(fr *Frame, exceptional bool)
}

// NewStack creates a stack driving the given host. The stack owns its
// resource registry and a long-lived session owner for resources kept
// across invocations.
func NewStack(host hostbridge.Host) *Stack {
	s := &Stack{
		host: host,
		reg:  resource.NewRegistry(host),
	}
	s.indirect.refs = make(map[uint32]hostbridge.Native)
	s.reg.SetIndirectHook(s.clearIndirect)
	s.session = s.reg.NewOwner("session")
	return s
}

// Host returns the engine this stack drives
func (s *Stack) Host() hostbridge.Host {
	return s.host
}

// Registry returns the stack's resource registry
func (s *Stack) Registry() *resource.Registry {
	return s.reg
}

// SessionOwner returns the owner for resources that outlive frames
func (s *Stack) SessionOwner() resource.Owner {
	return s.session
}

type ctxKey struct{}

// Acquire takes the boundary lock unless ctx already carries this
// stack's token, and returns a context that does. The second return
// says whether this call actually locked; pass it to Release.
//
// The token must stay on the goroutine that acquired it: handing a
// token-carrying context to another goroutine breaks the single
// logical thread discipline.
func (s *Stack) Acquire(ctx context.Context) (context.Context, bool) {
	if t, ok := ctx.Value(ctxKey{}).(*Stack); ok && t == s {
		return ctx, false
	}
	s.mu.Lock()
	return context.WithValue(ctx, ctxKey{}, s), true
}

// Release undoes Acquire. Symmetric on every path, including panics:
// callers pair the two with defer.
func (s *Stack) Release(acquired bool) {
	if acquired {
		s.mu.Unlock()
	}
}

// Held reports whether ctx carries this stack's boundary token
func (s *Stack) Held(ctx context.Context) bool {
	t, ok := ctx.Value(ctxKey{}).(*Stack)
	return ok && t == s
}

// Depth returns the number of live frames
func (s *Stack) Depth() int {
	return s.depth
}

// Current returns the current frame, or NoActiveInvocation when no
// crossing is in progress.
func (s *Stack) Current() (*Frame, error) {
	if s.current == nil {
		return nil, errors.NoActiveInvocation("current")
	}
	return s.current, nil
}

// RetSlot returns the saved primitive return slot
func (s *Stack) RetSlot() uint64 {
	return s.retSlot
}

// SetRetSlot stores a primitive result for the host side to pick up
// after the crossing returns.
func (s *Stack) SetRetSlot(v uint64) {
	s.retSlot = v
}

// OnPop registers a pop observer
func (s *Stack) OnPop(o PopObserver) {
	s.observers = append(s.observers, o)
}

type pushConfig struct {
	bootstrap bool
	payload   any
}

// PushOption configures a frame push
type PushOption func(*pushConfig)

// Bootstrap marks the initial crossing of a logical thread: the
// return slot starts zeroed instead of copied forward.
func Bootstrap() PushOption {
	return func(c *pushConfig) { c.bootstrap = true }
}

// WithPayload attaches a context payload readable through
// Frame.Payload, such as trigger data.
func WithPayload(v any) PushOption {
	return func(c *pushConfig) { c.payload = v }
}

// Push links a new current frame. Requires the boundary lock. Push is
// re-entrant to arbitrary depth; each frame records the host scope
// current at push time and gets its own resource owner.
func (s *Stack) Push(opts ...PushOption) *Frame {
	var cfg pushConfig
	for _, o := range opts {
		o(&cfg)
	}

	level := s.depth + 1
	fr := &Frame{
		stack:      s,
		prev:       s.current,
		level:      level,
		owner:      s.reg.NewOwner(fmt.Sprintf("frame-%d", level)),
		savedScope: s.host.Current(),
		watermark:  len(s.locals),
		payload:    cfg.payload,
	}
	if cfg.bootstrap {
		s.retSlot = 0
	} else {
		fr.savedRet = s.retSlot
	}

	s.current = fr
	s.depth++
	Logger().Debug("frame pushed",
		zap.Int("level", level),
		zap.Bool("bootstrap", cfg.bootstrap))
	return fr
}

// Pop tears down fr and restores its predecessor. The teardown order
// is fixed:
//
//  1. pin segments unwind and the return slot is restored
//  2. proxy completion hooks run, then the proxy pin is released
//  3. pop observers run while the frame's host context is intact
//  4. the frame's owned resources are released
//  5. the deferred queue is drained opportunistically
//  6. the frame's connection, if opened, is closed
//  7. an unhandled failure is surfaced at a severity reflecting
//     whether an inner frame already reported it
//  8. the host allocation scope saved at push time is restored and
//     the frame is unlinked
//
// Popping a frame that is not current is a MismanagedStack fault and
// performs no teardown. Popping with no frame at all panics: the
// caller lost track of its own crossings.
func (s *Stack) Pop(fr *Frame, wasExceptional bool) error {
	if s.current == nil {
		panic("invocation: pop with no active frame")
	}
	if fr != s.current {
		err := errors.MismanagedStack(fr.level, s.current.level)
		Logger().Error("invocation stack mismanaged",
			zap.Int("popped", fr.level),
			zap.Int("current", s.current.level))
		return err
	}

	errored := fr.errored || wasExceptional

	// 1. Unwind pins, restore the return slot
	for i := fr.watermark; i < len(s.locals); i++ {
		s.locals[i] = nil
	}
	s.locals = s.locals[:fr.watermark]
	fr.heavy = nil
	s.retSlot = fr.savedRet

	// 2. Complete and unpin the proxy
	if fr.proxy != nil {
		fr.proxy.complete(errored)
		if _, err := s.reg.ReleaseNow(fr.proxy.id); err != nil {
			Logger().Warn("proxy unpin failed", zap.Int("level", fr.level), zap.Error(err))
		}
	}

	// 3. Observers see the frame before its resources go
	for _, o := range s.observers {
		s.notifyPop(o, fr, wasExceptional)
	}

	// 4. Tear down the frame's resources
	if err := s.reg.EndOwner(fr.owner, errored, fr.restricted); err != nil {
		Logger().Error("frame resource teardown failed",
			zap.Int("level", fr.level), zap.Error(err))
	}

	// 5. Opportunistic drain
	released, dropped := s.reg.Drain(errored, fr.restricted)
	if released > 0 || dropped > 0 {
		Logger().Debug("deferred queue drained",
			zap.Int("released", released),
			zap.Int("dropped", dropped))
	}

	// 6. Close the frame connection
	if fr.conn != nil {
		if err := fr.conn.close(); err != nil {
			Logger().Warn("frame connection close failed",
				zap.Int("level", fr.level), zap.Error(err))
		}
		fr.conn = nil
	}

	// 7. Surface an unhandled failure
	s.surfaceFailure(fr, wasExceptional)

	// 8. Restore scope, unlink
	s.host.Switch(fr.savedScope)
	s.current = fr.prev
	s.depth--
	Logger().Debug("frame popped",
		zap.Int("level", fr.level),
		zap.Bool("exceptional", wasExceptional),
		zap.Bool("errored", fr.errored))
	return nil
}

func (s *Stack) notifyPop(o PopObserver, fr *Frame, exceptional bool) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("pop observer panicked",
				zap.Int("level", fr.level),
				zap.Any("panic", r))
		}
	}()
	o.OnFramePop(fr, exceptional)
}

// surfaceFailure logs a frame's recorded failure on the way out. The
// first frame to surface an unhandled host failure logs at Warn;
// enclosing frames, seeing it already claimed, demote to Debug. A
// failure recorded but swallowed (the call returned normally anyway)
// is louder, since host state may sit in a failed condition the
// caller never learned about.
func (s *Stack) surfaceFailure(fr *Frame, wasExceptional bool) {
	if fr.err == nil {
		return
	}
	he := errors.AsHostError(fr.err)
	switch {
	case !wasExceptional:
		Logger().Error("host failure swallowed by managed code",
			zap.Int("level", fr.level),
			zap.Error(fr.err))
	case he != nil && he.Unhandled():
		if he.ClaimReport() {
			Logger().Warn("unhandled host failure leaving frame",
				zap.Int("level", fr.level),
				zap.String("code", he.Code.String()),
				zap.Error(he))
		} else {
			Logger().Debug("unhandled host failure passing frame",
				zap.Int("level", fr.level),
				zap.String("code", he.Code.String()))
		}
	default:
		Logger().Debug("frame exited with failure",
			zap.Int("level", fr.level),
			zap.Error(fr.err))
	}
}

// pinIndirect holds v addressable by index beyond frame lifetimes,
// with release bookkeeping through an OpIndirectRef entry under the
// given owner. The managed analog of a global reference.
func (s *Stack) pinIndirect(v hostbridge.Native, owner resource.Owner) (uint32, resource.EntryID, error) {
	s.indirect.mu.Lock()
	s.indirect.next++
	idx := s.indirect.next
	s.indirect.refs[idx] = v
	s.indirect.mu.Unlock()

	id, err := s.reg.Register(idx, resource.OpIndirectRef, owner)
	if err != nil {
		s.clearIndirect(idx)
		return 0, resource.EntryID{}, err
	}
	return idx, id, nil
}

// Indirect returns the value pinned at idx
func (s *Stack) Indirect(idx uint32) (hostbridge.Native, bool) {
	s.indirect.mu.Lock()
	defer s.indirect.mu.Unlock()
	v, ok := s.indirect.refs[idx]
	return v, ok
}

// clearIndirect is the registry's indirect hook: drop the slot. Safe
// from any goroutine; touches no host state.
func (s *Stack) clearIndirect(native hostbridge.Native) {
	idx, ok := native.(uint32)
	if !ok {
		return
	}
	s.indirect.mu.Lock()
	delete(s.indirect.refs, idx)
	s.indirect.mu.Unlock()
}

// Close tears down the session: a final drain, then the session
// owner's resources. Fails if frames are still live.
func (s *Stack) Close() error {
	_, acquired := s.Acquire(context.Background())
	defer s.Release(acquired)

	if s.current != nil {
		return errors.MismanagedStack(0, s.current.level)
	}
	s.reg.Drain(false, false)
	if err := s.reg.EndOwner(s.session, false, false); err != nil {
		return err
	}
	return nil
}
