package invocation

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
	"github.com/wippyai/hostbridge/resource"
)

// lightPinLimit is the number of pins a frame holds in the shared
// stack segment before promoting to its own heavy segment.
const lightPinLimit = 8

// Frame records one boundary crossing. Frames form a singly linked
// stack owned by the Stack; managed code sees them through Call and
// through Current.
type Frame struct {
	stack *Stack
	prev  *Frame
	level int

	owner resource.Owner

	savedScope hostbridge.Scope
	savedRet   uint64
	watermark  int

	pins      int
	lightPins int
	heavy     []hostbridge.Native

	conn    *Connection
	payload any
	proxy   *Proxy

	errored    bool
	restricted bool
	err        error
}

// Level returns the frame's nesting level, 1 for the bootstrap frame
func (fr *Frame) Level() int {
	return fr.level
}

// Errored reports whether a failure was recorded on this frame
func (fr *Frame) Errored() bool {
	return fr.errored
}

// Err returns the first failure recorded on this frame, nil if none
func (fr *Frame) Err() error {
	return fr.err
}

// Restricted reports whether the frame is in a restricted callback
// phase, during which conditional releases are suppressed.
func (fr *Frame) Restricted() bool {
	return fr.restricted
}

// SetRestricted marks entry to or exit from a restricted callback phase
func (fr *Frame) SetRestricted(v bool) {
	fr.restricted = v
}

// Payload returns the context payload supplied at push
func (fr *Frame) Payload() any {
	return fr.payload
}

// Owner returns the frame's resource owner handle. Resources
// registered under it are released no later than the frame's pop.
func (fr *Frame) Owner() resource.Owner {
	return fr.owner
}

// recordError sets the error flag, keeping the first failure so the
// innermost cause survives enclosing failures.
func (fr *Frame) recordError(err error) {
	fr.errored = true
	if fr.err == nil {
		fr.err = err
	}
}

// ClearError resets the frame's error state. Legal only after the
// host has been restored to a consistent point, which in practice
// means a rollback to a scope set before the failure.
func (fr *Frame) ClearError() {
	fr.errored = false
	fr.err = nil
}

// Pin holds v addressable by index for the duration of the frame, the
// managed analog of a local reference. Pins release wholesale at pop.
// The first pins go into the stack's shared light segment; past the
// light limit, or when pinning on a non-current frame, the frame
// promotes to its own heavy segment. Once promoted, every later pin
// lands in the heavy segment so index order stays stable.
func (fr *Frame) Pin(v hostbridge.Native) uint32 {
	s := fr.stack
	idx := uint32(fr.pins)
	if fr.heavy == nil && fr.lightPins < lightPinLimit && fr == s.current {
		s.locals = append(s.locals, v)
		fr.lightPins++
	} else {
		if fr.heavy == nil {
			fr.heavy = make([]hostbridge.Native, 0, lightPinLimit)
			Logger().Debug("frame promoted to heavy pins", zap.Int("level", fr.level))
		}
		fr.heavy = append(fr.heavy, v)
	}
	fr.pins++
	return idx
}

// Local returns the pinned value at idx. Valid only while the frame
// is live.
func (fr *Frame) Local(idx uint32) (hostbridge.Native, bool) {
	if int(idx) >= fr.pins {
		return nil, false
	}
	if int(idx) < fr.lightPins {
		pos := fr.watermark + int(idx)
		if pos >= len(fr.stack.locals) {
			return nil, false
		}
		return fr.stack.locals[pos], true
	}
	return fr.heavy[int(idx)-fr.lightPins], true
}

// Connect returns the frame's host connection, opening it on first
// use. The connection closes automatically when the frame pops.
// Fails when the host lacks the Querier capability.
func (fr *Frame) Connect(ctx context.Context) (*Connection, error) {
	if fr.conn != nil {
		return fr.conn, nil
	}
	q, ok := fr.stack.host.(hostbridge.Querier)
	if !ok {
		return nil, errors.Unsupported(errors.PhaseConnect,
			"host "+fr.stack.host.Name()+" has no statement capability")
	}
	spi, err := q.Connect(ctx)
	if err != nil {
		return nil, fr.stack.hostErr(errors.PhaseConnect, "connect", err)
	}
	fr.conn = &Connection{fr: fr, spi: spi}
	Logger().Debug("frame connection opened", zap.Int("level", fr.level))
	return fr.conn, nil
}

// Proxy returns the frame's managed-side proxy, creating it lazily.
// The proxy stays addressable from the host until the frame pops.
func (fr *Frame) Proxy() *Proxy {
	if fr.proxy != nil {
		return fr.proxy
	}
	p := &Proxy{fr: fr}
	idx, id, err := fr.stack.pinIndirect(p, fr.owner)
	if err != nil {
		// Frame owner gone means the frame is mid-teardown; a proxy
		// created now could never be completed.
		Logger().Error("proxy pin failed", zap.Int("level", fr.level), zap.Error(err))
		return p
	}
	p.idx = idx
	p.id = id
	fr.proxy = p
	return p
}

// Proxy is the frame's managed-side face, created on the first
// cross-boundary callback that needs one. Completion hooks run when
// the frame pops, before its resources are torn down.
type Proxy struct {
	fr    *Frame
	idx   uint32
	id    resource.EntryID
	hooks []func(errored bool)
}

// Index returns the host-visible handle for the proxy
func (p *Proxy) Index() uint32 {
	return p.idx
}

// OnExit registers a completion hook. Hooks run in reverse
// registration order at pop with the frame's exceptional-or-errored
// state.
func (p *Proxy) OnExit(fn func(errored bool)) {
	p.hooks = append(p.hooks, fn)
}

// complete runs the hooks. A panicking hook is logged and the rest
// still run; completion failures never propagate.
func (p *Proxy) complete(errored bool) {
	for i := len(p.hooks) - 1; i >= 0; i-- {
		fn := p.hooks[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					Logger().Error("frame completion hook panicked",
						zap.Int("level", p.fr.level),
						zap.Any("panic", r))
				}
			}()
			fn(errored)
		}()
	}
}
