package savepoint

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
	"github.com/wippyai/hostbridge/invocation"
)

// Controller manages nested transactional scopes against the host and
// keeps them coherent with the invocation stack. Scopes set through it
// unwind correctly even when managed code opened deeper scopes
// directly on the host, and scopes a frame leaves behind are rolled
// back at that frame's pop instead of leaking into the caller.
//
// All operations require the boundary lock, like every other host
// call.
type Controller struct {
	stack *invocation.Stack

	mu   sync.Mutex
	live []*Savepoint
}

// NewController creates a controller for the stack's host and hooks
// it into frame teardown.
func NewController(s *invocation.Stack) *Controller {
	c := &Controller{stack: s}
	s.OnPop(c)
	return c
}

func (c *Controller) tx() hostbridge.Transactor {
	return c.stack.Host()
}

// Savepoint is one nested scope begun through the controller. It must
// be consumed exactly once, by Release or Rollback; a savepoint still
// live when its frame pops is rolled back there.
type Savepoint struct {
	ctrl     *Controller
	name     string
	id       hostbridge.ScopeID
	level    int
	frame    int
	consumed bool
}

// Name returns the scope's name
func (sp *Savepoint) Name() string { return sp.name }

// ID returns the host's identity for the scope
func (sp *Savepoint) ID() hostbridge.ScopeID { return sp.id }

// Level returns the nesting level in effect after the scope began
func (sp *Savepoint) Level() int { return sp.level }

// Set begins a new nested scope. An empty name gets a generated one.
// The recorded level is the host's level after the begin, which is
// what the unwind later targets.
func (c *Controller) Set(name string) (*Savepoint, error) {
	if name == "" {
		name = "sp-" + uuid.NewString()
	}
	id, level, err := c.tx().BeginNested(name)
	if err != nil {
		return nil, c.stack.CaptureFailure(errors.PhaseUnwind, "begin nested scope", err)
	}

	sp := &Savepoint{
		ctrl:  c,
		name:  name,
		id:    id,
		level: level,
		frame: c.stack.Depth(),
	}
	c.mu.Lock()
	c.live = append(c.live, sp)
	c.mu.Unlock()

	Logger().Debug("scope set",
		zap.String("name", name),
		zap.Uint64("id", uint64(id)),
		zap.Int("level", level))
	return sp, nil
}

// Release commits the scope into its parent. Inner scopes opened
// since, through the controller or not, are discarded first.
func (sp *Savepoint) Release() error {
	return sp.finish("release")
}

// Rollback discards the scope's effects. Inner scopes are discarded
// first. A successful rollback also clears the current frame's error
// state: the host is back at a consistent point and managed code may
// continue issuing host calls.
func (sp *Savepoint) Rollback() error {
	err := sp.finish("rollback")
	if err == nil {
		if fr, cerr := sp.ctrl.stack.Current(); cerr == nil {
			fr.ClearError()
		}
	}
	return err
}

// finish runs the shared unwind: discard deeper scopes generically,
// verify the target scope is the one this savepoint names, then apply
// the terminal operation. An identity mismatch is fatal and performs
// no terminal operation, since the host's scope state has diverged
// from ours and any further unwinding would be guesswork.
func (sp *Savepoint) finish(op string) error {
	c := sp.ctrl
	if sp.consumed {
		return errors.AlreadyConsumed("savepoint " + sp.name)
	}
	sp.consumed = true
	c.drop(sp)

	tx := c.tx()
	for tx.Level() > sp.level {
		if err := tx.Discard(); err != nil {
			return c.stack.CaptureFailure(errors.PhaseUnwind, "discard inner scope", err)
		}
	}
	if got := tx.CurrentID(); tx.Level() != sp.level || got != sp.id {
		err := errors.ScopeMismatch(sp.name, uint64(sp.id), uint64(got))
		Logger().Error("scope identity diverged",
			zap.String("name", sp.name),
			zap.Uint64("want", uint64(sp.id)),
			zap.Uint64("got", uint64(got)),
			zap.Int("level", tx.Level()))
		return err
	}

	var err error
	if op == "rollback" {
		err = tx.RollbackCurrent()
	} else {
		err = tx.ReleaseCurrent()
	}
	if err != nil {
		return c.stack.CaptureFailure(errors.PhaseUnwind, op, err)
	}
	Logger().Debug("scope "+op, zap.String("name", sp.name), zap.Uint64("id", uint64(sp.id)))
	return nil
}

func (c *Controller) drop(sp *Savepoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cand := range c.live {
		if cand == sp {
			c.live = append(c.live[:i], c.live[i+1:]...)
			return
		}
	}
}

// OnFramePop rolls back scopes the popping frame set but never
// consumed. Host transaction state must not leak past the invocation
// that created it; the rollback is the safe direction. Failures here
// are logged and never propagate, this is already a teardown path.
func (c *Controller) OnFramePop(fr *invocation.Frame, exceptional bool) {
	c.mu.Lock()
	var lingering []*Savepoint
	for i := len(c.live) - 1; i >= 0; i-- {
		if c.live[i].frame >= fr.Level() {
			lingering = append(lingering, c.live[i])
		}
	}
	c.mu.Unlock()

	for _, sp := range lingering {
		Logger().Warn("scope leaked by frame, rolling back",
			zap.String("name", sp.name),
			zap.Int("frame", fr.Level()),
			zap.Bool("exceptional", exceptional))
		if err := sp.finish("rollback"); err != nil {
			Logger().Error("leaked scope rollback failed",
				zap.String("name", sp.name),
				zap.Error(err))
		}
	}
}

// Status describes one live savepoint
type Status struct {
	Name  string
	ID    hostbridge.ScopeID
	Level int
	Frame int
}

// Snapshot lists the live savepoints, outermost first. Safe to call
// from any goroutine.
func (c *Controller) Snapshot() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, len(c.live))
	for i, sp := range c.live {
		out[i] = Status{Name: sp.name, ID: sp.id, Level: sp.level, Frame: sp.frame}
	}
	return out
}
