package resource

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
)

// EntryID is a generation-checked handle to one registry entry. A
// stale ID (its slot released and possibly reused) is detected by the
// generation and treated as already released, never dereferenced.
// The zero EntryID is invalid.
type EntryID struct {
	index uint32
	gen   uint32
}

// IsZero reports whether the ID is the invalid zero handle
func (id EntryID) IsZero() bool {
	return id.gen == 0
}

// Owner is a generation-checked handle to an entry owner: an
// invocation frame, or a longer-lived scope such as a session. The
// zero Owner is invalid.
type Owner struct {
	index uint32
	gen   uint32
}

// IsZero reports whether the owner is the invalid zero handle
func (o Owner) IsZero() bool {
	return o.gen == 0
}

type entry struct {
	native hostbridge.Native
	op     ReleaseOp
	owner  Owner
	gen    uint32
	live   bool
}

type ownerSlot struct {
	label   string
	gen     uint32
	live    bool
	members []EntryID
}

// Stats is a snapshot of registry counters
type Stats struct {
	Registered int64 // entries ever registered
	Live       int64 // entries currently live
	Released   int64 // native release operations executed
	Dropped    int64 // entries discarded without a native call
	Enqueued   int64 // deferred enqueues
	Requeued   int64 // conditional entries put back for a later safe point
}

// Registry associates native resources with the one operation that
// releases them and the owner whose teardown bounds their lifetime.
//
// All methods except EnqueueDeferred must run under the boundary lock;
// EnqueueDeferred may be called from any goroutine, including cleanup
// goroutines, and never blocks on registry state.
type Registry struct {
	hooks    hostbridge.ReleaseHooks
	indirect func(hostbridge.Native)

	mu        sync.Mutex
	entries   []entry
	freeList  []uint32
	owners    []ownerSlot
	ownerFree []uint32

	deferred struct {
		mu  sync.Mutex
		ids []EntryID
	}

	registered atomic.Int64
	live       atomic.Int64
	released   atomic.Int64
	dropped    atomic.Int64
	enqueued   atomic.Int64
	requeued   atomic.Int64
}

// NewRegistry creates a registry dispatching releases onto hooks
func NewRegistry(hooks hostbridge.ReleaseHooks) *Registry {
	return &Registry{
		hooks:    hooks,
		entries:  make([]entry, 0, 64),
		freeList: make([]uint32, 0, 16),
	}
}

// SetIndirectHook installs the managed-side slot release used by
// OpIndirectRef entries. The hook must be safe from any goroutine.
func (r *Registry) SetIndirectHook(fn func(hostbridge.Native)) {
	r.indirect = fn
}

// NewOwner allocates an owner handle
func (r *Registry) NewOwner(label string) Owner {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.ownerFree); n > 0 {
		idx := r.ownerFree[n-1]
		r.ownerFree = r.ownerFree[:n-1]
		s := &r.owners[idx]
		s.label = label
		s.live = true
		s.members = s.members[:0]
		return Owner{index: idx, gen: s.gen}
	}

	r.owners = append(r.owners, ownerSlot{label: label, gen: 1, live: true})
	return Owner{index: uint32(len(r.owners) - 1), gen: 1}
}

// OwnerLive reports whether the owner handle still refers to a live owner
func (r *Registry) OwnerLive(o Owner) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerAlive(o)
}

func (r *Registry) ownerAlive(o Owner) bool {
	if o.gen == 0 || int(o.index) >= len(r.owners) {
		return false
	}
	s := &r.owners[o.index]
	return s.live && s.gen == o.gen
}

// Register creates a live entry pairing a native resource with its
// release tag and owner. Registering under a dead or stale owner is a
// fault: the caller is holding an owner handle past its teardown.
func (r *Registry) Register(native hostbridge.Native, op ReleaseOp, owner Owner) (EntryID, error) {
	if !op.valid() {
		return EntryID{}, errors.UnknownReleaseOp(uint8(op))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ownerAlive(owner) {
		return EntryID{}, errors.StaleOwner(op.String())
	}

	e := entry{
		native: native,
		op:     op,
		owner:  owner,
		live:   true,
	}

	var id EntryID
	if n := len(r.freeList); n > 0 {
		idx := r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
		e.gen = r.entries[idx].gen
		r.entries[idx] = e
		id = EntryID{index: idx, gen: e.gen}
	} else {
		e.gen = 1
		r.entries = append(r.entries, e)
		id = EntryID{index: uint32(len(r.entries) - 1), gen: 1}
	}

	r.owners[owner.index].members = append(r.owners[owner.index].members, id)
	r.registered.Add(1)
	r.live.Add(1)
	return id, nil
}

// ReleaseNow executes the entry's release operation immediately. The
// native operation runs at most once per entry: a second call, or a
// call racing the deferred path, finds the entry gone and is a no-op
// returning false. Explicit release runs the operation even for
// conditional tags; suppression applies only to the teardown paths.
//
// For every tag except OpIndirectRef the caller must hold the boundary
// lock.
func (r *Registry) ReleaseNow(id EntryID) (bool, error) {
	native, op, ok := r.take(id)
	if !ok {
		return false, nil
	}

	r.released.Add(1)
	if op == OpIndirectRef {
		if r.indirect != nil {
			r.indirect(native)
		}
		return true, nil
	}
	return true, op.invoke(r.hooks, native)
}

// Alive reports whether id still names a live entry. Useful as a
// cheap staleness guard on wrappers whose underlying entry may have
// been torn down with its owning frame.
func (r *Registry) Alive(id EntryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lookup(id)
	return ok
}

// take claims the entry for release: marks it gone and returns what to
// release. Returns ok=false when the ID is stale or already claimed.
func (r *Registry) take(id EntryID) (hostbridge.Native, ReleaseOp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookup(id)
	if !ok {
		return nil, OpInvalid, false
	}
	native, op := e.native, e.op
	r.retire(id)
	return native, op, true
}

// lookup returns the live entry for id, or ok=false when stale. Caller
// holds r.mu.
func (r *Registry) lookup(id EntryID) (*entry, bool) {
	if id.gen == 0 || int(id.index) >= len(r.entries) {
		return nil, false
	}
	e := &r.entries[id.index]
	if !e.live || e.gen != id.gen {
		return nil, false
	}
	return e, true
}

// retire frees an entry slot and bumps its generation so outstanding
// IDs turn stale. Caller holds r.mu.
func (r *Registry) retire(id EntryID) {
	e := &r.entries[id.index]
	e.live = false
	e.native = nil
	e.owner = Owner{}
	e.gen++
	r.freeList = append(r.freeList, id.index)
	r.live.Add(-1)
}

// EnqueueDeferred queues an entry for release at the next safe point.
// Safe from any goroutine; this is the one registry operation that
// does not require the boundary lock. Stale IDs are tolerated and
// discarded at drain time.
func (r *Registry) EnqueueDeferred(id EntryID) {
	r.deferred.mu.Lock()
	r.deferred.ids = append(r.deferred.ids, id)
	r.deferred.mu.Unlock()
	r.enqueued.Add(1)
}

// Drain processes the deferred queue. Must run under the boundary
// lock, at a safe point: a frame pop or just before entering the host.
//
// Entries whose owner has died are dropped without a native call (the
// host already reclaimed the resource with the owner's teardown).
// Conditional entries are put back for a later safe point when this
// drain runs in an errored or restricted context, because their
// release could corrupt host state here but stays valid later.
//
// Release failures are diagnostic: logged, never propagated.
func (r *Registry) Drain(errored, restricted bool) (released, dropped int) {
	r.deferred.mu.Lock()
	ids := r.deferred.ids
	r.deferred.ids = nil
	r.deferred.mu.Unlock()

	var requeue []EntryID
	for _, id := range ids {
		action, native, op := r.resolveDeferred(id, errored, restricted)
		switch action {
		case actRelease:
			released++
			r.released.Add(1)
			if op == OpIndirectRef {
				if r.indirect != nil {
					r.indirect(native)
				}
				continue
			}
			if err := op.invoke(r.hooks, native); err != nil {
				Logger().Warn("deferred release failed",
					zap.String("op", op.String()),
					zap.Error(err))
			}
		case actDrop:
			dropped++
			r.dropped.Add(1)
		case actRequeue:
			requeue = append(requeue, id)
			r.requeued.Add(1)
		case actSkip:
		}
	}

	if len(requeue) > 0 {
		r.deferred.mu.Lock()
		r.deferred.ids = append(r.deferred.ids, requeue...)
		r.deferred.mu.Unlock()
	}
	return released, dropped
}

type drainAction uint8

const (
	actSkip drainAction = iota
	actRelease
	actDrop
	actRequeue
)

// resolveDeferred decides one queued entry's fate and claims it when
// the decision is terminal.
func (r *Registry) resolveDeferred(id EntryID, errored, restricted bool) (drainAction, hostbridge.Native, ReleaseOp) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookup(id)
	if !ok {
		return actSkip, nil, OpInvalid
	}

	if !r.ownerAlive(e.owner) {
		r.retire(id)
		return actDrop, nil, OpInvalid
	}

	if e.op.conditional() && (errored || restricted) {
		return actRequeue, nil, OpInvalid
	}

	native, op := e.native, e.op
	r.retire(id)
	return actRelease, native, op
}

// EndOwner tears down an owner: every live entry it still owns is
// released through the deferred-path rules in reverse registration
// order, then the owner handle goes stale. Conditional entries are
// dropped rather than released when the owner ends errored or
// restricted. Ending an owner twice is a fault.
//
// Must run under the boundary lock.
func (r *Registry) EndOwner(o Owner, errored, restricted bool) error {
	type pending struct {
		native hostbridge.Native
		op     ReleaseOp
	}

	r.mu.Lock()
	if !r.ownerAlive(o) {
		r.mu.Unlock()
		return errors.StaleOwner("end-owner")
	}
	s := &r.owners[o.index]

	var run []pending
	for i := len(s.members) - 1; i >= 0; i-- {
		id := s.members[i]
		e, ok := r.lookup(id)
		if !ok {
			continue
		}
		if e.op.conditional() && (errored || restricted) {
			r.retire(id)
			r.dropped.Add(1)
			continue
		}
		run = append(run, pending{native: e.native, op: e.op})
		r.retire(id)
	}

	label := s.label
	s.live = false
	s.gen++
	s.members = nil
	r.ownerFree = append(r.ownerFree, o.index)
	r.mu.Unlock()

	for _, p := range run {
		r.released.Add(1)
		if p.op == OpIndirectRef {
			if r.indirect != nil {
				r.indirect(p.native)
			}
			continue
		}
		if err := p.op.invoke(r.hooks, p.native); err != nil {
			Logger().Warn("release at owner teardown failed",
				zap.String("owner", label),
				zap.String("op", p.op.String()),
				zap.Error(err))
		}
	}
	return nil
}

// Live returns the number of live entries
func (r *Registry) Live() int {
	return int(r.live.Load())
}

// Pending returns the current deferred-queue length
func (r *Registry) Pending() int {
	r.deferred.mu.Lock()
	defer r.deferred.mu.Unlock()
	return len(r.deferred.ids)
}

// Stats returns a snapshot of the registry counters
func (r *Registry) Stats() Stats {
	return Stats{
		Registered: r.registered.Load(),
		Live:       r.live.Load(),
		Released:   r.released.Load(),
		Dropped:    r.dropped.Load(),
		Enqueued:   r.enqueued.Load(),
		Requeued:   r.requeued.Load(),
	}
}
