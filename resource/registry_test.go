package resource

import (
	"sync"
	"testing"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
)

type hookCall struct {
	op     ReleaseOp
	native hostbridge.Native
}

// recordingHooks records every release dispatched to it and can inject
// failures per tag.
type recordingHooks struct {
	mu    sync.Mutex
	calls []hookCall
	fail  map[ReleaseOp]error
}

func (h *recordingHooks) record(op ReleaseOp, n hostbridge.Native) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hookCall{op: op, native: n})
	if h.fail != nil {
		return h.fail[op]
	}
	return nil
}

func (h *recordingHooks) FreeBlock(n hostbridge.Native) error       { return h.record(OpFreeBlock, n) }
func (h *recordingHooks) DeleteScope(n hostbridge.Scope) error      { return h.record(OpDeleteScope, n) }
func (h *recordingHooks) FreeDescriptor(n hostbridge.Native) error  { return h.record(OpFreeDescriptor, n) }
func (h *recordingHooks) FreeRow(n hostbridge.Native) error         { return h.record(OpFreeRow, n) }
func (h *recordingHooks) FreeErrorRecord(n hostbridge.Native) error { return h.record(OpFreeErrorRecord, n) }
func (h *recordingHooks) FreePlan(n hostbridge.Native) error        { return h.record(OpFreePlan, n) }
func (h *recordingHooks) FreeResultSet(n hostbridge.Native) error   { return h.record(OpFreeResultSet, n) }
func (h *recordingHooks) CloseCursor(n hostbridge.Native) error     { return h.record(OpCloseCursor, n) }

func (h *recordingHooks) count(op ReleaseOp) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (h *recordingHooks) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func newTestRegistry() (*Registry, *recordingHooks) {
	hooks := &recordingHooks{}
	return NewRegistry(hooks), hooks
}

func TestRegistry_ReleaseNow(t *testing.T) {
	r, hooks := newTestRegistry()
	owner := r.NewOwner("frame-1")

	id, err := r.Register("block-7", OpFreeBlock, owner)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if id.IsZero() {
		t.Fatal("Register returned the zero ID")
	}
	if r.Live() != 1 {
		t.Fatalf("Live = %d, want 1", r.Live())
	}

	ran, err := r.ReleaseNow(id)
	if err != nil {
		t.Fatalf("ReleaseNow failed: %v", err)
	}
	if !ran {
		t.Fatal("first ReleaseNow should run the native operation")
	}
	if hooks.count(OpFreeBlock) != 1 {
		t.Fatalf("FreeBlock calls = %d, want 1", hooks.count(OpFreeBlock))
	}
	if hooks.calls[0].native != "block-7" {
		t.Fatalf("native = %v, want block-7", hooks.calls[0].native)
	}
	if r.Live() != 0 {
		t.Fatalf("Live = %d after release, want 0", r.Live())
	}
}

func TestRegistry_ReleaseNow_Idempotent(t *testing.T) {
	r, hooks := newTestRegistry()
	owner := r.NewOwner("frame-1")
	id, _ := r.Register("plan-1", OpFreePlan, owner)

	if ran, _ := r.ReleaseNow(id); !ran {
		t.Fatal("first release should run")
	}
	if ran, err := r.ReleaseNow(id); ran || err != nil {
		t.Fatalf("second release = (%v, %v), want no-op", ran, err)
	}
	if hooks.count(OpFreePlan) != 1 {
		t.Fatalf("FreePlan calls = %d, want exactly 1", hooks.count(OpFreePlan))
	}
}

func TestRegistry_ReleaseDispatch(t *testing.T) {
	// Every host-call tag must dispatch to its own hook and no other
	ops := []ReleaseOp{
		OpFreeBlock,
		OpDeleteScope,
		OpFreeDescriptor,
		OpFreeRow,
		OpFreeErrorRecord,
		OpFreePlan,
		OpFreeResultSet,
		OpCloseCursor,
	}

	for _, op := range ops {
		t.Run(op.String(), func(t *testing.T) {
			r, hooks := newTestRegistry()
			owner := r.NewOwner("frame-1")
			id, err := r.Register("native", op, owner)
			if err != nil {
				t.Fatalf("Register failed: %v", err)
			}
			if _, err := r.ReleaseNow(id); err != nil {
				t.Fatalf("ReleaseNow failed: %v", err)
			}
			if hooks.count(op) != 1 {
				t.Errorf("%s hook calls = %d, want 1", op, hooks.count(op))
			}
			if hooks.total() != 1 {
				t.Errorf("total hook calls = %d, want 1", hooks.total())
			}
		})
	}
}

func TestRegistry_Register_UnknownOp(t *testing.T) {
	r, _ := newTestRegistry()
	owner := r.NewOwner("frame-1")

	if _, err := r.Register("x", OpInvalid, owner); !errors.IsKind(err, errors.KindUnknownReleaseOp) {
		t.Fatalf("Register(OpInvalid) err = %v, want unknown_release_op", err)
	}
	if _, err := r.Register("x", opCount, owner); !errors.IsKind(err, errors.KindUnknownReleaseOp) {
		t.Fatalf("Register(out of range) err = %v, want unknown_release_op", err)
	}
}

func TestRegistry_Register_StaleOwner(t *testing.T) {
	r, _ := newTestRegistry()
	owner := r.NewOwner("frame-1")
	if err := r.EndOwner(owner, false, false); err != nil {
		t.Fatalf("EndOwner failed: %v", err)
	}

	if _, err := r.Register("x", OpFreeBlock, owner); !errors.IsKind(err, errors.KindStaleOwner) {
		t.Fatalf("Register under ended owner err = %v, want stale_owner", err)
	}
	if _, err := r.Register("x", OpFreeBlock, Owner{}); !errors.IsKind(err, errors.KindStaleOwner) {
		t.Fatalf("Register under zero owner err = %v, want stale_owner", err)
	}
}

func TestRegistry_EndOwner_ReleasesReverse(t *testing.T) {
	r, hooks := newTestRegistry()
	owner := r.NewOwner("frame-1")

	if _, err := r.Register("plan", OpFreePlan, owner); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Register("rows", OpFreeResultSet, owner); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := r.EndOwner(owner, false, false); err != nil {
		t.Fatalf("EndOwner failed: %v", err)
	}

	// Reverse registration order: the result set built on the plan
	// goes first.
	if hooks.total() != 2 {
		t.Fatalf("total hook calls = %d, want 2", hooks.total())
	}
	if hooks.calls[0].op != OpFreeResultSet || hooks.calls[1].op != OpFreePlan {
		t.Fatalf("release order = %v, %v; want free-result-set then free-plan",
			hooks.calls[0].op, hooks.calls[1].op)
	}
	if r.Live() != 0 {
		t.Fatalf("Live = %d after EndOwner, want 0", r.Live())
	}
}

func TestRegistry_EndOwner_Twice(t *testing.T) {
	r, _ := newTestRegistry()
	owner := r.NewOwner("frame-1")

	if err := r.EndOwner(owner, false, false); err != nil {
		t.Fatalf("first EndOwner failed: %v", err)
	}
	err := r.EndOwner(owner, false, false)
	if !errors.IsKind(err, errors.KindStaleOwner) {
		t.Fatalf("second EndOwner err = %v, want stale_owner fault", err)
	}
	if !errors.IsFault(err) {
		t.Fatal("double EndOwner should be fault class")
	}
}

func TestRegistry_EndOwner_SkipsExplicitlyReleased(t *testing.T) {
	r, hooks := newTestRegistry()
	owner := r.NewOwner("frame-1")
	id, _ := r.Register("row", OpFreeRow, owner)

	if _, err := r.ReleaseNow(id); err != nil {
		t.Fatalf("ReleaseNow failed: %v", err)
	}
	if err := r.EndOwner(owner, false, false); err != nil {
		t.Fatalf("EndOwner failed: %v", err)
	}
	if hooks.count(OpFreeRow) != 1 {
		t.Fatalf("FreeRow calls = %d, want exactly 1", hooks.count(OpFreeRow))
	}
}

func TestRegistry_EndOwner_ConditionalDropped(t *testing.T) {
	tests := []struct {
		name       string
		errored    bool
		restricted bool
	}{
		{"errored", true, false},
		{"restricted", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, hooks := newTestRegistry()
			owner := r.NewOwner("frame-1")
			r.Register("cursor", OpCloseCursor, owner)
			r.Register("block", OpFreeBlock, owner)

			if err := r.EndOwner(owner, tt.errored, tt.restricted); err != nil {
				t.Fatalf("EndOwner failed: %v", err)
			}

			// The cursor close is suppressed; the block free is not
			if hooks.count(OpCloseCursor) != 0 {
				t.Errorf("CloseCursor calls = %d, want 0 (suppressed)", hooks.count(OpCloseCursor))
			}
			if hooks.count(OpFreeBlock) != 1 {
				t.Errorf("FreeBlock calls = %d, want 1", hooks.count(OpFreeBlock))
			}
			if got := r.Stats().Dropped; got != 1 {
				t.Errorf("Stats.Dropped = %d, want 1", got)
			}
		})
	}
}

func TestRegistry_Drain_ReleasesQueued(t *testing.T) {
	r, hooks := newTestRegistry()
	owner := r.NewOwner("frame-1")
	id, _ := r.Register("rows", OpFreeResultSet, owner)

	r.EnqueueDeferred(id)
	if r.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", r.Pending())
	}

	released, dropped := r.Drain(false, false)
	if released != 1 || dropped != 0 {
		t.Fatalf("Drain = (%d, %d), want (1, 0)", released, dropped)
	}
	if hooks.count(OpFreeResultSet) != 1 {
		t.Fatalf("FreeResultSet calls = %d, want 1", hooks.count(OpFreeResultSet))
	}

	// The explicit path racing behind the drain is a no-op
	if ran, _ := r.ReleaseNow(id); ran {
		t.Fatal("ReleaseNow after drain should be a no-op")
	}
}

func TestRegistry_Drain_StaleIDsSkipped(t *testing.T) {
	r, hooks := newTestRegistry()
	owner := r.NewOwner("frame-1")
	id, _ := r.Register("plan", OpFreePlan, owner)

	// Enqueue, then the explicit path wins the race
	r.EnqueueDeferred(id)
	r.ReleaseNow(id)

	released, dropped := r.Drain(false, false)
	if released != 0 || dropped != 0 {
		t.Fatalf("Drain = (%d, %d), want (0, 0) for stale ID", released, dropped)
	}
	if hooks.count(OpFreePlan) != 1 {
		t.Fatalf("FreePlan calls = %d, want exactly 1", hooks.count(OpFreePlan))
	}
}

func TestRegistry_Drain_DeadOwnerDropped(t *testing.T) {
	r, hooks := newTestRegistry()
	owner := r.NewOwner("frame-1")
	id, _ := r.Register("desc", OpFreeDescriptor, owner)
	r.EnqueueDeferred(id)

	// Owner torn down behind the registry's back: the entry's resource
	// is implicitly gone with it.
	r.mu.Lock()
	r.owners[owner.index].live = false
	r.mu.Unlock()

	released, dropped := r.Drain(false, false)
	if released != 0 || dropped != 1 {
		t.Fatalf("Drain = (%d, %d), want (0, 1)", released, dropped)
	}
	if hooks.count(OpFreeDescriptor) != 0 {
		t.Fatal("FreeDescriptor must not run for a dead owner")
	}
}

func TestRegistry_Drain_ConditionalRequeued(t *testing.T) {
	r, hooks := newTestRegistry()
	outer := r.NewOwner("frame-outer")
	id, _ := r.Register("cursor", OpCloseCursor, outer)
	r.EnqueueDeferred(id)

	// Drain during an errored pop of some other frame: the cursor's
	// owner is alive, so it stays queued for a later safe point.
	released, dropped := r.Drain(true, false)
	if released != 0 || dropped != 0 {
		t.Fatalf("Drain = (%d, %d), want (0, 0)", released, dropped)
	}
	if r.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1 (requeued)", r.Pending())
	}
	if hooks.count(OpCloseCursor) != 0 {
		t.Fatal("CloseCursor must not run in an unsafe context")
	}

	// A clean safe point releases it
	released, _ = r.Drain(false, false)
	if released != 1 {
		t.Fatalf("clean Drain released = %d, want 1", released)
	}
	if hooks.count(OpCloseCursor) != 1 {
		t.Fatalf("CloseCursor calls = %d, want 1", hooks.count(OpCloseCursor))
	}
}

func TestRegistry_EnqueueConcurrent(t *testing.T) {
	r, hooks := newTestRegistry()
	owner := r.NewOwner("session")

	const n = 64
	ids := make([]EntryID, n)
	for i := range ids {
		id, err := r.Register(i, OpFreeBlock, owner)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id EntryID) {
			defer wg.Done()
			r.EnqueueDeferred(id)
		}(id)
	}
	wg.Wait()

	if r.Pending() != n {
		t.Fatalf("Pending = %d, want %d", r.Pending(), n)
	}
	released, _ := r.Drain(false, false)
	if released != n {
		t.Fatalf("Drain released = %d, want %d", released, n)
	}
	if hooks.count(OpFreeBlock) != n {
		t.Fatalf("FreeBlock calls = %d, want %d", hooks.count(OpFreeBlock), n)
	}
}

func TestRegistry_IndirectRef(t *testing.T) {
	r, hooks := newTestRegistry()
	var cleared []hostbridge.Native
	var mu sync.Mutex
	r.SetIndirectHook(func(n hostbridge.Native) {
		mu.Lock()
		cleared = append(cleared, n)
		mu.Unlock()
	})

	owner := r.NewOwner("frame-1")
	id, _ := r.Register(uint32(5), OpIndirectRef, owner)

	// The indirect tag is legal from any goroutine
	done := make(chan error, 1)
	go func() {
		_, err := r.ReleaseNow(id)
		done <- err
	}()
	if err := <-done; err != nil {
		t.Fatalf("ReleaseNow failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(cleared) != 1 || cleared[0] != uint32(5) {
		t.Fatalf("cleared = %v, want [5]", cleared)
	}
	if hooks.total() != 0 {
		t.Fatal("indirect release must not touch host hooks")
	}
}

func TestRegistry_Stats(t *testing.T) {
	r, _ := newTestRegistry()
	owner := r.NewOwner("frame-1")

	a, _ := r.Register("a", OpFreeBlock, owner)
	b, _ := r.Register("b", OpCloseCursor, owner)
	r.Register("c", OpFreeRow, owner)

	r.ReleaseNow(a)
	r.EnqueueDeferred(b)
	r.Drain(true, false) // requeues the conditional entry
	r.EndOwner(owner, true, false)

	s := r.Stats()
	if s.Registered != 3 {
		t.Errorf("Registered = %d, want 3", s.Registered)
	}
	if s.Live != 0 {
		t.Errorf("Live = %d, want 0", s.Live)
	}
	// a explicitly, c at teardown
	if s.Released != 2 {
		t.Errorf("Released = %d, want 2", s.Released)
	}
	// b dropped at errored teardown
	if s.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", s.Dropped)
	}
	if s.Enqueued != 1 {
		t.Errorf("Enqueued = %d, want 1", s.Enqueued)
	}
	if s.Requeued != 1 {
		t.Errorf("Requeued = %d, want 1", s.Requeued)
	}
}

func TestRegistry_SlotReuse(t *testing.T) {
	r, hooks := newTestRegistry()
	owner := r.NewOwner("frame-1")

	first, _ := r.Register("first", OpFreeBlock, owner)
	r.ReleaseNow(first)

	// The slot is reused; the stale first ID must not reach the new entry
	second, _ := r.Register("second", OpFreeRow, owner)
	if ran, _ := r.ReleaseNow(first); ran {
		t.Fatal("stale ID must not release the reused slot")
	}
	if ran, _ := r.ReleaseNow(second); !ran {
		t.Fatal("live ID should release")
	}
	if hooks.count(OpFreeRow) != 1 || hooks.count(OpFreeBlock) != 1 {
		t.Fatalf("calls = %v, want one FreeBlock and one FreeRow", hooks.calls)
	}
}
