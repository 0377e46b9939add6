// Package resource implements the dual-state registry that makes host
// resource release safe across the runtime boundary.
//
// Every native resource handed to managed code gets a registry entry
// pairing it with a release tag and an owner. The tag names the one
// native operation that releases the resource; the owner is the
// invocation frame (or longer-lived scope) whose teardown bounds the
// resource's lifetime.
//
// # Entry Lifecycle
//
// An entry is live from Register until exactly one of:
//
//	ReleaseNow   - explicit release by managed code (a wrapper's Close)
//	EndOwner     - the owning frame pops and tears down its entries
//	Drain        - the entry was enqueued after its wrapper became
//	               unreachable, and a safe point drained the queue
//
// The native operation runs at most once per entry no matter how the
// paths race; losers see a stale generation and no-op.
//
// # Deferred Release
//
// Garbage collection discovers unreachable wrappers on whatever
// goroutine the runtime chooses, which must never call into the host.
// Bind installs a cleanup that only enqueues the entry ID onto the
// deferred queue; the queue accepts enqueues from any goroutine and is
// drained exclusively by the boundary-lock holder at safe points.
//
// Entries whose owner died before their turn are dropped without a
// native call: the host reclaimed the resource when the owner's scope
// was torn down, and releasing again would be a double free.
//
// # Conditional Release
//
// One tag, OpCloseCursor, is conditional: closing a cursor while the
// owning frame is errored or inside a restricted callback phase can
// corrupt host bookkeeping. Teardown drops such entries; a drain in an
// unsafe context leaves them queued for a later safe point instead.
//
// # Handles
//
// EntryID and Owner are index+generation pairs, not pointers. A stale
// handle is detectable and inert rather than dangling.
package resource
