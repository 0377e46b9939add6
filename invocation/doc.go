// Package invocation tracks crossings between a host engine and
// managed Go code as a stack of frames, and ties resource lifetimes
// to those frames.
//
// # The stack
//
// A Stack belongs to one host engine. Host state is single-threaded:
// every crossing first takes the boundary lock through Acquire, which
// plants a token in the context so nested crossings on the same
// logical thread re-enter without deadlocking:
//
//	ctx, acquired := stack.Acquire(ctx)
//	defer stack.Release(acquired)
//
// Each crossing pushes a Frame and pops it on the way out, in strict
// LIFO order. A frame snapshots the host allocation scope and the
// primitive return slot at push time and restores both at pop, so a
// failed crossing leaves the host exactly where it started. Popping
// out of order is refused as a fault; popping with no frame at all
// panics, since the caller has lost track of its own crossings.
//
// # Dispatch
//
// Dispatcher is the host's entry point into managed code. Register
// binds names to functions; Call wraps each invocation in a frame
// push/pop pair, converts panics into structured errors, and
// re-raises managed failures through the host's native mechanism so
// the engine's own unwinding runs:
//
//	d := invocation.NewDispatcher(stack)
//	d.Register("greet", func(ctx context.Context, fr *invocation.Frame, args []hostbridge.Native) (hostbridge.Native, error) {
//		return "hello", nil
//	})
//	out, err := d.Call(ctx, "greet")
//
// # Resources
//
// Every frame owns a resource group in the stack's registry. Objects
// created during the frame, such as prepared plans, cursors and rows
// obtained through Frame.Connect, register their release operation
// under the frame's owner and are torn down at pop, newest first.
// Wrappers are also bound to garbage collection: dropping the last
// reference enqueues the release, which a later safe point performs.
// Explicit Close and the automatic paths may race; the operation runs
// at most once.
//
// Failures on host calls are captured through the error bridge: the
// host's pending failure record is taken and cleared, wrapped as an
// errors.HostError marked unhandled, and recorded on the frame. At
// pop the failure is surfaced once, loudly at the first frame and
// quietly at enclosing ones.
package invocation
