// Package hostbridge embeds a scope-allocating, transaction-nesting host
// engine into a Go application and keeps the lifetime mismatch between
// host-owned resources and Go's garbage collector safe: no use-after-free,
// no double-free, no leaks, and release work performed only by the
// goroutine holding the boundary lock at well-defined safe points.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	hostbridge/          Root package with the host SPI: Memory, Transactor,
//	                     Querier, FailureSource, ReleaseHooks, Failure
//	├── invocation/      Re-entrant invocation stack, boundary lock,
//	                     procedure dispatcher, managed wrapper handles,
//	                     and the error bridge between the two runtimes
//	├── resource/        Dual-state resource registry: generation-checked
//	                     owners, targeted release tags, deferred queue
//	├── savepoint/       Nested transactional scope controller with
//	                     level-based unwinding and identity verification
//	├── errors/          Structured error types and packed condition codes
//	├── host/memhost/    In-memory reference engine, used in tests
//	├── host/sqlitehost/ SQLite adapter with SAVEPOINT-backed scopes
//	├── host/wasmhost/   wazero adapter driving a guest-exported ABI
//	├── cmd/bridgectl/   CLI for poking at an engine interactively
//	└── examples/basic/  minimal embedding example
//
// # Quick Start
//
// Wire an engine to a stack, register a procedure, and call it:
//
//	host := memhost.New()
//	stack := invocation.NewStack(host)
//	disp := invocation.NewDispatcher(stack)
//
//	disp.Register("greet", func(ctx context.Context, fr *invocation.Frame, args []hostbridge.Native) (hostbridge.Native, error) {
//	    return "hello, " + args[0].(string), nil
//	})
//
//	out, err := disp.Call(context.Background(), "greet", "world")
//
// Every call runs inside an invocation frame. Frames nest to arbitrary
// depth when managed code re-enters the host and the host calls back in;
// each frame releases what was registered under it when it exits, in
// strict LIFO order.
//
// # Resource Model
//
// Host resources handed to managed code are paired with a registry entry
// naming the one release operation that fits the resource: free a block,
// delete a scope, close a cursor, and so on. Release happens through
// exactly one of two paths: eagerly, when managed code closes its wrapper,
// or deferred, when the garbage collector finds the wrapper unreachable
// and a cleanup enqueues the entry for the next safe point. Both paths
// tolerate racing each other; the native operation runs at most once.
//
// # Thread Safety
//
// Host state belongs to one logical thread. The invocation stack's
// boundary lock serializes every crossing; the only lock-free entry is
// enqueueing deferred releases, which any goroutine (including cleanup
// goroutines) may do at any time. Draining the queue and every native
// release call happen under the boundary lock only.
package hostbridge
