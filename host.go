package hostbridge

// Native is an opaque reference to a host-owned object. Adapters put
// whatever identifies the resource on their side behind it: a struct
// pointer, a guest memory offset, a statement handle.
type Native = any

// Scope is a native reference to a host allocation scope
type Scope = Native

// ScopeID identifies one nested transactional scope. IDs are assigned
// by the host and never reused within a session.
type ScopeID uint64

// Memory is the host's allocation-scope surface. The bridge tracks the
// scope that was current when a frame was entered and restores it on
// exit, so managed code can switch scopes freely in between.
type Memory interface {
	// Current returns the scope new host allocations go into
	Current() Scope

	// Switch makes to the current scope and returns the previous one
	Switch(to Scope) Scope

	// NewScope creates a child scope under parent
	NewScope(parent Scope, label string) (Scope, error)

	// DeleteScope frees a scope and everything allocated in it
	DeleteScope(s Scope) error

	// FreeBlock frees a single allocation
	FreeBlock(block Native) error
}

// Transactor is the host's nested-transaction surface. Levels grow by
// one per nested begin; the innermost scope is the only one that can be
// ended, so unwinding to an outer scope discards inner ones first.
type Transactor interface {
	// BeginNested opens a nested scope and reports its identity and
	// the nesting level in effect after the begin.
	BeginNested(name string) (ScopeID, int, error)

	// Level returns the current nesting level
	Level() int

	// CurrentID returns the identity of the innermost scope
	CurrentID() ScopeID

	// ReleaseCurrent commits the innermost scope into its parent
	ReleaseCurrent() error

	// RollbackCurrent discards the innermost scope's effects
	RollbackCurrent() error

	// Discard abandons the innermost scope during unwinding
	Discard() error
}

// FailureSource exposes the host's error reporting channel
type FailureSource interface {
	// TakeFailure captures and clears the pending host failure,
	// returning nil when none is pending. After TakeFailure the host
	// is ready to execute further operations.
	TakeFailure() *Failure

	// RaiseFailure reports a failure through the host's native
	// mechanism so host-side unwinding proceeds. It does not return
	// control flow to the caller's host operation.
	RaiseFailure(f *Failure)
}

// ReleaseHooks are the targeted release operations the resource
// registry dispatches on. Each takes the native reference recorded at
// registration time. Hosts implement all of them; FreeBlock and
// DeleteScope double as the Memory operations of the same name.
type ReleaseHooks interface {
	FreeBlock(block Native) error
	DeleteScope(s Scope) error
	FreeDescriptor(d Native) error
	FreeRow(r Native) error
	FreeErrorRecord(rec Native) error
	FreePlan(p Native) error
	FreeResultSet(rs Native) error
	CloseCursor(c Native) error
}

// Host is the full engine surface the bridge drives. Adapters that can
// run statements additionally implement Querier.
type Host interface {
	Memory
	Transactor
	FailureSource
	ReleaseHooks

	// Name identifies the adapter in logs and diagnostics
	Name() string
}
