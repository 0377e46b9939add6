package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in the bridge the error occurred
type Phase string

const (
	PhaseEnter   Phase = "enter"   // pushing an invocation frame
	PhaseCall    Phase = "call"    // dispatching into a managed procedure
	PhaseRelease Phase = "release" // releasing a registered resource
	PhaseDrain   Phase = "drain"   // draining the deferred-release queue
	PhaseConnect Phase = "connect" // opening a frame-scoped connection
	PhaseUnwind  Phase = "unwind"  // nested-scope release or rollback
	PhaseBridge  Phase = "bridge"  // failure conversion between runtimes
	PhaseHost    Phase = "host"    // a host engine operation
	PhaseConfig  Phase = "config"  // engine or bridge configuration
)

// Kind categorizes the error
type Kind string

const (
	KindNoActiveInvocation Kind = "no_active_invocation"
	KindMismanagedStack    Kind = "mismanaged_stack"
	KindStaleOwner         Kind = "stale_owner"
	KindDoubleRelease      Kind = "double_release"
	KindUnknownReleaseOp   Kind = "unknown_release_op"
	KindScopeMismatch      Kind = "scope_mismatch"
	KindAlreadyConsumed    Kind = "already_consumed"
	KindHostFailure        Kind = "host_failure"
	KindRestricted         Kind = "restricted"
	KindClosed             Kind = "closed"
	KindNotFound           Kind = "not_found"
	KindUnsupported        Kind = "unsupported"
	KindInvalidInput       Kind = "invalid_input"
	KindPanic              Kind = "panic"
)

// Class is the handling policy attached to an error kind. User errors
// propagate to the managed caller and may be caught there. Faults signal
// bridge-internal state corruption and abort the enclosing unit of work.
// Diagnostics are logged and never propagated.
type Class uint8

const (
	ClassUser Class = iota
	ClassFault
	ClassDiagnostic
)

func (c Class) String() string {
	switch c {
	case ClassUser:
		return "user"
	case ClassFault:
		return "fault"
	case ClassDiagnostic:
		return "diagnostic"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// ClassOf returns the handling class for a kind
func ClassOf(k Kind) Class {
	switch k {
	case KindMismanagedStack, KindStaleOwner, KindDoubleRelease,
		KindUnknownReleaseOp, KindScopeMismatch, KindAlreadyConsumed:
		return ClassFault
	default:
		return ClassUser
	}
}

// Error is the structured error type used throughout the bridge
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Code   Code   // packed condition code, zero when none applies
	Entity string // what the error concerns: procedure, savepoint, release tag
	Detail string
	Frame  int // invocation nesting level, -1 when not applicable
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Entity != "" {
		b.WriteString(" on ")
		b.WriteString(e.Entity)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Code != 0 {
		b.WriteString(" [")
		b.WriteString(e.Code.String())
		b.WriteByte(']')
	}

	if e.Frame >= 0 {
		fmt.Fprintf(&b, " (frame %d)", e.Frame)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Class returns the handling class for this error
func (e *Error) Class() Class {
	return ClassOf(e.Kind)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
			Frame: -1,
		},
	}
}

// Entity sets the name of the thing the error concerns
func (b *Builder) Entity(name string) *Builder {
	b.err.Entity = name
	return b
}

// Code sets the packed condition code
func (b *Builder) Code(c Code) *Builder {
	b.err.Code = c
	return b
}

// Frame sets the invocation nesting level
func (b *Builder) Frame(level int) *Builder {
	b.err.Frame = level
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// NoActiveInvocation reports a bridge operation attempted outside any
// invocation frame.
func NoActiveInvocation(op string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindNoActiveInvocation,
		Entity: op,
		Detail: "no invocation frame is active on the bridge thread",
		Frame:  -1,
	}
}

// MismanagedStack reports a frame popped out of LIFO order
func MismanagedStack(level, current int) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindMismanagedStack,
		Detail: fmt.Sprintf("frame %d popped while frame %d is current", level, current),
		Frame:  level,
	}
}

// StaleOwner reports a registry operation through an owner handle whose
// entry was already reused.
func StaleOwner(tag string) *Error {
	return &Error{
		Phase:  PhaseRelease,
		Kind:   KindStaleOwner,
		Entity: tag,
		Detail: "owner handle does not match the live entry",
		Frame:  -1,
	}
}

// DoubleRelease reports a second release of the same registry entry
func DoubleRelease(tag string) *Error {
	return &Error{
		Phase:  PhaseRelease,
		Kind:   KindDoubleRelease,
		Entity: tag,
		Detail: "entry was already released",
		Frame:  -1,
	}
}

// UnknownReleaseOp reports a release tag outside the fixed set
func UnknownReleaseOp(tag uint8) *Error {
	return &Error{
		Phase:  PhaseRelease,
		Kind:   KindUnknownReleaseOp,
		Detail: fmt.Sprintf("release tag %d is not recognized", tag),
		Frame:  -1,
	}
}

// ScopeMismatch reports an unwind that found a scope other than its target
func ScopeMismatch(name string, wantID, gotID uint64) *Error {
	return &Error{
		Phase:  PhaseUnwind,
		Kind:   KindScopeMismatch,
		Entity: name,
		Detail: fmt.Sprintf("expected scope %d at target level, found %d", wantID, gotID),
		Frame:  -1,
	}
}

// AlreadyConsumed reports a second release or rollback of the same scope
func AlreadyConsumed(name string) *Error {
	return &Error{
		Phase:  PhaseUnwind,
		Kind:   KindAlreadyConsumed,
		Entity: name,
		Detail: "scope was already released or rolled back",
		Frame:  -1,
	}
}

// Restricted reports an operation refused in the current execution phase
func Restricted(phase Phase, op string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRestricted,
		Entity: op,
		Detail: "not allowed in the current execution phase",
		Frame:  -1,
	}
}

// Closed reports use of a handle after its release
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Entity: what,
		Detail: "already closed",
		Frame:  -1,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
		Frame:  -1,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
		Frame:  -1,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
		Frame:  -1,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
		Frame:  -1,
	}
}

// IsFault reports whether err or anything it wraps is a fault-class error
func IsFault(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Class() == ClassFault {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsKind reports whether err or anything it wraps carries the given kind
func IsKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == k {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}
