package errors

import (
	stderrors "errors"
	"fmt"
)

// HostError is a host engine failure surfaced into the managed runtime.
// It carries the failure fields captured from the host at conversion
// time plus a reference to the native error record, which stays alive
// until the frame that captured it is released.
//
// The unhandled flag marks an error that crossed back out of managed
// code without being handled there. Frame teardown reports such an
// error once at warning severity; enclosing frames that see the same
// error already claimed log it at debug severity instead.
type HostError struct {
	Code    Code
	Message string
	Detail  string
	Hint    string
	Fatal   bool
	Record  any // native error record, owned by the capturing frame

	unhandled bool
	reported  bool
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("host failure [%s]", e.Code)
	}
	return fmt.Sprintf("host failure [%s]: %s", e.Code, e.Message)
}

// Is reports whether target is a host error
func (e *HostError) Is(target error) bool {
	_, ok := target.(*HostError)
	return ok
}

// MarkUnhandled flags the error as having left managed code unhandled
func (e *HostError) MarkUnhandled() {
	e.unhandled = true
}

// Unhandled reports whether the error left managed code unhandled
func (e *HostError) Unhandled() bool {
	return e.unhandled
}

// ClaimReport returns true exactly once, for the first frame to report
// the error during teardown. Later claims return false so enclosing
// frames can demote their log severity.
func (e *HostError) ClaimReport() bool {
	if e.reported {
		return false
	}
	e.reported = true
	return true
}

// AsHostError returns the host error wrapped anywhere in err, or nil
func AsHostError(err error) *HostError {
	var he *HostError
	if stderrors.As(err, &he) {
		return he
	}
	return nil
}

// MarkUnhandled flags the host error wrapped in err, if any, as having
// left managed code unhandled. It reports whether one was found.
func MarkUnhandled(err error) bool {
	if he := AsHostError(err); he != nil {
		he.MarkUnhandled()
		return true
	}
	return false
}

// IsUnhandled reports whether err wraps a host error marked unhandled
func IsUnhandled(err error) bool {
	he := AsHostError(err)
	return he != nil && he.Unhandled()
}
