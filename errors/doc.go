// Package errors provides structured error types for the hostbridge library.
//
// Errors are categorized by Phase (where in the bridge the error occurred)
// and Kind (error category). Each Kind carries a handling Class: user errors
// propagate to the managed caller, faults abort the enclosing unit of work,
// and diagnostics are only logged.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRelease, errors.KindDoubleRelease).
//		Entity("free-plan").
//		Detail("entry released twice").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NoActiveInvocation("connect")
//	err := errors.ScopeMismatch("sp_a", 4, 9)
//
// Host engine failures cross into managed code as *HostError, which keeps
// the packed condition Code, the captured message fields, and a reference
// to the native error record. Condition codes pack five characters at six
// bits each; see Code.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
