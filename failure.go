package hostbridge

import "github.com/wippyai/hostbridge/errors"

// Failure is the host's error report, captured at the boundary. The
// bridge converts it into an *errors.HostError for managed code and
// back again when a managed failure must unwind the host side.
//
// Record, when non-nil, is the host's own error record. Ownership
// passes to whoever captures the failure; the bridge registers it for
// release under the frame that captured it.
type Failure struct {
	Code    errors.Code
	Message string
	Detail  string
	Hint    string
	Record  Native
	Fatal   bool
}

// FailureFromError builds a host failure from a managed error. A
// wrapped *errors.HostError keeps its original code and fields; other
// errors are reported with the external-exception code, faults with
// the internal one.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}
	if he := errors.AsHostError(err); he != nil {
		return &Failure{
			Code:    he.Code,
			Message: he.Message,
			Detail:  he.Detail,
			Hint:    he.Hint,
			Record:  he.Record,
			Fatal:   he.Fatal,
		}
	}
	code := errors.CodeExternalException
	if errors.IsFault(err) {
		code = errors.CodeInternal
	}
	return &Failure{
		Code:    code,
		Message: err.Error(),
	}
}
