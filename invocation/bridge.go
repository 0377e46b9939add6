package invocation

import (
	"go.uber.org/zap"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
	"github.com/wippyai/hostbridge/resource"
)

// CaptureFailure converts a failed host operation into a structured
// error. It takes the host's pending failure record, clearing the
// host's failure state so the engine can keep running, and wraps it
// as a HostError marked unhandled. With no pending record the cause
// is wrapped as a plain host failure.
//
// The captured record datum, if any, is registered for deferred free
// and bound to the HostError's reachability. Nothing in here is
// allowed to escalate: a failure while capturing a failure is logged
// and the plain wrap returned instead.
func (s *Stack) CaptureFailure(phase errors.Phase, op string, cause error) (converted error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("panic while capturing host failure",
				zap.String("op", op),
				zap.Any("panic", r))
			if converted == nil {
				converted = errors.Wrap(phase, errors.KindHostFailure, cause, op)
			}
		}
	}()

	f := s.host.TakeFailure()
	if f == nil {
		return errors.Wrap(phase, errors.KindHostFailure, cause, op)
	}

	he := &errors.HostError{
		Code:    f.Code,
		Message: f.Message,
		Detail:  f.Detail,
		Hint:    f.Hint,
		Fatal:   f.Fatal,
		Record:  f.Record,
	}
	he.MarkUnhandled()

	if f.Record != nil {
		id, err := s.reg.Register(f.Record, resource.OpFreeErrorRecord, s.session)
		if err != nil {
			Logger().Warn("failure record not registered for release",
				zap.String("code", he.Code.String()),
				zap.Error(err))
		} else {
			resource.Bind(s.reg, he, id)
		}
	}

	Logger().Debug("host failure captured",
		zap.String("op", op),
		zap.String("code", he.Code.String()),
		zap.Bool("fatal", he.Fatal))
	return he
}

// hostErr is the error path for SPI calls made on behalf of the
// current frame: capture any pending failure and record the result on
// the frame so teardown knows the crossing went bad.
func (s *Stack) hostErr(phase errors.Phase, op string, cause error) error {
	err := s.CaptureFailure(phase, op, cause)
	if s.current != nil {
		s.current.recordError(err)
	}
	return err
}

// PropagateToHost re-raises a managed-side error through the host's
// native failure mechanism, so the host's own unwinding runs. A
// HostError hands back the original captured record; anything else
// becomes a fresh failure with a code reflecting its class.
func (s *Stack) PropagateToHost(err error) {
	if err == nil {
		return
	}
	f := hostbridge.FailureFromError(err)
	Logger().Debug("propagating failure to host",
		zap.String("code", f.Code.String()),
		zap.Bool("fatal", f.Fatal))
	s.host.RaiseFailure(f)
}
