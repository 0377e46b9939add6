// Package savepoint controls nested transactional scopes on a host
// engine and keeps them aligned with the invocation stack.
//
// A scope begun through Controller.Set records the host's identity
// and nesting level for it. Release and Rollback share one unwind
// algorithm: scopes nested deeper than the target are discarded
// generically, the target's identity is verified against the host,
// and only then does the terminal operation run. A failed identity
// check is a ScopeMismatch fault and nothing further is touched,
// because divergent scope state makes any additional unwinding
// unsafe.
//
//	sp, err := ctl.Set("work")
//	...
//	if err := doWork(); err != nil {
//		return sp.Rollback()
//	}
//	return sp.Release()
//
// A successful Rollback also clears the current frame's error state,
// so managed code that handled a host failure by rolling back can
// keep issuing host calls.
//
// The controller watches frame pops. Savepoints a frame sets and
// never consumes are rolled back during that frame's teardown, with a
// warning, so transaction state cannot leak into the calling frame.
package savepoint
