package resource

import (
	"fmt"

	"github.com/wippyai/hostbridge"
)

// ReleaseOp tags a registered resource with the one native operation
// that releases it. The set is closed; dispatch is a single exhaustive
// switch so a tag can never run another tag's operation.
type ReleaseOp uint8

const (
	// OpInvalid is the zero tag and never dispatches
	OpInvalid ReleaseOp = iota

	// OpFreeBlock frees a single host allocation
	OpFreeBlock

	// OpDeleteScope deletes a host allocation scope and its contents
	OpDeleteScope

	// OpFreeDescriptor frees a row-shape descriptor
	OpFreeDescriptor

	// OpFreeRow frees one materialized row
	OpFreeRow

	// OpFreeErrorRecord frees a captured host error record
	OpFreeErrorRecord

	// OpFreePlan closes a prepared plan
	OpFreePlan

	// OpFreeResultSet releases a materialized result set
	OpFreeResultSet

	// OpCloseCursor closes an open cursor. Conditional: suppressed when
	// the owning frame ends errored or inside a restricted phase, since
	// a cursor close in that state can corrupt host bookkeeping.
	OpCloseCursor

	// OpIndirectRef clears a managed-side reference slot. It makes no
	// host call and is the only tag safe to release from any goroutine.
	OpIndirectRef

	opCount
)

func (op ReleaseOp) String() string {
	switch op {
	case OpFreeBlock:
		return "free-block"
	case OpDeleteScope:
		return "delete-scope"
	case OpFreeDescriptor:
		return "free-descriptor"
	case OpFreeRow:
		return "free-row"
	case OpFreeErrorRecord:
		return "free-error-record"
	case OpFreePlan:
		return "free-plan"
	case OpFreeResultSet:
		return "free-result-set"
	case OpCloseCursor:
		return "close-cursor"
	case OpIndirectRef:
		return "release-indirect-ref"
	}
	return fmt.Sprintf("release-op(%d)", uint8(op))
}

// valid reports whether the tag is in the closed set
func (op ReleaseOp) valid() bool {
	return op > OpInvalid && op < opCount
}

// conditional reports whether the tag's release depends on the state of
// the frame it runs under.
func (op ReleaseOp) conditional() bool {
	return op == OpCloseCursor
}

// hostCall reports whether the tag's release touches host state and so
// must run under the boundary lock.
func (op ReleaseOp) hostCall() bool {
	return op != OpIndirectRef
}

// invoke runs the tag's native operation. OpIndirectRef never reaches
// here; the registry handles it through the indirect hook.
func (op ReleaseOp) invoke(hooks hostbridge.ReleaseHooks, native hostbridge.Native) error {
	switch op {
	case OpFreeBlock:
		return hooks.FreeBlock(native)
	case OpDeleteScope:
		return hooks.DeleteScope(native)
	case OpFreeDescriptor:
		return hooks.FreeDescriptor(native)
	case OpFreeRow:
		return hooks.FreeRow(native)
	case OpFreeErrorRecord:
		return hooks.FreeErrorRecord(native)
	case OpFreePlan:
		return hooks.FreePlan(native)
	case OpFreeResultSet:
		return hooks.FreeResultSet(native)
	case OpCloseCursor:
		return hooks.CloseCursor(native)
	}
	panic(fmt.Sprintf("resource: invoke of unexpected tag %s", op))
}
