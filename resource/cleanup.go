package resource

import "runtime"

// Bind attaches a garbage-collection cleanup to wrapper: when the
// collector finds the wrapper unreachable without an explicit close,
// the entry is enqueued for deferred release. The cleanup goroutine
// only enqueues; it never touches host state.
//
// The explicit close path may Stop the returned cleanup to skip a
// pointless enqueue. Stopping is an optimization only: a stale ID
// reaching the queue is discarded at drain time.
func Bind[T any](r *Registry, wrapper *T, id EntryID) runtime.Cleanup {
	return runtime.AddCleanup(wrapper, func(id EntryID) {
		r.EnqueueDeferred(id)
	}, id)
}
