// Package wasmhost adapts a wazero-hosted WebAssembly guest to the
// hostbridge SPI.
//
// The guest is the host runtime here: it owns its linear memory and
// exports a small arena-and-transaction ABI the adapter drives. Native
// handles are guest memory offsets, so nothing on the Go side ever
// aliases guest storage; the one value type crossing the boundary is
// uint32.
//
//	arena_current() -> i32          arena_switch(to i32) -> i32 (prev)
//	arena_new(parent i32) -> i32    arena_delete(s i32) -> i32 (status)
//	alloc(size i32) -> i32          free(ptr i32) -> i32 (status)
//	tx_begin() -> i32 (id)          tx_level() -> i32
//	tx_id() -> i32                  tx_release/tx_rollback/tx_discard() -> i32 (status)
//
// A nonzero status latches a pending failure the bridge captures
// through TakeFailure; a trap does the same with the trap message.
//
// The reverse direction is the bridge import module: guest code calls
// bridge.call(name_ptr, name_len) to dispatch a managed procedure, and
// reads a primitive result back with bridge.ret(), which exposes the
// invocation stack's saved return slot.
package wasmhost
