// Package sqlitehost adapts an SQLite database to the hostbridge SPI.
//
// The engine keeps one pinned connection for the whole session, because
// SQLite SAVEPOINT state is per-connection: nested transactional scopes
// issued through the Transactor surface all land on that connection, so
// the level the bridge observes is the level the database actually has.
// Frame connections handed out through Connect share the pinned
// connection; closing them is bookkeeping only, the underlying
// connection lives until the engine closes.
//
// SQLite has no caller-visible allocation scopes, so the Memory surface
// is adapter-side accounting: scopes and blocks are records the engine
// tracks and double-free-checks, standing in for the native allocator
// the bridge would drive on a host that has one.
//
// The host-to-managed direction is a bridge_call(name, arg) SQL
// function installed on every connection through the driver's connect
// hook. A statement run by managed code can therefore call back into
// the dispatcher mid-query; the engine forwards the in-flight call
// context so the invocation stack recognizes the re-entry.
package sqlitehost
