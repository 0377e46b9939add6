// Package memhost provides the in-memory reference host engine.
//
// The engine implements the full hostbridge.Host surface plus the
// optional Querier capability over scripted statements. It exists for
// two audiences: tests, which use its journal, double-free detection,
// and failure injection to observe exactly what the bridge did; and
// examples, which need an engine with no external dependencies.
//
// Typical test setup:
//
//	eng := memhost.New()
//	eng.Define("select name", cols, rows, 0)
//	eng.FailNext("begin-nested", eng.Fail(code, "no space"))
//
// The engine is not a database: statements yield whatever Define
// scripted, and transaction scopes track nesting and identity without
// buffering effects.
package memhost
