package wasmhost

// A hand-assembled guest implementing the arena/transaction ABI, so
// the adapter tests need no build toolchain or binary fixtures. The
// guest models scopes and blocks as bump-allocated offsets and keeps
// the transaction stack in linear memory, one slot per level.

type guestImport struct {
	module  string
	name    string
	typeIdx int
}

type guestFunc struct {
	typeIdx int
	body    []byte // instructions without the trailing end opcode
}

type guestExport struct {
	name string
	kind byte // 0 func, 2 memory
	idx  int
}

type moduleSpec struct {
	types    [][]byte
	imports  []guestImport
	funcs    []guestFunc
	globals  []int32 // i32 mutable, constant-initialized
	memPages int
	exports  []guestExport
}

func uleb(n uint32) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

func sleb(n int32) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		done := (n == 0 && b&0x40 == 0) || (n == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func wasmName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func wasmSection(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(body)))...)
	return append(out, body...)
}

func buildModule(spec moduleSpec) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(spec.types) > 0 {
		body := uleb(uint32(len(spec.types)))
		for _, t := range spec.types {
			body = append(body, t...)
		}
		mod = append(mod, wasmSection(1, body)...)
	}

	if len(spec.imports) > 0 {
		body := uleb(uint32(len(spec.imports)))
		for _, imp := range spec.imports {
			body = append(body, wasmName(imp.module)...)
			body = append(body, wasmName(imp.name)...)
			body = append(body, 0x00)
			body = append(body, uleb(uint32(imp.typeIdx))...)
		}
		mod = append(mod, wasmSection(2, body)...)
	}

	if len(spec.funcs) > 0 {
		body := uleb(uint32(len(spec.funcs)))
		for _, fn := range spec.funcs {
			body = append(body, uleb(uint32(fn.typeIdx))...)
		}
		mod = append(mod, wasmSection(3, body)...)
	}

	if spec.memPages > 0 {
		body := append([]byte{0x01, 0x00}, uleb(uint32(spec.memPages))...)
		mod = append(mod, wasmSection(5, body)...)
	}

	if len(spec.globals) > 0 {
		body := uleb(uint32(len(spec.globals)))
		for _, init := range spec.globals {
			body = append(body, 0x7f, 0x01, 0x41)
			body = append(body, sleb(init)...)
			body = append(body, 0x0b)
		}
		mod = append(mod, wasmSection(6, body)...)
	}

	if len(spec.exports) > 0 {
		body := uleb(uint32(len(spec.exports)))
		for _, exp := range spec.exports {
			body = append(body, wasmName(exp.name)...)
			body = append(body, exp.kind)
			body = append(body, uleb(uint32(exp.idx))...)
		}
		mod = append(mod, wasmSection(7, body)...)
	}

	if len(spec.funcs) > 0 {
		body := uleb(uint32(len(spec.funcs)))
		for _, fn := range spec.funcs {
			code := append([]byte{0x00}, fn.body...) // no local declarations
			code = append(code, 0x0b)
			body = append(body, uleb(uint32(len(code)))...)
			body = append(body, code...)
		}
		mod = append(mod, wasmSection(10, body)...)
	}

	return mod
}

// Guest globals: 0 current scope, 1 next scope id, 2 bump pointer,
// 3 tx level, 4 tx id sequence. tx ids live at memory[level*4].
func testGuest() []byte {
	const (
		t0 = 0 // () -> i32
		t1 = 1 // (i32) -> i32
		t2 = 2 // (i32, i32) -> i32
	)

	endTx := []byte{ // level > 0 ? level-- ; status 0
		0x23, 0x03, 0x04, 0x40,
		0x23, 0x03, 0x41, 0x01, 0x6b, 0x24, 0x03,
		0x0b,
		0x41, 0x00,
	}

	funcs := []guestFunc{
		{t0, []byte{0x23, 0x00}},                                     // arena_current
		{t1, []byte{0x23, 0x00, 0x20, 0x00, 0x24, 0x00}},             // arena_switch
		{t1, []byte{0x23, 0x01, 0x23, 0x01, 0x41, 0x01, 0x6a, 0x24, 0x01}}, // arena_new
		{t1, []byte{0x41, 0x00}},                                     // arena_delete
		{t1, []byte{0x23, 0x02, 0x23, 0x02, 0x20, 0x00, 0x6a, 0x24, 0x02}}, // alloc
		{t1, []byte{0x41, 0x00}},                                     // free
		{t0, []byte{ // tx_begin: seq++, level++, mem[level*4]=seq, return seq
			0x23, 0x04, 0x41, 0x01, 0x6a, 0x24, 0x04,
			0x23, 0x03, 0x41, 0x01, 0x6a, 0x24, 0x03,
			0x23, 0x03, 0x41, 0x04, 0x6c,
			0x23, 0x04,
			0x36, 0x02, 0x00,
			0x23, 0x04,
		}},
		{t0, []byte{0x23, 0x03}}, // tx_level
		{t0, []byte{ // tx_id: level == 0 ? 0 : mem[level*4]
			0x23, 0x03, 0x45,
			0x04, 0x7f,
			0x41, 0x00,
			0x05,
			0x23, 0x03, 0x41, 0x04, 0x6c,
			0x28, 0x02, 0x00,
			0x0b,
		}},
		{t0, endTx},                                  // tx_release
		{t0, endTx},                                  // tx_rollback
		{t0, endTx},                                  // tx_discard
		{t2, []byte{0x20, 0x00, 0x20, 0x01, 0x10, 0x00}}, // do_call -> bridge.call
		{t0, []byte{0x00}},                           // boom: unreachable
	}

	names := []string{
		"arena_current", "arena_switch", "arena_new", "arena_delete",
		"alloc", "free",
		"tx_begin", "tx_level", "tx_id",
		"tx_release", "tx_rollback", "tx_discard",
		"do_call", "boom",
	}
	exports := []guestExport{{name: "memory", kind: 2, idx: 0}}
	for i, name := range names {
		exports = append(exports, guestExport{name: name, kind: 0, idx: i + 1})
	}

	return buildModule(moduleSpec{
		types: [][]byte{
			{0x60, 0x00, 0x01, 0x7f},
			{0x60, 0x01, 0x7f, 0x01, 0x7f},
			{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f},
		},
		imports:  []guestImport{{module: "bridge", name: "call", typeIdx: t2}},
		funcs:    funcs,
		globals:  []int32{1, 2, 1024, 0, 0},
		memPages: 1,
		exports:  exports,
	})
}
