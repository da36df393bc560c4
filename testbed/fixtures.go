// Package testbed builds small WebAssembly modules that exercise the sandbox:
// host calls, runaway loops, out-of-bounds host pointers, memory growth and
// traps. The modules are assembled in memory so tests need no external
// toolchain or checked-in binaries.
package testbed

import (
	"github.com/wippyai/wasm-sandbox/wasm"
)

var (
	i32 = wasm.ValI32
	i64 = wasm.ValI64
)

var (
	logType = wasm.FuncType{Params: []wasm.ValType{i32, i32}}
	addType = wasm.FuncType{Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}}
)

func one(min uint32) []wasm.MemoryType {
	return []wasm.MemoryType{{Limits: wasm.Limits{Min: min}}}
}

func body(instrs ...wasm.Instruction) wasm.FuncBody {
	instrs = append(instrs, wasm.Instruction{Opcode: wasm.OpEnd})
	return wasm.FuncBody{Code: wasm.EncodeInstructions(instrs)}
}

func i32c(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

func call(idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: idx}}
}

func local(idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: idx}}
}

func op(code byte) wasm.Instruction {
	return wasm.Instruction{Opcode: code}
}

func loop(inner ...wasm.Instruction) []wasm.Instruction {
	out := []wasm.Instruction{{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: wasm.BlockTypeEmpty}}}
	out = append(out, inner...)
	out = append(out,
		wasm.Instruction{Opcode: wasm.OpBr, Imm: wasm.BranchImm{LabelIdx: 0}},
		wasm.Instruction{Opcode: wasm.OpEnd},
	)
	return out
}

func exportFunc(name string, idx uint32) wasm.Export {
	return wasm.Export{Name: name, Kind: wasm.KindFunc, Index: idx}
}

func importFunc(name string, typeIdx uint32) wasm.Import {
	return wasm.Import{Module: "env", Name: name, Kind: wasm.KindFunc, TypeIdx: typeIdx}
}

// AddAndLog exports "run" () -> i32, which logs "ok" through host_log and
// returns host_add(10, 32). Memory is exported as "memory".
func AddAndLog() []byte {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			logType,
			addType,
			{Results: []wasm.ValType{i32}},
		},
		Imports: []wasm.Import{
			importFunc("host_log", 0),
			importFunc("host_add", 1),
		},
		Funcs:    []uint32{2},
		Memories: one(1),
		Exports: []wasm.Export{
			exportFunc("run", 2),
			{Name: "memory", Kind: wasm.KindMemory, Index: 0},
		},
		Code: []wasm.FuncBody{body(
			i32c(0), i32c(2), call(0),
			i32c(10), i32c(32), call(1),
		)},
		Data: []wasm.DataSegment{{Offset: wasm.ConstI32(0), Init: []byte("ok")}},
	}
	return m.Encode()
}

// Arith exports "add" (i32, i32) -> i32, "add64" (i64, i64) -> i64 and
// "answer" () -> i32 returning 42. It imports nothing.
func Arith() []byte {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			addType,
			{Params: []wasm.ValType{i64, i64}, Results: []wasm.ValType{i64}},
			{Results: []wasm.ValType{i32}},
		},
		Funcs: []uint32{0, 1, 2},
		Exports: []wasm.Export{
			exportFunc("add", 0),
			exportFunc("add64", 1),
			exportFunc("answer", 2),
		},
		Code: []wasm.FuncBody{
			body(local(0), local(1), op(wasm.OpI32Add)),
			body(local(0), local(1), op(wasm.OpI64Add)),
			body(i32c(42)),
		},
	}
	return m.Encode()
}

// DataAt places "hi" at offset in an active data segment. Its "run" export
// logs those two bytes through host_log and returns 42.
func DataAt(offset int32) []byte {
	m := &wasm.Module{
		Types:    []wasm.FuncType{logType, {Results: []wasm.ValType{i32}}},
		Imports:  []wasm.Import{importFunc("host_log", 0)},
		Funcs:    []uint32{1},
		Memories: one(1),
		Exports:  []wasm.Export{exportFunc("run", 1)},
		Code: []wasm.FuncBody{body(
			i32c(offset), i32c(2), call(0),
			i32c(42),
		)},
		Data: []wasm.DataSegment{{Offset: wasm.ConstI32(offset), Init: []byte("hi")}},
	}
	return m.Encode()
}

// Spin exports "run" () -> (), an infinite loop with no host calls.
func Spin() []byte {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{exportFunc("run", 0)},
		Code:    []wasm.FuncBody{body(loop()...)},
	}
	return m.Encode()
}

// LogOutOfBounds exports "run", which passes host_log a range that starts
// inside the single memory page and ends past it.
func LogOutOfBounds() []byte {
	m := &wasm.Module{
		Types:    []wasm.FuncType{logType, {}},
		Imports:  []wasm.Import{importFunc("host_log", 0)},
		Funcs:    []uint32{1},
		Memories: one(1),
		Exports:  []wasm.Export{exportFunc("run", 1)},
		Code:     []wasm.FuncBody{body(i32c(65530), i32c(100), call(0))},
	}
	return m.Encode()
}

// HostLoop exports "run", which calls host_add forever.
func HostLoop() []byte {
	m := &wasm.Module{
		Types:   []wasm.FuncType{addType, {}},
		Imports: []wasm.Import{importFunc("host_add", 0)},
		Funcs:   []uint32{1},
		Exports: []wasm.Export{exportFunc("run", 1)},
		Code: []wasm.FuncBody{body(loop(
			i32c(1), i32c(1), call(0), op(wasm.OpDrop),
		)...)},
	}
	return m.Encode()
}

// Grow exports "run" () -> i32, which grows memory by pages and returns the
// result of memory.grow (-1 on failure). Memory starts at one page.
func Grow(pages int32) []byte {
	m := &wasm.Module{
		Types:    []wasm.FuncType{{Results: []wasm.ValType{i32}}},
		Funcs:    []uint32{0},
		Memories: one(1),
		Exports:  []wasm.Export{exportFunc("run", 0)},
		Code: []wasm.FuncBody{body(
			i32c(pages),
			wasm.Instruction{Opcode: wasm.OpMemoryGrow, Imm: wasm.MemoryIdxImm{}},
		)},
	}
	return m.Encode()
}

// LargeMemory declares a memory of minPages pages and exports "run" () -> i32
// returning memory.size.
func LargeMemory(minPages uint32) []byte {
	m := &wasm.Module{
		Types:    []wasm.FuncType{{Results: []wasm.ValType{i32}}},
		Funcs:    []uint32{0},
		Memories: one(minPages),
		Exports:  []wasm.Export{exportFunc("run", 0)},
		Code: []wasm.FuncBody{body(
			wasm.Instruction{Opcode: wasm.OpMemorySize, Imm: wasm.MemoryIdxImm{}},
		)},
	}
	return m.Encode()
}

// Unreachable exports "run", which traps immediately.
func Unreachable() []byte {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{exportFunc("run", 0)},
		Code:    []wasm.FuncBody{body(op(wasm.OpUnreachable))},
	}
	return m.Encode()
}

// ForbiddenImport imports env.fs_open, which no host capability provides.
func ForbiddenImport() []byte {
	m := &wasm.Module{
		Types:   []wasm.FuncType{addType, {}},
		Imports: []wasm.Import{importFunc("fs_open", 0)},
		Funcs:   []uint32{1},
		Exports: []wasm.Export{exportFunc("run", 1)},
		Code:    []wasm.FuncBody{body()},
	}
	return m.Encode()
}

// WithCustomSection returns src with a custom section appended.
func WithCustomSection(src []byte, name string, data []byte) []byte {
	m, err := wasm.ParseModule(src)
	if err != nil {
		panic(err)
	}
	m.Custom = append(m.Custom, wasm.CustomSection{Name: name, Data: data})
	return m.Encode()
}

// Garbage is not a WebAssembly module.
func Garbage() []byte {
	return []byte("definitely not wasm")
}
