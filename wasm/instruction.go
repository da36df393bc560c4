package wasm

import "github.com/wippyai/wasm-sandbox/wasm/internal/binary"

// Instruction is a single instruction with its immediate, used to assemble
// function bodies programmatically.
type Instruction struct {
	Imm    any
	Opcode byte
}

// BlockImm is the block type of block, loop and if.
// Type is BlockTypeEmpty, a negative value type code, or a type index.
type BlockImm struct {
	Type int32
}

// BranchImm is the label depth of br and br_if.
type BranchImm struct {
	LabelIdx uint32
}

// CallImm is the function index of call.
type CallImm struct {
	FuncIdx uint32
}

// LocalImm is the local index of local.get/set/tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm is the global index of global.get/set.
type GlobalImm struct {
	GlobalIdx uint32
}

// MemoryImm is the alignment and offset of loads and stores.
type MemoryImm struct {
	Align  uint32
	Offset uint64
}

// MemoryIdxImm is the memory index of memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm is the constant of i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm is the constant of i64.const.
type I64Imm struct {
	Value int64
}

// EncodeInstructions serializes instructions. The caller supplies the
// trailing end opcode.
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for _, in := range instrs {
		w.Byte(in.Opcode)
		switch imm := in.Imm.(type) {
		case nil:
		case BlockImm:
			w.WriteS64(int64(imm.Type))
		case BranchImm:
			w.WriteU32(imm.LabelIdx)
		case CallImm:
			w.WriteU32(imm.FuncIdx)
		case LocalImm:
			w.WriteU32(imm.LocalIdx)
		case GlobalImm:
			w.WriteU32(imm.GlobalIdx)
		case MemoryImm:
			w.WriteU32(imm.Align)
			w.WriteU64(imm.Offset)
		case MemoryIdxImm:
			w.WriteU32(imm.MemIdx)
		case I32Imm:
			w.WriteS64(int64(imm.Value))
		case I64Imm:
			w.WriteS64(imm.Value)
		}
	}
	return w.Bytes()
}

// ConstI32 returns an i32.const offset expression terminated by end,
// suitable for DataSegment.Offset.
func ConstI32(v int32) []byte {
	return EncodeInstructions([]Instruction{
		{Opcode: OpI32Const, Imm: I32Imm{Value: v}},
		{Opcode: OpEnd},
	})
}
