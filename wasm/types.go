package wasm

import "strings"

// Module is a decoded WebAssembly core module.
//
// Sections the sandbox inspects (types, imports, functions, memories,
// exports, start, code, data) are decoded into fields. Table, global,
// element, data count and tag sections are carried verbatim in Raw.
type Module struct {
	Start    *uint32
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // type indices of defined functions
	Memories []MemoryType
	Exports  []Export
	Code     []FuncBody
	Data     []DataSegment
	Raw      []RawSection
	Custom   []CustomSection
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (f FuncType) String() string {
	var b strings.Builder
	b.WriteString("(")
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(")")
	if len(f.Results) > 0 {
		b.WriteString(" -> ")
		for i, r := range f.Results {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(r.String())
		}
	}
	return b.String()
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// ValType is a WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	case ValRefNull:
		return "ref null"
	case ValRef:
		return "ref"
	default:
		return "unknown"
	}
}

// Import is an imported function, table, memory, global or tag.
// Desc holds the encoded descriptor for non-function, non-memory kinds.
type Import struct {
	Memory  *MemoryType
	Module  string
	Name    string
	Desc    []byte
	TypeIdx uint32
	Kind    byte
}

// Export is an exported definition.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Limits bounds a memory or table, in pages or elements.
type Limits struct {
	Max    *uint32
	Min    uint32
	Shared bool
}

// MemoryType describes a linear memory.
type MemoryType struct {
	Limits Limits
}

// LocalEntry declares Count locals of one type.
type LocalEntry struct {
	Count uint32
	Type  ValType
}

// FuncBody is a function body: local declarations followed by the
// instruction stream, including the final end opcode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte
}

// DataSegment initializes linear memory.
// Flags: 0 active (memory 0), 1 passive, 2 active with explicit memory index.
type DataSegment struct {
	Offset []byte // constant expression including end; nil for passive
	Init   []byte
	Flags  byte
	MemIdx uint32
}

// RawSection is a section carried through decode/encode without inspection.
type RawSection struct {
	Data []byte
	ID   byte
}

// CustomSection is a named custom section.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns how many function imports precede defined functions
// in the function index space.
func (m *Module) NumImportedFuncs() uint32 {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind == KindFunc {
			n++
		}
	}
	return n
}

// FuncTypeOf returns the signature of function index idx, counting imports first.
func (m *Module) FuncTypeOf(idx uint32) (FuncType, bool) {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if n == idx {
			return m.typeAt(imp.TypeIdx)
		}
		n++
	}
	local := idx - n
	if local >= uint32(len(m.Funcs)) {
		return FuncType{}, false
	}
	return m.typeAt(m.Funcs[local])
}

func (m *Module) typeAt(i uint32) (FuncType, bool) {
	if i >= uint32(len(m.Types)) {
		return FuncType{}, false
	}
	return m.Types[i], true
}

// ExportedFunc returns the signature of the function exported as name.
func (m *Module) ExportedFunc(name string) (FuncType, bool) {
	for _, e := range m.Exports {
		if e.Kind == KindFunc && e.Name == name {
			return m.FuncTypeOf(e.Index)
		}
	}
	return FuncType{}, false
}

// MemoryLimits returns the limits of the module's first memory, whether
// defined or imported.
func (m *Module) MemoryLimits() (Limits, bool) {
	for _, imp := range m.Imports {
		if imp.Kind == KindMemory && imp.Memory != nil {
			return imp.Memory.Limits, true
		}
	}
	if len(m.Memories) > 0 {
		return m.Memories[0].Limits, true
	}
	return Limits{}, false
}
