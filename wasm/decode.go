package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-sandbox/wasm/internal/binary"
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
	ErrSectionOrder   = errors.New("section out of order")
	ErrUnsupported    = errors.New("unsupported encoding")
)

// sectionOrder maps section IDs to their position in the canonical order.
// Tag (13) sits between memory and global; data count (12) precedes code.
var sectionOrder = map[byte]int{
	SectionType:      1,
	SectionImport:    2,
	SectionFunction:  3,
	SectionTable:     4,
	SectionMemory:    5,
	SectionTag:       6,
	SectionGlobal:    7,
	SectionExport:    8,
	SectionStart:     9,
	SectionElement:   10,
	SectionDataCount: 11,
	SectionCode:      12,
	SectionData:      13,
}

// ParseModule decodes a WebAssembly binary module.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, r.WrapError("header", ErrInvalidMagic)
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, r.WrapError("header", fmt.Errorf("%w: %d", ErrInvalidVersion, version))
	}

	m := &Module{}
	last := 0
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("section payload", err)
		}

		if id != SectionCustom {
			order, ok := sectionOrder[id]
			if !ok {
				return nil, r.WrapError("section", fmt.Errorf("unknown section id %d", id))
			}
			if order <= last {
				return nil, r.WrapError("section", fmt.Errorf("%w: id %d", ErrSectionOrder, id))
			}
			last = order
		}

		if err := m.decodeSection(id, payload); err != nil {
			return nil, &binary.ParseError{Section: sectionName(id), Position: r.Position(), Err: err}
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("wasm: function and code section counts differ: %d != %d", len(m.Funcs), len(m.Code))
	}
	return m, nil
}

func (m *Module) decodeSection(id byte, payload []byte) error {
	r := binary.NewReader(payload)
	var err error
	switch id {
	case SectionCustom:
		var name string
		if name, err = r.ReadName(); err != nil {
			return err
		}
		rest, _ := r.ReadBytes(r.Len())
		m.Custom = append(m.Custom, CustomSection{Name: name, Data: rest})
		return nil
	case SectionType:
		m.Types, err = decodeVec(r, decodeFuncType)
	case SectionImport:
		m.Imports, err = decodeVec(r, decodeImport)
	case SectionFunction:
		m.Funcs, err = decodeVec(r, (*binary.Reader).ReadU32)
	case SectionMemory:
		m.Memories, err = decodeVec(r, decodeMemoryType)
	case SectionExport:
		m.Exports, err = decodeVec(r, decodeExport)
	case SectionStart:
		var idx uint32
		if idx, err = r.ReadU32(); err == nil {
			m.Start = &idx
		}
	case SectionCode:
		m.Code, err = decodeVec(r, decodeFuncBody)
	case SectionData:
		m.Data, err = decodeVec(r, decodeDataSegment)
	default:
		m.Raw = append(m.Raw, RawSection{ID: id, Data: payload})
		return nil
	}
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", r.Len())
	}
	return nil
}

func decodeVec[T any](r *binary.Reader, decode func(*binary.Reader) (T, error)) ([]T, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	// Each element takes at least one byte.
	if int(n) > r.Len() {
		return nil, fmt.Errorf("vector length %d exceeds remaining %d bytes", n, r.Len())
	}
	out := make([]T, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := decode(r)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch ValType(b) {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return ValType(b), nil
	}
	return 0, fmt.Errorf("%w: value type 0x%02x", ErrUnsupported, b)
}

func decodeFuncType(r *binary.Reader) (FuncType, error) {
	form, err := r.ReadByte()
	if err != nil {
		return FuncType{}, err
	}
	if form != FuncTypeByte {
		return FuncType{}, fmt.Errorf("%w: type form 0x%02x", ErrUnsupported, form)
	}
	params, err := decodeVec(r, decodeValType)
	if err != nil {
		return FuncType{}, err
	}
	results, err := decodeVec(r, decodeValType)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{Params: params, Results: results}, nil
}

func decodeLimits(r *binary.Reader) (Limits, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	var l Limits
	switch flag {
	case limitsMin, limitsMinMax, limitsSharedMin, limitsSharedMinMax:
	default:
		return Limits{}, fmt.Errorf("%w: limits flag 0x%02x", ErrUnsupported, flag)
	}
	l.Shared = flag&0x02 != 0
	if l.Min, err = r.ReadU32(); err != nil {
		return Limits{}, err
	}
	if flag&0x01 != 0 {
		max, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		if max < l.Min {
			return Limits{}, fmt.Errorf("limits max %d below min %d", max, l.Min)
		}
		l.Max = &max
	}
	return l, nil
}

func decodeMemoryType(r *binary.Reader) (MemoryType, error) {
	l, err := decodeLimits(r)
	return MemoryType{Limits: l}, err
}

func decodeImport(r *binary.Reader) (Import, error) {
	var imp Import
	var err error
	if imp.Module, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.Name, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.Kind, err = r.ReadByte(); err != nil {
		return imp, err
	}
	start := r.Position()
	switch imp.Kind {
	case KindFunc:
		imp.TypeIdx, err = r.ReadU32()
		return imp, err
	case KindMemory:
		mt, err := decodeMemoryType(r)
		if err != nil {
			return imp, err
		}
		imp.Memory = &mt
		return imp, nil
	case KindTable:
		if _, err = decodeValType(r); err == nil {
			_, err = decodeLimits(r)
		}
	case KindGlobal:
		if _, err = decodeValType(r); err == nil {
			_, err = r.ReadByte()
		}
	case KindTag:
		if _, err = r.ReadByte(); err == nil {
			_, err = r.ReadU32()
		}
	default:
		return imp, fmt.Errorf("%w: import kind %d", ErrUnsupported, imp.Kind)
	}
	if err != nil {
		return imp, err
	}
	imp.Desc = rawSince(r, start)
	return imp, nil
}

func rawSince(r *binary.Reader, start int) []byte {
	return append([]byte(nil), r.Since(start)...)
}

func decodeExport(r *binary.Reader) (Export, error) {
	var e Export
	var err error
	if e.Name, err = r.ReadName(); err != nil {
		return e, err
	}
	if e.Kind, err = r.ReadByte(); err != nil {
		return e, err
	}
	if e.Kind > KindTag {
		return e, fmt.Errorf("%w: export kind %d", ErrUnsupported, e.Kind)
	}
	e.Index, err = r.ReadU32()
	return e, err
}

func decodeFuncBody(r *binary.Reader) (FuncBody, error) {
	size, err := r.ReadU32()
	if err != nil {
		return FuncBody{}, err
	}
	body, err := r.ReadBytes(int(size))
	if err != nil {
		return FuncBody{}, err
	}
	br := binary.NewReader(body)
	locals, err := decodeVec(br, func(r *binary.Reader) (LocalEntry, error) {
		n, err := r.ReadU32()
		if err != nil {
			return LocalEntry{}, err
		}
		t, err := decodeValType(r)
		return LocalEntry{Count: n, Type: t}, err
	})
	if err != nil {
		return FuncBody{}, err
	}
	code, _ := br.ReadBytes(br.Len())
	if len(code) == 0 || code[len(code)-1] != OpEnd {
		return FuncBody{}, errors.New("function body not terminated by end")
	}
	return FuncBody{Locals: locals, Code: code}, nil
}

func decodeDataSegment(r *binary.Reader) (DataSegment, error) {
	var d DataSegment
	flags, err := r.ReadU32()
	if err != nil {
		return d, err
	}
	if flags > 2 {
		return d, fmt.Errorf("%w: data segment flags %d", ErrUnsupported, flags)
	}
	d.Flags = byte(flags)
	if d.Flags == 2 {
		if d.MemIdx, err = r.ReadU32(); err != nil {
			return d, err
		}
	}
	if d.Flags != 1 {
		if d.Offset, err = r.ReadConstExpr(); err != nil {
			return d, err
		}
	}
	n, err := r.ReadU32()
	if err != nil {
		return d, err
	}
	d.Init, err = r.ReadBytes(int(n))
	return d, err
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom section"
	case SectionType:
		return "type section"
	case SectionImport:
		return "import section"
	case SectionFunction:
		return "function section"
	case SectionTable:
		return "table section"
	case SectionMemory:
		return "memory section"
	case SectionGlobal:
		return "global section"
	case SectionExport:
		return "export section"
	case SectionStart:
		return "start section"
	case SectionElement:
		return "element section"
	case SectionCode:
		return "code section"
	case SectionData:
		return "data section"
	case SectionDataCount:
		return "data count section"
	case SectionTag:
		return "tag section"
	}
	return fmt.Sprintf("section %d", id)
}
