package wasm

import (
	"sort"

	"github.com/wippyai/wasm-sandbox/wasm/internal/binary"
)

// Encode serializes the module in canonical section order. Custom
// sections are emitted after all known sections, in their original order.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	type section struct {
		data  []byte
		id    byte
		order int
	}
	var sections []section
	add := func(id byte, data []byte) {
		sections = append(sections, section{id: id, order: sectionOrder[id], data: data})
	}

	if len(m.Types) > 0 {
		add(SectionType, encodeVec(m.Types, encodeFuncType))
	}
	if len(m.Imports) > 0 {
		add(SectionImport, encodeVec(m.Imports, encodeImport))
	}
	if len(m.Funcs) > 0 {
		add(SectionFunction, encodeVec(m.Funcs, func(w *binary.Writer, v uint32) { w.WriteU32(v) }))
	}
	if len(m.Memories) > 0 {
		add(SectionMemory, encodeVec(m.Memories, func(w *binary.Writer, mt MemoryType) { encodeLimits(w, mt.Limits) }))
	}
	if len(m.Exports) > 0 {
		add(SectionExport, encodeVec(m.Exports, encodeExport))
	}
	if m.Start != nil {
		sw := binary.NewWriter()
		sw.WriteU32(*m.Start)
		add(SectionStart, sw.Bytes())
	}
	if len(m.Code) > 0 {
		add(SectionCode, encodeVec(m.Code, encodeFuncBody))
	}
	if len(m.Data) > 0 {
		add(SectionData, encodeVec(m.Data, encodeDataSegment))
	}
	for _, raw := range m.Raw {
		add(raw.ID, raw.Data)
	}

	sort.SliceStable(sections, func(i, j int) bool { return sections[i].order < sections[j].order })
	for _, s := range sections {
		w.Byte(s.id)
		w.WriteVec(s.data)
	}

	for _, c := range m.Custom {
		cw := binary.NewWriter()
		cw.WriteName(c.Name)
		cw.WriteBytes(c.Data)
		w.Byte(SectionCustom)
		w.WriteVec(cw.Bytes())
	}
	return w.Bytes()
}

func encodeVec[T any](items []T, encode func(*binary.Writer, T)) []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(items)))
	for _, it := range items {
		encode(w, it)
	}
	return w.Bytes()
}

func encodeFuncType(w *binary.Writer, ft FuncType) {
	w.Byte(FuncTypeByte)
	w.WriteU32(uint32(len(ft.Params)))
	for _, p := range ft.Params {
		w.Byte(byte(p))
	}
	w.WriteU32(uint32(len(ft.Results)))
	for _, r := range ft.Results {
		w.Byte(byte(r))
	}
}

func encodeLimits(w *binary.Writer, l Limits) {
	flag := limitsMin
	if l.Max != nil {
		flag |= 0x01
	}
	if l.Shared {
		flag |= 0x02
	}
	w.Byte(flag)
	w.WriteU32(l.Min)
	if l.Max != nil {
		w.WriteU32(*l.Max)
	}
}

func encodeImport(w *binary.Writer, imp Import) {
	w.WriteName(imp.Module)
	w.WriteName(imp.Name)
	w.Byte(imp.Kind)
	switch imp.Kind {
	case KindFunc:
		w.WriteU32(imp.TypeIdx)
	case KindMemory:
		var mt MemoryType
		if imp.Memory != nil {
			mt = *imp.Memory
		}
		encodeLimits(w, mt.Limits)
	default:
		w.WriteBytes(imp.Desc)
	}
}

func encodeExport(w *binary.Writer, e Export) {
	w.WriteName(e.Name)
	w.Byte(e.Kind)
	w.WriteU32(e.Index)
}

func encodeFuncBody(w *binary.Writer, fb FuncBody) {
	bw := binary.NewWriter()
	bw.WriteU32(uint32(len(fb.Locals)))
	for _, l := range fb.Locals {
		bw.WriteU32(l.Count)
		bw.Byte(byte(l.Type))
	}
	bw.WriteBytes(fb.Code)
	w.WriteVec(bw.Bytes())
}

func encodeDataSegment(w *binary.Writer, d DataSegment) {
	w.WriteU32(uint32(d.Flags))
	if d.Flags == 2 {
		w.WriteU32(d.MemIdx)
	}
	if d.Flags != 1 {
		w.WriteBytes(d.Offset)
	}
	w.WriteVec(d.Init)
}
