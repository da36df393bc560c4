package host

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Instantiate registers the capability module on r. It is done once per
// runtime; per-execution state travels in the call context.
func Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	b := r.NewHostModuleBuilder(ModuleName)
	for _, c := range capabilities {
		sig := c.Signature()
		b.NewFunctionBuilder().
			WithGoModuleFunction(handler(c), valueTypes(sig.Params), valueTypes(sig.Results)).
			WithName(c.Name()).
			Export(c.Name())
	}
	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseHost, errors.KindIO, err, "instantiate host module")
	}
	return mod, nil
}

func valueTypes(in []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(in))
	for i, v := range in {
		out[i] = api.ValueType(v)
	}
	return out
}

func handler(c Capability) api.GoModuleFunc {
	var call func(s *Session, mod api.Module, stack []uint64)
	switch c {
	case Log:
		call = hostLog
	case Add:
		call = hostAdd
	}
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		s := SessionFrom(ctx)
		if s == nil {
			panic(&Abort{Kind: errors.KindInvalidInput, Capability: c, Detail: "no host session bound to call"})
		}
		s.checkpoint(ctx, c)
		s.charge(c)
		call(s, mod, stack)
	}
}

func hostLog(s *Session, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	n := api.DecodeU32(stack[1])
	data, ok := readGuest(mod, ptr, n)
	if !ok {
		s.fail(&Abort{
			Kind:       errors.KindMemoryAccessViolation,
			Capability: Log,
			Detail:     outOfBounds(mod, ptr, n),
		})
	}
	s.appendLog(data)
}

func hostAdd(_ *Session, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI32(AddI32(api.DecodeI32(stack[0]), api.DecodeI32(stack[1])))
}

// readGuest copies [ptr, ptr+n) out of guest memory. The range is checked in
// 64-bit arithmetic before any read so ptr+n cannot wrap.
func readGuest(mod api.Module, ptr, n uint32) ([]byte, bool) {
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	if uint64(ptr)+uint64(n) > uint64(mem.Size()) {
		return nil, false
	}
	view, ok := mem.Read(ptr, n)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

func outOfBounds(mod api.Module, ptr, n uint32) string {
	var size uint32
	if mem := mod.Memory(); mem != nil {
		size = mem.Size()
	}
	return fmt.Sprintf("range [%d, %d) outside guest memory of %d bytes", ptr, uint64(ptr)+uint64(n), size)
}
