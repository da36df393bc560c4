package host

import (
	"fmt"
	"strings"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// ModuleName is the import module every capability is exported under.
const ModuleName = "env"

// Capability is one function of the closed host surface. The set is fixed at
// build time; there is no registration API.
type Capability uint8

const (
	// Log copies len bytes at ptr from guest memory into the execution log.
	Log Capability = iota + 1
	// Add returns a+b with 32-bit wrapping.
	Add
)

var capabilities = []Capability{Log, Add}

// Capabilities lists the full host surface in a stable order.
func Capabilities() []Capability {
	out := make([]Capability, len(capabilities))
	copy(out, capabilities)
	return out
}

// Lookup finds a capability by its import name.
func Lookup(name string) (Capability, bool) {
	for _, c := range capabilities {
		if c.Name() == name {
			return c, true
		}
	}
	return 0, false
}

// Name returns the import name guests use.
func (c Capability) Name() string {
	switch c {
	case Log:
		return "host_log"
	case Add:
		return "host_add"
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

func (c Capability) String() string { return c.Name() }

// Signature returns the exact wasm signature a guest must import.
func (c Capability) Signature() wasm.FuncType {
	switch c {
	case Log:
		return wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}}
	case Add:
		return wasm.FuncType{
			Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
			Results: []wasm.ValType{wasm.ValI32},
		}
	}
	return wasm.FuncType{}
}

// Audit checks that every import of m is a known capability with its exact
// signature. Memory, table, global and tag imports are rejected outright.
func Audit(m *wasm.Module) error {
	var problems []string
	for _, imp := range m.Imports {
		qualified := imp.Module + "." + imp.Name
		if imp.Kind != wasm.KindFunc {
			problems = append(problems, fmt.Sprintf("%s: only function imports are allowed", qualified))
			continue
		}
		if imp.Module != ModuleName {
			problems = append(problems, fmt.Sprintf("%s: unknown import module %q", qualified, imp.Module))
			continue
		}
		c, ok := Lookup(imp.Name)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: not a host capability", qualified))
			continue
		}
		if int(imp.TypeIdx) >= len(m.Types) {
			problems = append(problems, fmt.Sprintf("%s: type index %d out of range", qualified, imp.TypeIdx))
			continue
		}
		if got, want := m.Types[imp.TypeIdx], c.Signature(); !got.Equal(want) {
			problems = append(problems, fmt.Sprintf("%s: signature %s, want %s", qualified, got, want))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.PhaseCompile, errors.KindCompile).
		Path("imports").
		Detail("%s", strings.Join(problems, "; ")).
		Build()
}

// AddI32 is the arithmetic capability: two's complement wrapping addition.
func AddI32(a, b int32) int32 {
	return a + b
}
