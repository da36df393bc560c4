package host

import (
	"context"
	"math"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/testbed"
	"github.com/wippyai/wasm-sandbox/wasm"
)

func TestAddI32_Wraps(t *testing.T) {
	tests := []struct {
		a, b, want int32
	}{
		{10, 32, 42},
		{-5, 3, -2},
		{math.MaxInt32, 1, math.MinInt32},
		{math.MinInt32, -1, math.MaxInt32},
	}
	for _, tt := range tests {
		if got := AddI32(tt.a, tt.b); got != tt.want {
			t.Errorf("AddI32(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	for _, c := range Capabilities() {
		got, ok := Lookup(c.Name())
		if !ok || got != c {
			t.Errorf("Lookup(%q) = %v, %v", c.Name(), got, ok)
		}
	}
	if _, ok := Lookup("fs_open"); ok {
		t.Error("fs_open should not be a capability")
	}
}

func TestAudit(t *testing.T) {
	parse := func(src []byte) *wasm.Module {
		t.Helper()
		m, err := wasm.ParseModule(src)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return m
	}

	if err := Audit(parse(testbed.AddAndLog())); err != nil {
		t.Errorf("AddAndLog audit: %v", err)
	}
	if err := Audit(parse(testbed.Arith())); err != nil {
		t.Errorf("Arith audit: %v", err)
	}

	err := Audit(parse(testbed.ForbiddenImport()))
	if !errors.Is(err, errors.ErrCompile) {
		t.Errorf("forbidden import: err = %v, want compile error", err)
	}

	wrongSig := &wasm.Module{
		Types:   []wasm.FuncType{{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}},
		Imports: []wasm.Import{{Module: ModuleName, Name: "host_add", Kind: wasm.KindFunc}},
	}
	if err := Audit(wrongSig); !errors.Is(err, errors.ErrCompile) {
		t.Errorf("wrong signature: err = %v, want compile error", err)
	}

	otherModule := &wasm.Module{
		Types:   []wasm.FuncType{Add.Signature()},
		Imports: []wasm.Import{{Module: "wasi_snapshot_preview1", Name: "host_add", Kind: wasm.KindFunc}},
	}
	if err := Audit(otherModule); !errors.Is(err, errors.ErrCompile) {
		t.Errorf("other module: err = %v, want compile error", err)
	}

	memImport := &wasm.Module{
		Imports: []wasm.Import{{
			Module: ModuleName,
			Name:   "memory",
			Kind:   wasm.KindMemory,
			Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 1}},
		}},
	}
	if err := Audit(memImport); !errors.Is(err, errors.ErrCompile) {
		t.Errorf("memory import: err = %v, want compile error", err)
	}
}

func catchAbort(fn func()) (a *Abort) {
	defer func() {
		if r := recover(); r != nil {
			a = r.(*Abort)
		}
	}()
	fn()
	return nil
}

func TestSession_BudgetIsExact(t *testing.T) {
	s := NewSession("m", 3, nil)
	for i := 0; i < 3; i++ {
		if a := catchAbort(func() { s.charge(Add) }); a != nil {
			t.Fatalf("call %d aborted: %v", i+1, a)
		}
	}
	a := catchAbort(func() { s.charge(Add) })
	if a == nil || a.Kind != errors.KindHostBudgetExceeded {
		t.Fatalf("fourth call: abort = %v, want host budget exceeded", a)
	}
	if s.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", s.Calls())
	}
	if s.Aborted() != a {
		t.Error("abort not recorded on session")
	}
}

func TestSession_FirstAbortWins(t *testing.T) {
	s := NewSession("m", 1, nil)
	first := catchAbort(func() { s.fail(&Abort{Kind: errors.KindMemoryAccessViolation}) })
	catchAbort(func() { s.fail(&Abort{Kind: errors.KindHostBudgetExceeded}) })
	if s.Aborted() != first {
		t.Errorf("Aborted() = %v, want first abort", s.Aborted())
	}
}

func TestSession_Checkpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession("m", 10, nil)
	if a := catchAbort(func() { s.checkpoint(ctx, Log) }); a != nil {
		t.Fatalf("live context aborted: %v", a)
	}
	cancel()
	a := catchAbort(func() { s.checkpoint(ctx, Log) })
	if a == nil || a.Kind != errors.KindCancelled {
		t.Errorf("abort = %v, want cancelled", a)
	}
}

func TestSession_LogReplacesInvalidUTF8(t *testing.T) {
	s := NewSession("mod", 10, nil)
	s.appendLog([]byte("ok"))
	s.appendLog([]byte{'a', 0xff, 'b'})

	logs := s.Logs()
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(logs))
	}
	if logs[0].Text != "ok" || logs[0].Seq != 1 || logs[0].Module != "mod" {
		t.Errorf("first line = %+v", logs[0])
	}
	if logs[1].Text != "a�b" || logs[1].Seq != 2 {
		t.Errorf("second line = %+v", logs[1])
	}
}

func TestSessionContext(t *testing.T) {
	s := NewSession("m", 1, nil)
	ctx := WithSession(context.Background(), s)
	if SessionFrom(ctx) != s {
		t.Error("session not found in context")
	}
	if SessionFrom(context.Background()) != nil {
		t.Error("expected nil session")
	}
}

func runGuest(t *testing.T, src []byte, budget uint32) (*Session, error) {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	if _, err := Instantiate(ctx, r); err != nil {
		t.Fatalf("instantiate host: %v", err)
	}
	compiled, err := r.CompileModule(ctx, src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("guest"))
	if err != nil {
		t.Fatalf("instantiate guest: %v", err)
	}

	s := NewSession("guest", budget, nil)
	_, err = mod.ExportedFunction("run").Call(WithSession(ctx, s))
	return s, err
}

func TestHostModule_AddAndLog(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	if _, err := Instantiate(ctx, r); err != nil {
		t.Fatalf("instantiate host: %v", err)
	}
	mod, err := r.Instantiate(ctx, testbed.AddAndLog())
	if err != nil {
		t.Fatalf("instantiate guest: %v", err)
	}

	s := NewSession("guest", 100, nil)
	res, err := mod.ExportedFunction("run").Call(WithSession(ctx, s))
	if err != nil {
		t.Fatalf("call run: %v", err)
	}
	if got := int32(res[0]); got != 42 {
		t.Errorf("run() = %d, want 42", got)
	}
	if s.Calls() != 2 {
		t.Errorf("calls = %d, want 2", s.Calls())
	}
	logs := s.Logs()
	if len(logs) != 1 || logs[0].Text != "ok" {
		t.Errorf("logs = %+v, want [ok]", logs)
	}
}

func TestHostModule_OutOfBoundsLog(t *testing.T) {
	s, err := runGuest(t, testbed.LogOutOfBounds(), 100)
	if err == nil {
		t.Fatal("expected call to fail")
	}
	a := s.Aborted()
	if a == nil || a.Kind != errors.KindMemoryAccessViolation {
		t.Fatalf("abort = %v, want memory access violation", a)
	}
	if len(s.Logs()) != 0 {
		t.Error("out-of-bounds log must not be captured")
	}
}

func TestHostModule_BudgetExhausted(t *testing.T) {
	s, err := runGuest(t, testbed.HostLoop(), 5)
	if err == nil {
		t.Fatal("expected call to fail")
	}
	a := s.Aborted()
	if a == nil || a.Kind != errors.KindHostBudgetExceeded {
		t.Fatalf("abort = %v, want host budget exceeded", a)
	}
	if s.Calls() != 5 {
		t.Errorf("calls = %d, want exactly 5", s.Calls())
	}
}
