package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
)

func TestClassify(t *testing.T) {
	budget := &host.Abort{Kind: errors.KindHostBudgetExceeded, Capability: host.Add, Detail: "budget of 3 calls exhausted"}
	tests := []struct {
		name  string
		facts runFacts
		want  Outcome
	}{
		{"clean return", runFacts{}, Completed},
		{"abort wins over deadline", runFacts{abort: budget, deadline: true, err: fmt.Errorf("boom")}, HostBudgetExceeded},
		{"abort with timeout kind", runFacts{abort: &host.Abort{Kind: errors.KindTimedOut}}, TimedOut},
		{"abort with unknown kind", runFacts{abort: &host.Abort{Kind: errors.KindIO}}, Trapped},
		{"deadline", runFacts{deadline: true, err: sys.NewExitError(sys.ExitCodeDeadlineExceeded)}, TimedOut},
		{"cancel", runFacts{cancelled: true}, Cancelled},
		{"deadline beats memory", runFacts{deadline: true, memExceeded: true}, TimedOut},
		{"memory refused but returned", runFacts{memExceeded: true}, MemoryLimitExceeded},
		{"memory refused then trapped", runFacts{memExceeded: true, err: fmt.Errorf("out of bounds memory access")}, MemoryLimitExceeded},
		{"exit deadline code", runFacts{err: sys.NewExitError(sys.ExitCodeDeadlineExceeded)}, TimedOut},
		{"exit watchdog code", runFacts{err: sys.NewExitError(watchdogExitCode)}, TimedOut},
		{"exit cancel code", runFacts{err: sys.NewExitError(sys.ExitCodeContextCanceled)}, Cancelled},
		{"other exit code", runFacts{err: sys.NewExitError(3)}, Trapped},
		{"trap", runFacts{err: fmt.Errorf("wasm error: unreachable")}, Trapped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, detail := classify(tt.facts)
			if got != tt.want {
				t.Errorf("classify = %s (%s), want %s", got, detail, tt.want)
			}
			if got != Completed && detail == "" {
				t.Error("missing detail")
			}
		})
	}

	_, detail := classify(runFacts{deadline: true, abandoned: true})
	if !strings.Contains(detail, "abandoned") {
		t.Errorf("abandoned detail = %q", detail)
	}
}

func TestOutcomeKindRoundTrip(t *testing.T) {
	for o := TimedOut; o <= Cancelled; o++ {
		got, ok := outcomeOfKind(o.Kind())
		if !ok || got != o {
			t.Errorf("%s: outcomeOfKind(%s) = %s, %v", o, o.Kind(), got, ok)
		}
	}
	if Completed.Kind() != "" {
		t.Errorf("completed kind = %q", Completed.Kind())
	}
	text, err := MemoryAccessViolation.MarshalText()
	if err != nil || string(text) != "memory_access_violation" {
		t.Errorf("MarshalText = %q, %v", text, err)
	}
}

func TestExecutionTransitions(t *testing.T) {
	x := newExecution("x")
	for _, p := range []phase{phaseCompiled, phaseInstantiated, phaseRunning} {
		if err := x.advance(p); err != nil {
			t.Fatalf("advance to %s: %v", p, err)
		}
	}
	if err := x.advance(phaseCompiled); err == nil {
		t.Error("running -> compiled allowed")
	}
	if err := x.finish(Trapped); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if x.outcome != Trapped {
		t.Errorf("outcome = %s", x.outcome)
	}
	if err := x.finish(Completed); err == nil {
		t.Error("second finish allowed")
	}
	if x.outcome != Trapped {
		t.Errorf("outcome overwritten to %s", x.outcome)
	}

	early := newExecution("y")
	if err := early.finish(CompileError); err != nil {
		t.Errorf("uncompiled -> terminal: %v", err)
	}
	skip := newExecution("z")
	if err := skip.advance(phaseRunning); err == nil {
		t.Error("uncompiled -> running allowed")
	}
}

func TestEncodeArgs(t *testing.T) {
	i32, i64 := api.ValueTypeI32, api.ValueTypeI64
	f32, f64 := api.ValueTypeF32, api.ValueTypeF64

	got, err := encodeArgs([]api.ValueType{i32, i32, i64, f64, f32},
		[]any{-1, uint32(math.MaxUint32), " 12 ", "2.5", float32(1.5)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got[0] != got[1] || api.DecodeI32(got[0]) != -1 {
		t.Errorf("i32 -1 and MaxUint32 differ: %d %d", got[0], got[1])
	}
	if int64(got[2]) != 12 {
		t.Errorf("i64 = %d", got[2])
	}
	if api.DecodeF64(got[3]) != 2.5 || api.DecodeF32(got[4]) != 1.5 {
		t.Errorf("floats = %v %v", api.DecodeF64(got[3]), api.DecodeF32(got[4]))
	}

	bad := []struct {
		name   string
		params []api.ValueType
		args   []any
	}{
		{"arity", []api.ValueType{i32}, nil},
		{"i32 overflow", []api.ValueType{i32}, []any{int64(math.MaxUint32) + 1}},
		{"i32 underflow", []api.ValueType{i32}, []any{int64(math.MinInt32) - 1}},
		{"not a number", []api.ValueType{i64}, []any{"seven"}},
		{"wrong type", []api.ValueType{f64}, []any{true}},
		{"reference param", []api.ValueType{api.ValueTypeExternref}, []any{1}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := encodeArgs(tt.params, tt.args); !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("err = %v, want invalid input", err)
			}
		})
	}
}

func TestDecodeResults(t *testing.T) {
	if v := decodeResults(nil, nil); v != nil {
		t.Errorf("no results = %v", v)
	}
	if v := decodeResults([]api.ValueType{api.ValueTypeI32}, []uint64{api.EncodeI32(-7)}); v != int32(-7) {
		t.Errorf("i32 = %#v", v)
	}
	v := decodeResults([]api.ValueType{api.ValueTypeI64, api.ValueTypeF64}, []uint64{9, api.EncodeF64(0.5)})
	multi, ok := v.([]any)
	if !ok || len(multi) != 2 || multi[0] != int64(9) || multi[1] != 0.5 {
		t.Errorf("multi = %#v", v)
	}
}

func TestCappedAllocator(t *testing.T) {
	a := newCappedAllocator(4 * 65536)
	mem := a.Allocate(65536, 4*65536)

	buf := mem.Reallocate(65536)
	if len(buf) != 65536 {
		t.Fatalf("len = %d", len(buf))
	}
	buf[10] = 7
	buf = mem.Reallocate(3 * 65536)
	if len(buf) != 3*65536 || buf[10] != 7 {
		t.Fatalf("grow lost contents: len=%d", len(buf))
	}
	if cap(buf) > 4*65536 {
		t.Errorf("cap %d past limit", cap(buf))
	}
	if a.Exceeded() {
		t.Error("exceeded before limit")
	}
	if mem.Reallocate(5*65536) != nil {
		t.Error("grow past limit succeeded")
	}
	if !a.Exceeded() {
		t.Error("refused grow not recorded")
	}
	mem.Free()
}

func TestWatchReturnsFinishedCall(t *testing.T) {
	done := make(chan callResult, 1)
	done <- callResult{results: []uint64{1}}
	w := watch(context.Background(), context.Background(), nil, done, DefaultGracePeriod)
	if w.reason != stopNone || w.abandoned || len(w.call.results) != 1 {
		t.Errorf("watch = %+v", w)
	}
}

// stuckModule stands in for a guest that ignores the stop request.
type stuckModule struct {
	api.Module
	exitCode uint32
	closes   int
}

func (m *stuckModule) CloseWithExitCode(_ context.Context, code uint32) error {
	m.exitCode = code
	m.closes++
	return nil
}

func TestWatchAbandonsStuckGuest(t *testing.T) {
	tests := []struct {
		name      string
		cancelled bool
		reason    stopReason
		want      Outcome
	}{
		{"deadline", false, stopDeadline, TimedOut},
		{"caller cancel", true, stopCancelled, Cancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callerCtx, cancelCaller := context.WithCancel(context.Background())
			defer cancelCaller()
			if tt.cancelled {
				cancelCaller()
			}
			runCtx, cancelRun := context.WithCancel(callerCtx)
			cancelRun()

			mod := &stuckModule{}
			done := make(chan callResult) // never written
			grace := 50 * time.Millisecond
			start := time.Now()
			w := watch(runCtx, callerCtx, mod, done, grace)
			elapsed := time.Since(start)

			if !w.abandoned || w.reason != tt.reason {
				t.Fatalf("watch = %+v, want abandoned with reason %d", w, tt.reason)
			}
			if elapsed < grace {
				t.Errorf("returned after %v, before the grace period", elapsed)
			}
			if elapsed > 5*time.Second {
				t.Errorf("returned after %v", elapsed)
			}
			if mod.closes != 1 || mod.exitCode != watchdogExitCode {
				t.Errorf("module closed %d times with code %#x", mod.closes, mod.exitCode)
			}

			facts := runFacts{abandoned: true, deadline: tt.reason == stopDeadline, cancelled: tt.reason == stopCancelled}
			o, detail := classify(facts)
			if o != tt.want || !strings.Contains(detail, "abandoned") {
				t.Errorf("classify = %s (%s), want %s abandoned", o, detail, tt.want)
			}
		})
	}
}
