package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wippyai/wasm-sandbox/cache"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/testbed"
)

type fixture struct {
	engine  *Engine
	cache   *cache.Manager
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mt := metrics.New()
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache"), cache.WithMetrics(mt))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	return &fixture{engine: newEngine(t, c, mt, opts...), cache: c, metrics: mt}
}

func newEngine(t *testing.T, c *cache.Manager, mt *metrics.Metrics, opts ...Option) *Engine {
	t.Helper()
	ctx := context.Background()
	opts = append([]Option{WithMetrics(mt), WithGracePeriod(100 * time.Millisecond)}, opts...)
	e, err := New(ctx, c, opts...)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	return e
}

func strict(t *testing.T) limits.Limits {
	t.Helper()
	r, err := limits.NewResolver()
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	l, err := r.Profile(limits.Strict)
	if err != nil {
		t.Fatalf("strict: %v", err)
	}
	return l
}

func mustLimits(t *testing.T, mem int64, deadline time.Duration, calls int64) limits.Limits {
	t.Helper()
	l, err := limits.New(mem, deadline, calls)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	return l
}

func TestExecute_AddAndLog(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Execute(context.Background(), Request{
		Module:     testbed.AddAndLog(),
		EntryPoint: "run",
		Limits:     strict(t),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != Completed {
		t.Fatalf("outcome = %s (%s), want completed", res.Outcome, res.Detail)
	}
	if res.ReturnValue != int32(42) {
		t.Errorf("return = %#v, want int32(42)", res.ReturnValue)
	}
	if res.HostCallsConsumed != 2 {
		t.Errorf("host calls = %d, want 2", res.HostCallsConsumed)
	}
	if lines := res.LogLines(); len(lines) != 1 || lines[0] != "ok" {
		t.Errorf("logs = %q, want [ok]", lines)
	}
	if res.Logs[0].Module != shortHash(res.Hash) {
		t.Errorf("log module = %q, want short hash", res.Logs[0].Module)
	}
	if res.ID == "" || res.Hash != digest.FromBytes(testbed.AddAndLog()) {
		t.Errorf("id = %q, hash = %s", res.ID, res.Hash)
	}
	if got := testutil.ToFloat64(f.metrics.ExecutionsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed executions metric = %v", got)
	}
}

func TestExecute_SecondRunHitsCache(t *testing.T) {
	f := newFixture(t)
	req := Request{Module: testbed.AddAndLog(), EntryPoint: "run", Limits: strict(t), Name: "tool"}

	first, err := f.engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.CacheHit || !second.CacheHit {
		t.Errorf("cache hits = %v, %v, want false, true", first.CacheHit, second.CacheHit)
	}
	st := f.engine.Stats()
	if st.Compiles != 1 || st.CacheHits != 1 || st.Executions != 2 {
		t.Errorf("stats = %+v", st)
	}
	if second.Logs[0].Module != "tool" {
		t.Errorf("log module = %q, want tool", second.Logs[0].Module)
	}

	a, err := f.cache.LoadModule(context.Background(), first.Hash)
	if err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	b, err := f.cache.LoadModule(context.Background(), second.Hash)
	if err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	if string(a.Bytes()) != string(b.Bytes()) {
		t.Error("artifacts differ between runs")
	}
}

func TestExecute_ConcurrentSameSourceCompilesOnce(t *testing.T) {
	f := newFixture(t)
	src := testbed.AddAndLog()
	lim := strict(t)

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Execute(context.Background(), Request{Module: src, EntryPoint: "run", Limits: lim})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		if results[i].Outcome != Completed || results[i].ReturnValue != int32(42) {
			t.Errorf("execute %d = %s %v", i, results[i].Outcome, results[i].ReturnValue)
		}
		if results[i].HostCallsConsumed != 2 || len(results[i].Logs) != 1 {
			t.Errorf("execute %d shares state: calls=%d logs=%d", i, results[i].HostCallsConsumed, len(results[i].Logs))
		}
	}
	if st := f.engine.Stats(); st.Compiles != 1 {
		t.Errorf("compiles = %d, want 1", st.Compiles)
	}
}

func TestExecute_SpinTimesOut(t *testing.T) {
	f := newFixture(t)
	deadline := 200 * time.Millisecond
	res, err := f.engine.Execute(context.Background(), Request{
		Module:     testbed.Spin(),
		EntryPoint: "run",
		Limits:     mustLimits(t, 64<<20, deadline, 100),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != TimedOut {
		t.Fatalf("outcome = %s (%s), want timed_out", res.Outcome, res.Detail)
	}
	if res.Elapsed < deadline || res.Elapsed > deadline+2*time.Second {
		t.Errorf("elapsed = %s, want about %s", res.Elapsed, deadline)
	}
}

func TestExecute_CallerCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := f.engine.Execute(ctx, Request{
		Module:     testbed.Spin(),
		EntryPoint: "run",
		Limits:     mustLimits(t, 64<<20, 10*time.Second, 100),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != Cancelled {
		t.Errorf("outcome = %s (%s), want cancelled", res.Outcome, res.Detail)
	}
	if res.Elapsed > 3*time.Second {
		t.Errorf("elapsed = %s", res.Elapsed)
	}
}

func TestExecute_Outcomes(t *testing.T) {
	f := newFixture(t)
	twoPages := int64(2 * limits.PageSize)
	tests := []struct {
		name   string
		src    []byte
		limits limits.Limits
		want   Outcome
	}{
		{"out of bounds log", testbed.LogOutOfBounds(), strict(t), MemoryAccessViolation},
		{"grow past cap", testbed.Grow(4), mustLimits(t, twoPages, time.Second, 10), MemoryLimitExceeded},
		{"declared memory past cap", testbed.LargeMemory(4), mustLimits(t, twoPages, time.Second, 10), MemoryLimitExceeded},
		{"unreachable", testbed.Unreachable(), strict(t), Trapped},
		{"garbage", testbed.Garbage(), strict(t), CompileError},
		{"forbidden import", testbed.ForbiddenImport(), strict(t), CompileError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.engine.Execute(context.Background(), Request{Module: tt.src, EntryPoint: "run", Limits: tt.limits})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("outcome = %s (%s), want %s", res.Outcome, res.Detail, tt.want)
			}
			if res.Outcome != Completed && res.ReturnValue != nil {
				t.Errorf("return value %v on failure", res.ReturnValue)
			}
		})
	}
}

func TestExecute_GrowWithinCap(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Execute(context.Background(), Request{
		Module:     testbed.Grow(1),
		EntryPoint: "run",
		Limits:     mustLimits(t, 2*limits.PageSize, time.Second, 10),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != Completed || res.ReturnValue != int32(1) {
		t.Errorf("result = %s %v, want completed 1", res.Outcome, res.ReturnValue)
	}
}

func TestExecute_SubPageMemoryLimit(t *testing.T) {
	f := newFixture(t)
	lim := mustLimits(t, 1024, time.Second, 10)

	res, err := f.engine.Execute(context.Background(), Request{Module: testbed.Arith(), EntryPoint: "answer", Limits: lim})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != Completed {
		t.Errorf("memoryless module: outcome = %s (%s), want completed", res.Outcome, res.Detail)
	}

	res, err = f.engine.Execute(context.Background(), Request{Module: testbed.AddAndLog(), EntryPoint: "run", Limits: lim})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != MemoryLimitExceeded {
		t.Errorf("one-page module: outcome = %s, want memory_limit_exceeded", res.Outcome)
	}
}

func TestExecute_HostBudgetExact(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Execute(context.Background(), Request{
		Module:     testbed.HostLoop(),
		EntryPoint: "run",
		Limits:     mustLimits(t, 64<<20, 5*time.Second, 10),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != HostBudgetExceeded {
		t.Fatalf("outcome = %s (%s), want host_budget_exceeded", res.Outcome, res.Detail)
	}
	if res.HostCallsConsumed != 10 {
		t.Errorf("host calls = %d, want exactly 10", res.HostCallsConsumed)
	}
}

func TestExecute_CompileErrorNotCached(t *testing.T) {
	f := newFixture(t)
	src := testbed.ForbiddenImport()
	for i := 0; i < 2; i++ {
		res, err := f.engine.Execute(context.Background(), Request{Module: src, EntryPoint: "run", Limits: strict(t)})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if res.Outcome != CompileError || res.CacheHit {
			t.Errorf("run %d: outcome = %s, hit = %v", i, res.Outcome, res.CacheHit)
		}
	}
	if f.cache.HasModule(digest.FromBytes(src)) {
		t.Error("failed compile was cached")
	}
	if st := f.engine.Stats(); st.Compiles != 0 {
		t.Errorf("compiles = %d, want 0", st.Compiles)
	}
}

func TestExecute_Args(t *testing.T) {
	f := newFixture(t)
	src := testbed.Arith()
	run := func(entry string, args ...any) (*Result, error) {
		return f.engine.Execute(context.Background(), Request{Module: src, EntryPoint: entry, Args: args, Limits: strict(t)})
	}

	res, err := run("add", 2, "3")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res.ReturnValue != int32(5) {
		t.Errorf("add = %#v, want int32(5)", res.ReturnValue)
	}
	res, err = run("add", int32(2147483647), 1)
	if err != nil {
		t.Fatalf("add overflow: %v", err)
	}
	if res.ReturnValue != int32(-2147483648) {
		t.Errorf("add overflow = %#v", res.ReturnValue)
	}
	res, err = run("add64", int64(1)<<40, "1")
	if err != nil {
		t.Fatalf("add64: %v", err)
	}
	if res.ReturnValue != int64(1<<40+1) {
		t.Errorf("add64 = %#v", res.ReturnValue)
	}

	if _, err := run("add", 1); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("arity: err = %v, want invalid input", err)
	}
	if _, err := run("add", "x", 1); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("bad arg: err = %v, want invalid input", err)
	}

	res, err = run("missing")
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	if res.Outcome != CompileError {
		t.Errorf("missing entry point = %s, want compile_error", res.Outcome)
	}
}

func TestExecute_RequestValidation(t *testing.T) {
	f := newFixture(t, WithMemoryCeiling(128<<20))
	src := testbed.Arith()

	if _, err := f.engine.Execute(context.Background(), Request{Module: src, EntryPoint: "answer"}); !errors.Is(err, errors.ErrInvalidConfiguration) {
		t.Errorf("zero limits: err = %v", err)
	}
	big := mustLimits(t, 256<<20, time.Second, 1)
	if _, err := f.engine.Execute(context.Background(), Request{Module: src, EntryPoint: "answer", Limits: big}); !errors.Is(err, errors.ErrInvalidConfiguration) {
		t.Errorf("above ceiling: err = %v", err)
	}
	both := Request{Module: src, Hash: digest.FromBytes(src), EntryPoint: "answer", Limits: strict(t)}
	if _, err := f.engine.Execute(context.Background(), both); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("module and hash: err = %v", err)
	}
	if _, err := f.engine.Execute(context.Background(), Request{EntryPoint: "answer", Limits: strict(t)}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("neither: err = %v", err)
	}
	if _, err := f.engine.Execute(context.Background(), Request{Module: src, Limits: strict(t)}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("no entry point: err = %v", err)
	}
}

func TestExecute_ByHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.engine.Compile(ctx, testbed.Arith())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.cache.HasModule(key) {
		t.Fatal("compiled module not stored")
	}

	// A fresh engine has nothing in memory and must load from the cache.
	other := newEngine(t, f.cache, f.metrics)
	res, err := other.Execute(ctx, Request{Hash: key, EntryPoint: "answer", Limits: strict(t)})
	if err != nil {
		t.Fatalf("execute by hash: %v", err)
	}
	if res.Outcome != Completed || res.ReturnValue != int32(42) || !res.CacheHit {
		t.Errorf("result = %s %v hit=%v", res.Outcome, res.ReturnValue, res.CacheHit)
	}
	if st := other.Stats(); st.Compiles != 0 {
		t.Errorf("compiles = %d, want 0", st.Compiles)
	}

	_, err = other.Execute(ctx, Request{Hash: digest.FromString("unknown"), EntryPoint: "answer", Limits: strict(t)})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("unknown hash: err = %v, want not found", err)
	}
}

func TestExecute_AfterClearIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, err := f.engine.Compile(ctx, testbed.Arith())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := f.cache.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	_, err = f.engine.Execute(ctx, Request{Hash: key, EntryPoint: "answer", Limits: strict(t)})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}

	// Source requests recompile.
	res, err := f.engine.Execute(ctx, Request{Module: testbed.Arith(), EntryPoint: "answer", Limits: strict(t)})
	if err != nil {
		t.Fatalf("execute source: %v", err)
	}
	if res.Outcome != Completed || res.CacheHit {
		t.Errorf("result = %s hit=%v, want completed miss", res.Outcome, res.CacheHit)
	}
}

func TestExecute_NewSourceAfterClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if res, err := f.engine.Execute(ctx, Request{Module: testbed.AddAndLog(), EntryPoint: "run", Limits: strict(t)}); err != nil || res.Outcome != Completed {
		t.Fatalf("first run: %v %+v", err, res)
	}
	if err := f.cache.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	res, err := f.engine.Execute(ctx, Request{Module: testbed.Arith(), EntryPoint: "answer", Limits: strict(t)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != Completed || res.ReturnValue != int32(42) {
		t.Fatalf("result = %s %v (%s), want completed 42", res.Outcome, res.ReturnValue, res.Detail)
	}
	if f.engine.Stats().Compiles != 2 {
		t.Errorf("compiles = %d, want 2", f.engine.Stats().Compiles)
	}
}

func TestExecute_ClearReleasesCompiledModules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, err := f.engine.Compile(ctx, testbed.Arith())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	old := f.engine.lookup(key)
	if old == nil {
		t.Fatal("compiled module not remembered")
	}
	if err := f.cache.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if f.engine.lookup(key) != nil {
		t.Fatal("stale module returned after clear")
	}
	if old.acquire() {
		t.Error("dropped module should not be acquirable")
	}

	res, err := f.engine.Execute(ctx, Request{Module: testbed.Arith(), EntryPoint: "answer", Limits: strict(t)})
	if err != nil || res.Outcome != Completed {
		t.Fatalf("recompiled run: %v %+v", err, res)
	}
}

func TestExecute_DataSegmentOffsets(t *testing.T) {
	f := newFixture(t)
	for _, off := range []int32{10, 11, 1419} {
		res, err := f.engine.Execute(context.Background(), Request{
			Module:     testbed.DataAt(off),
			EntryPoint: "run",
			Limits:     strict(t),
		})
		if err != nil {
			t.Fatalf("offset %d: execute: %v", off, err)
		}
		if res.Outcome != Completed || res.ReturnValue != int32(42) {
			t.Fatalf("offset %d: result = %s %v (%s)", off, res.Outcome, res.ReturnValue, res.Detail)
		}
		if lines := res.LogLines(); len(lines) != 1 || lines[0] != "hi" {
			t.Errorf("offset %d: logs = %q, want [hi]", off, lines)
		}
	}
}

func TestExecute_CorruptArtifactRecompiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := testbed.AddAndLog()
	key, err := f.engine.Compile(ctx, src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := os.WriteFile(f.cache.ModulePath(key), testbed.Spin(), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	fresh := newEngine(t, f.cache, f.metrics)
	res, err := fresh.Execute(ctx, Request{Module: src, EntryPoint: "run", Limits: strict(t)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != Completed || res.ReturnValue != int32(42) {
		t.Errorf("result = %s %v, want completed 42", res.Outcome, res.ReturnValue)
	}
	if res.CacheHit {
		t.Error("corrupt artifact reported as cache hit")
	}
	if st := fresh.Stats(); st.Compiles != 1 {
		t.Errorf("compiles = %d, want 1", st.Compiles)
	}
	if got := testutil.ToFloat64(f.metrics.CacheCorruptions.WithLabelValues("modules")); got != 1 {
		t.Errorf("corruptions = %v, want 1", got)
	}
	if _, err := f.cache.LoadModule(ctx, key); err != nil {
		t.Errorf("artifact not rewritten: %v", err)
	}

	if err := os.WriteFile(f.cache.ModulePath(key), []byte("junk"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	third := newEngine(t, f.cache, f.metrics)
	_, err = third.Execute(ctx, Request{Hash: key, EntryPoint: "run", Limits: strict(t)})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("hash request on corrupt artifact: err = %v, want not found", err)
	}
}

func TestInspect(t *testing.T) {
	f := newFixture(t)
	funcs, err := f.engine.Inspect(testbed.Arith())
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	want := map[string]string{
		"add":    "(i32, i32) -> i32",
		"add64":  "(i64, i64) -> i64",
		"answer": "() -> i32",
	}
	if len(funcs) != len(want) {
		t.Fatalf("funcs = %+v", funcs)
	}
	for _, fn := range funcs {
		if want[fn.Name] != fn.Signature() {
			t.Errorf("%s = %s, want %s", fn.Name, fn.Signature(), want[fn.Name])
		}
	}
	if _, err := f.engine.Inspect(testbed.ForbiddenImport()); !errors.Is(err, errors.ErrCompile) {
		t.Errorf("forbidden import: err = %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, nil); !errors.Is(err, errors.ErrInvalidConfiguration) {
		t.Errorf("nil cache: err = %v", err)
	}
	c, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if _, err := New(ctx, c, WithGracePeriod(0)); !errors.Is(err, errors.ErrInvalidConfiguration) {
		t.Errorf("zero grace: err = %v", err)
	}
}
