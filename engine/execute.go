package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/metrics"
)

// Execute runs one request to a terminal outcome.
//
// Guest failures (traps, limit violations, timeouts, invalid modules) are
// reported in the Result. An error is returned only when the request itself
// cannot be served: invalid limits or arguments, an unknown hash, an artifact
// removed by a cache clear, or cache I/O failures.
func (e *Engine) Execute(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	if err := e.validate(req); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	x := newExecution(id)
	ctx, span := e.tracer.StartSpan(ctx, "execute",
		metrics.AttrExecID.String(id),
		metrics.AttrEntryPoint.String(req.EntryPoint))
	defer func() {
		if res != nil {
			span.SetAttributes(
				metrics.AttrOutcome.String(res.Outcome.String()),
				metrics.AttrCacheHit.Bool(res.CacheHit),
				metrics.AttrHostCalls.Int64(int64(res.HostCallsConsumed)))
		}
		metrics.EndSpan(span, err)
	}()

	e.stats.executions.Add(1)
	defer e.metrics.ExecutionStarted()()

	key := req.Hash
	var cm *compiledModule
	var hit bool
	if req.Module != nil {
		key = digest.FromBytes(req.Module)
		cm, hit, err = e.resolveSource(ctx, key, req.Module)
	} else {
		cm, hit, err = e.resolveHash(ctx, key)
	}
	res = &Result{ID: id, Hash: key, CacheHit: hit}
	span.SetAttributes(metrics.AttrModuleHash.String(key.String()))
	finish := func(o Outcome, detail string) (*Result, error) {
		if ferr := x.finish(o); ferr != nil {
			e.logger.Error("execution state", zap.Error(ferr))
		}
		res.Outcome = o
		res.Detail = detail
		res.Elapsed = time.Since(start)
		e.record(req, res)
		return res, nil
	}

	if err != nil {
		if errors.KindOf(err) == errors.KindCompile {
			return finish(CompileError, err.Error())
		}
		return nil, err
	}
	if hit {
		e.stats.cacheHits.Add(1)
	}
	if err := x.advance(phaseCompiled); err != nil {
		return nil, err
	}

	def, ok := cm.entryPoint(req.EntryPoint)
	if !ok {
		return finish(CompileError, fmt.Sprintf("entry point %q is not exported", req.EntryPoint))
	}
	params, err := encodeArgs(def.ParamTypes(), req.Args)
	if err != nil {
		return nil, err
	}
	if need := cm.minMemoryBytes(); need > req.Limits.MemoryBytes() {
		return finish(MemoryLimitExceeded, fmt.Sprintf(
			"module declares %d bytes of initial memory, limit is %d", need, req.Limits.MemoryBytes()))
	}
	if !cm.artifact.Valid() || !cm.acquire() {
		return nil, errors.New(errors.PhaseRun, errors.KindNotFound).
			Value(key.String()).
			Detail("artifact %s was removed from the cache", key).Build()
	}
	defer cm.release(context.WithoutCancel(ctx))
	if ctx.Err() != nil {
		return finish(Cancelled, "cancelled before start")
	}

	name := req.Name
	if name == "" {
		name = shortHash(key)
	}
	session := host.NewSession(name, req.Limits.HostCallBudget(), e.logger)
	o, detail := e.run(ctx, x, cm, def, params, req, session, res)
	res.HostCallsConsumed = session.Calls()
	res.Logs = session.Logs()
	return finish(o, detail)
}

func (e *Engine) validate(req Request) error {
	if err := req.Limits.Validate(); err != nil {
		return err
	}
	if req.Limits.MemoryBytes() > e.ceiling {
		return errors.InvalidConfiguration("memory", req.Limits.MemoryBytes(),
			fmt.Sprintf("memory limit exceeds engine ceiling of %d bytes", e.ceiling))
	}
	if (req.Module == nil) == (req.Hash == "") {
		return errors.InvalidInput(errors.PhaseRun, "exactly one of module bytes or hash must be given")
	}
	if req.EntryPoint == "" {
		return errors.InvalidInput(errors.PhaseRun, "entry point must be set")
	}
	return nil
}

// run instantiates cm and drives the entry point under the watchdog.
func (e *Engine) run(ctx context.Context, x *execution, cm *compiledModule, def api.FunctionDefinition,
	params []uint64, req Request, session *host.Session, res *Result,
) (Outcome, string) {
	alloc := newCappedAllocator(req.Limits.MemoryBytes())
	runCtx, cancel := context.WithTimeout(ctx, req.Limits.Deadline())
	defer cancel()
	callCtx := host.WithSession(experimental.WithMemoryAllocator(runCtx, alloc), session)

	modName := fmt.Sprintf("%s-%d", res.ID, e.seq.Add(1))
	mod, err := e.runtime.InstantiateModule(callCtx, cm.module,
		wazero.NewModuleConfig().WithName(modName).WithStartFunctions())
	if err != nil {
		return classify(runFacts{
			abort:       session.Aborted(),
			deadline:    runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil,
			cancelled:   ctx.Err() != nil,
			memExceeded: alloc.Exceeded(),
			err:         err,
		})
	}
	defer mod.Close(context.Background())
	if err := x.advance(phaseInstantiated); err != nil {
		return Trapped, err.Error()
	}

	fn := mod.ExportedFunction(req.EntryPoint)
	done := make(chan callResult, 1)
	if err := x.advance(phaseRunning); err != nil {
		return Trapped, err.Error()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("guest call panicked: %v", r)}
			}
		}()
		out, err := fn.Call(callCtx, params...)
		done <- callResult{results: out, err: err}
	}()

	w := watch(runCtx, ctx, mod, done, e.grace)
	if w.abandoned {
		e.logger.Warn("guest ignored stop request; abandoned",
			zap.String("id", res.ID),
			zap.String("hash", res.Hash.String()),
			zap.Duration("grace", e.grace))
	}
	o, detail := classify(runFacts{
		abort:       session.Aborted(),
		deadline:    w.reason == stopDeadline,
		cancelled:   w.reason == stopCancelled,
		abandoned:   w.abandoned,
		memExceeded: alloc.Exceeded(),
		err:         w.call.err,
	})
	if o == Completed {
		res.ReturnValue = decodeResults(def.ResultTypes(), w.call.results)
	}
	return o, detail
}

type runFacts struct {
	abort       *host.Abort
	err         error
	deadline    bool
	cancelled   bool
	abandoned   bool
	memExceeded bool
}

// classify picks the outcome. Host aborts carry the most specific reason and
// win; then the watchdog; then a refused memory grow, which is reported even
// when the guest handled the failure and returned; then runtime exit codes
// and finally traps.
func classify(f runFacts) (Outcome, string) {
	if f.abort != nil {
		if o, ok := outcomeOfKind(f.abort.Kind); ok {
			return o, f.abort.Error()
		}
		return Trapped, f.abort.Error()
	}
	if f.deadline || f.cancelled {
		o, detail := TimedOut, "execution deadline reached"
		if f.cancelled {
			o, detail = Cancelled, "execution cancelled by caller"
		}
		if f.abandoned {
			detail += "; guest did not stop within the grace period and was abandoned"
		}
		return o, detail
	}
	if f.memExceeded {
		return MemoryLimitExceeded, "guest tried to grow memory past its limit"
	}
	if f.err == nil {
		return Completed, ""
	}
	var exit *sys.ExitError
	if errors.As(f.err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, watchdogExitCode:
			return TimedOut, "execution deadline reached"
		case sys.ExitCodeContextCanceled:
			return Cancelled, "execution cancelled by caller"
		}
		return Trapped, fmt.Sprintf("guest exited with code %d", exit.ExitCode())
	}
	return Trapped, f.err.Error()
}

func (e *Engine) record(req Request, res *Result) {
	e.metrics.RecordExecution(res.Outcome.String(), res.Elapsed.Seconds(), res.HostCallsConsumed)
	fields := []zap.Field{
		zap.String("id", res.ID),
		zap.String("hash", res.Hash.String()),
		zap.String("entry", req.EntryPoint),
		zap.Stringer("outcome", res.Outcome),
		zap.Duration("elapsed", res.Elapsed),
		zap.Uint32("host_calls", res.HostCallsConsumed),
		zap.Bool("cache_hit", res.CacheHit),
	}
	if res.Outcome == Completed {
		e.logger.Debug("execution finished", fields...)
		return
	}
	e.logger.Info("execution finished", append(fields, zap.String("detail", res.Detail))...)
}

func shortHash(d digest.Digest) string {
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}
