package engine

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/cache"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Compile validates src, compiles it and stores the artifact without running
// anything. It returns the content key. Compile failures are returned as
// KindCompile errors and nothing is stored.
func (e *Engine) Compile(ctx context.Context, src []byte) (digest.Digest, error) {
	key := digest.FromBytes(src)
	_, _, err := e.resolveSource(ctx, key, src)
	return key, err
}

// lookup returns the in-memory compiled module for key if its artifact is
// still live. Entries invalidated by a cache clear are dropped and their
// native code released.
func (e *Engine) lookup(key digest.Digest) *compiledModule {
	e.mu.RLock()
	cm, ok := e.compiled[key]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	if cm.artifact.Valid() {
		return cm
	}
	e.mu.Lock()
	if e.compiled[key] == cm {
		delete(e.compiled, key)
	}
	e.mu.Unlock()
	cm.drop(context.Background())
	return nil
}

func (e *Engine) remember(cm *compiledModule) {
	e.mu.Lock()
	old := e.compiled[cm.key]
	e.compiled[cm.key] = cm
	e.mu.Unlock()
	if old != nil && old != cm {
		old.drop(context.Background())
	}
}

// resolveHash finds a previously compiled module by key alone. There is no
// source to recompile from, so a missing or corrupt artifact is NotFound.
func (e *Engine) resolveHash(ctx context.Context, key digest.Digest) (*compiledModule, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, errors.New(errors.PhaseRun, errors.KindInvalidInput).
			Value(string(key)).Cause(err).Detail("invalid module hash").Build()
	}
	if cm := e.lookup(key); cm != nil {
		return cm, true, nil
	}
	v, err, _ := e.flights.Do("hash:"+key.String(), func() (any, error) {
		if cm := e.lookup(key); cm != nil {
			return resolved{cm: cm, hit: true}, nil
		}
		artifact, err := e.cache.LoadModule(context.WithoutCancel(ctx), key)
		if err != nil {
			if errors.KindOf(err) == errors.KindCacheCorruption {
				return nil, errors.New(errors.PhaseRun, errors.KindNotFound).
					Value(key.String()).Cause(err).
					Detail("cached module %s was corrupt and has been evicted; resubmit its source", key).Build()
			}
			return nil, err
		}
		cm, err := e.loadArtifact(context.WithoutCancel(ctx), artifact)
		if err != nil {
			return nil, err
		}
		return resolved{cm: cm, hit: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(resolved)
	return r.cm, r.hit, nil
}

type resolved struct {
	cm  *compiledModule
	hit bool
}

// resolveSource finds or builds the compiled module for src. Concurrent
// calls for one key share a single flight, so a source is compiled and
// written at most once at a time.
func (e *Engine) resolveSource(ctx context.Context, key digest.Digest, src []byte) (*compiledModule, bool, error) {
	if cm := e.lookup(key); cm != nil {
		return cm, true, nil
	}
	v, err, _ := e.flights.Do("source:"+key.String(), func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if cm := e.lookup(key); cm != nil {
			return resolved{cm: cm, hit: true}, nil
		}
		artifact, err := e.cache.LoadModule(fctx, key)
		switch {
		case err == nil:
			cm, err := e.loadArtifact(fctx, artifact)
			if err == nil {
				return resolved{cm: cm, hit: true}, nil
			}
			e.logger.Warn("cached artifact failed to load, recompiling", zap.String("hash", key.String()), zap.Error(err))
		case errors.KindOf(err) == errors.KindCacheCorruption:
			e.logger.Warn("recompiling after cache corruption", zap.String("hash", key.String()))
		case errors.KindOf(err) != errors.KindNotFound:
			return nil, err
		}
		cm, err := e.compileAndStore(fctx, key, src)
		if err != nil {
			return nil, err
		}
		return resolved{cm: cm}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(resolved)
	return r.cm, r.hit, nil
}

// loadArtifact compiles verified artifact bytes. The native code cache makes
// this cheap for artifacts compiled before.
func (e *Engine) loadArtifact(ctx context.Context, artifact *cache.Artifact) (*compiledModule, error) {
	info, err := wasm.ParseModule(artifact.Bytes())
	if err != nil {
		return nil, errors.Compile("parse cached artifact", err)
	}
	mod, err := e.runtime.CompileModule(ctx, artifact.Bytes())
	if err != nil {
		return nil, errors.Compile("compile cached artifact", err)
	}
	cm := &compiledModule{module: mod, artifact: artifact, info: info, key: artifact.Key}
	e.remember(cm)
	return cm, nil
}

func (e *Engine) compileAndStore(ctx context.Context, key digest.Digest, src []byte) (cm *compiledModule, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "compile", metrics.AttrModuleHash.String(key.String()))
	defer func() {
		e.metrics.RecordCompile(err == nil, len(src))
		metrics.EndSpan(span, err)
	}()

	canonical, info, err := wasm.Canonicalize(src)
	if err != nil {
		return nil, errors.Compile("invalid module binary", err)
	}
	if err := host.Audit(info); err != nil {
		return nil, err
	}
	mod, err := e.runtime.CompileModule(ctx, canonical)
	if err != nil {
		return nil, errors.Compile("module failed validation", err)
	}
	e.stats.compiles.Add(1)

	artifact, err := e.cache.PutModule(ctx, key, canonical)
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}
	cm = &compiledModule{module: mod, artifact: artifact, info: info, key: key}
	e.remember(cm)
	e.logger.Debug("compiled module",
		zap.String("hash", key.String()),
		zap.Int("source_bytes", len(src)),
		zap.Int("artifact_bytes", len(canonical)))
	return cm, nil
}

// FuncInfo describes one exported function.
type FuncInfo struct {
	Name    string         `json:"name"`
	Params  []wasm.ValType `json:"-"`
	Results []wasm.ValType `json:"-"`
}

// Signature renders the function type, e.g. "(i32, i32) -> i32".
func (f FuncInfo) Signature() string {
	return wasm.FuncType{Params: f.Params, Results: f.Results}.String()
}

// Inspect lists the exported functions of src and checks its imports
// against the host surface, without compiling or caching.
func (e *Engine) Inspect(src []byte) ([]FuncInfo, error) {
	m, err := wasm.ParseModule(src)
	if err != nil {
		return nil, errors.Compile("invalid module binary", err)
	}
	if err := host.Audit(m); err != nil {
		return nil, err
	}
	var out []FuncInfo
	for _, exp := range m.Exports {
		if exp.Kind != wasm.KindFunc {
			continue
		}
		ft, ok := m.FuncTypeOf(exp.Index)
		if !ok {
			return nil, errors.Compile(fmt.Sprintf("export %q references unknown function %d", exp.Name, exp.Index), nil)
		}
		out = append(out, FuncInfo{Name: exp.Name, Params: ft.Params, Results: ft.Results})
	}
	return out, nil
}

// entryPoint returns the definition of the exported function name.
func (cm *compiledModule) entryPoint(name string) (api.FunctionDefinition, bool) {
	def, ok := cm.module.ExportedFunctions()[name]
	return def, ok
}
