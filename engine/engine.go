package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-sandbox/cache"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// DefaultGracePeriod is how long a guest may keep running after its
// deadline before the engine abandons it.
const DefaultGracePeriod = 500 * time.Millisecond

// Engine compiles and runs guest modules against a cache. One Engine owns
// one runtime; it is safe for concurrent executions.
type Engine struct {
	runtime   wazero.Runtime
	compCache wazero.CompilationCache
	cache     *cache.Manager
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    *metrics.Tracer
	compiled  map[digest.Digest]*compiledModule
	flights   singleflight.Group
	grace     time.Duration
	ceiling   uint64
	mu        sync.RWMutex
	seq       atomic.Uint64
	stats     struct {
		compiles   atomic.Uint64
		cacheHits  atomic.Uint64
		executions atomic.Uint64
	}
}

// compiledModule is shared read-only by every execution of one key. Once
// dropped from the engine table its native code is released after the last
// execution using it returns.
type compiledModule struct {
	module   wazero.CompiledModule
	artifact *cache.Artifact
	info     *wasm.Module
	key      digest.Digest

	mu      sync.Mutex
	users   int
	dropped bool
}

// acquire registers an execution. It fails once the module was dropped.
func (c *compiledModule) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return false
	}
	c.users++
	return true
}

func (c *compiledModule) release(ctx context.Context) {
	c.mu.Lock()
	c.users--
	last := c.dropped && c.users == 0
	c.mu.Unlock()
	if last {
		c.module.Close(ctx)
	}
}

// drop marks the module unusable and closes it if no execution holds it.
func (c *compiledModule) drop(ctx context.Context) {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	idle := c.users == 0
	c.mu.Unlock()
	if idle {
		c.module.Close(ctx)
	}
}

// minMemoryBytes is the initial linear memory the module declares.
func (c *compiledModule) minMemoryBytes() uint64 {
	if lim, ok := c.info.MemoryLimits(); ok {
		return uint64(lim.Min) * limits.PageSize
	}
	return 0
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default is Logger().
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records executions and compiles on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer emits spans through t.
func WithTracer(t *metrics.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithGracePeriod sets how long a guest may run past its deadline.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) { e.grace = d }
}

// WithMemoryCeiling lowers the largest memory limit any request may use.
func WithMemoryCeiling(bytes uint64) Option {
	return func(e *Engine) { e.ceiling = bytes }
}

// New creates an engine backed by c.
func New(ctx context.Context, c *cache.Manager, opts ...Option) (*Engine, error) {
	if c == nil {
		return nil, errors.InvalidConfiguration("cache", nil, "engine requires a cache")
	}
	e := &Engine{
		cache:    c,
		logger:   Logger(),
		grace:    DefaultGracePeriod,
		ceiling:  limits.HardMemoryCeiling,
		compiled: make(map[digest.Digest]*compiledModule),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ceiling == 0 || e.ceiling > limits.HardMemoryCeiling {
		return nil, errors.InvalidConfiguration("memory_ceiling", e.ceiling, "ceiling must be in (0, 4GiB]")
	}
	if e.grace <= 0 {
		return nil, errors.InvalidConfiguration("grace_period", e.grace, "grace period must be positive")
	}

	// The runtime limit is the ceiling; per-execution caps are enforced by
	// the allocator so grow attempts past them are observable.
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(uint32(e.ceiling / limits.PageSize))
	if cc, err := wazero.NewCompilationCacheWithDir(c.NativeCacheDir()); err != nil {
		e.logger.Warn("native code cache disabled", zap.String("dir", c.NativeCacheDir()), zap.Error(err))
	} else {
		e.compCache = cc
		cfg = cfg.WithCompilationCache(cc)
	}
	e.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := host.Instantiate(ctx, e.runtime); err != nil {
		e.runtime.Close(ctx)
		return nil, err
	}
	return e, nil
}

// Close releases the runtime and every compiled module.
func (e *Engine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.compCache != nil {
		if cerr := e.compCache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// Stats counts engine activity since creation.
type Stats struct {
	Compiles   uint64 `json:"compiles"`
	CacheHits  uint64 `json:"cache_hits"`
	Executions uint64 `json:"executions"`
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Compiles:   e.stats.compiles.Load(),
		CacheHits:  e.stats.cacheHits.Load(),
		Executions: e.stats.executions.Load(),
	}
}

// Cache returns the cache the engine reads and writes.
func (e *Engine) Cache() *cache.Manager { return e.cache }
