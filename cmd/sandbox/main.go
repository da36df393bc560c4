package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/cache"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/metrics"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// app carries state shared by every command of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfgPath  string
	cacheDir string
	logLevel string
	jsonOut  bool

	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  *metrics.Tracer
	cache   *cache.Manager
	engine  *engine.Engine
	styled  bool
}

func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := &app{stdout: stdout, stderr: stderr, styled: isTerminal(stdout)}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil && err.Error() != "" {
		fmt.Fprintln(stderr, paint(a.styled, errorStyle, "Error: "+err.Error()))
	}
	return exitCode(err)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "sandbox",
		Short:         "Run untrusted WebAssembly modules under resource limits",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&a.cacheDir, "cache-dir", "", "Cache root (overrides config and "+config.EnvCacheDir+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		newRunCmd(a),
		newCompileCmd(a),
		newCacheCmd(a),
		newMigrateCmd(a),
		newProfilesCmd(a),
	)
	return root
}

// setup loads configuration and builds the logger, metrics and tracer.
func (a *app) setup() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.cacheDir != "" {
		cfg.Cache.Root = a.cacheDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	logger, err := newLogger(cfg.Log, a.stderr)
	if err != nil {
		return err
	}
	a.logger = logger
	engine.SetLogger(logger)

	a.metrics = metrics.New()
	if cfg.Metrics.Tracing {
		a.tracer = metrics.NewTracer()
	}
	return nil
}

func (a *app) openCache() (*cache.Manager, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	c, err := cache.Open(a.cfg.Cache.Root,
		cache.WithLogger(a.logger.Named("cache")),
		cache.WithMetrics(a.metrics),
		cache.WithGeneratorVersion(a.cfg.Cache.GeneratorVersion),
		cache.WithPublicDir(a.cfg.Cache.PublicDir))
	if err != nil {
		return nil, err
	}
	a.cache = c
	return c, nil
}

func (a *app) openEngine(ctx context.Context) (*engine.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	c, err := a.openCache()
	if err != nil {
		return nil, err
	}
	ceiling, err := a.cfg.MemoryCeiling()
	if err != nil {
		return nil, err
	}
	e, err := engine.New(ctx, c,
		engine.WithLogger(a.logger.Named("engine")),
		engine.WithMetrics(a.metrics),
		engine.WithTracer(a.tracer),
		engine.WithGracePeriod(a.cfg.Engine.GracePeriod),
		engine.WithMemoryCeiling(ceiling))
	if err != nil {
		return nil, err
	}
	a.engine = e
	return e, nil
}

// close releases the engine and writes the metrics text file, if configured.
func (a *app) close() {
	if a.engine != nil {
		if err := a.engine.Close(context.Background()); err != nil {
			a.logger.Warn("close engine", zap.Error(err))
		}
	}
	if a.cfg != nil && a.cfg.Metrics.Textfile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			a.logger.Warn("write metrics textfile", zap.String("path", a.cfg.Metrics.Textfile), zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
