package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
)

// Environment variables that override file values.
const (
	EnvCacheDir  = "SANDBOX_CACHE_DIR"
	EnvPublicDir = "SANDBOX_PUBLIC_DIR"
	EnvProfile   = "SANDBOX_PROFILE"
	EnvLogLevel  = "SANDBOX_LOG_LEVEL"
)

// Config holds all sandbox configuration.
type Config struct {
	Profiles       map[string]map[string]string `yaml:"profiles"`
	Cache          CacheConfig                  `yaml:"cache"`
	DefaultProfile string                       `yaml:"default_profile"`
	Log            LogConfig                    `yaml:"log"`
	Metrics        MetricsConfig                `yaml:"metrics"`
	Engine         EngineConfig                 `yaml:"engine"`
}

type CacheConfig struct {
	Root             string `yaml:"root"`
	PublicDir        string `yaml:"public_dir"`
	GeneratorVersion string `yaml:"generator_version"`
}

type EngineConfig struct {
	MemoryCeiling string        `yaml:"memory_ceiling"` // human size, e.g. "2GiB"
	GracePeriod   time.Duration `yaml:"grace_period"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // Prometheus text file written after each command
	Tracing  bool   `yaml:"tracing"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Root:             defaultCacheRoot(),
			GeneratorVersion: "wasm-sandbox/1",
		},
		Engine: EngineConfig{
			GracePeriod:   500 * time.Millisecond,
			MemoryCeiling: "4GiB",
		},
		DefaultProfile: string(limits.Strict),
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

func defaultCacheRoot() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "wasm-sandbox")
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, errors.IO(errors.PhaseConfig, "read config file", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidConfiguration, err, "parse config file")
	}
	return nil
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrap(errors.PhaseConfig, errors.KindInvalidConfiguration, err, "load "+p)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvCacheDir); ok && v != "" {
		c.Cache.Root = v
	}
	if v, ok := lookup(EnvPublicDir); ok && v != "" {
		c.Cache.PublicDir = v
	}
	if v, ok := lookup(EnvProfile); ok && v != "" {
		c.DefaultProfile = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration, including every profile override.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Cache.Root) == "" {
		return errors.InvalidConfiguration("cache.root", c.Cache.Root, "cache root must be set")
	}
	if c.Engine.GracePeriod <= 0 {
		return errors.InvalidConfiguration("engine.grace_period", c.Engine.GracePeriod, "grace period must be positive")
	}
	if _, err := c.MemoryCeiling(); err != nil {
		return err
	}
	if _, err := limits.ParseProfile(c.DefaultProfile); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.InvalidConfiguration("log.format", c.Log.Format, `log format must be "console" or "json"`)
	}
	_, err := c.Resolver()
	return err
}

// MemoryCeiling parses engine.memory_ceiling.
func (c *Config) MemoryCeiling() (uint64, error) {
	n, err := units.RAMInBytes(c.Engine.MemoryCeiling)
	if err != nil {
		return 0, errors.New(errors.PhaseConfig, errors.KindInvalidConfiguration).
			Path("engine", "memory_ceiling").Value(c.Engine.MemoryCeiling).Cause(err).
			Detail("invalid memory size").Build()
	}
	if n <= 0 || uint64(n) > limits.HardMemoryCeiling {
		return 0, errors.InvalidConfiguration("engine.memory_ceiling", c.Engine.MemoryCeiling, "ceiling must be in (0, 4GiB]")
	}
	return uint64(n), nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return 0, errors.New(errors.PhaseConfig, errors.KindInvalidConfiguration).
			Path("log", "level").Value(c.Log.Level).Cause(err).Detail("invalid log level").Build()
	}
	return lvl, nil
}

// Resolver builds the limits resolver with the configured ceiling and
// profile overrides.
func (c *Config) Resolver() (*limits.Resolver, error) {
	ceiling, err := c.MemoryCeiling()
	if err != nil {
		return nil, err
	}
	opts := []limits.ResolverOption{limits.WithCeiling(ceiling)}
	for name, raw := range c.Profiles {
		p, err := limits.ParseProfile(name)
		if err != nil {
			return nil, err
		}
		o, err := limits.ParseOverrides(raw)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidConfiguration, err, "profiles."+name)
		}
		opts = append(opts, limits.WithProfileOverrides(p, o))
	}
	return limits.NewResolver(opts...)
}
