package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Engine.GracePeriod != 500*time.Millisecond {
		t.Errorf("GracePeriod = %s, want 500ms", cfg.Engine.GracePeriod)
	}
	if cfg.DefaultProfile != "strict" {
		t.Errorf("DefaultProfile = %q, want strict", cfg.DefaultProfile)
	}
	ceiling, err := cfg.MemoryCeiling()
	if err != nil || ceiling != limits.HardMemoryCeiling {
		t.Errorf("MemoryCeiling = %d, %v", ceiling, err)
	}
}

func TestLoad(t *testing.T) {
	for _, k := range []string{EnvCacheDir, EnvPublicDir, EnvProfile, EnvLogLevel} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "sandbox.yaml")
	data := `
cache:
  root: /tmp/sandbox-cache
engine:
  grace_period: 250ms
  memory_ceiling: 512MiB
default_profile: Moderate
profiles:
  strict:
    memory: 32MiB
    host_calls: "10"
  permissive:
    memory: 512MiB
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Root != "/tmp/sandbox-cache" || cfg.Engine.GracePeriod != 250*time.Millisecond {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Cache.GeneratorVersion != "wasm-sandbox/1" {
		t.Errorf("default lost: GeneratorVersion = %q", cfg.Cache.GeneratorVersion)
	}
	if lvl, _ := cfg.LogLevel(); lvl != zapcore.DebugLevel {
		t.Errorf("level = %s", lvl)
	}

	r, err := cfg.Resolver()
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	if r.Ceiling() != 512<<20 {
		t.Errorf("ceiling = %d", r.Ceiling())
	}
	strict, err := r.Profile(limits.Strict)
	if err != nil {
		t.Fatalf("strict: %v", err)
	}
	if strict.MemoryBytes() != 32<<20 || strict.HostCallBudget() != 10 || strict.Deadline() != 5*time.Second {
		t.Errorf("strict = %s", strict)
	}
	permissive, err := r.Profile(limits.Permissive)
	if err != nil || permissive.MemoryBytes() != 512<<20 {
		t.Errorf("permissive = %s, %v", permissive, err)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return p
	}

	tests := []struct {
		name string
		path string
		kind errors.Kind
	}{
		{"missing file", filepath.Join(dir, "nope.yaml"), errors.KindIO},
		{"unknown field", write("unknown.yaml", "cache:\n  rooot: /x\n"), errors.KindInvalidConfiguration},
		{"bad yaml", write("bad.yaml", "cache: [\n"), errors.KindInvalidConfiguration},
		{"ceiling below profile", write("ceiling.yaml", "engine:\n  memory_ceiling: 128MiB\n"), errors.KindInvalidConfiguration},
		{"bad override", write("override.yaml", "profiles:\n  strict:\n    memory: lots\n"), errors.KindInvalidConfiguration},
		{"unknown profile", write("profile.yaml", "profiles:\n  extreme:\n    timeout: 1s\n"), errors.KindInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if errors.KindOf(err) != tt.kind {
				t.Errorf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"empty cache root", func(c *Config) { c.Cache.Root = " " }, true},
		{"zero grace", func(c *Config) { c.Engine.GracePeriod = 0 }, true},
		{"ceiling above 4GiB", func(c *Config) { c.Engine.MemoryCeiling = "8GiB" }, true},
		{"ceiling not a size", func(c *Config) { c.Engine.MemoryCeiling = "big" }, true},
		{"unknown default profile", func(c *Config) { c.DefaultProfile = "lax" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"profile override", func(c *Config) {
			c.Profiles = map[string]map[string]string{"permissive": {"timeout": "10m"}}
		}, false},
		{"override above ceiling", func(c *Config) {
			c.Profiles = map[string]map[string]string{"strict": {"memory": "5GiB"}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidConfiguration) {
				t.Errorf("error kind = %s", errors.KindOf(err))
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvCacheDir:  "/env/cache",
		EnvPublicDir: "/env/docs",
		EnvProfile:   "permissive",
		EnvLogLevel:  "",
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.Cache.Root != "/env/cache" || cfg.Cache.PublicDir != "/env/docs" || cfg.DefaultProfile != "permissive" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("empty env value overrode level: %q", cfg.Log.Level)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SANDBOX_PROFILE=moderate\nSANDBOX_LOG_LEVEL=error\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvProfile, "")
	os.Unsetenv(EnvProfile)
	t.Setenv(EnvLogLevel, "info")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv(EnvProfile); got != "moderate" {
		t.Errorf("%s = %q, want moderate", EnvProfile, got)
	}
	if got := os.Getenv(EnvLogLevel); got != "info" {
		t.Errorf("%s = %q, existing value overridden", EnvLogLevel, got)
	}
}
