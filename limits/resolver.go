package limits

import (
	"time"

	"github.com/docker/go-units"

	"github.com/wippyai/wasm-sandbox/errors"
)

type defaults struct {
	memoryBytes    int64
	deadline       time.Duration
	hostCallBudget int64
}

var builtin = map[Profile]defaults{
	Strict:     {memoryBytes: 64 * units.MiB, deadline: 5 * time.Second, hostCallBudget: 100},
	Moderate:   {memoryBytes: 256 * units.MiB, deadline: 60 * time.Second, hostCallBudget: 1000},
	Permissive: {memoryBytes: 1024 * units.MiB, deadline: 300 * time.Second, hostCallBudget: 10000},
}

// Resolver turns profile names and overrides into validated Limits.
// It is immutable after construction and safe for concurrent use.
type Resolver struct {
	profiles map[Profile]Limits
	ceiling  uint64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*resolverConfig)

type resolverConfig struct {
	ceiling   uint64
	overrides map[Profile]Overrides
}

// WithCeiling lowers the memory ceiling below HardMemoryCeiling.
// Values above HardMemoryCeiling are rejected by NewResolver.
func WithCeiling(bytes uint64) ResolverOption {
	return func(c *resolverConfig) { c.ceiling = bytes }
}

// WithProfileOverrides replaces the defaults of one profile.
func WithProfileOverrides(p Profile, o Overrides) ResolverOption {
	return func(c *resolverConfig) {
		if c.overrides == nil {
			c.overrides = make(map[Profile]Overrides)
		}
		c.overrides[p] = o
	}
}

// NewResolver builds a resolver, validating every profile up front so a bad
// configuration fails before any execution is attempted.
func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	cfg := resolverConfig{ceiling: HardMemoryCeiling}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ceiling == 0 || cfg.ceiling > HardMemoryCeiling {
		return nil, errors.InvalidConfiguration("memory_ceiling", cfg.ceiling, "ceiling must be in (0, 4GiB]")
	}

	r := &Resolver{
		profiles: make(map[Profile]Limits, len(builtin)),
		ceiling:  cfg.ceiling,
	}
	for p, d := range builtin {
		if o, ok := cfg.overrides[p]; ok {
			d = apply(d, o)
		}
		l, err := newWithCeiling(d.memoryBytes, d.deadline, d.hostCallBudget, cfg.ceiling)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidConfiguration, err, "profile "+string(p))
		}
		r.profiles[p] = l
	}
	for p := range cfg.overrides {
		if _, ok := builtin[p]; !ok {
			return nil, errors.InvalidConfiguration("profiles", string(p), "unknown security profile")
		}
	}
	return r, nil
}

// Ceiling returns the effective memory ceiling.
func (r *Resolver) Ceiling() uint64 { return r.ceiling }

// Profile returns the limits of a profile without overrides.
func (r *Resolver) Profile(p Profile) (Limits, error) {
	l, ok := r.profiles[p]
	if !ok {
		return Limits{}, errors.InvalidConfiguration("profile", string(p), "unknown security profile")
	}
	return l, nil
}

// Resolve applies overrides on top of profile p and validates the result.
func (r *Resolver) Resolve(p Profile, o Overrides) (Limits, error) {
	base, err := r.Profile(p)
	if err != nil {
		return Limits{}, err
	}
	if o.IsZero() {
		return base, nil
	}
	d := apply(defaults{
		memoryBytes:    int64(base.memoryBytes),
		deadline:       base.deadline,
		hostCallBudget: int64(base.hostCallBudget),
	}, o)
	return newWithCeiling(d.memoryBytes, d.deadline, d.hostCallBudget, r.ceiling)
}

// ResolveName is Resolve with a profile name.
func (r *Resolver) ResolveName(name string, o Overrides) (Limits, error) {
	p, err := ParseProfile(name)
	if err != nil {
		return Limits{}, err
	}
	return r.Resolve(p, o)
}

func apply(d defaults, o Overrides) defaults {
	if o.MemoryBytes != nil {
		d.memoryBytes = *o.MemoryBytes
	}
	if o.Deadline != nil {
		d.deadline = *o.Deadline
	}
	if o.HostCallBudget != nil {
		d.hostCallBudget = *o.HostCallBudget
	}
	return d
}
