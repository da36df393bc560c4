package limits

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/wippyai/wasm-sandbox/errors"
)

// PageSize is the WebAssembly linear memory page size in bytes.
const PageSize = 65536

// HardMemoryCeiling is the process-wide memory ceiling: the full wasm32
// address space. No profile, override or resolver may exceed it.
const HardMemoryCeiling uint64 = 65536 * PageSize

// Profile names a predefined set of limits.
type Profile string

const (
	Strict     Profile = "strict"
	Moderate   Profile = "moderate"
	Permissive Profile = "permissive"
)

// Profiles lists all known profiles from most to least restrictive.
func Profiles() []Profile {
	return []Profile{Strict, Moderate, Permissive}
}

// ParseProfile resolves a profile name case-insensitively.
func ParseProfile(name string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(name)))
	switch p {
	case Strict, Moderate, Permissive:
		return p, nil
	}
	return "", errors.InvalidConfiguration("profile", name, fmt.Sprintf("unknown security profile %q", name))
}

// Limits is a validated, immutable set of resource limits for one execution.
// The zero value is invalid; construct with New or Resolver.Resolve.
type Limits struct {
	memoryBytes    uint64
	deadline       time.Duration
	hostCallBudget uint32
}

// New validates the given values against HardMemoryCeiling.
func New(memoryBytes int64, deadline time.Duration, hostCallBudget int64) (Limits, error) {
	return newWithCeiling(memoryBytes, deadline, hostCallBudget, HardMemoryCeiling)
}

func newWithCeiling(memoryBytes int64, deadline time.Duration, hostCallBudget int64, ceiling uint64) (Limits, error) {
	if memoryBytes <= 0 {
		return Limits{}, errors.InvalidConfiguration("memory", memoryBytes, "memory limit must be positive")
	}
	if uint64(memoryBytes) > ceiling {
		return Limits{}, errors.New(errors.PhaseConfig, errors.KindInvalidConfiguration).
			Path("memory").
			Value(memoryBytes).
			Detail("memory limit %s exceeds hard ceiling %s", units.BytesSize(float64(memoryBytes)), units.BytesSize(float64(ceiling))).
			Build()
	}
	if deadline <= 0 {
		return Limits{}, errors.InvalidConfiguration("timeout", deadline, "execution deadline must be positive")
	}
	if hostCallBudget <= 0 {
		return Limits{}, errors.InvalidConfiguration("host_calls", hostCallBudget, "host call budget must be positive")
	}
	if hostCallBudget > int64(^uint32(0)) {
		return Limits{}, errors.InvalidConfiguration("host_calls", hostCallBudget, "host call budget overflows uint32")
	}
	return Limits{
		memoryBytes:    uint64(memoryBytes),
		deadline:       deadline,
		hostCallBudget: uint32(hostCallBudget),
	}, nil
}

// MemoryBytes returns the linear memory cap in bytes.
func (l Limits) MemoryBytes() uint64 { return l.memoryBytes }

// MemoryPages returns the cap expressed in whole wasm pages. A limit below
// one page yields 0, which only modules without linear memory satisfy.
func (l Limits) MemoryPages() uint32 { return uint32(l.memoryBytes / PageSize) }

// Deadline returns the wall-clock execution deadline.
func (l Limits) Deadline() time.Duration { return l.deadline }

// HostCallBudget returns the maximum number of host calls.
func (l Limits) HostCallBudget() uint32 { return l.hostCallBudget }

// Validate reports whether l was produced by a validating constructor.
func (l Limits) Validate() error {
	if l.memoryBytes == 0 || l.deadline <= 0 || l.hostCallBudget == 0 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidConfiguration).
			Detail("resource limits are unset; resolve a profile first").
			Build()
	}
	return nil
}

func (l Limits) String() string {
	return fmt.Sprintf("memory=%s timeout=%s host_calls=%d",
		units.BytesSize(float64(l.memoryBytes)), l.deadline, l.hostCallBudget)
}

// Overrides replaces individual profile values. Nil fields keep the profile default.
type Overrides struct {
	MemoryBytes    *int64
	Deadline       *time.Duration
	HostCallBudget *int64
}

// IsZero reports whether no field is set.
func (o Overrides) IsZero() bool {
	return o.MemoryBytes == nil && o.Deadline == nil && o.HostCallBudget == nil
}

// ParseOverrides reads an override map with keys "memory" (human size such
// as "64MiB" or a plain byte count), "timeout" (Go duration) and "host_calls".
func ParseOverrides(m map[string]string) (Overrides, error) {
	var o Overrides
	for k, v := range m {
		v = strings.TrimSpace(v)
		switch strings.ToLower(k) {
		case "memory", "memory_bytes":
			n, err := units.RAMInBytes(v)
			if err != nil {
				return Overrides{}, errors.New(errors.PhaseConfig, errors.KindInvalidConfiguration).
					Path("memory").Value(v).Cause(err).Detail("invalid memory size").Build()
			}
			o.MemoryBytes = &n
		case "timeout", "deadline":
			d, err := time.ParseDuration(v)
			if err != nil {
				return Overrides{}, errors.New(errors.PhaseConfig, errors.KindInvalidConfiguration).
					Path("timeout").Value(v).Cause(err).Detail("invalid duration").Build()
			}
			o.Deadline = &d
		case "host_calls", "host_call_budget":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Overrides{}, errors.New(errors.PhaseConfig, errors.KindInvalidConfiguration).
					Path("host_calls").Value(v).Cause(err).Detail("invalid integer").Build()
			}
			o.HostCallBudget = &n
		default:
			return Overrides{}, errors.InvalidConfiguration(k, v, fmt.Sprintf("unknown limit override %q", k))
		}
	}
	return o, nil
}
