package engine

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/limits"
)

// Outcome is the terminal state of one execution.
type Outcome uint8

const (
	Completed Outcome = iota
	TimedOut
	MemoryLimitExceeded
	HostBudgetExceeded
	MemoryAccessViolation
	Trapped
	CompileError
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case MemoryLimitExceeded:
		return "memory_limit_exceeded"
	case HostBudgetExceeded:
		return "host_budget_exceeded"
	case MemoryAccessViolation:
		return "memory_access_violation"
	case Trapped:
		return "trapped"
	case CompileError:
		return "compile_error"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Kind maps the outcome onto the error taxonomy. Completed maps to "".
func (o Outcome) Kind() errors.Kind {
	switch o {
	case TimedOut:
		return errors.KindTimedOut
	case MemoryLimitExceeded:
		return errors.KindMemoryLimitExceeded
	case HostBudgetExceeded:
		return errors.KindHostBudgetExceeded
	case MemoryAccessViolation:
		return errors.KindMemoryAccessViolation
	case Trapped:
		return errors.KindTrapped
	case CompileError:
		return errors.KindCompile
	case Cancelled:
		return errors.KindCancelled
	}
	return ""
}

func outcomeOfKind(k errors.Kind) (Outcome, bool) {
	switch k {
	case errors.KindTimedOut:
		return TimedOut, true
	case errors.KindMemoryLimitExceeded:
		return MemoryLimitExceeded, true
	case errors.KindHostBudgetExceeded:
		return HostBudgetExceeded, true
	case errors.KindMemoryAccessViolation:
		return MemoryAccessViolation, true
	case errors.KindTrapped:
		return Trapped, true
	case errors.KindCompile:
		return CompileError, true
	case errors.KindCancelled:
		return Cancelled, true
	}
	return 0, false
}

// Request is one execution. Exactly one of Module and Hash is set.
type Request struct {
	Limits     limits.Limits
	Hash       digest.Digest
	EntryPoint string
	Name       string // identity tagged on log lines; defaults to the short hash
	Module     []byte
	Args       []any
}

// Result is the immutable report of a finished execution.
type Result struct {
	ReturnValue       any            `json:"return_value,omitempty"`
	ID                string         `json:"id"`
	Hash              digest.Digest  `json:"hash"`
	Detail            string         `json:"detail,omitempty"`
	Logs              []host.LogLine `json:"logs,omitempty"`
	Elapsed           time.Duration  `json:"elapsed"`
	HostCallsConsumed uint32         `json:"host_calls_consumed"`
	Outcome           Outcome        `json:"outcome"`
	CacheHit          bool           `json:"cache_hit"`
}

// LogLines returns the captured log text in call order.
func (r *Result) LogLines() []string {
	out := make([]string, len(r.Logs))
	for i, l := range r.Logs {
		out[i] = l.Text
	}
	return out
}
