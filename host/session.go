package host

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
)

// LogLine is one host_log call, in call order.
type LogLine struct {
	Module string `json:"module"`
	Text   string `json:"text"`
	Seq    uint32 `json:"seq"`
}

// Abort terminates the guest from inside a host call. It is raised as a
// panic so the runtime unwinds the guest stack, and recorded on the Session
// so the engine classifies the outcome without inspecting error text.
type Abort struct {
	Kind       errors.Kind
	Detail     string
	Capability Capability
}

func (a *Abort) Error() string {
	return fmt.Sprintf("%s aborted execution: %s: %s", a.Capability, a.Kind, a.Detail)
}

// Session is the per-execution host state: call budget, counter, log buffer
// and abort reason. Nothing in it is shared between executions.
type Session struct {
	abort  atomic.Pointer[Abort]
	logger *zap.Logger
	module string
	logs   []LogLine
	mu     sync.Mutex
	calls  atomic.Uint32
	budget uint32
}

// NewSession creates the host state for one execution of module.
func NewSession(module string, budget uint32, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{module: module, budget: budget, logger: logger}
}

// Module returns the identity log lines are tagged with.
func (s *Session) Module() string { return s.module }

// Budget returns the host call budget.
func (s *Session) Budget() uint32 { return s.budget }

// Calls returns the number of host calls charged so far. It never exceeds
// the budget.
func (s *Session) Calls() uint32 { return s.calls.Load() }

// Logs returns a copy of the captured log lines.
func (s *Session) Logs() []LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogLine, len(s.logs))
	copy(out, s.logs)
	return out
}

// Aborted returns the first abort raised by a host call, or nil.
func (s *Session) Aborted() *Abort { return s.abort.Load() }

// fail records a as the session's abort reason (first one wins) and unwinds
// the guest.
func (s *Session) fail(a *Abort) {
	s.abort.CompareAndSwap(nil, a)
	panic(a)
}

// checkpoint stops the guest at a host-call boundary once the execution
// context is done.
func (s *Session) checkpoint(ctx context.Context, c Capability) {
	switch ctx.Err() {
	case nil:
		return
	case context.DeadlineExceeded:
		s.fail(&Abort{Kind: errors.KindTimedOut, Capability: c, Detail: "execution deadline reached"})
	default:
		s.fail(&Abort{Kind: errors.KindCancelled, Capability: c, Detail: "execution cancelled"})
	}
}

// charge counts one call against the budget. A call made when the budget is
// already spent aborts without being counted.
func (s *Session) charge(c Capability) {
	for {
		n := s.calls.Load()
		if n >= s.budget {
			s.fail(&Abort{
				Kind:       errors.KindHostBudgetExceeded,
				Capability: c,
				Detail:     fmt.Sprintf("host call budget of %d exhausted", s.budget),
			})
		}
		if s.calls.CompareAndSwap(n, n+1) {
			return
		}
	}
}

func (s *Session) appendLog(raw []byte) {
	text := strings.ToValidUTF8(string(raw), "�")
	s.mu.Lock()
	line := LogLine{Seq: uint32(len(s.logs)) + 1, Module: s.module, Text: text}
	s.logs = append(s.logs, line)
	s.mu.Unlock()
	s.logger.Debug("guest log",
		zap.String("module", s.module),
		zap.Uint32("seq", line.Seq),
		zap.String("text", text))
}

type sessionKey struct{}

// WithSession attaches s to ctx; host functions find their session there.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session attached to ctx, or nil.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}
