package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfig      Phase = "config"      // limit and profile resolution
	PhaseCompile     Phase = "compile"     // module validation and compilation
	PhaseInstantiate Phase = "instantiate" // module instantiation
	PhaseRun         Phase = "run"         // entry point execution
	PhaseHost        Phase = "host"        // host function bridge
	PhaseCache       Phase = "cache"       // artifact cache
	PhaseMigrate     Phase = "migrate"     // legacy layout migration
	PhaseParse       Phase = "parse"       // binary/argument parsing
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidConfiguration  Kind = "invalid_configuration"
	KindCompile               Kind = "compile_error"
	KindMemoryAccessViolation Kind = "memory_access_violation"
	KindMemoryLimitExceeded   Kind = "memory_limit_exceeded"
	KindHostBudgetExceeded    Kind = "host_budget_exceeded"
	KindTimedOut              Kind = "timed_out"
	KindCancelled             Kind = "cancelled"
	KindTrapped               Kind = "trapped"
	KindCacheCorruption       Kind = "cache_corruption"
	KindMigrationFailure      Kind = "migration_failure"
	KindNotFound              Kind = "not_found"
	KindInvalidInput          Kind = "invalid_input"
	KindIO                    Kind = "io"
	KindUnsupported           Kind = "unsupported"
)

// Error is the structured error type used throughout the sandbox
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "/"))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the path of the offending entity
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is matching on Kind alone.
var (
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrCompile              = &Error{Kind: KindCompile}
	ErrCacheCorruption      = &Error{Kind: KindCacheCorruption}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
)

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is is a re-export of the standard errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is a re-export of the standard errors.As.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Convenience constructors for common error patterns

// InvalidConfiguration creates a limits/config validation error
func InvalidConfiguration(field string, value any, detail string) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidConfiguration,
		Path:   []string{field},
		Value:  value,
		Detail: detail,
	}
}

// Compile creates a compile error
func Compile(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindCompile,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Corruption creates a cache corruption error for the entry at path
func Corruption(path string, expected, actual string) *Error {
	return &Error{
		Phase:  PhaseCache,
		Kind:   KindCacheCorruption,
		Path:   []string{path},
		Detail: fmt.Sprintf("expected digest %s, got %s", expected, actual),
	}
}

// IO wraps a filesystem failure
func IO(phase Phase, op, path string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Path:   []string{path},
		Detail: op,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindInvalidInput,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}
