// Package errors provides structured error types for the sandbox.
//
// Errors are categorized by Phase (where the error occurred) and Kind (the
// failure class). Kinds mirror the sandbox taxonomy: invalid configuration,
// compile errors, the terminal execution outcomes, cache corruption and
// migration failures.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseConfig, errors.KindInvalidConfiguration).
//		Path("memory").
//		Value(limit).
//		Detail("exceeds hard ceiling of %d bytes", ceiling).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseCache, "module", key.String())
//	err := errors.Corruption(path, want.String(), got.String())
//
// Kind-only sentinels match any phase:
//
//	if errors.Is(err, errors.ErrNotFound) { ... }
package errors
