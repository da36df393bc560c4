package main

import (
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
)

// Process exit codes. Scripts branch on these, so values never change.
const (
	exitOK               = 0
	exitFailure          = 1
	exitInvalidConfig    = 2
	exitCompile          = 3
	exitMemoryLimit      = 4
	exitTimedOut         = 5
	exitHostBudget       = 6
	exitMemoryAccess     = 7
	exitTrapped          = 8
	exitCacheCorruption  = 9
	exitMigrationPartial = 10
	exitNotFound         = 11
	exitCancelled        = 12
)

// exitError ends a command with a specific code after its output has been
// printed. An empty message prints nothing more.
type exitError struct {
	msg  string
	code int
}

func (e *exitError) Error() string { return e.msg }

func codeForKind(k errors.Kind) int {
	switch k {
	case "":
		return exitFailure
	case errors.KindInvalidConfiguration, errors.KindInvalidInput:
		return exitInvalidConfig
	case errors.KindCompile:
		return exitCompile
	case errors.KindMemoryLimitExceeded:
		return exitMemoryLimit
	case errors.KindTimedOut:
		return exitTimedOut
	case errors.KindHostBudgetExceeded:
		return exitHostBudget
	case errors.KindMemoryAccessViolation:
		return exitMemoryAccess
	case errors.KindTrapped:
		return exitTrapped
	case errors.KindCacheCorruption:
		return exitCacheCorruption
	case errors.KindMigrationFailure:
		return exitMigrationPartial
	case errors.KindNotFound:
		return exitNotFound
	case errors.KindCancelled:
		return exitCancelled
	}
	return exitFailure
}

func codeForOutcome(o engine.Outcome) int {
	if o == engine.Completed {
		return exitOK
	}
	return codeForKind(o.Kind())
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return codeForKind(errors.KindOf(err))
}
