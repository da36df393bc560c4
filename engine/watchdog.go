package engine

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// watchdogExitCode closes a module the watchdog stopped. It sits next to the
// runtime's own context exit codes and is never produced by a guest.
const watchdogExitCode uint32 = 0xeffffffe

// stopReason records why the watchdog intervened.
type stopReason uint8

const (
	stopNone stopReason = iota
	stopDeadline
	stopCancelled
)

type callResult struct {
	err     error
	results []uint64
}

type watchResult struct {
	call      callResult
	reason    stopReason
	abandoned bool
}

// watch waits for the guest call on done. When runCtx ends first it asks the
// guest to stop: the context is already done, which the runtime observes at
// its next checkpoint, and the module is closed with watchdogExitCode. If the
// guest still has not returned after grace, it is abandoned and reported as
// stopped anyway.
func watch(runCtx, callerCtx context.Context, mod api.Module, done <-chan callResult, grace time.Duration) watchResult {
	select {
	case r := <-done:
		return watchResult{call: r}
	case <-runCtx.Done():
	}

	reason := stopDeadline
	if callerCtx.Err() != nil {
		reason = stopCancelled
	}
	mod.CloseWithExitCode(context.Background(), watchdogExitCode)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case r := <-done:
		return watchResult{call: r, reason: reason}
	case <-timer.C:
		return watchResult{reason: reason, abandoned: true}
	}
}
