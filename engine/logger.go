package engine

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	nopLogger     = zap.NewNop()
	defaultLogger atomic.Pointer[zap.Logger]
)

// Logger returns the package default logger used by engines created
// without WithLogger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return nopLogger
}

// SetLogger replaces the package default logger. Engines already created
// keep the logger they were built with.
func SetLogger(l *zap.Logger) {
	defaultLogger.Store(l)
}
