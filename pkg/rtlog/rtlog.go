// Package rtlog is the out-of-band logging channel a handler's $log
// calls go through. It is deliberately not part of the effect buffer:
// log lines are an observability concern, not something a caller
// replays or applies.
package rtlog

import (
	"log/slog"
	"sync/atomic"
)

// logger is the package-level logger, stored as an atomic pointer for
// safe concurrent reads and writes. A nil value means no custom logger
// has been set; Logger() falls back to a cached default derived from
// slog.Default().
var logger atomic.Pointer[slog.Logger]

// defaultLogger caches the default-derived logger so it is not
// re-created on every Logger() call. SetLogger(nil) clears this cache,
// letting the next Logger() call pick up a new slog.Default().
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current package-level logger, deriving and
// caching one from slog.Default() if none has been set via SetLogger.
// Safe to call from multiple goroutines.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := newDefaultLogger()
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

func newDefaultLogger() *slog.Logger {
	return slog.Default().With("component", "sandboxrt")
}

// SetLogger replaces the package-level logger. A nil l resets to the
// default, re-derived on the next Logger() call.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	defaultLogger.Store(nil)
}
