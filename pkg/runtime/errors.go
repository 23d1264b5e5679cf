package runtime

import (
	"fmt"

	"github.com/nxml-run/sandboxrt/pkg/sentinel"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

// These sentinels let a caller use errors.Is against a whole error
// class without caring which typed wrapper carried it — e.g.
// errors.Is(err, runtime.ErrTimeout) matches any *TimeoutError.
const (
	ErrCompile          = sentinel.Error("runtime: compile error")
	ErrTimeout          = sentinel.Error("runtime: timeout")
	ErrMemoryLimit      = sentinel.Error("runtime: memory limit")
	ErrResourceLimit    = sentinel.Error("runtime: resource limit")
	ErrPermissionDenied = sentinel.Error("runtime: permission denied")
	ErrExecution        = sentinel.Error("runtime: execution error")
	ErrCancelled        = sentinel.Error("runtime: cancelled")
	ErrFatal            = sentinel.Error("runtime: fatal")
)

// CompileError is returned by Runtime.Compile. It never originates from
// Execute or Resume — compilation failures surface immediately to the
// caller of Compile and leave no cache entry.
type CompileError struct {
	SourceLocation string
	Message        string
}

func (e *CompileError) Error() string {
	if e.SourceLocation == "" {
		return "compile error: " + e.Message
	}
	return fmt.Sprintf("compile error at %s: %s", e.SourceLocation, e.Message)
}
func (e *CompileError) Unwrap() error { return ErrCompile }

// TimeoutError reports a wall-clock budget exceeded during Execute or
// Resume.
type TimeoutError struct{ Message string }

func (e *TimeoutError) Error() string { return "timeout: " + e.Message }
func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// MemoryLimitError reports a per-instance linear memory ceiling hit.
type MemoryLimitError struct{ Message string }

func (e *MemoryLimitError) Error() string { return "memory limit exceeded: " + e.Message }
func (e *MemoryLimitError) Unwrap() error { return ErrMemoryLimit }

// ResourceLimitError reports a host-calls, state-mutations, events,
// unknown-suspension, or already-resumed ceiling violation. Kind names
// which one.
type ResourceLimitError struct {
	Kind    string
	Message string
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("resource limit exceeded (%s): %s", e.Kind, e.Message)
}
func (e *ResourceLimitError) Unwrap() error { return ErrResourceLimit }

// PermissionDeniedError reports a handler invoking an extension method
// it was not granted.
type PermissionDeniedError struct {
	Capability string
	Message    string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied (%s): %s", e.Capability, e.Message)
}
func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// ExecutionError reports an uncaught exception raised inside the script
// itself — the one member of the taxonomy a script's own try/catch can
// intercept before it ever reaches this wrapper.
type ExecutionError struct {
	Message       string
	ScriptStack   string
	SourceSnippet string
}

func (e *ExecutionError) Error() string { return "execution error: " + e.Message }
func (e *ExecutionError) Unwrap() error { return ErrExecution }

// CancelledError reports a host-initiated cancel or a runtime shutdown
// unwinding a parked instance.
type CancelledError struct{ Reason string }

func (e *CancelledError) Error() string { return "cancelled: " + e.Reason }
func (e *CancelledError) Unwrap() error { return ErrCancelled }

// FatalError reports the runtime being unable to continue at all —
// Reason is either "shutting-down" or "invariant".
type FatalError struct {
	Reason  string
	Message string
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal (%s): %s", e.Reason, e.Message) }
func (e *FatalError) Unwrap() error { return ErrFatal }

// errorFromInfo converts a value.ErrorInfo produced by pkg/instance into
// the typed wrapper the embedding API exposes, preserving every field
// the taxonomy defines for that kind.
func errorFromInfo(info *value.ErrorInfo) error {
	switch info.Kind {
	case value.ErrorCompile:
		return &CompileError{SourceLocation: info.SourceLocation, Message: info.Message}
	case value.ErrorTimeout:
		return &TimeoutError{Message: info.Message}
	case value.ErrorMemoryLimit:
		return &MemoryLimitError{Message: info.Message}
	case value.ErrorResourceLimit:
		return &ResourceLimitError{Kind: info.ResourceKind, Message: info.Message}
	case value.ErrorPermissionDenied:
		return &PermissionDeniedError{Capability: info.Capability, Message: info.Message}
	case value.ErrorExecution:
		return &ExecutionError{Message: info.Message, ScriptStack: info.ScriptStack, SourceSnippet: info.SourceSnippet}
	case value.ErrorCancelled:
		return &CancelledError{Reason: info.Reason}
	case value.ErrorFatal:
		return &FatalError{Reason: info.Reason, Message: info.Message}
	default:
		return fmt.Errorf("runtime: unrecognized error kind %q: %s", info.Kind, info.Message)
	}
}
