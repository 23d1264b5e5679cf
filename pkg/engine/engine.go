// Package engine binds pkg/abi's host dispatch table to a script engine
// that can actually run handler bytecode. The ScriptEngine interface lets
// the rest of the runtime (pkg/compiler, pkg/instance, pkg/pool) stay
// independent of wazero; WazeroEngine is the real binding, FakeEngine is
// a pure-Go stand-in used by tests that never touch a WASM bytecode blob.
package engine

import (
	"context"

	"github.com/nxml-run/sandboxrt/pkg/abi"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

// Limits carries the memory and stack ceilings from configuration to
// NewInstance. Wall-clock and call-count ceilings live in pkg/enforcer.
// Neither engine in this package applies these two: WazeroEngine records
// them on the module but sets no memory or stack limit, so linear memory
// is bounded only by the maximum the engine module itself declares.
type Limits struct {
	MemoryLimitPages uint32 // 64KiB pages; 0 means engine default
	StackSizeBytes   uint32 // 0 means engine default
}

// CompiledHandler is the opaque bytecode produced by compiling a
// handler's source against a particular script engine version. Two
// CompiledHandlers with the same Fingerprint are interchangeable; the
// Fingerprint is what pkg/compiler's cache keys on.
type CompiledHandler struct {
	Fingerprint [32]byte
	Bytecode    []byte
}

// ScriptEngine is the process-wide binding to one version of the
// sandboxed script engine: one bundled WASM module shared (compiled
// once) across every Instance it creates.
type ScriptEngine interface {
	// CompileHandler turns handler source into engine-internal bytecode.
	// It may transiently create and discard a Module to do so.
	CompileHandler(ctx context.Context, source []byte) (CompiledHandler, error)

	// NewInstance creates a fresh, independent Module bound to the given
	// limits. The Module is reused across many execute/resume calls for
	// the lifetime of a pooled instance.
	NewInstance(ctx context.Context, limits Limits) (Module, error)

	// Close releases the shared compiled module and any engine-wide
	// resources. Every Module created by this ScriptEngine must already
	// be closed.
	Close(ctx context.Context) error
}

// Module is one sandboxed execution unit: one wazero module instance (or
// the fake equivalent) with its own linear memory, bound for the
// duration of a single execute/resume call to a *abi.Table that
// dispatches host calls back into a specific pkg/instance.Instance.
type Module interface {
	// Run invokes the compiled handler's entry point and blocks until it
	// returns, traps, is cancelled via ctx, or the bound Table's
	// ExtSuspend call parks the goroutine — in which case Run does not
	// return until a later call unparks it by resolving the suspension.
	Run(ctx context.Context, handler CompiledHandler, entry string, callCtx value.Context, table *abi.Table) (value.Value, error)

	// MemoryUsedBytes reports the Module's current linear memory size,
	// for Pool.MemoryTotalBytes's memory accounting.
	MemoryUsedBytes() uint64

	// Close tears down the Module. Safe to call once; the owning
	// Instance is responsible for not calling Run afterward.
	Close(ctx context.Context) error
}
