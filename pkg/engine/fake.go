package engine

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/nxml-run/sandboxrt/pkg/abi"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

// HandlerFunc is a pure-Go stand-in for compiled handler bytecode: it
// receives the Context and the bound Table (so it can exercise state,
// events, view commands, and suspension the same way real bytecode
// running under WazeroEngine would) and returns the handler's return
// value. FakeEngine lets pkg/instance, pkg/pool, and pkg/runtime be
// tested end to end without a real WASM module on disk.
type HandlerFunc func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error)

// FakeEngine is a ScriptEngine backed by a registry of HandlerFuncs
// keyed by handler source text, rather than an actual compiler. Register a handler before compiling its source.
type FakeEngine struct {
	bySource map[string]HandlerFunc
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{bySource: map[string]HandlerFunc{}}
}

// Register associates source (treated as an opaque handler identifier,
// not parsed) with the Go function that should run when that source is
// compiled and then invoked.
func (e *FakeEngine) Register(source string, fn HandlerFunc) {
	e.bySource[source] = fn
}

func (e *FakeEngine) CompileHandler(ctx context.Context, source []byte) (CompiledHandler, error) {
	if _, ok := e.bySource[string(source)]; !ok {
		return CompiledHandler{}, fmt.Errorf("engine: no fake handler registered for source %q", source)
	}
	return CompiledHandler{Fingerprint: sha256.Sum256(source), Bytecode: source}, nil
}

func (e *FakeEngine) NewInstance(ctx context.Context, limits Limits) (Module, error) {
	return &fakeModule{engine: e}, nil
}

func (e *FakeEngine) Close(ctx context.Context) error { return nil }

type fakeModule struct {
	engine     *FakeEngine
	memoryUsed uint64
}

func (m *fakeModule) Run(ctx context.Context, handler CompiledHandler, entry string, callCtx value.Context, table *abi.Table) (value.Value, error) {
	fn, ok := m.engine.bySource[string(handler.Bytecode)]
	if !ok {
		return value.Null(), fmt.Errorf("engine: no fake handler registered for bytecode")
	}
	m.memoryUsed = uint64(len(handler.Bytecode)) + 4096
	return fn(ctx, callCtx, table)
}

func (m *fakeModule) MemoryUsedBytes() uint64 { return m.memoryUsed }

func (m *fakeModule) Close(ctx context.Context) error { return nil }
