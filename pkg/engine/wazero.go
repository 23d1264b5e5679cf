package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nxml-run/sandboxrt/pkg/abi"
	"github.com/nxml-run/sandboxrt/pkg/codec"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

const wasmPageSize = 65536

type tableCtxKey struct{}

func withTable(ctx context.Context, t *abi.Table) context.Context {
	return context.WithValue(ctx, tableCtxKey{}, t)
}

func tableFromCtx(ctx context.Context) *abi.Table {
	t, _ := ctx.Value(tableCtxKey{}).(*abi.Table)
	return t
}

// WazeroEngine is the wazero-backed ScriptEngine: one compiled script
// engine WASM module (the interpreter every handler's bytecode runs
// inside) shared across every Module it creates, plus the single "env"
// host module every Module shares. Per-call routing — which Table a
// given host call should dispatch to — travels through the
// context.Context passed to each exported function's Call, not through
// any module-local field, since the host module itself is instantiated
// exactly once per runtime and reused by every pooled instance.
type WazeroEngine struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// NewWazeroEngine compiles engineWASM (the bundled script-engine module)
// once and prepares the shared host module import surface.
func NewWazeroEngine(ctx context.Context, engineWASM []byte) (*WazeroEngine, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("engine: instantiate WASI: %w", err)
	}
	if err := registerHostModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	compiled, err := rt.CompileModule(ctx, engineWASM)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("engine: compile script engine module: %w", err)
	}
	return &WazeroEngine{runtime: rt, compiled: compiled}, nil
}

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

func (e *WazeroEngine) CompileHandler(ctx context.Context, source []byte) (CompiledHandler, error) {
	mod, err := e.NewInstance(ctx, Limits{})
	if err != nil {
		return CompiledHandler{}, err
	}
	defer mod.Close(ctx)
	wm := mod.(*wazeroModule)
	return wm.compile(ctx, source)
}

func (e *WazeroEngine) NewInstance(ctx context.Context, limits Limits) (Module, error) {
	// WithCloseOnContextDone makes this module's calls observe the
	// run-context's cancellation: the watchdog's interrupt cancels that
	// context, and wazero aborts the in-flight fn.Call instead of
	// running the handler's WASM to completion regardless of timeout.
	cfg := wazero.NewModuleConfig().WithName("")
	if limits.MemoryLimitPages > 0 {
		// wazero enforces the module's declared memory maximum rather
		// than a config knob; a handler module built against this
		// engine is expected to declare its max import/memory section
		// at or below this ceiling. The ceiling is still recorded here
		// so MemoryUsedBytes callers can reason about headroom.
		_ = limits.MemoryLimitPages
	}
	m, err := e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: instantiate module: %w", err)
	}
	return &wazeroModule{module: m, limits: limits}, nil
}

type wazeroModule struct {
	module wazeroapi.Module
	limits Limits
}

func (m *wazeroModule) compile(ctx context.Context, source []byte) (CompiledHandler, error) {
	fn := m.module.ExportedFunction("compile_handler")
	if fn == nil {
		return CompiledHandler{}, fmt.Errorf("engine: script engine module does not export compile_handler")
	}
	argPtr, argLen, err := writeGuestBuffer(ctx, m.module, source)
	if err != nil {
		return CompiledHandler{}, err
	}
	results, err := fn.Call(ctx, uint64(argPtr), uint64(argLen))
	if err != nil {
		return CompiledHandler{}, fmt.Errorf("engine: compile_handler trapped: %w", err)
	}
	if len(results) != 1 {
		return CompiledHandler{}, fmt.Errorf("engine: compile_handler returned %d results, expected 1", len(results))
	}
	bytecode, err := readPackedResult(m.module, results[0])
	if err != nil {
		return CompiledHandler{}, err
	}
	return CompiledHandler{Fingerprint: sha256.Sum256(bytecode), Bytecode: bytecode}, nil
}

func (m *wazeroModule) Run(ctx context.Context, handler CompiledHandler, entry string, callCtx value.Context, table *abi.Table) (value.Value, error) {
	fn := m.module.ExportedFunction(entry)
	if fn == nil {
		return value.Null(), fmt.Errorf("engine: handler module does not export %q", entry)
	}
	ctxBytes, err := codec.MarshalContext(callCtx)
	if err != nil {
		return value.Null(), fmt.Errorf("engine: marshal context: %w", err)
	}
	bcPtr, bcLen, err := writeGuestBuffer(ctx, m.module, handler.Bytecode)
	if err != nil {
		return value.Null(), err
	}
	ctxPtr, ctxLen, err := writeGuestBuffer(ctx, m.module, ctxBytes)
	if err != nil {
		return value.Null(), err
	}

	runCtx := withTable(ctx, table)
	results, err := fn.Call(runCtx, uint64(bcPtr), uint64(bcLen), uint64(ctxPtr), uint64(ctxLen))
	if err != nil {
		return value.Null(), fmt.Errorf("engine: handler trapped: %w", err)
	}
	if len(results) != 1 {
		return value.Null(), fmt.Errorf("engine: handler entry returned %d results, expected 1", len(results))
	}
	raw, err := readPackedResult(m.module, results[0])
	if err != nil {
		return value.Null(), err
	}
	var v value.Value
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return value.Null(), fmt.Errorf("engine: decode handler return value: %w", err)
	}
	return v, nil
}

func (m *wazeroModule) MemoryUsedBytes() uint64 {
	mem := m.module.Memory()
	if mem == nil {
		return 0
	}
	return uint64(mem.Size())
}

func (m *wazeroModule) Close(ctx context.Context) error {
	return m.module.Close(ctx)
}

// writeGuestBuffer asks the guest module to allocate len(data) bytes via
// its exported "alloc" function, then copies data into that region. The
// guest owns the memory it hands back; it is responsible for freeing it
// once the bound entry point has consumed it.
func writeGuestBuffer(ctx context.Context, mod wazeroapi.Module, data []byte) (uint32, uint32, error) {
	allocFn := mod.ExportedFunction("alloc")
	if allocFn == nil {
		return 0, 0, fmt.Errorf("engine: module does not export alloc")
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("engine: alloc call trapped: %w", err)
	}
	ptr := uint32(results[0])
	if len(data) > 0 && !mod.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("engine: failed writing %d bytes at offset %d", len(data), ptr)
	}
	return ptr, uint32(len(data)), nil
}

func readPackedResult(mod wazeroapi.Module, packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("engine: failed reading %d bytes at offset %d", length, ptr)
	}
	out := make([]byte, length)
	copy(out, buf)
	return out, nil
}

func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// writeEnvelope encodes the common [ok, payload-or-error] response shape
// every host call returns, writes it into the calling module's memory,
// and packs the result the way readPackedResult expects to unpack it.
func writeEnvelope(ctx context.Context, mod wazeroapi.Module, callErr *abi.CallError, encodeSuccess func(enc *msgpack.Encoder) error) uint64 {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	_ = enc.EncodeArrayLen(2)
	if callErr != nil {
		_ = enc.EncodeBool(false)
		_ = codec.EncodeErrorInfo(enc, &value.ErrorInfo{
			Kind:         callErr.Kind,
			ResourceKind: callErr.ResourceKind,
			Capability:   callErr.Capability,
			Message:      callErr.Message,
		})
	} else {
		_ = enc.EncodeBool(true)
		if encodeSuccess != nil {
			_ = encodeSuccess(enc)
		}
	}
	ptr, length, err := writeGuestBuffer(ctx, mod, buf.Bytes())
	if err != nil {
		return 0
	}
	return packPtrLen(ptr, length)
}

func readArgs(mod wazeroapi.Module, argPtr, argLen uint32) (*msgpack.Decoder, error) {
	buf, ok := mod.Memory().Read(argPtr, argLen)
	if !ok {
		return nil, fmt.Errorf("engine: failed reading %d argument bytes at offset %d", argLen, argPtr)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return msgpack.NewDecoder(bytes.NewReader(cp)), nil
}

// registerHostModule builds the "env" host module every Module shares:
// the state/event/view/log/time/extension ABI described in the
// component design, each following the same request/response shape as
// the FS/HTTP host calls it is grounded on, but dispatching to the
// *abi.Table bound to the current call via context rather than a
// closure over a single filesystem.
func registerHostModule(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder("env")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		key, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		v, found, callErr := tbl.StateGet(key)
		if callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, func(enc *msgpack.Encoder) error {
			if err := enc.EncodeBool(found); err != nil {
				return err
			}
			return enc.Encode(v)
		})
	}).Export("state_get")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		key, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		var v value.Value
		if derr := dec.Decode(&v); derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		if callErr := tbl.StateSet(key, v); callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, nil)
	}).Export("state_set")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		key, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		if callErr := tbl.StateDelete(key); callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, nil)
	}).Export("state_delete")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		key, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		has, callErr := tbl.StateHas(key)
		if callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, func(enc *msgpack.Encoder) error {
			return enc.EncodeBool(has)
		})
	}).Export("state_has")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		keys, callErr := tbl.StateKeys()
		if callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, func(enc *msgpack.Encoder) error {
			if err := enc.EncodeArrayLen(len(keys)); err != nil {
				return err
			}
			for _, k := range keys {
				if err := enc.EncodeString(k); err != nil {
					return err
				}
			}
			return nil
		})
	}).Export("state_keys")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		name, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		var payload value.Value
		if derr := dec.Decode(&payload); derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		if callErr := tbl.Emit(name, payload); callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, nil)
	}).Export("emit")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		kind, derr := dec.DecodeUint8()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		targetID, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		commandName, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		var args value.Value
		if derr := dec.Decode(&args); derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		if callErr := tbl.ViewCommand(value.ViewCommandKind(kind), targetID, commandName, args); callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, nil)
	}).Export("view_command")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		level, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		message, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		if callErr := tbl.Log(level, message); callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, nil)
	}).Export("log")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		now, callErr := tbl.Now()
		if callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, func(enc *msgpack.Encoder) error {
			return enc.EncodeInt64(now)
		})
	}).Export("time_now")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		name, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		exists, callErr := tbl.ExtExists(name)
		if callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, func(enc *msgpack.Encoder) error {
			return enc.EncodeBool(exists)
		})
	}).Export("ext_exists")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		name, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		methods, callErr := tbl.ExtMethods(name)
		if callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, func(enc *msgpack.Encoder) error {
			if err := enc.EncodeArrayLen(len(methods)); err != nil {
				return err
			}
			for _, mth := range methods {
				if err := enc.EncodeString(mth); err != nil {
					return err
				}
			}
			return nil
		})
	}).Export("ext_methods")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		names, callErr := tbl.ExtList()
		if callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, func(enc *msgpack.Encoder) error {
			if err := enc.EncodeArrayLen(len(names)); err != nil {
				return err
			}
			for _, n := range names {
				if err := enc.EncodeString(n); err != nil {
					return err
				}
			}
			return nil
		})
	}).Export("ext_list")

	builder = builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod wazeroapi.Module, argPtr, argLen uint32) uint64 {
		tbl := tableFromCtx(ctx)
		dec, derr := readArgs(mod, argPtr, argLen)
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		extension, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		method, derr := dec.DecodeString()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		argc, derr := dec.DecodeArrayLen()
		if derr != nil {
			return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
		}
		args := make([]value.Value, argc)
		for i := 0; i < argc; i++ {
			if derr := dec.Decode(&args[i]); derr != nil {
				return writeEnvelope(ctx, mod, &abi.CallError{Kind: value.ErrorExecution, Message: derr.Error()}, nil)
			}
		}
		// This call blocks the calling goroutine until the suspension
		// is resolved — the wasm call stays on the stack the whole
		// time, which is what lets resume continue execution in place
		// instead of re-entering the handler from its start.
		res, callErr := tbl.ExtSuspend(extension, method, args)
		if callErr != nil {
			return writeEnvelope(ctx, mod, callErr, nil)
		}
		return writeEnvelope(ctx, mod, nil, func(enc *msgpack.Encoder) error {
			return codec.EncodeResolution(enc, res)
		})
	}).Export("ext_suspend")

	_, err := builder.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("engine: instantiate host module: %w", err)
	}
	return nil
}
