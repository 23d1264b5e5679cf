package runtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/nxml-run/sandboxrt/pkg/abi"
	"github.com/nxml-run/sandboxrt/pkg/config"
	"github.com/nxml-run/sandboxrt/pkg/engine"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxInstances:      4,
		MinInstances:      0,
		DefaultTimeoutMS:  1000,
		MaxHostCalls:      1000,
		MaxStateMutations: 256,
		MaxEvents:         256,
		MaxCacheEntries:   16,
		EngineVersionTag:  "test",
		MemoryLimitPages:  16,
		StackSizeBytes:    1 << 16,
	}
}

func newTestRuntime(t *testing.T, eng *engine.FakeEngine) *Runtime {
	t.Helper()
	r, err := New(context.Background(), testConfig(), eng)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { r.Shutdown(context.Background(), ShutdownHard) })
	return r
}

// S1 — synchronous success with effects.
func TestScenarioSynchronousSuccessWithEffects(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("s1", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		if err := table.StateSet("x", value.Int(1)); err != nil {
			return value.Null(), err
		}
		if err := table.Emit("toast", value.String("hi")); err != nil {
			return value.Null(), err
		}
		return value.Int(42), nil
	})
	r := newTestRuntime(t, eng)

	compiled, err := r.Compile(context.Background(), []byte("s1"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	callCtx := value.Context{
		HandlerName:   "s1",
		StateSnapshot: map[string]value.Value{"x": value.Int(0)},
	}
	result, err := r.Execute(context.Background(), compiled, callCtx, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != value.StatusSuccess {
		t.Fatalf("expected success, got %v (error=%+v)", result.Status, result.Error)
	}
	if !result.ReturnValue.Equal(value.Int(42)) {
		t.Fatalf("expected return value 42, got %+v", result.ReturnValue)
	}
	wantEffects := []value.Effect{
		value.NewStateMutation("x", value.StateSet, value.Int(1)),
		value.NewEvent("toast", value.String("hi")),
	}
	assertEffectsEqual(t, wantEffects, result.Effects)
}

// S2 — single suspension, then a successful resume.
func TestScenarioSingleSuspensionThenResume(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("s2", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		if err := table.StateSet("s", value.String("loading")); err != nil {
			return value.Null(), err
		}
		res, err := table.ExtSuspend("http", "get", []value.Value{value.String("u")})
		if err != nil {
			return value.Null(), err
		}
		status, _ := res.Value.Get("status")
		if err := table.StateSet("s", status); err != nil {
			return value.Null(), err
		}
		return status, nil
	})
	r := newTestRuntime(t, eng)

	compiled, err := r.Compile(context.Background(), []byte("s2"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	callCtx := value.Context{
		HandlerName:       "s2",
		StateSnapshot:     map[string]value.Value{},
		ExtensionRegistry: map[string][]string{"http": {"get"}},
	}
	first, err := r.Execute(context.Background(), compiled, callCtx, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first.Status != value.StatusSuspended {
		t.Fatalf("expected suspended, got %v (error=%+v)", first.Status, first.Error)
	}
	assertEffectsEqual(t, []value.Effect{value.NewStateMutation("s", value.StateSet, value.String("loading"))}, first.Effects)
	if first.Suspension == nil || first.Suspension.ExtensionName != "http" || first.Suspension.Method != "get" {
		t.Fatalf("unexpected suspension: %+v", first.Suspension)
	}

	resolution := value.Resolution{OK: true, Value: value.Mapping([]string{"status"}, []value.Value{value.String("ok")})}
	second, err := r.Resume(context.Background(), first.Suspension.SuspensionID, resolution)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if second.Status != value.StatusSuccess {
		t.Fatalf("expected success after resume, got %v (error=%+v)", second.Status, second.Error)
	}
	if !second.ReturnValue.Equal(value.String("ok")) {
		t.Fatalf("expected return value \"ok\", got %+v", second.ReturnValue)
	}
	assertEffectsEqual(t, []value.Effect{value.NewStateMutation("s", value.StateSet, value.String("ok"))}, second.Effects)
}

// S3 — suspension then an error resolution, both the caught and uncaught
// variant of the handler's try/catch around the extension call.
func TestScenarioSuspensionThenErrorResolution(t *testing.T) {
	register := func(eng *engine.FakeEngine, name string, caught bool) {
		eng.Register(name, func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
			res, err := table.ExtSuspend("http", "get", []value.Value{value.String("u")})
			if err != nil {
				return value.Null(), err
			}
			if !res.OK {
				if caught {
					return value.String("recovered"), nil
				}
				return value.Null(), fmt.Errorf("%s", res.Message)
			}
			return res.Value, nil
		})
	}

	t.Run("caught", func(t *testing.T) {
		eng := engine.NewFakeEngine()
		register(eng, "s3-caught", true)
		r := newTestRuntime(t, eng)
		compiled, err := r.Compile(context.Background(), []byte("s3-caught"))
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		callCtx := value.Context{HandlerName: "s3-caught", ExtensionRegistry: map[string][]string{"http": {"get"}}}
		first, err := r.Execute(context.Background(), compiled, callCtx, 0)
		if err != nil || first.Status != value.StatusSuspended {
			t.Fatalf("expected suspended, got %v err=%v", first.Status, err)
		}
		second, err := r.Resume(context.Background(), first.Suspension.SuspensionID, value.Resolution{OK: false, Message: "boom"})
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if second.Status != value.StatusSuccess || !second.ReturnValue.Equal(value.String("recovered")) {
			t.Fatalf("expected caught success, got %v %+v", second.Status, second.ReturnValue)
		}
	})

	t.Run("uncaught", func(t *testing.T) {
		eng := engine.NewFakeEngine()
		register(eng, "s3-uncaught", false)
		r := newTestRuntime(t, eng)
		compiled, err := r.Compile(context.Background(), []byte("s3-uncaught"))
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		callCtx := value.Context{HandlerName: "s3-uncaught", ExtensionRegistry: map[string][]string{"http": {"get"}}}
		first, err := r.Execute(context.Background(), compiled, callCtx, 0)
		if err != nil || first.Status != value.StatusSuspended {
			t.Fatalf("expected suspended, got %v err=%v", first.Status, err)
		}
		second, err := r.Resume(context.Background(), first.Suspension.SuspensionID, value.Resolution{OK: false, Message: "boom"})
		if second.Status != value.StatusError {
			t.Fatalf("expected error, got %v", second.Status)
		}
		execErr, ok := err.(*ExecutionError)
		if !ok {
			t.Fatalf("expected *ExecutionError, got %T (%v)", err, err)
		}
		if execErr.Message != "boom" {
			t.Fatalf("expected message 'boom', got %q", execErr.Message)
		}
	})
}

// S4 — timeout.
func TestScenarioTimeout(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("s4", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		n := int64(0)
		for {
			select {
			case <-ctx.Done():
				return value.Null(), ctx.Err()
			default:
			}
			n++
			if err := table.StateSet("n", value.Int(n)); err != nil {
				return value.Null(), err
			}
		}
	})
	r := newTestRuntime(t, eng)
	compiled, err := r.Compile(context.Background(), []byte("s4"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	before := r.pool.Stats()
	result, err := r.Execute(context.Background(), compiled, value.Context{HandlerName: "s4"}, 50)
	if result.Status != value.StatusError {
		t.Fatalf("expected error, got %v", result.Status)
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected *TimeoutError, got %T (%v)", err, err)
	}

	after := r.pool.Stats()
	if after.Active != before.Active {
		t.Fatalf("expected active count to return to baseline after the instance terminates, before=%d after=%d", before.Active, after.Active)
	}
	if after.Created-after.Destroyed != before.Created-before.Destroyed {
		t.Fatalf("expected the terminated instance's permit to be restored, not reused as available")
	}
}

// S5 — host-call ceiling.
func TestScenarioHostCallCeiling(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("s5", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		for i := 0; i < 100; i++ {
			if err := table.StateSet(fmt.Sprintf("k%d", i), value.Int(int64(i))); err != nil {
				return value.Null(), err
			}
		}
		return value.Null(), nil
	})
	cfg := testConfig()
	cfg.MaxHostCalls = 10
	r, err := New(context.Background(), cfg, eng)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { r.Shutdown(context.Background(), ShutdownHard) })

	compiled, err := r.Compile(context.Background(), []byte("s5"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, err := r.Execute(context.Background(), compiled, value.Context{HandlerName: "s5"}, 0)
	if result.Status != value.StatusError {
		t.Fatalf("expected error, got %v", result.Status)
	}
	rle, ok := err.(*ResourceLimitError)
	if !ok || rle.Kind != value.ResourceHostCalls {
		t.Fatalf("expected *ResourceLimitError{Kind: host-calls}, got %T (%v)", err, err)
	}
	if len(result.Effects) != 10 {
		t.Fatalf("expected exactly 10 effects, got %d", len(result.Effects))
	}
}

// S6 — cache behavior: two distinct sources, an LRU capacity of one,
// disk retention across in-memory eviction.
func TestScenarioCacheBehavior(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("A", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		return value.String("A"), nil
	})
	eng.Register("B", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		return value.String("B"), nil
	})
	cfg := testConfig()
	cfg.MaxCacheEntries = 1
	cfg.CompileCacheDir = t.TempDir()
	r, err := New(context.Background(), cfg, eng)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { r.Shutdown(context.Background(), ShutdownHard) })

	if _, err := r.Compile(context.Background(), []byte("A")); err != nil {
		t.Fatalf("compile A: %v", err)
	}
	if _, err := r.Compile(context.Background(), []byte("B")); err != nil {
		t.Fatalf("compile B: %v", err)
	}
	if _, err := r.Compile(context.Background(), []byte("A")); err != nil {
		t.Fatalf("compile A again: %v", err)
	}

	stats := r.compiler.Stats()
	if stats.Compiles != 2 {
		t.Fatalf("expected exactly 2 real compiles (A, B), got %+v", stats)
	}
	if stats.DiskHits != 1 {
		t.Fatalf("expected the second A to hit the disk tier, got %+v", stats)
	}
	if r.compiler.WarmCount() != 1 {
		t.Fatalf("expected the in-memory LRU to hold exactly 1 entry, got %d", r.compiler.WarmCount())
	}
}

func assertEffectsEqual(t *testing.T, want, got []value.Effect) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("effect count mismatch: want %d, got %d (%+v)", len(want), len(got), got)
	}
	for i := range want {
		if !want[i].Equal(got[i]) {
			t.Fatalf("effect %d mismatch: want %+v, got %+v", i, want[i], got[i])
		}
	}
}
