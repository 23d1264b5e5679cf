package instance

import (
	"context"
	"testing"
	"time"

	"github.com/nxml-run/sandboxrt/pkg/abi"
	"github.com/nxml-run/sandboxrt/pkg/enforcer"
	"github.com/nxml-run/sandboxrt/pkg/engine"
	"github.com/nxml-run/sandboxrt/pkg/suspend"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

func newTestInstance(t *testing.T, eng *engine.FakeEngine) *Instance {
	t.Helper()
	module, err := eng.NewInstance(context.Background(), engine.Limits{})
	if err != nil {
		t.Fatalf("new engine instance: %v", err)
	}
	return New("inst-1", module, nil, suspend.NewRegistry())
}

func baseContext(state map[string]value.Value) value.Context {
	return value.Context{
		PanelID:           "p1",
		HandlerName:       "onClick",
		StateSnapshot:     state,
		Capabilities:      map[string]struct{}{"http": {}},
		ExtensionRegistry: map[string][]string{"http": {"get"}},
	}
}

func TestExecuteSuccessReturnsValueAndEffects(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("double", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		v, _, err := table.StateGet("x")
		if err != nil {
			return value.Null(), err
		}
		n, _ := v.AsInt()
		next := value.Int(n * 2)
		if err := table.StateSet("x", next); err != nil {
			return value.Null(), err
		}
		return next, nil
	})
	handler, err := eng.CompileHandler(context.Background(), []byte("double"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	inst := newTestInstance(t, eng)
	res := inst.Execute(context.Background(), handler, "onClick", baseContext(map[string]value.Value{"x": value.Int(3)}), Limits{
		Timeout: time.Second, MaxHostCalls: 10, MaxStateMutations: 10, MaxEvents: 10,
	})

	if res.Status != value.StatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if !res.ReturnValue.Equal(value.Int(6)) {
		t.Fatalf("expected 6, got %+v", res.ReturnValue)
	}
	if len(res.Effects) != 1 || res.Effects[0].Key != "x" {
		t.Fatalf("expected one state-mutation effect, got %+v", res.Effects)
	}
}

func TestExecuteSuspendThenResumeCompletes(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("fetch-then-store", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		res, callErr := table.ExtSuspend("http", "get", []value.Value{value.String("https://example.test")})
		if callErr != nil {
			return value.Null(), callErr
		}
		if err := table.StateSet("result", res.Value); err != nil {
			return value.Null(), err
		}
		return res.Value, nil
	})
	handler, err := eng.CompileHandler(context.Background(), []byte("fetch-then-store"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	inst := newTestInstance(t, eng)
	limits := Limits{Timeout: time.Second, MaxHostCalls: 10, MaxStateMutations: 10, MaxEvents: 10}
	res := inst.Execute(context.Background(), handler, "onClick", baseContext(nil), limits)

	if res.Status != value.StatusSuspended {
		t.Fatalf("expected suspended, got %+v", res)
	}
	if res.Suspension == nil || res.Suspension.ExtensionName != "http" || res.Suspension.Method != "get" {
		t.Fatalf("unexpected suspension: %+v", res.Suspension)
	}
	if !inst.IsParked() {
		t.Fatal("expected instance to be parked")
	}

	final := inst.Resume(context.Background(), res.Suspension.SuspensionID, value.Resolution{OK: true, Value: value.String("ok-body")}, limits)
	if final.Status != value.StatusSuccess {
		t.Fatalf("expected success after resume, got %+v", final)
	}
	if !final.ReturnValue.Equal(value.String("ok-body")) {
		t.Fatalf("expected ok-body, got %+v", final.ReturnValue)
	}
	if inst.IsParked() {
		t.Fatal("expected instance to no longer be parked")
	}
}

func TestResumeWithUnknownSuspensionID(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("noop", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		return value.Null(), nil
	})
	handler, _ := eng.CompileHandler(context.Background(), []byte("noop"))
	inst := newTestInstance(t, eng)

	res := inst.Resume(context.Background(), 42, value.Resolution{OK: true}, Limits{Timeout: time.Second})
	if res.Status != value.StatusError || res.Error == nil || res.Error.ResourceKind != value.ResourceUnknownSuspend {
		t.Fatalf("expected unknown-suspension error, got %+v", res)
	}
	_ = handler
}

func TestResumeIsIdempotent(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("suspend-once", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		res, callErr := table.ExtSuspend("http", "get", nil)
		if callErr != nil {
			return value.Null(), callErr
		}
		return res.Value, nil
	})
	handler, _ := eng.CompileHandler(context.Background(), []byte("suspend-once"))
	inst := newTestInstance(t, eng)
	limits := Limits{Timeout: time.Second, MaxHostCalls: 10}

	res := inst.Execute(context.Background(), handler, "onClick", baseContext(nil), limits)
	if res.Status != value.StatusSuspended {
		t.Fatalf("expected suspended, got %+v", res)
	}
	id := res.Suspension.SuspensionID

	first := inst.Resume(context.Background(), id, value.Resolution{OK: true, Value: value.Int(1)}, limits)
	if first.Status != value.StatusSuccess {
		t.Fatalf("expected success on first resume, got %+v", first)
	}

	second := inst.Resume(context.Background(), id, value.Resolution{OK: true, Value: value.Int(2)}, limits)
	if second.Status != value.StatusError || second.Error.ResourceKind != value.ResourceUnknownSuspend {
		t.Fatalf("expected unknown-suspension on duplicate resume after completion, got %+v", second)
	}
}

func TestHostCallCeilingSurfacesAsResourceLimitError(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("spin", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		for i := 0; i < 5; i++ {
			if _, _, err := table.StateGet("x"); err != nil {
				return value.Null(), err
			}
		}
		return value.Null(), nil
	})
	handler, _ := eng.CompileHandler(context.Background(), []byte("spin"))
	inst := newTestInstance(t, eng)

	res := inst.Execute(context.Background(), handler, "onClick", baseContext(nil), Limits{Timeout: time.Second, MaxHostCalls: 2})
	if res.Status != value.StatusError || res.Error == nil {
		t.Fatalf("expected resource-limit error, got %+v", res)
	}
	if res.Error.Kind != value.ErrorResourceLimit || res.Error.ResourceKind != string(enforcer.ErrHostCalls) {
		t.Fatalf("expected resource-limit/host-calls error, got %+v", res.Error)
	}
	if !inst.Terminated() {
		t.Fatal("expected instance to be terminated after an unrecoverable handler error")
	}
}
