package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nxml-run/sandboxrt/pkg/engine"
	"github.com/nxml-run/sandboxrt/pkg/instance"
	"github.com/nxml-run/sandboxrt/pkg/suspend"
)

func newTestFactory(t *testing.T, eng *engine.FakeEngine) InstanceFactory {
	t.Helper()
	suspends := suspend.NewRegistry()
	return func(idx int) (*instance.Instance, error) {
		mod, err := eng.NewInstance(context.Background(), engine.Limits{})
		if err != nil {
			return nil, err
		}
		return instance.New(fmt.Sprintf("inst-%d", idx), mod, nil, suspends), nil
	}
}

func TestAcquireCreatesUpToMaxSize(t *testing.T) {
	eng := engine.NewFakeEngine()
	p := New(newTestFactory(t, eng), 2)

	inst1, tok1, err := p.Acquire(context.Background(), Fingerprint{1})
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	inst2, tok2, err := p.Acquire(context.Background(), Fingerprint{1})
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if inst1.ID() == inst2.ID() {
		t.Fatal("expected two distinct instances")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := p.Acquire(ctx, Fingerprint{1}); err == nil {
		t.Fatal("expected third acquire to block and time out at maxSize=2")
	}

	p.Release(inst1, tok1, Fingerprint{1})
	p.Release(inst2, tok2, Fingerprint{1})

	stats := p.Stats()
	if stats.Created != 2 || stats.Available != 2 || stats.Active != 0 {
		t.Fatalf("unexpected stats after release: %+v", stats)
	}
}

func TestReleaseReusesWarmInstanceForSameFingerprint(t *testing.T) {
	eng := engine.NewFakeEngine()
	p := New(newTestFactory(t, eng), 2)
	fpA := Fingerprint{0xA}

	inst1, tok1, _ := p.Acquire(context.Background(), fpA)
	p.Release(inst1, tok1, fpA)

	inst2, _, err := p.Acquire(context.Background(), fpA)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if inst2.ID() != inst1.ID() {
		t.Fatalf("expected warm reuse of %s, got %s", inst1.ID(), inst2.ID())
	}
}

func TestAcquireFallsBackToOtherFingerprintBucket(t *testing.T) {
	eng := engine.NewFakeEngine()
	p := New(newTestFactory(t, eng), 1)
	fpA, fpB := Fingerprint{0xA}, Fingerprint{0xB}

	inst1, tok1, _ := p.Acquire(context.Background(), fpA)
	p.Release(inst1, tok1, fpA)

	inst2, _, err := p.Acquire(context.Background(), fpB)
	if err != nil {
		t.Fatalf("acquire under different fingerprint: %v", err)
	}
	if inst2.ID() != inst1.ID() {
		t.Fatalf("expected the only instance to be reused across fingerprints, got %s vs %s", inst1.ID(), inst2.ID())
	}
}

func TestMarkParkedExcludesFromActiveCount(t *testing.T) {
	eng := engine.NewFakeEngine()
	p := New(newTestFactory(t, eng), 1)
	fp := Fingerprint{1}

	inst, tok, _ := p.Acquire(context.Background(), fp)
	if stats := p.Stats(); stats.Active != 1 || stats.Parked != 0 {
		t.Fatalf("expected active=1 parked=0, got %+v", stats)
	}

	p.MarkParked(inst)
	if stats := p.Stats(); stats.Active != 0 || stats.Parked != 1 {
		t.Fatalf("expected active=0 parked=1 after park, got %+v", stats)
	}

	p.MarkUnparked(inst)
	if stats := p.Stats(); stats.Active != 1 || stats.Parked != 0 {
		t.Fatalf("expected active=1 parked=0 after unpark, got %+v", stats)
	}

	p.Release(inst, tok, fp)
}

func TestReleaseFailedDestroysInstanceAndFreesSlot(t *testing.T) {
	eng := engine.NewFakeEngine()
	p := New(newTestFactory(t, eng), 1)
	fp := Fingerprint{1}

	inst, tok, _ := p.Acquire(context.Background(), fp)
	p.ReleaseFailed(inst, tok)

	stats := p.Stats()
	if stats.Destroyed != 1 || stats.Available != 0 {
		t.Fatalf("expected destroyed=1 available=0, got %+v", stats)
	}

	inst2, _, err := p.Acquire(context.Background(), fp)
	if err != nil {
		t.Fatalf("expected the freed slot to be reusable, got %v", err)
	}
	if inst2.ID() == inst.ID() {
		t.Fatal("expected a freshly created instance, not the destroyed one")
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	eng := engine.NewFakeEngine()
	p := New(newTestFactory(t, eng), 1)
	fp := Fingerprint{1}

	inst, tok, _ := p.Acquire(context.Background(), fp)
	p.Release(inst, tok, fp)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a double release to panic")
		}
	}()
	p.Release(inst, tok, fp)
}

func TestAcquireAfterCloseFails(t *testing.T) {
	eng := engine.NewFakeEngine()
	p := New(newTestFactory(t, eng), 1)
	p.Close()

	if _, _, err := p.Acquire(context.Background(), Fingerprint{1}); err == nil {
		t.Fatal("expected acquire on a closed pool to fail")
	}
}

func TestShutdownTerminatesFreeInstances(t *testing.T) {
	eng := engine.NewFakeEngine()
	p := New(newTestFactory(t, eng), 1)
	fp := Fingerprint{1}

	inst, tok, _ := p.Acquire(context.Background(), fp)
	p.Release(inst, tok, fp)

	p.Shutdown(context.Background())
	stats := p.Stats()
	if stats.Available != 0 || stats.Destroyed != 1 {
		t.Fatalf("expected shutdown to destroy the free instance, got %+v", stats)
	}
}
