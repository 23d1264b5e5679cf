package compiler

import (
	"context"
	"sync"
	"testing"

	"github.com/nxml-run/sandboxrt/pkg/abi"
	"github.com/nxml-run/sandboxrt/pkg/engine"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

func newFakeEngineWithHandler(source string) *engine.FakeEngine {
	eng := engine.NewFakeEngine()
	eng.Register(source, func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		return value.String(source), nil
	})
	return eng
}

func TestCompileCachesInMemory(t *testing.T) {
	eng := newFakeEngineWithHandler("hello")
	c := New(eng, 8)

	h1, err := c.Compile(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	h2, err := c.Compile(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("compile (cached): %v", err)
	}
	if h1.Fingerprint != h2.Fingerprint {
		t.Fatalf("expected identical fingerprints, got %x vs %x", h1.Fingerprint, h2.Fingerprint)
	}

	stats := c.Stats()
	if stats.Compiles != 1 {
		t.Fatalf("expected exactly one real compile, got %+v", stats)
	}
	if stats.MemoryHits != 1 || stats.MemoryMisses != 1 {
		t.Fatalf("expected one mem hit and one mem miss, got %+v", stats)
	}
}

func TestConcurrentCompilesOfSameSourceCollapse(t *testing.T) {
	eng := newFakeEngineWithHandler("spin")
	c := New(eng, 8)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.Compile(context.Background(), []byte("spin")); err != nil {
				t.Errorf("compile: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := c.Stats().Compiles; got != 1 {
		t.Fatalf("expected concurrent compiles of the same source to collapse into 1, got %d", got)
	}
}

func TestCompileFallsBackToDiskCacheInFreshCompiler(t *testing.T) {
	eng := newFakeEngineWithHandler("persisted")
	disk, err := NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatalf("new disk cache: %v", err)
	}

	c1 := New(eng, 8, WithDiskCache(disk))
	if _, err := c1.Compile(context.Background(), []byte("persisted")); err != nil {
		t.Fatalf("compile: %v", err)
	}

	// A second Compiler instance, simulating a fresh process with an
	// empty in-memory cache but the same disk cache directory.
	c2 := New(eng, 8, WithDiskCache(disk))
	if _, err := c2.Compile(context.Background(), []byte("persisted")); err != nil {
		t.Fatalf("compile via disk cache: %v", err)
	}

	if got := c2.Stats().DiskHits; got != 1 {
		t.Fatalf("expected a disk cache hit, got stats %+v", c2.Stats())
	}
	if got := c2.Stats().Compiles; got != 0 {
		t.Fatalf("expected no real compile when the disk cache already had the entry, got %+v", c2.Stats())
	}
}

func TestDistinctSourcesGetDistinctFingerprints(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.Register("a", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		return value.Null(), nil
	})
	eng.Register("b", func(ctx context.Context, callCtx value.Context, table *abi.Table) (value.Value, error) {
		return value.Null(), nil
	})
	c := New(eng, 8)

	ha, err := c.Compile(context.Background(), []byte("a"))
	if err != nil {
		t.Fatalf("compile a: %v", err)
	}
	hb, err := c.Compile(context.Background(), []byte("b"))
	if err != nil {
		t.Fatalf("compile b: %v", err)
	}
	if ha.Fingerprint == hb.Fingerprint {
		t.Fatal("expected distinct fingerprints for distinct sources")
	}
}

func TestVersionTagSeparatesCacheEntries(t *testing.T) {
	eng := newFakeEngineWithHandler("shared")
	disk, err := NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatalf("new disk cache: %v", err)
	}

	v1 := New(eng, 8, WithDiskCache(disk), WithVersionTag("v1"))
	if _, err := v1.Compile(context.Background(), []byte("shared")); err != nil {
		t.Fatalf("compile under v1: %v", err)
	}

	v2 := New(eng, 8, WithDiskCache(disk), WithVersionTag("v2"))
	if _, err := v2.Compile(context.Background(), []byte("shared")); err != nil {
		t.Fatalf("compile under v2: %v", err)
	}

	if got := v2.Stats().Compiles; got != 1 {
		t.Fatalf("expected v2 to miss v1's cache entries and compile fresh, got %+v", v2.Stats())
	}
}

func TestMemLRUEvictsOldestBeyondCapacity(t *testing.T) {
	c := newMemLRU(2)
	c.put([32]byte{1}, engine.CompiledHandler{Fingerprint: [32]byte{1}})
	c.put([32]byte{2}, engine.CompiledHandler{Fingerprint: [32]byte{2}})
	c.put([32]byte{3}, engine.CompiledHandler{Fingerprint: [32]byte{3}})

	if _, ok := c.get([32]byte{1}); ok {
		t.Fatal("expected the least-recently-used entry to be evicted")
	}
	if _, ok := c.get([32]byte{3}); !ok {
		t.Fatal("expected the most recently inserted entry to remain")
	}
}
