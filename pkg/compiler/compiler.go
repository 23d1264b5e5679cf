// Package compiler turns handler source into a engine.CompiledHandler,
// fingerprinting it by content hash and caching the result in memory
// and on disk so repeated compiles of the same handler source are free.
// Concurrent compiles of the same not-yet-cached source are collapsed
// into a single underlying compile via singleflight, the way a
// Kubernetes test environment's VM pool collapses concurrent cold
// starts of the same function config into one creation attempt.
package compiler

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/nxml-run/sandboxrt/pkg/engine"
	"github.com/nxml-run/sandboxrt/pkg/fileutil"
)

// Fingerprint is the content hash of a handler's source bytes, shared
// with pkg/pool's warm-reuse bucketing.
type Fingerprint = [32]byte

// DiskCache persists compiled handlers under a directory keyed by
// fingerprint, so a process restart does not lose every warm compile.
// It is optional — Compiler works with a nil DiskCache, compiling fresh
// every time the in-memory cache misses.
type DiskCache struct {
	dir string
}

// NewDiskCache returns a DiskCache rooted at dir, creating it if needed.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("compiler: create disk cache dir: %w", err)
	}
	return &DiskCache{dir: dir}, nil
}

func (d *DiskCache) pathFor(fp Fingerprint) string {
	return filepath.Join(d.dir, hex.EncodeToString(fp[:])+".bytecode")
}

func (d *DiskCache) lockPathFor(fp Fingerprint) string {
	return filepath.Join(d.dir, hex.EncodeToString(fp[:])+".lock")
}

// Load reads a previously-written compiled handler's bytecode, taking a
// shared file lock so a concurrent Store from another process cannot be
// observed half-written.
func (d *DiskCache) Load(fp Fingerprint) ([]byte, bool, error) {
	lock := flock.New(d.lockPathFor(fp))
	locked, err := lock.TryRLock()
	if err != nil {
		return nil, false, fmt.Errorf("compiler: lock disk cache entry: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	defer lock.Unlock()

	data, err := os.ReadFile(d.pathFor(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("compiler: read disk cache entry: %w", err)
	}
	return data, true, nil
}

// Store writes a compiled handler's bytecode atomically (write to a
// temp file in the same directory, then rename) under an exclusive file
// lock, so two processes compiling the same fingerprint at once never
// produce a torn file.
func (d *DiskCache) Store(fp Fingerprint, bytecode []byte) error {
	lock := flock.New(d.lockPathFor(fp))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("compiler: lock disk cache entry: %w", err)
	}
	defer lock.Unlock()

	return fileutil.WriteFileAtomic(d.pathFor(fp), bytecode, 0o644)
}

type lruEntry struct {
	fingerprint Fingerprint
	handler     engine.CompiledHandler
}

// memLRU is a fixed-capacity, mutex-guarded LRU keyed by fingerprint.
// The retrieval pack carries no third-party LRU container, so this is
// the idiomatic stdlib container/list + map implementation in its
// place.
type memLRU struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[Fingerprint]*list.Element
}

func newMemLRU(capacity int) *memLRU {
	return &memLRU{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[Fingerprint]*list.Element),
	}
}

func (c *memLRU) get(fp Fingerprint) (engine.CompiledHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[fp]
	if !ok {
		return engine.CompiledHandler{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).handler, true
}

func (c *memLRU) put(fp Fingerprint, handler engine.CompiledHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[fp]; ok {
		el.Value.(*lruEntry).handler = handler
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{fingerprint: fp, handler: handler})
	c.index[fp] = el
	if c.capacity > 0 && c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*lruEntry).fingerprint)
		}
	}
}

func (c *memLRU) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats reports cache hit/miss counters for metrics scraping.
type Stats struct {
	MemoryHits   int64
	MemoryMisses int64
	DiskHits     int64
	DiskMisses   int64
	Compiles     int64
}

// Compiler fronts a engine.ScriptEngine with a two-tier cache: an
// in-memory LRU for hot reuse within this process, and an optional disk
// tier for warm reuse across process restarts. Concurrent requests for
// the same not-yet-cached fingerprint share one underlying compile.
type Compiler struct {
	engine       engine.ScriptEngine
	mem          *memLRU
	disk         *DiskCache
	group        singleflight.Group
	versionTag   string
	observeCache func(tier string, hit bool)

	mu    sync.Mutex
	stats Stats
}

// Option configures a Compiler at construction time.
type Option func(*Compiler)

// WithDiskCache enables the on-disk compiled-handler tier.
func WithDiskCache(d *DiskCache) Option {
	return func(c *Compiler) { c.disk = d }
}

// WithVersionTag mixes tag into every fingerprint this Compiler computes,
// so a change to the underlying script engine invalidates every cache
// entry (both tiers) without needing to clear the disk cache directory
// by hand.
func WithVersionTag(tag string) Option {
	return func(c *Compiler) { c.versionTag = tag }
}

// WithCacheObserver registers fn to be called on every cache-tier
// decision Compile makes, so a caller can mirror hit/miss counts into
// its own metrics without this package importing a metrics client.
func WithCacheObserver(fn func(tier string, hit bool)) Option {
	return func(c *Compiler) { c.observeCache = fn }
}

// New returns a Compiler backed by eng, with an in-memory LRU capped at
// memCapacity entries (0 means unbounded).
func New(eng engine.ScriptEngine, memCapacity int, opts ...Option) *Compiler {
	c := &Compiler{
		engine: eng,
		mem:    newMemLRU(memCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fingerprint256 hashes handler source the same way engine implementations
// fingerprint their compiled output, so callers can check cache
// membership without compiling.
func Fingerprint256(source []byte) Fingerprint {
	return sha256.Sum256(source)
}

// fingerprint hashes source together with the Compiler's version tag, if
// any, so recompiling against a new engine version never serves a stale
// cache entry produced by an older one.
func (c *Compiler) fingerprint(source []byte) Fingerprint {
	if c.versionTag == "" {
		return Fingerprint256(source)
	}
	h := sha256.New()
	h.Write([]byte(c.versionTag))
	h.Write([]byte{0})
	h.Write(source)
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Compile returns the CompiledHandler for source, serving it from the
// in-memory cache, then the disk cache, then falling back to a real
// compile through the underlying engine. The result is stored in both
// cache tiers before returning.
func (c *Compiler) Compile(ctx context.Context, source []byte) (engine.CompiledHandler, error) {
	fp := c.fingerprint(source)

	if h, ok := c.mem.get(fp); ok {
		c.recordHit(&c.stats.MemoryHits)
		c.observe("memory", true)
		return h, nil
	}
	c.recordHit(&c.stats.MemoryMisses)
	c.observe("memory", false)

	if c.disk != nil {
		if bytecode, ok, err := c.disk.Load(fp); err != nil {
			return engine.CompiledHandler{}, err
		} else if ok {
			c.recordHit(&c.stats.DiskHits)
			c.observe("disk", true)
			h := engine.CompiledHandler{Fingerprint: sha256.Sum256(bytecode), Bytecode: bytecode}
			c.mem.put(fp, h)
			return h, nil
		}
		c.recordHit(&c.stats.DiskMisses)
		c.observe("disk", false)
	}

	key := hex.EncodeToString(fp[:])
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.recordHit(&c.stats.Compiles)
		h, err := c.engine.CompileHandler(ctx, source)
		if err != nil {
			return engine.CompiledHandler{}, fmt.Errorf("compiler: compile handler: %w", err)
		}
		c.mem.put(fp, h)
		if c.disk != nil {
			if storeErr := c.disk.Store(fp, h.Bytecode); storeErr != nil {
				return engine.CompiledHandler{}, storeErr
			}
		}
		return h, nil
	})
	if err != nil {
		return engine.CompiledHandler{}, err
	}
	return result.(engine.CompiledHandler), nil
}

func (c *Compiler) recordHit(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

func (c *Compiler) observe(tier string, hit bool) {
	if c.observeCache != nil {
		c.observeCache(tier, hit)
	}
}

// Stats returns a snapshot of cache hit/miss counters.
func (c *Compiler) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// WarmCount reports how many entries currently sit in the in-memory LRU.
func (c *Compiler) WarmCount() int {
	return c.mem.len()
}
