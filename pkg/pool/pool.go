// Package pool implements the bounded instance pool: on-demand creation
// up to a ceiling, a semaphore as the sole admission control, a LIFO
// free list bucketed by compiled-handler fingerprint for warm reuse,
// and a parked set that holds instances suspended mid-handler without
// counting them as available or letting them be handed to a different
// caller. The design is grounded on a Kubernetes test-environment pool
// that pairs a counting semaphore with a generation-token release
// guard; the fingerprint buckets and parked set are this package's own
// addition, needed because a handler-execution pool (unlike a test
// environment pool) must track many interchangeable-but-currently-bound
// instances rather than one kind of resource.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/nxml-run/sandboxrt/pkg/instance"
	"github.com/nxml-run/sandboxrt/pkg/sentinel"
)

// ErrPoolClosed is returned by Acquire once Close has been called.
const ErrPoolClosed = sentinel.Error("pool: pool is closed")

// InstanceFactory creates an Instance for the given pool-local index. It
// encapsulates instance construction (engine.Module creation, ID
// assignment, releaser wiring), keeping Pool decoupled from those
// concerns the same way k8senv's InstanceFactory decouples Pool from
// process launching.
type InstanceFactory func(index int) (*instance.Instance, error)

// Fingerprint identifies the compiled handler an instance was last
// bound to, for warm-reuse bucketing in the free list.
type Fingerprint [32]byte

// Stats is a snapshot of the pool's bookkeeping, matching the
// created/destroyed/active/available/parked invariant: active +
// available + parked == created - destroyed.
type Stats struct {
	Created   int
	Destroyed int
	Active    int
	Available int
	Parked    int
}

// Pool is safe for concurrent use by multiple goroutines.
type Pool struct {
	mu sync.Mutex

	freeByFingerprint map[Fingerprint][]*instance.Instance
	acquired          map[string]*instance.Instance
	parked            map[string]*instance.Instance
	all               map[string]*instance.Instance

	nextIdx   int
	created   int
	destroyed int
	closed    bool

	factory InstanceFactory
	maxSize int

	sem       chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

// New creates a Pool that creates instances on demand via factory, up
// to maxSize concurrently acquired instances. maxSize must be positive:
// unlike k8senv's pool, an unbounded handler-execution pool would
// violate the memory_total ceiling invariant, so there is no
// maxSize-means-unlimited escape hatch here.
func New(factory InstanceFactory, maxSize int) *Pool {
	if factory == nil {
		panic("pool: New factory must not be nil")
	}
	if maxSize <= 0 {
		panic(fmt.Sprintf("pool: New maxSize must be positive, got %d", maxSize))
	}

	p := &Pool{
		freeByFingerprint: make(map[Fingerprint][]*instance.Instance),
		acquired:          make(map[string]*instance.Instance),
		parked:            make(map[string]*instance.Instance),
		all:               make(map[string]*instance.Instance),
		factory:           factory,
		maxSize:           maxSize,
		sem:               make(chan struct{}, maxSize),
		closeCh:           make(chan struct{}),
	}
	for i := 0; i < maxSize; i++ {
		p.sem <- struct{}{}
	}
	return p
}

// Acquire returns an instance last bound to fingerprint if one is free,
// otherwise any other free instance, otherwise a newly created one. It
// blocks until a semaphore slot is available, the pool closes, or ctx
// is cancelled.
func (p *Pool) Acquire(ctx context.Context, fingerprint Fingerprint) (*instance.Instance, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("pool: context done while waiting for instance: %w", err)
	}

	select {
	case <-p.sem:
	case <-p.closeCh:
		return nil, 0, ErrPoolClosed
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("pool: context done while waiting for instance: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.returnSlot()
		return nil, 0, ErrPoolClosed
	}

	if inst := p.popFree(fingerprint); inst != nil {
		p.acquired[inst.ID()] = inst
		p.mu.Unlock()
		return inst, inst.MarkAcquired(), nil
	}

	idx := p.nextIdx
	p.nextIdx++
	p.mu.Unlock()

	inst, err := p.factory(idx)
	if err != nil {
		p.returnSlot()
		return nil, 0, fmt.Errorf("pool: creating instance: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.returnSlot()
		_ = inst.Terminate(context.Background())
		return nil, 0, ErrPoolClosed
	}
	p.all[inst.ID()] = inst
	p.created++
	p.acquired[inst.ID()] = inst
	p.mu.Unlock()

	return inst, inst.MarkAcquired(), nil
}

// popFree removes and returns an instance from the free list, preferring
// one already bound to fingerprint; it must be called with p.mu held.
func (p *Pool) popFree(fingerprint Fingerprint) *instance.Instance {
	if bucket := p.freeByFingerprint[fingerprint]; len(bucket) > 0 {
		inst := bucket[len(bucket)-1]
		p.freeByFingerprint[fingerprint] = bucket[:len(bucket)-1]
		return inst
	}
	for fp, bucket := range p.freeByFingerprint {
		if len(bucket) == 0 {
			continue
		}
		inst := bucket[len(bucket)-1]
		p.freeByFingerprint[fp] = bucket[:len(bucket)-1]
		return inst
	}
	return nil
}

// Release returns inst to the free list under fingerprint (the handler
// it just ran), ready for warm reuse. token must be the value Acquire
// returned; a stale token panics, matching the double-release guard the
// generation-token pattern is grounded on.
func (p *Pool) Release(inst *instance.Instance, token uint64, fingerprint Fingerprint) {
	if !inst.TryRelease(token) {
		panic("pool: double-release of instance " + inst.ID())
	}

	p.mu.Lock()
	delete(p.acquired, inst.ID())
	delete(p.parked, inst.ID())
	if p.closed {
		p.mu.Unlock()
		p.destroyInstance(inst)
		return
	}
	p.freeByFingerprint[fingerprint] = append(p.freeByFingerprint[fingerprint], inst)
	p.mu.Unlock()

	p.returnSlot()
}

// ReleaseFailed permanently retires inst instead of returning it to the
// free list — used after a fatal trap or an invariant violation that
// makes the instance's state unsafe to reuse.
func (p *Pool) ReleaseFailed(inst *instance.Instance, token uint64) {
	if !inst.TryRelease(token) {
		panic("pool: double-release of instance " + inst.ID())
	}

	p.mu.Lock()
	delete(p.acquired, inst.ID())
	delete(p.parked, inst.ID())
	p.mu.Unlock()

	p.destroyInstance(inst)
}

func (p *Pool) destroyInstance(inst *instance.Instance) {
	_ = inst.Terminate(context.Background())
	p.mu.Lock()
	delete(p.all, inst.ID())
	p.destroyed++
	p.mu.Unlock()
	p.returnSlot()
}

// MarkParked moves an acquired instance into the parked set. The
// instance remains checked out — it still holds its semaphore slot and
// is not returned to the free list — it is simply excluded from the
// active count until MarkUnparked or a Release call.
func (p *Pool) MarkParked(inst *instance.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.acquired, inst.ID())
	p.parked[inst.ID()] = inst
}

// MarkUnparked moves inst back from the parked set into the active set,
// called once a suspension has been resolved and the handler is running
// again.
func (p *Pool) MarkUnparked(inst *instance.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.parked, inst.ID())
	p.acquired[inst.ID()] = inst
}

// Close marks the pool closed: subsequent Acquire calls fail and
// in-flight Releases destroy their instance instead of freeing it.
// Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.closeCh) })
}

// Shutdown closes the pool and terminates every instance it ever
// created, including ones still sitting in a free bucket.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Close()
	p.mu.Lock()
	remaining := make([]*instance.Instance, 0, len(p.all))
	for _, inst := range p.all {
		remaining = append(remaining, inst)
	}
	p.freeByFingerprint = map[Fingerprint][]*instance.Instance{}
	p.mu.Unlock()

	for _, inst := range remaining {
		_ = inst.Terminate(ctx)
	}

	p.mu.Lock()
	p.destroyed += len(remaining)
	p.all = map[string]*instance.Instance{}
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool's bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	available := 0
	for _, bucket := range p.freeByFingerprint {
		available += len(bucket)
	}
	return Stats{
		Created:   p.created,
		Destroyed: p.destroyed,
		Active:    len(p.acquired),
		Available: available,
		Parked:    len(p.parked),
	}
}

// MemoryTotalBytes sums MemoryUsedBytes across every live instance,
// including ones sitting idle in a free bucket — idle instances still
// hold their engine Module's linear memory until terminated.
func (p *Pool) MemoryTotalBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, inst := range p.all {
		total += inst.MemoryUsedBytes()
	}
	return total
}

func (p *Pool) returnSlot() {
	select {
	case p.sem <- struct{}{}:
	default:
		select {
		case <-p.closeCh:
		default:
			panic(fmt.Sprintf("pool: returnSlot: semaphore full during normal operation (maxSize=%d)", p.maxSize))
		}
	}
}
