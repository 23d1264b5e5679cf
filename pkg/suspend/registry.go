// Package suspend tracks in-flight extension-call suspensions so a later
// resume(id, resolution) call can find the parked goroutine waiting for
// it. IDs are drawn from a counter owned by the Registry and are never
// reused by it; pkg/runtime creates one Registry per Runtime, so IDs are
// unique across every instance and the pool of that Runtime.
package suspend

import (
	"sync"
	"sync/atomic"

	"github.com/nxml-run/sandboxrt/pkg/value"
)

// ResumeOutcome reports what happened when Resume was called.
type ResumeOutcome int

const (
	ResumeOK ResumeOutcome = iota
	ResumeAlreadyResumed
	ResumeUnknown
)

type pending struct {
	resolved atomic.Bool
	ch       chan value.Resolution
	cancelCh chan string
}

// Registry is safe for concurrent use. One Registry is shared by every
// instance in a runtime, since suspension IDs must be unique across the
// whole pool, not just within one instance.
type Registry struct {
	counter atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pending
}

func NewRegistry() *Registry {
	return &Registry{pending: map[uint64]*pending{}}
}

// Outcome is what a parked goroutine receives once Resume or Cancel
// delivers: either a host resolution, or a cancellation reason that must
// unwind the handler rather than be offered to script-level try/catch.
type Outcome struct {
	Resolution value.Resolution
	Cancelled  bool
	Reason     string
}

// Begin allocates a fresh suspension ID and returns it along with a wait
// function that blocks until Resume or Cancel delivers an outcome. The
// caller (abi.Host's Suspend implementation) calls wait from the
// goroutine that is about to park — that goroutine, and only that
// goroutine, may call wait for this id.
func (r *Registry) Begin() (id uint64, wait func() Outcome) {
	id = r.counter.Add(1)
	p := &pending{ch: make(chan value.Resolution, 1), cancelCh: make(chan string, 1)}
	r.mu.Lock()
	r.pending[id] = p
	r.mu.Unlock()
	return id, func() Outcome {
		select {
		case res := <-p.ch:
			return Outcome{Resolution: res}
		case reason := <-p.cancelCh:
			return Outcome{Cancelled: true, Reason: reason}
		}
	}
}

// Resume delivers res to the suspension identified by id. The first
// Resume for a given id wins; subsequent calls report
// ResumeAlreadyResumed, and calls against an id Begin never allocated
// (or one already Forgotten) report ResumeUnknown.
func (r *Registry) Resume(id uint64, res value.Resolution) ResumeOutcome {
	r.mu.Lock()
	p, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return ResumeUnknown
	}
	if !p.resolved.CompareAndSwap(false, true) {
		return ResumeAlreadyResumed
	}
	p.ch <- res
	return ResumeOK
}

// Cancel delivers a cancellation to the suspension identified by id,
// unwinding its parked goroutine without offering the handler a
// catchable resolution. Like Resume, the first delivery for a given id
// wins.
func (r *Registry) Cancel(id uint64, reason string) ResumeOutcome {
	r.mu.Lock()
	p, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return ResumeUnknown
	}
	if !p.resolved.CompareAndSwap(false, true) {
		return ResumeAlreadyResumed
	}
	p.cancelCh <- reason
	return ResumeOK
}

// Forget removes the bookkeeping for id once its waiter has consumed the
// resolution and the owning instance no longer needs "already resumed"
// detection for it. A Resume arriving after Forget reports
// ResumeUnknown rather than ResumeAlreadyResumed — by the time an
// instance forgets a suspension, the handler has already continued past
// it, so a late duplicate resume has nothing left to attach to.
func (r *Registry) Forget(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Pending reports how many suspensions are currently awaiting a resume,
// for metrics.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
