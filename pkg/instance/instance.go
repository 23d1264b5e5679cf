// Package instance implements the single sandboxed execution unit: one
// bound script engine Module plus the per-call working state, effect
// buffer, and suspension bookkeeping that back the abi.Host interface.
// An Instance is owned by exactly one caller at a time — Execute and
// Resume are not safe to call concurrently on the same Instance — which
// pkg/pool enforces via its semaphore and generation-token guard.
package instance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nxml-run/sandboxrt/pkg/abi"
	"github.com/nxml-run/sandboxrt/pkg/enforcer"
	"github.com/nxml-run/sandboxrt/pkg/engine"
	"github.com/nxml-run/sandboxrt/pkg/suspend"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

// Releaser is how an Instance hands itself back to (or asks to be
// dropped from) its owning pool, without Instance needing to import
// pkg/pool. The token is the generation value from MarkAcquired and is
// threaded through so a stale release — one that races a later
// Acquire of the same slot — is rejected rather than silently
// corrupting the free list.
type Releaser interface {
	ReleaseToPool(i *Instance, token uint64) bool
	ReleaseFailed(i *Instance, token uint64)
}

// Limits bounds a single Execute or Resume call's resource consumption.
type Limits struct {
	Timeout           time.Duration
	MaxHostCalls      int
	MaxStateMutations int
	MaxEvents         int
}

func (l Limits) toEnforcerLimits() enforcer.Limits {
	return enforcer.Limits{
		TimeoutMS:         l.Timeout.Milliseconds(),
		MaxHostCalls:      l.MaxHostCalls,
		MaxStateMutations: l.MaxStateMutations,
		MaxEvents:         l.MaxEvents,
	}
}

type runOutcome struct {
	value value.Value
	err   error
}

// Instance wraps one engine.Module with the state/effect bookkeeping the
// ABI dispatch table needs. gen follows the giantswarm-k8senv
// odd-acquired/even-free convention: Acquire/Release are driven entirely
// by the owning Pool, not by Instance itself, but Instance carries the
// counter so Pool's release path has somewhere to CAS against.
type Instance struct {
	id     string
	module engine.Module

	releaser Releaser
	suspends *suspend.Registry

	// set fresh at the top of every Execute/Resume call; read only by the
	// background goroutine the call spawns, which is the only other
	// concurrent actor while a call is in flight.
	workingState      map[string]value.Value
	capabilities      map[string]struct{}
	extensionRegistry map[string][]string
	effects           []value.Effect

	// parkedSuspension is non-nil only while a goroutine spawned by
	// Execute/Resume is blocked inside ExtSuspend waiting on resume.
	parkedSuspension *value.Suspension
	parkedID         uint64
	activeCounters   *enforcer.Counters
	runCancel        context.CancelFunc
	doneCh           chan runOutcome
	suspendedCh      chan *value.Suspension

	terminated bool

	// gen is a generation token following the odd-acquired/even-free
	// convention: MarkAcquired/TryRelease let a Pool detect a stale
	// release racing a later acquire of the same instance rather than
	// silently corrupting its free list.
	gen atomic.Uint64
}

// New wraps module as a fresh, idle Instance. id should be unique
// within the owning pool for logging and metrics labeling.
func New(id string, module engine.Module, releaser Releaser, suspends *suspend.Registry) *Instance {
	return &Instance{
		id:       id,
		module:   module,
		releaser: releaser,
		suspends: suspends,
	}
}

func (i *Instance) ID() string { return i.id }

// MemoryUsedBytes reports the Module's current linear memory footprint.
func (i *Instance) MemoryUsedBytes() uint64 {
	return i.module.MemoryUsedBytes()
}

// IsParked reports whether a suspension is currently awaiting resume.
func (i *Instance) IsParked() bool {
	return i.parkedSuspension != nil
}

// Terminated reports whether this instance has been permanently retired
// (after a fatal trap or a resource-limit violation that makes its
// state unsafe to reuse).
func (i *Instance) Terminated() bool {
	return i.terminated
}

func (i *Instance) resetForCall(callCtx value.Context) {
	i.workingState = cloneValueMap(callCtx.StateSnapshot)
	i.capabilities = callCtx.Capabilities
	i.extensionRegistry = callCtx.ExtensionRegistry
	i.effects = nil
}

func cloneValueMap(m map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Execute runs entry against handler with callCtx, blocking until the
// handler completes, traps, times out, or suspends on an extension call.
// A suspension is reported as value.StatusSuspended without waiting for
// the handler to finish — the handler keeps running on a background
// goroutine, parked inside ExtSuspend, until a matching Resume call
// arrives.
func (i *Instance) Execute(ctx context.Context, handler engine.CompiledHandler, entry string, callCtx value.Context, limits Limits) value.Result {
	if i.terminated {
		return fatalResult(value.FatalInvariant, "instance already terminated")
	}
	if i.IsParked() {
		return fatalResult(value.FatalInvariant, "instance already has a suspension in flight")
	}

	i.resetForCall(callCtx)
	counters := enforcer.NewCounters(limits.toEnforcerLimits())
	table := abi.NewTable(i, counters)

	runCtx, cancel := context.WithCancel(ctx)
	i.runCancel = cancel
	watchdog := enforcer.Arm(limits.Timeout, cancel)

	i.doneCh = make(chan runOutcome, 1)
	i.suspendedCh = make(chan *value.Suspension, 1)

	start := time.Now()
	go func() {
		v, err := i.module.Run(runCtx, handler, entry, callCtx, table)
		i.doneCh <- runOutcome{value: v, err: err}
	}()

	return i.awaitOutcome(start, watchdog, counters)
}

// Resume delivers resolution to the suspension identified by
// suspensionID, letting the parked goroutine continue. It blocks until
// the handler reaches its next suspension or completes.
func (i *Instance) Resume(ctx context.Context, suspensionID uint64, resolution value.Resolution, limits Limits) value.Result {
	if i.terminated {
		return fatalResult(value.FatalInvariant, "instance already terminated")
	}
	if !i.IsParked() || i.parkedID != suspensionID {
		return resourceLimitResult(value.ResourceUnknownSuspend, "unknown suspension id")
	}

	switch i.suspends.Resume(suspensionID, resolution) {
	case suspend.ResumeUnknown:
		return resourceLimitResult(value.ResourceUnknownSuspend, "unknown suspension id")
	case suspend.ResumeAlreadyResumed:
		return resourceLimitResult(value.ResourceAlreadyResumed, "suspension already resumed")
	}

	i.suspends.Forget(suspensionID)
	i.parkedSuspension = nil
	i.parkedID = 0

	counters := i.activeCounters
	watchdog := enforcer.Arm(limits.Timeout, i.runCancel)

	start := time.Now()
	return i.awaitOutcome(start, watchdog, counters)
}

// awaitOutcome is shared by Execute and Resume: both spawn (or have
// already spawned) a goroutine running the handler and then wait for
// either that goroutine to finish or for it to park on a new
// suspension. The watchdog is disarmed the instant either happens,
// since parked time must never count against the wall-clock budget.
// The run's context is only ever cancelled by the watchdog firing or by
// this function once the handler has returned for good — never merely
// because this particular span of waiting ended, since a suspended span
// leaves the same goroutine running toward a future Resume.
func (i *Instance) awaitOutcome(start time.Time, watchdog *enforcer.Watchdog, counters *enforcer.Counters) value.Result {
	select {
	case outcome := <-i.doneCh:
		watchdog.Disarm()
		i.runCancel()
		return i.finish(outcome, start, counters, watchdog)
	case susp := <-i.suspendedCh:
		watchdog.Disarm()
		i.parkedSuspension = susp
		i.parkedID = susp.SuspensionID
		i.activeCounters = counters
		// The effects produced so far are delivered with the suspension,
		// so the buffer starts empty for the span after the resume.
		effects := i.effects
		i.effects = nil
		return value.Result{
			Status:     value.StatusSuspended,
			Effects:    effects,
			Suspension: susp,
			Metrics:    i.metricsFor(counters, time.Since(start)),
		}
	}
}

func (i *Instance) finish(outcome runOutcome, start time.Time, counters *enforcer.Counters, watchdog *enforcer.Watchdog) value.Result {
	metrics := i.metricsFor(counters, time.Since(start))
	if outcome.err != nil {
		if watchdog.Fired() {
			i.terminated = true
			return value.Result{Status: value.StatusError, Effects: i.effects, Metrics: metrics, Error: &value.ErrorInfo{
				Kind:    value.ErrorTimeout,
				Message: outcome.err.Error(),
			}}
		}
		i.terminated = true
		if callErr, ok := outcome.err.(*abi.CallError); ok {
			return value.Result{Status: value.StatusError, Effects: i.effects, Metrics: metrics, Error: &value.ErrorInfo{
				Kind:         callErr.Kind,
				ResourceKind: callErr.ResourceKind,
				Capability:   callErr.Capability,
				Message:      callErr.Message,
				Reason:       callErr.Reason,
			}}
		}
		return value.Result{Status: value.StatusError, Effects: i.effects, Metrics: metrics, Error: &value.ErrorInfo{
			Kind:    value.ErrorExecution,
			Message: outcome.err.Error(),
		}}
	}
	return value.Result{Status: value.StatusSuccess, ReturnValue: outcome.value, Effects: i.effects, Metrics: metrics}
}

func (i *Instance) metricsFor(counters *enforcer.Counters, dur time.Duration) value.Metrics {
	return value.Metrics{
		HostCalls:       counters.HostCalls(),
		StateMutations:  counters.StateMutations(),
		Events:          counters.Events(),
		DurationMicros:  dur.Microseconds(),
		HostCallsByName: counters.ByName(),
	}
}

func fatalResult(kind string, message string) value.Result {
	return value.Result{Status: value.StatusError, Error: &value.ErrorInfo{Kind: value.ErrorFatal, Reason: kind, Message: message}}
}

func resourceLimitResult(kind string, message string) value.Result {
	return value.Result{Status: value.StatusError, Error: &value.ErrorInfo{Kind: value.ErrorResourceLimit, ResourceKind: kind, Message: message}}
}

// Cancel delivers an uncatchable cancellation to the instance's current
// suspension, if any, and blocks until the handler goroutine has
// unwound. It is a no-op returning false if the instance is not
// currently parked — callers check IsParked first if they need to
// distinguish "nothing to cancel" from "cancelled".
func (i *Instance) Cancel(reason string) (value.Result, bool) {
	if !i.IsParked() {
		return value.Result{}, false
	}
	id := i.parkedID
	counters := i.activeCounters

	// If a resume or an earlier cancel already beat us to it, the
	// outcome is ResumeAlreadyResumed — harmless here, since either way
	// the parked goroutine is already unwinding toward doneCh.
	i.suspends.Cancel(id, reason)

	i.suspends.Forget(id)
	i.parkedSuspension = nil
	i.parkedID = 0

	watchdog := enforcer.Arm(0, i.runCancel)
	return i.awaitOutcome(time.Now(), watchdog, counters), true
}

// Reset clears per-call bookkeeping so a freed instance returns to the
// pool with no residue from the previous handler's working state. It
// must only be called when the instance is not parked.
func (i *Instance) Reset() error {
	if i.IsParked() {
		return fmt.Errorf("instance: cannot reset a parked instance")
	}
	i.workingState = nil
	i.capabilities = nil
	i.extensionRegistry = nil
	i.effects = nil
	i.doneCh = nil
	i.suspendedCh = nil
	return nil
}

// Terminate tears down the underlying Module. The instance must never
// be reused afterward.
func (i *Instance) Terminate(ctx context.Context) error {
	i.terminated = true
	return i.module.Close(ctx)
}

// MarkAcquired flips the generation token from even (free) to odd
// (acquired) and returns the new token, panicking if the instance was
// already marked acquired — that would mean a pool handed the same
// instance to two callers at once.
func (i *Instance) MarkAcquired() uint64 {
	for {
		cur := i.gen.Load()
		if cur%2 != 0 {
			panic("instance: MarkAcquired called on an already-acquired instance")
		}
		next := cur + 1
		if i.gen.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// TryRelease flips the generation token from token (odd, acquired) back
// to token+1 (even, free), reporting false if token is stale — either a
// double release or a release racing a newer acquire.
func (i *Instance) TryRelease(token uint64) bool {
	return i.gen.CompareAndSwap(token, token+1)
}
