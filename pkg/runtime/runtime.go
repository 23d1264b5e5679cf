// Package runtime wires together pkg/pool, pkg/compiler, pkg/instance,
// and pkg/metrics behind the embedding API a host program links
// against: compile a handler, execute it, resume or cancel a
// suspension, and read back aggregate stats, without the host needing
// to know any of pkg/instance's or pkg/suspend's internals.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nxml-run/sandboxrt/pkg/compiler"
	"github.com/nxml-run/sandboxrt/pkg/config"
	"github.com/nxml-run/sandboxrt/pkg/engine"
	"github.com/nxml-run/sandboxrt/pkg/instance"
	"github.com/nxml-run/sandboxrt/pkg/metrics"
	"github.com/nxml-run/sandboxrt/pkg/pool"
	"github.com/nxml-run/sandboxrt/pkg/suspend"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

// ShutdownMode selects how Shutdown tears down in-flight work.
type ShutdownMode int

const (
	// ShutdownGraceful cancels every parked suspension first (so each
	// handler unwinds through the normal cancellation path and its host
	// caller gets a structured Result) before tearing down the pool.
	ShutdownGraceful ShutdownMode = iota
	// ShutdownHard terminates every instance immediately, parked or not,
	// without giving parked handlers a chance to observe the cancel.
	ShutdownHard
)

// Stats mirrors Runtime::stats() from the embedding API.
type Stats struct {
	TotalExecutions int64
	Active          int
	Available       int
	Parked          int
	CacheHitRate    float64
	AvgExecMicros   float64
	MemoryTotal     uint64
}

// parkedCall is the bookkeeping needed to resume or cancel a suspension
// once its id is all the caller has.
type parkedCall struct {
	inst        *instance.Instance
	token       uint64
	fingerprint pool.Fingerprint
	limits      instance.Limits
}

// Runtime is the top-level handle a host program holds for the lifetime
// of the process (or of one isolated tenant, if a host runs more than
// one). Safe for concurrent use.
type Runtime struct {
	cfg      *config.Config
	engine   engine.ScriptEngine
	compiler *compiler.Compiler
	pool     *pool.Pool
	suspends *suspend.Registry
	metrics  *metrics.Registry

	mu              sync.Mutex
	pending         map[uint64]*parkedCall
	totalExecutions int64
	totalExecMicros int64

	shutdownOnce sync.Once
}

// New constructs a Runtime from cfg, using eng as the script engine
// binding (a *engine.WazeroEngine in production, a *engine.FakeEngine in
// tests). It pre-warms cfg.MinInstances idle instances before returning,
// matching the min_instances startup option.
func New(ctx context.Context, cfg *config.Config, eng engine.ScriptEngine) (*Runtime, error) {
	m := metrics.New()

	var diskOpt compiler.Option
	if cfg.CompileCacheDir != "" {
		disk, err := compiler.NewDiskCache(cfg.CompileCacheDir)
		if err != nil {
			return nil, fmt.Errorf("runtime: new: %w", err)
		}
		diskOpt = compiler.WithDiskCache(disk)
	}

	opts := []compiler.Option{
		compiler.WithVersionTag(cfg.EngineVersionTag),
		compiler.WithCacheObserver(func(tier string, hit bool) {
			if hit {
				m.CompileCacheHitsTotal.WithLabelValues(tier).Inc()
			} else {
				m.CompileCacheMissesTotal.WithLabelValues(tier).Inc()
			}
		}),
	}
	if diskOpt != nil {
		opts = append(opts, diskOpt)
	}
	comp := compiler.New(eng, cfg.MaxCacheEntries, opts...)

	suspends := suspend.NewRegistry()

	engineLimits := engine.Limits{MemoryLimitPages: cfg.MemoryLimitPages, StackSizeBytes: cfg.StackSizeBytes}
	nextID := 0
	var idMu sync.Mutex
	factory := func(_ int) (*instance.Instance, error) {
		mod, err := eng.NewInstance(ctx, engineLimits)
		if err != nil {
			return nil, fmt.Errorf("runtime: create instance module: %w", err)
		}
		idMu.Lock()
		nextID++
		id := fmt.Sprintf("inst-%d", nextID)
		idMu.Unlock()
		return instance.New(id, mod, nil, suspends), nil
	}

	p := pool.New(factory, cfg.MaxInstances)

	r := &Runtime{
		cfg:      cfg,
		engine:   eng,
		compiler: comp,
		pool:     p,
		suspends: suspends,
		metrics:  m,
		pending:  map[uint64]*parkedCall{},
	}

	if err := r.prewarm(ctx, cfg.MinInstances); err != nil {
		return nil, err
	}

	return r, nil
}

// prewarm creates n idle instances up front by acquiring and immediately
// releasing them under the zero fingerprint, so Acquire's warm-reuse
// fallback (any bucket when the exact one is empty) hands them out
// before cold-creating anything new.
func (r *Runtime) prewarm(ctx context.Context, n int) error {
	var zero pool.Fingerprint
	for i := 0; i < n; i++ {
		inst, token, err := r.pool.Acquire(ctx, zero)
		if err != nil {
			return fmt.Errorf("runtime: prewarm: %w", err)
		}
		r.pool.Release(inst, token, zero)
	}
	return nil
}

// Compile turns source into a CompiledHandler, caching it by content
// fingerprint. Compilation failures never populate the cache and are
// wrapped in a *CompileError.
func (r *Runtime) Compile(ctx context.Context, source []byte) (engine.CompiledHandler, error) {
	h, err := r.compiler.Compile(ctx, source)
	if err != nil {
		return engine.CompiledHandler{}, &CompileError{Message: err.Error()}
	}
	return h, nil
}

// Execute runs compiled against callCtx, blocking until the handler
// completes, fails, or suspends on an extension call. timeoutMS of 0
// uses the runtime's configured default.
func (r *Runtime) Execute(ctx context.Context, compiled engine.CompiledHandler, callCtx value.Context, timeoutMS int64) (value.Result, error) {
	fp := pool.Fingerprint(compiled.Fingerprint)
	inst, token, err := r.pool.Acquire(ctx, fp)
	if err != nil {
		return value.Result{}, fmt.Errorf("runtime: acquire instance: %w", err)
	}

	limits := r.limitsFor(timeoutMS)
	result := inst.Execute(ctx, compiled, callCtx.HandlerName, callCtx, limits)
	return r.settle(ctx, inst, token, fp, limits, result)
}

// Resume delivers resolution to the suspension identified by
// suspensionID, letting its parked handler continue.
func (r *Runtime) Resume(ctx context.Context, suspensionID uint64, resolution value.Resolution) (value.Result, error) {
	pc, ok := r.takePending(suspensionID)
	if !ok {
		return value.Result{}, &ResourceLimitError{Kind: value.ResourceUnknownSuspend, Message: "unknown suspension id"}
	}

	r.pool.MarkUnparked(pc.inst)
	result := pc.inst.Resume(ctx, suspensionID, resolution, pc.limits)
	return r.settle(ctx, pc.inst, pc.token, pc.fingerprint, pc.limits, result)
}

// Cancel delivers an uncatchable cancellation to the suspension
// identified by suspensionID, unwinding and destroying its instance.
func (r *Runtime) Cancel(ctx context.Context, suspensionID uint64, reason string) (value.Result, error) {
	pc, ok := r.takePending(suspensionID)
	if !ok {
		return value.Result{}, &ResourceLimitError{Kind: value.ResourceUnknownSuspend, Message: "unknown suspension id"}
	}

	r.pool.MarkUnparked(pc.inst)
	result, cancelled := pc.inst.Cancel(reason)
	if !cancelled {
		return value.Result{}, &ResourceLimitError{Kind: value.ResourceUnknownSuspend, Message: "instance was not parked"}
	}
	return r.settle(ctx, pc.inst, pc.token, pc.fingerprint, pc.limits, result)
}

// settle is the common tail of Execute/Resume/Cancel: it records the
// suspension (if the handler parked again), releases the instance back
// to the pool (or retires it, if it terminated), and folds the call into
// metrics and Stats before translating a StatusError Result into a
// typed error.
func (r *Runtime) settle(ctx context.Context, inst *instance.Instance, token uint64, fp pool.Fingerprint, limits instance.Limits, result value.Result) (value.Result, error) {
	switch result.Status {
	case value.StatusSuspended:
		r.pool.MarkParked(inst)
		r.mu.Lock()
		r.pending[result.Suspension.SuspensionID] = &parkedCall{inst: inst, token: token, fingerprint: fp, limits: limits}
		r.mu.Unlock()
		r.observe("suspended", result, inst)
		return result, nil
	default:
		if inst.Terminated() {
			r.pool.ReleaseFailed(inst, token)
		} else {
			r.pool.Release(inst, token, fp)
		}
	}

	if result.Status == value.StatusError {
		r.observe("error", result, inst)
		return result, errorFromInfo(result.Error)
	}
	r.observe("success", result, inst)
	return result, nil
}

func (r *Runtime) observe(status string, result value.Result, inst *instance.Instance) {
	r.mu.Lock()
	r.totalExecutions++
	r.totalExecMicros += result.Metrics.DurationMicros
	r.mu.Unlock()

	r.metrics.HandlerExecutionsTotal.WithLabelValues(status).Inc()
	dur := time.Duration(result.Metrics.DurationMicros) * time.Microsecond
	r.metrics.HandlerExecutionSeconds.WithLabelValues(status).Observe(dur.Seconds())
	for name, count := range result.Metrics.HostCallsByName {
		r.metrics.HostCallsTotal.WithLabelValues(name).Add(float64(count))
	}

	stats := r.pool.Stats()
	r.metrics.ObservePoolStats(stats.Active, stats.Available, stats.Parked)
	r.metrics.ObserveMemory(inst.ID(), inst.MemoryUsedBytes())
}

func (r *Runtime) takePending(suspensionID uint64) (*parkedCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.pending[suspensionID]
	if ok {
		delete(r.pending, suspensionID)
	}
	return pc, ok
}

func (r *Runtime) limitsFor(timeoutMS int64) instance.Limits {
	if timeoutMS <= 0 {
		timeoutMS = r.cfg.DefaultTimeoutMS
	}
	return instance.Limits{
		Timeout:           time.Duration(timeoutMS) * time.Millisecond,
		MaxHostCalls:      r.cfg.MaxHostCalls,
		MaxStateMutations: r.cfg.MaxStateMutations,
		MaxEvents:         r.cfg.MaxEvents,
	}
}

// Stats returns a snapshot matching Runtime::stats() in the embedding
// API.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	total := r.totalExecutions
	totalMicros := r.totalExecMicros
	r.mu.Unlock()

	poolStats := r.pool.Stats()
	compStats := r.compiler.Stats()

	var hitRate float64
	hits := compStats.MemoryHits + compStats.DiskHits
	attempts := hits + compStats.Compiles
	if attempts > 0 {
		hitRate = float64(hits) / float64(attempts)
	}

	var avgMicros float64
	if total > 0 {
		avgMicros = float64(totalMicros) / float64(total)
	}

	return Stats{
		TotalExecutions: total,
		Active:          poolStats.Active,
		Available:       poolStats.Available,
		Parked:          poolStats.Parked,
		CacheHitRate:    hitRate,
		AvgExecMicros:   avgMicros,
		MemoryTotal:     r.pool.MemoryTotalBytes(),
	}
}

// Gatherer exposes the runtime's Prometheus registry for wiring into an
// HTTP /metrics handler (promhttp.HandlerFor).
func (r *Runtime) Gatherer() prometheus.Gatherer {
	return r.metrics.Gatherer()
}

// Shutdown tears the runtime down. Graceful mode cancels every
// outstanding suspension first so each parked handler unwinds through
// the normal cancellation path; hard mode terminates everything
// immediately. Shutdown is idempotent — calling it more than once is a
// no-op after the first call.
func (r *Runtime) Shutdown(ctx context.Context, mode ShutdownMode) {
	r.shutdownOnce.Do(func() {
		if mode == ShutdownGraceful {
			r.mu.Lock()
			pending := make([]*parkedCall, 0, len(r.pending))
			for _, pc := range r.pending {
				pending = append(pending, pc)
			}
			r.pending = map[uint64]*parkedCall{}
			r.mu.Unlock()

			for _, pc := range pending {
				r.pool.MarkUnparked(pc.inst)
				pc.inst.Cancel(value.FatalShuttingDown)
				r.pool.ReleaseFailed(pc.inst, pc.token)
			}
		}

		r.pool.Shutdown(ctx)
		_ = r.engine.Close(ctx)
	})
}
