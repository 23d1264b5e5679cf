// Package metrics exposes the runtime's required Prometheus series. A
// single Registry wraps one prometheus.Registry. pkg/runtime builds one
// per Runtime and records handler, pool and compile-cache observations
// into it, so pkg/pool and pkg/compiler never import prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every collector the runtime exposes, namespaced under
// sandboxrt_.
type Registry struct {
	reg *prometheus.Registry

	HandlerExecutionsTotal  *prometheus.CounterVec
	HandlerExecutionSeconds *prometheus.HistogramVec
	CompileCacheHitsTotal   *prometheus.CounterVec
	CompileCacheMissesTotal *prometheus.CounterVec
	PeakMemoryBytes         *prometheus.GaugeVec
	HostCallsTotal          *prometheus.CounterVec
	ActiveInstances         prometheus.Gauge
	ParkedInstances         prometheus.Gauge
	IdleInstances           prometheus.Gauge

	peakMu    sync.Mutex
	peakBytes map[string]uint64
}

const namespace = "sandboxrt"

// New builds a fresh Registry with every required collector registered
// against its own prometheus.Registry (not the global default, so
// multiple Runtimes in one process — e.g. in tests — never collide).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg:       reg,
		peakBytes: make(map[string]uint64),
		HandlerExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_executions_total",
			Help:      "Total handler executions, labeled by outcome status.",
		}, []string{"status"}),
		HandlerExecutionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_execution_seconds",
			Help:      "Handler execution latency in seconds, labeled by outcome status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		CompileCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_cache_hits_total",
			Help:      "Compile cache hits, labeled by cache tier (memory or disk).",
		}, []string{"tier"}),
		CompileCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_cache_misses_total",
			Help:      "Compile cache misses, labeled by cache tier (memory or disk).",
		}, []string{"tier"}),
		PeakMemoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peak_memory_bytes",
			Help:      "Highest observed instance memory footprint, in bytes, labeled by instance id.",
		}, []string{"instance_id"}),
		HostCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_calls_total",
			Help:      "Host ABI calls made by handlers, labeled by call name.",
		}, []string{"name"}),
		ActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_instances",
			Help:      "Instances currently executing a handler (not parked, not idle).",
		}),
		ParkedInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parked_instances",
			Help:      "Instances parked awaiting resolution of a suspended extension call.",
		}),
		IdleInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_instances",
			Help:      "Instances sitting in a pool free bucket, available for reuse.",
		}),
	}

	reg.MustRegister(
		r.HandlerExecutionsTotal,
		r.HandlerExecutionSeconds,
		r.CompileCacheHitsTotal,
		r.CompileCacheMissesTotal,
		r.PeakMemoryBytes,
		r.HostCallsTotal,
		r.ActiveInstances,
		r.ParkedInstances,
		r.IdleInstances,
	)

	return r
}

// Gatherer exposes the underlying prometheus.Registry for wiring into
// an HTTP /metrics handler (promhttp.HandlerFor).
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObservePoolStats mirrors a pool.Stats snapshot into the active/
// parked/idle gauges.
func (r *Registry) ObservePoolStats(active, available, parked int) {
	r.ActiveInstances.Set(float64(active))
	r.IdleInstances.Set(float64(available))
	r.ParkedInstances.Set(float64(parked))
}

// ObserveMemory records a memory sample for instanceID against that
// instance's peak-memory gauge, keeping the highest value ever seen for
// it.
func (r *Registry) ObserveMemory(instanceID string, bytes uint64) {
	r.peakMu.Lock()
	defer r.peakMu.Unlock()
	if bytes <= r.peakBytes[instanceID] {
		return
	}
	r.peakBytes[instanceID] = bytes
	r.PeakMemoryBytes.WithLabelValues(instanceID).Set(float64(bytes))
}
