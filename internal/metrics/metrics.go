// Package metrics holds the process-wide Prometheus registry exposed
// at /metrics by the Stream Server's ambient health surface. Grounded
// on this codebase's MetricsRegistry pattern (one struct of vectors
// built once and registered at startup) but scoped to the collector/
// cache/dispatcher concerns this module actually has.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric this service exports.
type Registry struct {
	AdapterAttempts *prometheus.CounterVec
	AdapterFailures *prometheus.CounterVec
	AdapterLatency  *prometheus.HistogramVec
	LoopInterval    *prometheus.GaugeVec

	CacheSize      prometheus.Gauge
	CacheUpsertsOK *prometheus.CounterVec
	CacheNoClobber *prometheus.CounterVec

	DispatchClients   *prometheus.GaugeVec
	DispatchSends     *prometheus.CounterVec
	DispatchEvictions *prometheus.CounterVec
	DispatchSkipped   prometheus.Counter
}

// NewRegistry builds and registers every metric against reg (pass
// prometheus.NewRegistry() in tests to avoid the global default
// registry's cross-test collisions, or prometheus.DefaultRegisterer
// in production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		AdapterAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfabric_adapter_attempts_total",
			Help: "Total adapter fetch attempts by adapter name.",
		}, []string{"adapter"}),
		AdapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfabric_adapter_failures_total",
			Help: "Total adapter fetch failures by adapter name.",
		}, []string{"adapter"}),
		AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketfabric_adapter_latency_seconds",
			Help:    "Adapter fetch latency by adapter name.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"adapter"}),
		LoopInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketfabric_collector_interval_seconds",
			Help: "Current computed sleep interval for a collector loop.",
		}, []string{"loop"}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketfabric_cache_records",
			Help: "Number of records currently held by the Cache Store.",
		}),
		CacheUpsertsOK: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfabric_cache_upserts_total",
			Help: "Accepted cache upserts by kind.",
		}, []string{"kind"}),
		CacheNoClobber: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfabric_cache_no_clobber_total",
			Help: "Writes rejected by the no-clobber guard, by kind.",
		}, []string{"kind"}),

		DispatchClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketfabric_dispatch_clients",
			Help: "Connected clients by page class.",
		}, []string{"page_class"}),
		DispatchSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfabric_dispatch_sends_total",
			Help: "Snapshot sends by page class and outcome.",
		}, []string{"page_class", "outcome"}),
		DispatchEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfabric_dispatch_evictions_total",
			Help: "Clients evicted by page class.",
		}, []string{"page_class"}),
		DispatchSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfabric_dispatch_skipped_ticks_total",
			Help: "Dispatch ticks skipped because a snapshot could not be built.",
		}),
	}

	reg.MustRegister(
		r.AdapterAttempts, r.AdapterFailures, r.AdapterLatency, r.LoopInterval,
		r.CacheSize, r.CacheUpsertsOK, r.CacheNoClobber,
		r.DispatchClients, r.DispatchSends, r.DispatchEvictions, r.DispatchSkipped,
	)
	return r
}

// ObserveAdapterLatency is a small convenience wrapping the histogram
// Observe call in the Duration-to-float conversion every caller needs.
func (r *Registry) ObserveAdapterLatency(adapter string, d time.Duration) {
	r.AdapterLatency.WithLabelValues(adapter).Observe(d.Seconds())
}

// CacheSink adapts Registry to cache.MetricsSink without this package
// importing the cache package (cache already depends on model, and
// metrics stays a leaf so every other package can depend on it).
type CacheSink struct {
	reg *Registry
}

// NewCacheSink wraps reg as a cache.MetricsSink.
func NewCacheSink(reg *Registry) CacheSink {
	return CacheSink{reg: reg}
}

func (c CacheSink) RecordUpsert(kind string)    { c.reg.CacheUpsertsOK.WithLabelValues(kind).Inc() }
func (c CacheSink) RecordNoClobber(kind string) { c.reg.CacheNoClobber.WithLabelValues(kind).Inc() }
func (c CacheSink) SetSize(n int)               { c.reg.CacheSize.Set(float64(n)) }

// DispatchSink adapts Registry to dispatcher.MetricsSink, for the same
// leaf-package reason as CacheSink.
type DispatchSink struct {
	reg *Registry
}

// NewDispatchSink wraps reg as a dispatcher.MetricsSink.
func NewDispatchSink(reg *Registry) DispatchSink {
	return DispatchSink{reg: reg}
}

func (d DispatchSink) SetClients(pageClass string, n int) {
	d.reg.DispatchClients.WithLabelValues(pageClass).Set(float64(n))
}

func (d DispatchSink) RecordSend(pageClass, outcome string) {
	d.reg.DispatchSends.WithLabelValues(pageClass, outcome).Inc()
}

func (d DispatchSink) RecordEviction(pageClass string) {
	d.reg.DispatchEvictions.WithLabelValues(pageClass).Inc()
}

func (d DispatchSink) RecordSkippedTick() {
	d.reg.DispatchSkipped.Inc()
}
