package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tier labels where a resolve was satisfied.
const (
	TierMemory = "memory"
	TierStore  = "store"
	TierFetch  = "fetch"
	TierMiss   = "miss"
)

// Fetch path and result labels.
const (
	PathDirect = "direct"
	PathProxy  = "proxy"

	ResultOK    = "ok"
	ResultError = "error"
)

// DefaultBuckets are fetch duration buckets in seconds
var DefaultBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector owns the image cache metrics and the registry they are exported
// from. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	resolves      *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	evictions     *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	coalesced     prometheus.Counter
	memoryEntries prometheus.Gauge
}

// NewCollector creates a collector registered on a fresh registry together
// with the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagecache",
			Name:      "resolves_total",
			Help:      "Resolve calls by the tier that satisfied them.",
		}, []string{"tier"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagecache",
			Name:      "fetches_total",
			Help:      "Network fetch attempts by path and result.",
		}, []string{"path", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imagecache",
			Name:      "fetch_duration_seconds",
			Help:      "Network fetch latency by path.",
			Buckets:   DefaultBuckets,
		}, []string{"path"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagecache",
			Name:      "evictions_total",
			Help:      "Persistent records evicted by reason.",
		}, []string{"reason"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagecache",
			Name:      "store_errors_total",
			Help:      "Persistent store failures by operation.",
		}, []string{"op"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imagecache",
			Name:      "coalesced_resolves_total",
			Help:      "Resolve calls that shared another caller's in-flight lookup.",
		}),
		memoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imagecache",
			Name:      "memory_entries",
			Help:      "Handles currently held by the memory tier.",
		}),
	}

	c.registry.MustRegister(
		c.resolves,
		c.fetches,
		c.fetchDuration,
		c.evictions,
		c.storeErrors,
		c.coalesced,
		c.memoryEntries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordResolve records which tier satisfied a resolve
func (c *Collector) RecordResolve(tier string) {
	if c == nil {
		return
	}
	c.resolves.WithLabelValues(tier).Inc()
}

// RecordFetch records one network attempt
func (c *Collector) RecordFetch(path string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	c.fetches.WithLabelValues(path, result).Inc()
	c.fetchDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordEviction records one evicted persistent record
func (c *Collector) RecordEviction(reason string) {
	if c == nil {
		return
	}
	c.evictions.WithLabelValues(reason).Inc()
}

// RecordStoreError records a failed store operation
func (c *Collector) RecordStoreError(op string) {
	if c == nil {
		return
	}
	c.storeErrors.WithLabelValues(op).Inc()
}

// RecordCoalesced records a resolve that shared an in-flight result
func (c *Collector) RecordCoalesced() {
	if c == nil {
		return
	}
	c.coalesced.Inc()
}

// SetMemoryEntries sets the memory tier size
func (c *Collector) SetMemoryEntries(n int) {
	if c == nil {
		return
	}
	c.memoryEntries.Set(float64(n))
}
