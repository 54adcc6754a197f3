package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheTier identifies which cache tier served or stored a value.
type CacheTier string

const (
	TierFast    CacheTier = "fast"
	TierDurable CacheTier = "durable"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates a fresh entry was returned.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupStale indicates an entry existed but had outlived its TTL.
	CacheLookupStale CacheLookupOutcome = "stale"
	// CacheLookupMiss indicates no entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the tier failed and the read degraded to a miss.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache write.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	CacheStoreError  CacheStoreOutcome = "error"
)

// UpstreamOutcome captures how a real request settled.
type UpstreamOutcome string

const (
	UpstreamSuccess        UpstreamOutcome = "success"
	UpstreamStatusError    UpstreamOutcome = "status_error"
	UpstreamTransportError UpstreamOutcome = "transport_error"
)

// Recorder publishes Prometheus metrics for the fetch layer. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheLookups    *prometheus.CounterVec
	cacheStores     *prometheus.CounterVec
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	coalesced       prometheus.Counter
	sourceOutcomes  *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashfeed",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by tier and result.",
	}, []string{"tier", "result"})

	cacheStores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashfeed",
		Subsystem: "cache",
		Name:      "stores_total",
		Help:      "Cache writes by tier and result.",
	}, []string{"tier", "result"})

	upstreamCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashfeed",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Real upstream requests by upstream and outcome.",
	}, []string{"upstream", "outcome"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dashfeed",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for real upstream requests.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"upstream", "outcome"})

	coalesced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dashfeed",
		Subsystem: "coalesce",
		Name:      "shared_results_total",
		Help:      "Callers served by a request that was already in flight.",
	})

	sourceOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashfeed",
		Subsystem: "aggregate",
		Name:      "source_outcomes_total",
		Help:      "Per-source outcomes of aggregation passes.",
	}, []string{"fan_out", "outcome"})

	reg.MustRegister(cacheLookups, cacheStores, upstreamCalls, upstreamLatency, coalesced, sourceOutcomes)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		cacheLookups:    cacheLookups,
		cacheStores:     cacheStores,
		upstreamCalls:   upstreamCalls,
		upstreamLatency: upstreamLatency,
		coalesced:       coalesced,
		sourceOutcomes:  sourceOutcomes,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheLookup records one lookup against a tier.
func (r *Recorder) ObserveCacheLookup(tier CacheTier, result CacheLookupOutcome) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(string(tier), string(result)).Inc()
}

// ObserveCacheStore records one write against a tier.
func (r *Recorder) ObserveCacheStore(tier CacheTier, result CacheStoreOutcome) {
	if r == nil {
		return
	}
	r.cacheStores.WithLabelValues(string(tier), string(result)).Inc()
}

// ObserveUpstream records a settled real request.
func (r *Recorder) ObserveUpstream(upstream string, outcome UpstreamOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(upstream)
	r.upstreamCalls.WithLabelValues(label, string(outcome)).Inc()
	r.upstreamLatency.WithLabelValues(label, string(outcome)).Observe(duration.Seconds())
}

// ObserveCoalesced records a caller that shared an in-flight result.
func (r *Recorder) ObserveCoalesced() {
	if r == nil {
		return
	}
	r.coalesced.Inc()
}

// ObserveSource records the outcome of one source in an aggregation pass.
func (r *Recorder) ObserveSource(fanOut string, ok bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	r.sourceOutcomes.WithLabelValues(normalizeLabel(fanOut), outcome).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
