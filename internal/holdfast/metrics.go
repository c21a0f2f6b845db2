package holdfast

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheStoreFail  prometheus.Counter
	upstreamErrors  *prometheus.CounterVec
	enqueued        prometheus.Counter
	replays         *prometheus.CounterVec
	drains          *prometheus.CounterVec
}

// newMetrics registers on a private registry so several services can coexist
// in one process (tests do that).
func newMetrics(queueDepth func() float64) *metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "holdfast_requests_total",
		Help: "Total intercepted requests by classifier decision",
	}, []string{"decision"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "holdfast_request_duration_seconds",
		Help:    "Intercepted request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"decision"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "holdfast_cache_lookups_total",
		Help: "Total asset cache lookups by result",
	}, []string{"result"})

	cacheStoreFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "holdfast_cache_store_fail_total",
		Help: "Total best-effort cache writes that failed",
	})

	upstreamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "holdfast_upstream_errors_total",
		Help: "Total upstream transport errors by category",
	}, []string{"category"})

	enqueued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "holdfast_mutations_enqueued_total",
		Help: "Total mutations queued while offline",
	})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "holdfast_replays_total",
		Help: "Total replay attempts by outcome",
	}, []string{"outcome"})

	drains := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "holdfast_drain_cycles_total",
		Help: "Total drain cycles by trigger",
	}, []string{"trigger"})

	registry.MustRegister(requests, requestDuration, cacheLookups, cacheStoreFail, upstreamErrors, enqueued, replays, drains)
	if queueDepth != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "holdfast_queue_depth",
			Help: "Mutations waiting for replay",
		}, queueDepth))
	}

	return &metrics{
		registry:        registry,
		requests:        requests,
		requestDuration: requestDuration,
		cacheLookups:    cacheLookups,
		cacheStoreFail:  cacheStoreFail,
		upstreamErrors:  upstreamErrors,
		enqueued:        enqueued,
		replays:         replays,
		drains:          drains,
	}
}

func (m *metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) ObserveRequest(d Decision, dur time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(d.String()).Inc()
	m.requestDuration.WithLabelValues(d.String()).Observe(dur.Seconds())
}

func (m *metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *metrics) CacheStoreFailed() {
	if m == nil {
		return
	}
	m.cacheStoreFail.Inc()
}

func (m *metrics) UpstreamError(category string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(category).Inc()
}

func (m *metrics) Enqueued() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

func (m *metrics) Replay(outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(outcome).Inc()
}

func (m *metrics) Drain(t Trigger) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(string(t)).Inc()
}
