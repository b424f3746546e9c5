package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRegistry mirrors the teacher's internal/interfaces/http/metrics.go
// MetricsRegistry shape (named Prometheus vectors registered once at
// construction, promhttp.Handler() exposed as a plain HandlerFunc),
// narrowed to the handful of signals this Read API actually has: request
// volume/latency and the signal cache's hit ratio. The teacher's
// regime/pipeline/WebSocket gauges have no equivalent here and are not
// reproduced.
type metricsRegistry struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
}

// newMetricsRegistry builds its own prometheus.Registry rather than using
// the global default, so each Server instance (as in a table-driven test
// that constructs several) registers independently instead of panicking
// on a duplicate collector.
func newMetricsRegistry() *metricsRegistry {
	reg := &metricsRegistry{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalsd_http_requests_total",
				Help: "Total Read API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signalsd_http_request_duration_seconds",
				Help:    "Read API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalsd_signal_cache_hits_total",
			Help: "Total /signal cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalsd_signal_cache_misses_total",
			Help: "Total /signal cache misses",
		}),
	}

	reg.registry.MustRegister(reg.requestsTotal, reg.requestDuration, reg.cacheHits, reg.cacheMisses)
	return reg
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
