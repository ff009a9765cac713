package proxy

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are the direct proxy's self-observability counters: request
// outcomes by status class, and response bytes streamed to clients. This
// mirrors the per-request byte/error counters the original Rust proxy kept
// in its metrics module, rebuilt on prometheus/client_golang's
// CounterVec/Counter instead of the metrics crate's label-vector macros.
type metrics struct {
	registry       *prometheus.Registry
	requestsTotal  *prometheus.CounterVec
	bytesForwarded prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vllmfleet_proxy_requests_total",
			Help: "Tunneled requests handled by the direct proxy, by status class.",
		}, []string{"status_class"}),
		bytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "vllmfleet_proxy_response_bytes_total",
			Help: "Total response bytes streamed back to clients.",
		}),
	}
}

func (m *metrics) observeStatus(status int) {
	class := strconv.Itoa(status/100) + "xx"
	m.requestsTotal.WithLabelValues(class).Inc()
}

func (m *metrics) observeBytes(n int64) {
	if n > 0 {
		m.bytesForwarded.Add(float64(n))
	}
}

// metricsHandler exposes this proxy's registered metrics in Prometheus
// exposition format.
func (p *Proxy) metricsHandler() http.Handler {
	return promhttp.HandlerFor(p.metrics.registry, promhttp.HandlerOpts{})
}
