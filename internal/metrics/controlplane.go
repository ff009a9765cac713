// Package metrics exposes the control plane's Prometheus surface: fleet
// endpoint counts per upstream, resolver cycle durations, and snapshot
// generation counts, mirroring the way internal/proxy exposes its own request metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ControlPlane holds the control plane's metric collectors on their own
// registry, independent of the direct proxy's.
type ControlPlane struct {
	registry             *prometheus.Registry
	endpointsPerUpstream *prometheus.GaugeVec
	resolverCycleSeconds *prometheus.HistogramVec
	snapshotGenerations  prometheus.Counter
}

// NewControlPlane registers the control plane's collectors on a fresh
// registry.
func NewControlPlane() *ControlPlane {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &ControlPlane{
		registry: registry,
		endpointsPerUpstream: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vllmfleet_controlplane_endpoints",
			Help: "Number of endpoints last resolved for an upstream.",
		}, []string{"upstream_index", "upstream_host"}),
		resolverCycleSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vllmfleet_controlplane_resolver_cycle_seconds",
			Help:    "Wall-clock time between successive resolver snapshots for an upstream.",
			Buckets: prometheus.DefBuckets,
		}, []string{"upstream_index", "upstream_host"}),
		snapshotGenerations: factory.NewCounter(prometheus.CounterOpts{
			Name: "vllmfleet_controlplane_snapshot_generations_total",
			Help: "Number of times fleet state changed and a Generator run was triggered.",
		}),
	}
}

// Handler serves this registry's metrics in the OpenMetrics/Prometheus text
// exposition format.
func (m *ControlPlane) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetEndpointCount records the endpoint count from the most recent resolver
// snapshot for one upstream.
func (m *ControlPlane) SetEndpointCount(upstreamIndex int, host string, n int) {
	m.endpointsPerUpstream.WithLabelValues(strconv.Itoa(upstreamIndex), host).Set(float64(n))
}

// ObserveResolverCycle records the time elapsed since the previous snapshot
// for one upstream.
func (m *ControlPlane) ObserveResolverCycle(upstreamIndex int, host string, d time.Duration) {
	m.resolverCycleSeconds.WithLabelValues(strconv.Itoa(upstreamIndex), host).Observe(d.Seconds())
}

// IncSnapshotGeneration counts one fleet-state-change-triggered Generator run,
// regardless of whether the Reporter judged the result unchanged and skipped
// publishing it.
func (m *ControlPlane) IncSnapshotGeneration() {
	m.snapshotGenerations.Inc()
}
