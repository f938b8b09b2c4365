// Package metrics holds the coordinator's Prometheus collectors. A single
// Metrics value is constructed at startup and passed explicitly into the
// components that observe it.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// rankBuckets are shared by the rank and attempt histograms.
var rankBuckets = []float64{1, 2, 3, 4, 5, 10}

// Metrics bundles every coordinator collector behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	// Registry lifecycle.
	RegisteredServices   prometheus.Gauge
	RegistrationRequests prometheus.Counter
	RegistrationFailures prometheus.Counter

	// Routing.
	RoutingRequests *prometheus.CounterVec
	RoutingDuration prometheus.Histogram

	// Dispatch cascade.
	SuccessfulRank        prometheus.Histogram
	AttemptsBeforeSuccess prometheus.Histogram
	PrimarySuccess        prometheus.Counter
	FallbackUsed          *prometheus.CounterVec
}

// New creates and registers all coordinator collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RegisteredServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registered_services",
			Help: "Number of registered services in non-inactive state",
		}),
		RegistrationRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registration_requests_total",
			Help: "Total service registration requests",
		}),
		RegistrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registration_failures_total",
			Help: "Total failed service registration requests",
		}),
		RoutingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routing_requests_total",
			Help: "Total routing requests by ranking method and outcome",
		}, []string{"method", "status"}),
		RoutingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routing_duration_seconds",
			Help:    "Time spent producing a ranked candidate list",
			Buckets: prometheus.DefBuckets,
		}),
		SuccessfulRank: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "successful_rank",
			Help:    "Rank of the first candidate that returned a good response",
			Buckets: rankBuckets,
		}),
		AttemptsBeforeSuccess: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attempts_before_success",
			Help:    "Attempts performed per dispatch, including the successful one",
			Buckets: rankBuckets,
		}),
		PrimarySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "primary_success_total",
			Help: "Dispatches answered by the top-ranked candidate",
		}),
		FallbackUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallback_used_total",
			Help: "Dispatches answered by a fallback candidate, by rank",
		}, []string{"rank"}),
	}

	m.registry.MustRegister(
		m.RegisteredServices,
		m.RegistrationRequests,
		m.RegistrationFailures,
		m.RoutingRequests,
		m.RoutingDuration,
		m.SuccessfulRank,
		m.AttemptsBeforeSuccess,
		m.PrimarySuccess,
		m.FallbackUsed,
	)
	return m
}

// ObserveDispatchSuccess records the rank and attempt histograms for a
// dispatch that produced a good response.
func (m *Metrics) ObserveDispatchSuccess(rank, attempts int) {
	m.SuccessfulRank.Observe(float64(rank))
	m.AttemptsBeforeSuccess.Observe(float64(attempts))
	if rank == 1 {
		m.PrimarySuccess.Inc()
	} else {
		m.FallbackUsed.WithLabelValues(strconv.Itoa(rank)).Inc()
	}
}

// Handler returns the Prometheus text exposition handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
