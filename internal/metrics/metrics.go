// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

var (
	workersByStatus            *prometheus.GaugeVec
	queueDepth                 *prometheus.GaugeVec
	heartbeatsTotal            prometheus.Counter
	claimsTotal                *prometheus.CounterVec
	itemsFinishedTotal         *prometheus.CounterVec
	rotationsTotal             *prometheus.CounterVec
	rateLimitEventsTotal       *prometheus.CounterVec
	leasesReleasedTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		workersByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_workers",
				Help: "Number of workers in the registry, labeled by status.",
			},
			[]string{"status"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_queue_items",
				Help: "Number of work items in the queue, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		heartbeatsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_heartbeats_total",
				Help: "Total heartbeats ingested.",
			},
		)

		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_claims_total",
				Help: "Total claim attempts, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		itemsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_items_finished_total",
				Help: "Total work items finished, labeled by result.",
			},
			[]string{"result"},
		)

		rotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_rotations_total",
				Help: "Total identity rotations, labeled by trigger.",
			},
			[]string{"trigger"},
		)

		rateLimitEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_rate_limit_events_total",
				Help: "Total rate-limit signals observed, labeled by error code.",
			},
			[]string{"code"},
		)

		leasesReleasedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_leases_released_total",
				Help: "Total expired leases released back to the queue.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetFleetGauges replaces the worker and queue gauges from a status snapshot.
func SetFleetGauges(status fleet.FleetStatus) {
	for _, s := range []fleet.WorkerStatus{
		fleet.WorkerProvisioning, fleet.WorkerActive, fleet.WorkerRotating,
		fleet.WorkerOffline, fleet.WorkerTerminated,
	} {
		workersByStatus.WithLabelValues(string(s)).Set(float64(status.WorkersByState[s]))
	}
	q := status.Queue
	queueDepth.WithLabelValues("city", "pending").Set(float64(q.CitiesPending))
	queueDepth.WithLabelValues("city", "in_progress").Set(float64(q.CitiesInProgress))
	queueDepth.WithLabelValues("city", "completed").Set(float64(q.CitiesCompleted))
	queueDepth.WithLabelValues("city", "failed").Set(float64(q.CitiesFailed))
	queueDepth.WithLabelValues("artist", "pending").Set(float64(q.ArtistsPending))
	queueDepth.WithLabelValues("artist", "in_progress").Set(float64(q.ArtistsInProgress))
	queueDepth.WithLabelValues("artist", "completed").Set(float64(q.ArtistsCompleted))
	queueDepth.WithLabelValues("artist", "failed").Set(float64(q.ArtistsFailed))
}

// ObserveHeartbeat increments the heartbeat counter.
func ObserveHeartbeat() {
	heartbeatsTotal.Inc()
}

// ObserveClaim increments the claim counter for an outcome ("claimed",
// "empty", "error").
func ObserveClaim(kind fleet.ItemKind, outcome string) {
	claimsTotal.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveItemFinished increments the finished-items counter.
func ObserveItemFinished(result string) {
	itemsFinishedTotal.WithLabelValues(result).Inc()
}

// ObserveRotation increments the rotation counter for a trigger ("manual" or
// "auto").
func ObserveRotation(trigger string) {
	rotationsTotal.WithLabelValues(trigger).Inc()
}

// ObserveRateLimit increments the rate-limit event counter.
func ObserveRateLimit(code string) {
	rateLimitEventsTotal.WithLabelValues(code).Inc()
}

// ObserveLeasesReleased adds to the released-leases counter.
func ObserveLeasesReleased(count int) {
	leasesReleasedTotal.Add(float64(count))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
