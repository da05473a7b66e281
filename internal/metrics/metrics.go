// Package metrics holds the Prometheus instrumentation for detection,
// delivery and the HTTP surface. Collectors register with the default
// registry on import and are served by promhttp at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtruth_evaluations_total",
			Help: "Total number of snapshot evaluations",
		},
		[]string{"source"}, // "ingest", "evaluate", "replay", "collector"
	)

	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtruth_findings_total",
			Help: "Total number of impossibility findings by rule kind",
		},
		[]string{"kind"},
	)

	FraudScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adtruth_fraud_score",
			Help:    "Distribution of computed fraud scores",
			Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
		},
	)

	// Ingest
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtruth_ingest_total",
			Help: "Total number of training-data submissions received",
		},
		[]string{"outcome"}, // "stored", "invalid", "error"
	)

	ScoreDisagreements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adtruth_score_disagreements_total",
			Help: "Submissions whose client-reported score differs from the server re-evaluation",
		},
	)

	// Delivery
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtruth_submissions_total",
			Help: "Total number of payload submissions attempted by collectors",
		},
		[]string{"event_type", "outcome"},
	)

	TransportRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adtruth_transport_request_duration_seconds",
			Help:    "Duration of payload delivery requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"}, // "post", "beacon"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adtruth_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtruth_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adtruth_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordEvaluation records one evaluation with its findings and score.
func RecordEvaluation(source string, kinds []string, score float64) {
	EvaluationsTotal.WithLabelValues(source).Inc()
	for _, k := range kinds {
		FindingsTotal.WithLabelValues(k).Inc()
	}
	FraudScore.Observe(score)
}

// RecordSubmission records a collector delivery attempt.
func RecordSubmission(eventType string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	SubmissionsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
