package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fp",
		Name:      "registrations_total",
		Help:      "Registration attempts by outcome",
	}, []string{"outcome"})

	Matches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fp",
		Name:      "matches_total",
		Help:      "Match attempts by outcome",
	}, []string{"outcome"})

	MatchSimilarity = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fp",
		Name:      "match_best_similarity_percent",
		Help:      "Best similarity found per match request",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	CandidatesScanned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fp",
		Name:      "match_candidates",
		Help:      "Number of stored templates scanned per match",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fp",
		Name:      "match_duration_seconds",
		Help:      "Duration of a full match scan including the store read",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	AttendanceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fp",
		Name:      "attendance_write_failures_total",
		Help:      "Attendance events that could not be stored after a match",
	})

	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fp",
		Name:      "event_publish_failures_total",
		Help:      "Events that could not be published to NATS",
	}, []string{"type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fp",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fp",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
