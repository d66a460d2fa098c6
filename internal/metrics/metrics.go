package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestCounter counts HTTP requests by status code, method, and route
	RequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizchain_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"status", "method", "path"},
	)

	// RequestDuration measures HTTP request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quizchain_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status", "method", "path"},
	)

	// RequestInProgress counts HTTP requests currently being processed
	RequestInProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quizchain_http_requests_in_progress",
			Help: "Number of HTTP requests currently being processed",
		},
		[]string{"method", "path"},
	)

	// CacheLookups counts cache reads by namespace and result (hit, miss, error)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizchain_cache_lookups_total",
			Help: "Cache lookups by namespace and result",
		},
		[]string{"namespace", "result"},
	)

	// BreakerState exposes the current state of each circuit breaker (0 closed, 1 open, 2 half-open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quizchain_breaker_state",
			Help: "Circuit breaker state per collaborator",
		},
		[]string{"breaker"},
	)

	// BreakerTransitions counts state changes per breaker
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizchain_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	// JoinOutcomes counts join attempts by outcome
	JoinOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizchain_join_outcomes_total",
			Help: "Join attempts by outcome",
		},
		[]string{"outcome"},
	)

	// AnswersSubmitted counts accepted answer submissions
	AnswersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizchain_answers_submitted_total",
			Help: "Accepted answer submissions by correctness",
		},
		[]string{"correct"},
	)

	// SessionsClosed counts sessions settled by their creator
	SessionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quizchain_sessions_closed_total",
			Help: "Sessions closed and settled",
		},
	)

	// LiveSubscribers tracks open leaderboard streams
	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quizchain_live_subscribers",
			Help: "Number of open live leaderboard subscriptions",
		},
	)
)
