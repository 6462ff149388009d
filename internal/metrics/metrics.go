package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "companion",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	httpActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "companion",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests",
		},
	)

	// Rate limiting metrics
	rateLimitChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Total number of admission checks performed",
		},
	)

	rateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Total number of requests rejected by the admission limiter",
		},
		[]string{"key_kind", "route"},
	)

	rateLimitBuckets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "companion",
			Subsystem: "ratelimit",
			Name:      "buckets",
			Help:      "Number of client buckets currently tracked",
		},
	)

	// Auth metrics
	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total number of authentication attempts by result",
		},
		[]string{"result"}, // success, failure, bypass
	)

	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Total number of authentication failures by error type",
		},
		[]string{"error_type"},
	)

	tokensIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "auth",
			Name:      "tokens_issued_total",
			Help:      "Total number of session tokens issued",
		},
	)

	// Upstream metrics (chat completions, agent backends)
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of upstream requests by service and status",
		},
		[]string{"service", "status_code"},
	)

	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "companion",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service"},
	)

	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Total number of upstream errors by service and type",
		},
		[]string{"service", "error_type"},
	)

	// Circuit breaker metrics
	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "companion",
			Subsystem: "circuitbreaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	// Billing metrics
	billingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of billing webhook events by type and result",
		},
		[]string{"event_type", "result"},
	)

	usageRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "billing",
			Name:      "usage_records_total",
			Help:      "Total number of usage records written by result",
		},
		[]string{"result"},
	)

	// Fleet metrics
	fleetRobotsMoving = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "companion",
			Subsystem: "fleet",
			Name:      "robots_moving",
			Help:      "Number of simulated robots currently moving",
		},
	)

	fleetCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "fleet",
			Name:      "commands_total",
			Help:      "Total number of fleet commands by result",
		},
		[]string{"result"}, // accepted, rejected_unsafe, rejected_unknown
	)

	once sync.Once
)

// Init registers all metrics with the default Prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(httpRequestsTotal)
		prometheus.MustRegister(httpRequestDuration)
		prometheus.MustRegister(httpActiveRequests)

		prometheus.MustRegister(rateLimitChecksTotal)
		prometheus.MustRegister(rateLimitRejectedTotal)
		prometheus.MustRegister(rateLimitBuckets)

		prometheus.MustRegister(authAttemptsTotal)
		prometheus.MustRegister(authFailuresTotal)
		prometheus.MustRegister(tokensIssuedTotal)

		prometheus.MustRegister(upstreamRequestsTotal)
		prometheus.MustRegister(upstreamRequestDuration)
		prometheus.MustRegister(upstreamErrorsTotal)

		prometheus.MustRegister(circuitBreakerState)

		prometheus.MustRegister(billingEventsTotal)
		prometheus.MustRegister(usageRecordsTotal)

		prometheus.MustRegister(fleetRobotsMoving)
		prometheus.MustRegister(fleetCommandsTotal)
	})
}

// Handler returns the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration.Seconds())
}

func IncActiveRequests() {
	httpActiveRequests.Inc()
}

func DecActiveRequests() {
	httpActiveRequests.Dec()
}

func RecordRateLimitCheck() {
	rateLimitChecksTotal.Inc()
}

func RecordRateLimitRejected(keyKind, route string) {
	rateLimitRejectedTotal.WithLabelValues(keyKind, route).Inc()
}

func SetRateLimitBuckets(n int) {
	rateLimitBuckets.Set(float64(n))
}

func RecordAuthAttempt(result string) {
	authAttemptsTotal.WithLabelValues(result).Inc()
}

func RecordAuthFailure(errorType string) {
	authFailuresTotal.WithLabelValues(errorType).Inc()
}

func RecordTokenIssued() {
	tokensIssuedTotal.Inc()
}

func RecordUpstreamRequest(service, statusCode string, duration time.Duration) {
	upstreamRequestsTotal.WithLabelValues(service, statusCode).Inc()
	upstreamRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func RecordUpstreamError(service, errorType string) {
	upstreamErrorsTotal.WithLabelValues(service, errorType).Inc()
}

func SetCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

func RecordBillingEvent(eventType, result string) {
	billingEventsTotal.WithLabelValues(eventType, result).Inc()
}

func RecordUsageRecord(result string) {
	usageRecordsTotal.WithLabelValues(result).Inc()
}

func SetFleetRobotsMoving(n int) {
	fleetRobotsMoving.Set(float64(n))
}

func RecordFleetCommand(result string) {
	fleetCommandsTotal.WithLabelValues(result).Inc()
}
