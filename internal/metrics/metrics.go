// Package metrics holds Prometheus collectors for the Code-X service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	StoreOperationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codex_store_operation_duration_seconds",
			Help:    "Duration of subscription store operations by backend, operation and result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op", "result"},
	)

	StoreListenerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codex_store_listener_errors_total",
			Help: "Total change-stream failures delivered to listeners by backend",
		},
		[]string{"backend"},
	)

	// Usage metrics
	UsageRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codex_usage_recorded_total",
			Help: "Total usage increments by feature",
		},
		[]string{"feature"},
	)

	UsageDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codex_usage_denied_total",
			Help: "Total denied usage attempts by feature and reason",
		},
		[]string{"feature", "reason"}, // not_entitled, over_quota
	)

	PlanChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codex_plan_changes_total",
			Help: "Total subscription changes by kind and plan",
		},
		[]string{"kind", "plan"}, // upgrade, cancel, renew, expire, redeem
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codex_http_requests_total",
			Help: "Total HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codex_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// Live update metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codex_websocket_clients",
			Help: "Number of connected entitlement WebSocket clients",
		},
	)

	LiveWatchers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codex_live_watchers",
			Help: "Number of users with an active entitlement watcher",
		},
	)

	// AI metrics
	AIGenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codex_ai_generations_total",
			Help: "Total text-generation calls by flow and result",
		},
		[]string{"flow", "result"},
	)

	AIGenerationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codex_ai_generation_duration_seconds",
			Help:    "Duration of text-generation calls by flow",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"flow"},
	)

	AIPollAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codex_ai_poll_attempts_total",
			Help: "Total long-running operation polls by outcome",
		},
		[]string{"outcome"}, // pending, done, error, exhausted
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStore records the duration of a store operation that started at start.
func ObserveStore(backend, op string, start time.Time, err error) {
	StoreOperationSeconds.WithLabelValues(backend, op, resultLabel(err)).Observe(time.Since(start).Seconds())
}

// RecordListenerError counts a change-stream failure.
func RecordListenerError(backend string) {
	StoreListenerErrorsTotal.WithLabelValues(backend).Inc()
}

// RecordUsage counts a usage increment of n.
func RecordUsage(feature string, n int) {
	UsageRecordedTotal.WithLabelValues(feature).Add(float64(n))
}

// RecordUsageDenied counts a denied usage attempt.
func RecordUsageDenied(feature, reason string) {
	UsageDeniedTotal.WithLabelValues(feature, reason).Inc()
}

// RecordPlanChange counts a subscription change.
func RecordPlanChange(kind, plan string) {
	PlanChangesTotal.WithLabelValues(kind, plan).Inc()
}

// RecordHTTPRequest records a finished HTTP request.
func RecordHTTPRequest(route, method string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPRequestSeconds.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// RecordGeneration records a finished text-generation call.
func RecordGeneration(flow string, elapsed time.Duration, err error) {
	AIGenerationsTotal.WithLabelValues(flow, resultLabel(err)).Inc()
	AIGenerationSeconds.WithLabelValues(flow).Observe(elapsed.Seconds())
}

// RecordPollAttempt counts one poll of a long-running operation.
func RecordPollAttempt(outcome string) {
	AIPollAttemptsTotal.WithLabelValues(outcome).Inc()
}
