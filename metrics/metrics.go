// Package metrics holds the Prometheus instruments of the chat pipeline.
// They are registered on the default registry and served on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lms"

const chatSubsystem = "chat"

var (
	// ChatRequests counts chat endpoint responses.
	// Labels: status (HTTP code), kind (error kind or "ok")
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: chatSubsystem,
			Name:      "requests_total",
			Help:      "Chat endpoint responses by status and error kind",
		},
		[]string{"status", "kind"},
	)

	// ChatDuration measures the chat endpoint latency including upstream retries.
	ChatDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: chatSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Chat endpoint latency in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 50, 60},
		},
		[]string{"status"},
	)

	// UpstreamAttempts counts calls to the model provider.
	// Labels: outcome (success, retry, fatal)
	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: chatSubsystem,
			Name:      "upstream_attempts_total",
			Help:      "Model provider calls by outcome",
		},
		[]string{"outcome"},
	)

	// MessageDeletes counts individual document deletes during history clears.
	// Labels: outcome (deleted, failed)
	MessageDeletes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: chatSubsystem,
			Name:      "message_deletes_total",
			Help:      "Per-message deletes issued by history clears",
		},
		[]string{"outcome"},
	)

	// RateLimited counts requests rejected by the per-user limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: chatSubsystem,
			Name:      "rate_limited_total",
			Help:      "Chat requests rejected by the local rate limiter",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
