package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestCounter counts HTTP requests by method, path and status.
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration observes HTTP request latency.
	HTTPRequestDuration *prometheus.HistogramVec

	// PasswordChangeCounter counts password change attempts by flow
	// ("self", "forgotten") and outcome ("success", "invalid_credentials",
	// "policy_violation", "error").
	PasswordChangeCounter *prometheus.CounterVec

	// ResetRequestCounter counts forgotten-password request-phase
	// outcomes ("sent", "rate_limited", "unknown_user", "mail_failure").
	ResetRequestCounter *prometheus.CounterVec
)

func init() {
	HTTPRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noctuaid_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noctuaid_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	PasswordChangeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noctuaid_password_changes_total",
			Help: "Password change attempts by flow and outcome.",
		},
		[]string{"flow", "outcome"},
	)

	ResetRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noctuaid_password_reset_requests_total",
			Help: "Forgotten-password request-phase outcomes.",
		},
		[]string{"outcome"},
	)
}
