// Package monitoring exposes process metrics and tracing setup.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antigravity_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "antigravity_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "antigravity_http_inflight",
			Help: "In-flight HTTP requests",
		},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antigravity_upstream_requests_total",
			Help: "Upstream calls by model and outcome",
		},
		[]string{"model", "request_type", "status_class"},
	)

	PoolAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "antigravity_pool_accounts",
			Help: "Number of usable identities in the pool",
		},
	)

	RateLimitKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "antigravity_ratelimit_keys",
			Help: "Tracked per-key rate limiters",
		},
	)
)
