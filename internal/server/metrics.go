package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	ballotsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_ballots_submitted_total",
			Help: "Ballots accepted by the submission endpoint",
		},
	)

	previewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_previews_total",
			Help: "Synchronous validation previews",
		},
		[]string{"valid"},
	)

	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"type"}, // minute, hour, requests, data
	)

	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tally_upload_size_bytes",
			Help:    "Size of uploaded images in bytes",
			Buckets: []float64{10 * 1024, 100 * 1024, 512 * 1024, 1024 * 1024, 5 * 1024 * 1024, 20 * 1024 * 1024, 50 * 1024 * 1024},
		},
	)

	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_websocket_active_connections",
			Help: "Number of active result feed connections",
		},
	)

	websocketMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_websocket_messages_sent_total",
			Help: "Terminal records pushed to result feed subscribers",
		},
	)
)
