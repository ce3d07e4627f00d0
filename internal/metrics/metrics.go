// Package metrics holds the Prometheus collectors for the dispatch pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partypush_notifications_enqueued_total",
		Help: "Notification requests accepted into the queue.",
	}, []string{"source"})

	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partypush_delivery_outcomes_total",
		Help: "Delivery attempts by provider and resulting status.",
	}, []string{"provider", "status"})

	SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partypush_provider_send_duration_seconds",
		Help:    "Duration of provider send calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	Recipients = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partypush_recipients_total",
		Help: "Recipients reported by the provider for delivered requests.",
	}, []string{"provider"})

	Reclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partypush_reclaimed_total",
		Help: "In-flight requests returned to the queue after the liveness timeout.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "partypush_queue_requests",
		Help: "Notification requests by status.",
	}, []string{"status"})

	Halted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "partypush_dispatch_halted",
		Help: "1 when dispatch stopped after a provider authentication failure.",
	})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"path", "method", "status"})
)
