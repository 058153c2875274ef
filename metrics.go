package main

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "octorant",
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Notifications by event and delivery outcome",
		},
		[]string{"event", "status"},
	)

	webhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "octorant",
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Webhook POSTs by HTTP status code",
		},
		[]string{"code"},
	)

	webhookRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "octorant",
			Subsystem: "webhook",
			Name:      "request_duration_seconds",
			Help:      "Duration of webhook POSTs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "octorant",
			Subsystem: "webhook",
			Name:      "queue_depth",
			Help:      "Messages waiting for delivery",
		},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "octorant",
			Subsystem: "webhook",
			Name:      "rate_limited_total",
			Help:      "HTTP 429 responses received from the webhook",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "octorant",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "octorant",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		notificationsTotal,
		webhookRequestsTotal,
		webhookRequestDuration,
		queueDepth,
		rateLimitedTotal,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// metricsMiddleware instruments gin requests for Prometheus
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Route pattern keeps label cardinality low
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(path, c.Request.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, c.Request.Method, status).Observe(time.Since(start).Seconds())
	}
}
