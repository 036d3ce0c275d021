package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friendhub_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "friendhub_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	rtActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "friendhub_realtime_active_connections",
			Help: "Number of live real-time connections.",
		},
		[]string{"transport"},
	)
	eventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friendhub_events_dispatched_total",
			Help: "Events delivered to live connections.",
		},
		[]string{"kind"},
	)
	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friendhub_events_dropped_total",
			Help: "Events dropped because a connection buffer was full or closed.",
		},
		[]string{"kind"},
	)
	notifyFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friendhub_notify_failures_total",
			Help: "Fan-out jobs that failed, were rejected or panicked.",
		},
		[]string{"reason"},
	)
	friendTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friendhub_friend_transitions_total",
			Help: "Friend graph transitions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
	reconciledEdgesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "friendhub_reconciled_edges_total",
			Help: "Missing friend edges restored by the reconciler.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		rtActiveConnections,
		eventsDispatchedTotal,
		eventsDroppedTotal,
		notifyFailuresTotal,
		friendTransitionsTotal,
		reconciledEdgesTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncActive(transport string) {
	rtActiveConnections.WithLabelValues(transport).Inc()
}

func DecActive(transport string) {
	rtActiveConnections.WithLabelValues(transport).Dec()
}

func AddDispatched(kind string, n int) {
	if n > 0 {
		eventsDispatchedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

func AddDropped(kind string, n int) {
	if n > 0 {
		eventsDroppedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

func IncNotifyFailure(reason string) {
	notifyFailuresTotal.WithLabelValues(reason).Inc()
}

// IncTransition counts a friend graph transition. outcome is "ok" or the
// error kind returned to the caller.
func IncTransition(action, outcome string) {
	friendTransitionsTotal.WithLabelValues(action, outcome).Inc()
}

func AddReconciled(n int) {
	if n > 0 {
		reconciledEdgesTotal.Add(float64(n))
	}
}
