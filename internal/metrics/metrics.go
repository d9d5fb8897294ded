package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_ws_subscribers",
		Help: "Current number of websocket subscribers to room snapshots",
	})
	WsPushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_ws_pushes_total",
		Help: "Total number of room snapshots fanned out to websocket subscribers",
	})
	PresenceSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_sessions",
		Help: "Current number of live presence sessions",
	})
	PresenceRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_rooms",
		Help: "Current number of rooms held by the presence engine",
	})
	PresenceHeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_heartbeats_total",
		Help: "Total number of heartbeats by result",
	}, []string{"result"})
	PresenceSessionsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sessions_ended_total",
		Help: "Total number of sessions ended by reason",
	}, []string{"reason"})
	PresenceSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_sweep_duration_seconds",
		Help:    "Duration of one expiry sweep",
		Buckets: prometheus.DefBuckets,
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsSubscribers, WsPushesTotal,
		PresenceSessions, PresenceRooms, PresenceHeartbeatsTotal, PresenceSessionsEndedTotal, PresenceSweepDuration,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
