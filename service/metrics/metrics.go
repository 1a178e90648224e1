package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FanoutDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "fanout",
		Name:      "delivered_total",
		Help:      "Frames handed to connection send queues.",
	}, []string{"destination"})

	FanoutFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "fanout",
		Name:      "failed_total",
		Help:      "Per-connection delivery failures.",
	}, []string{"reason"})

	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "fanout",
		Name:      "dropped_total",
		Help:      "Broadcast jobs dropped before reaching a worker.",
	})

	RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "relay",
		Name:      "errors_total",
		Help:      "Cross-node relay and event-log failures.",
	}, []string{"sink"})

	PresenceDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "presence",
		Name:      "degraded_total",
		Help:      "Presence operations swallowed because the lease store failed.",
	}, []string{"op"})

	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Name:      "live_connections",
		Help:      "Connections registered on this node.",
	})
)

// Handler 挂到 gin 的 /metrics
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
