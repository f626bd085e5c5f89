package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_connections_opened_total",
		Help: "WebSocket connections accepted.",
	})
	ConnectionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_connections_closed_total",
		Help: "WebSocket connections torn down.",
	})
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_events_total",
		Help: "Decoded inbound events by type.",
	}, []string{"type"})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_frames_dropped_total",
		Help: "Inbound frames discarded as malformed or unrecognized.",
	})
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_evictions_total",
		Help: "Sessions terminated by the liveness sweeper.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
