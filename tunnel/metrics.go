package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/houzhh15/sdc-agent/protocol"
)

var (
	// tunnelFrames tracks frames by direction and type
	// Labels: direction (sent, received, dropped, rejected), type (SOCKET_DATA, HEALTH_CHECK, ...)
	tunnelFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdc_tunnel_frames_total",
			Help: "Total number of tunnel frames grouped by direction and type",
		},
		[]string{"direction", "type"},
	)

	// tunnelBytesTransferred tracks wire bytes (header + envelope) through the tunnel
	tunnelBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdc_tunnel_bytes_transferred_total",
			Help: "Total bytes transferred through the tunnel stream",
		},
		[]string{"direction"},
	)

	// tunnelConnections tracks currently open logical connections
	tunnelConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdc_tunnel_connections",
			Help: "Number of open logical connections multiplexed over the tunnel",
		},
	)

	// tunnelConnectionsClosed tracks closed logical connections by reason
	// Labels: reason (local_eof, local_error, remote_close, dial_failed, shutdown)
	tunnelConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdc_tunnel_connections_closed_total",
			Help: "Total number of closed logical connections grouped by reason",
		},
		[]string{"reason"},
	)

	// tunnelConnectionDuration tracks the lifetime of logical connections
	tunnelConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sdc_tunnel_connection_duration_seconds",
			Help:    "Lifetime of logical connections in seconds",
			Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 1800},
		},
	)

	// healthCheckFailures counts health monitor transitions to FAILED
	healthCheckFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sdc_tunnel_health_check_failures_total",
			Help: "Total number of health check timeouts",
		},
	)
)

// recordFrame records one frame in the given direction
func recordFrame(direction string, t protocol.FrameType, wireBytes int) {
	tunnelFrames.WithLabelValues(direction, t.String()).Inc()
	if wireBytes > 0 {
		tunnelBytesTransferred.WithLabelValues(direction).Add(float64(wireBytes))
	}
}

// recordConnectionClosed records a closed logical connection
func recordConnectionClosed(ev *ConnectionEvent) {
	tunnelConnections.Dec()
	tunnelConnectionsClosed.WithLabelValues(string(ev.Reason)).Inc()
	tunnelConnectionDuration.Observe(ev.Duration().Seconds())
}
