// Package tunnelmetrics exposes Prometheus counters for tunnel frame
// traffic and handshake outcomes, mirroring
// internal/common/security/tee/metrics.go's pattern.
package tunnelmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_frames_total",
			Help: "Total number of tunnel frames processed",
		},
		[]string{"direction", "frame_type"}, // direction: inbound | outbound
	)

	handshakeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_handshakes_total",
			Help: "Total number of tunnel handshakes by outcome",
		},
		[]string{"outcome"}, // established | quote_rejected | failed
	)

	activeControlSockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_active_control_sockets",
			Help: "Number of currently established control sockets",
		},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_active_ws_streams",
			Help: "Number of currently registered logical WebSocket streams",
		},
	)
)

func init() {
	prometheus.MustRegister(framesTotal)
	prometheus.MustRegister(handshakeTotal)
	prometheus.MustRegister(activeControlSockets)
	prometheus.MustRegister(activeStreams)
}

// ObserveFrame records one processed frame.
func ObserveFrame(direction, frameType string) {
	framesTotal.WithLabelValues(direction, frameType).Inc()
}

// ObserveHandshake records a handshake outcome.
func ObserveHandshake(outcome string) {
	handshakeTotal.WithLabelValues(outcome).Inc()
}

// SetActiveControlSockets sets the current control-socket gauge.
func SetActiveControlSockets(n int) {
	activeControlSockets.Set(float64(n))
}

// SetActiveStreams sets the current logical-stream gauge.
func SetActiveStreams(n int) {
	activeStreams.Set(float64(n))
}
