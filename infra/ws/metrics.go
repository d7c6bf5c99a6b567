package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	reconnectAttempts prometheus.Counter
	dialFailures      prometheus.Counter
	framesTotal       *prometheus.CounterVec
	connectionState   prometheus.Gauge
)

// newCollectors creates new metric collectors.
func newCollectors() (prometheus.Counter, prometheus.Counter, *prometheus.CounterVec, prometheus.Gauge) {
	attempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_reconnect_attempts_total",
		Help: "Reconnect attempts on the dispatch channel",
	})
	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_dial_failures_total",
		Help: "Failed dials of the dispatch channel",
	})
	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_frames_total",
		Help: "Frames exchanged on the dispatch channel",
	}, []string{"direction"})
	state := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_connection_state",
		Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
	})
	return attempts, failures, frames, state
}

func init() {
	reconnectAttempts, dialFailures, framesTotal, connectionState = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers connection metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(reconnectAttempts, dialFailures, framesTotal, connectionState)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	reconnectAttempts, dialFailures, framesTotal, connectionState = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
