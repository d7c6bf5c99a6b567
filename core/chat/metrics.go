package chat

import "github.com/prometheus/client_golang/prometheus"

var messagesTotal *prometheus.CounterVec

func newCollectors() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat messages by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)
}

func init() {
	messagesTotal = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers chat metrics on reg, or the default
// registerer when reg is nil.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(messagesTotal)
}

// ResetMetrics recreates the collectors for tests.
func ResetMetrics(reg prometheus.Registerer) {
	messagesTotal = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
