package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionLatency *prometheus.HistogramVec
	transitionTotal   *prometheus.CounterVec
	commandRetries    prometheus.Counter
	offersTotal       *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec, prometheus.Counter, *prometheus.CounterVec) {
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_transition_latency_seconds",
			Help:    "Latency of status transitions from first send to acknowledgment",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	total := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Status transitions by target and outcome",
		},
		[]string{"status", "outcome"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_transition_retries_total",
			Help: "Retransmissions of unacknowledged status transitions",
		},
	)
	offers := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_offers_total",
			Help: "Offers by outcome",
		},
		[]string{"outcome"},
	)
	return lat, total, retries, offers
}

func init() {
	transitionLatency, transitionTotal, commandRetries, offersTotal = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers coordinator metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(transitionLatency, transitionTotal, commandRetries, offersTotal)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	transitionLatency, transitionTotal, commandRetries, offersTotal = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
