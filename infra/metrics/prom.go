package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/roadside/core/metrics"
	"github.com/kilianp07/roadside/core/model"
)

// PromSink records job lifecycle events in Prometheus metrics.
type PromSink struct {
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	offers      *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	earnings    prometheus.Counter
	connected   prometheus.Gauge
}

// NewPromSink registers the sink metrics on the default Prometheus registerer.
func NewPromSink() (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered under the same name are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_transitions_total",
			Help: "Job status transitions by target status and acknowledgment",
		}, []string{"status", "acknowledged"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worker_transition_latency_seconds",
			Help:    "Time between first send and acknowledgment",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_offers_total",
			Help: "Offers seen by the worker by outcome",
		}, []string{"outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_total",
			Help: "Finished jobs by service and outcome",
		}, []string{"service", "outcome"}),
		earnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_earnings_total",
			Help: "Sum of the prices of completed jobs",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_dispatch_connected",
			Help: "1 while the dispatch channel is connected",
		}),
	}
	var err error
	if s.transitions, err = register(reg, s.transitions); err != nil {
		return nil, err
	}
	if s.latency, err = register(reg, s.latency); err != nil {
		return nil, err
	}
	if s.offers, err = register(reg, s.offers); err != nil {
		return nil, err
	}
	if s.jobs, err = register(reg, s.jobs); err != nil {
		return nil, err
	}
	if s.earnings, err = register(reg, s.earnings); err != nil {
		return nil, err
	}
	if s.connected, err = register(reg, s.connected); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordTransition counts the transition and observes its latency when it
// was acknowledged.
func (s *PromSink) RecordTransition(ev coremetrics.TransitionEvent) error {
	s.transitions.WithLabelValues(ev.To.String(), strconv.FormatBool(ev.Acknowledged)).Inc()
	if ev.Acknowledged && ev.Latency > 0 {
		s.latency.WithLabelValues(ev.To.String()).Observe(ev.Latency.Seconds())
	}
	return nil
}

// RecordOffer counts offers by outcome.
func (s *PromSink) RecordOffer(ev coremetrics.OfferEvent) error {
	s.offers.WithLabelValues(ev.Outcome).Inc()
	return nil
}

// RecordJob counts finished jobs and accumulates earnings of completed ones.
func (s *PromSink) RecordJob(ev coremetrics.JobEvent) error {
	s.jobs.WithLabelValues(string(ev.Service), ev.Outcome).Inc()
	if ev.Outcome == "completed" && ev.Price > 0 {
		s.earnings.Add(ev.Price)
	}
	return nil
}

// RecordConnectivity sets the connected gauge.
func (s *PromSink) RecordConnectivity(ev coremetrics.ConnectivityEvent) error {
	if ev.State == model.Connected {
		s.connected.Set(1)
	} else {
		s.connected.Set(0)
	}
	return nil
}
