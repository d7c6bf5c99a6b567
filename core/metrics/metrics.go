package metrics

import (
	"time"

	"github.com/kilianp07/roadside/core/model"
)

// TransitionEvent describes the outcome of one status transition.
type TransitionEvent struct {
	JobID        string
	From         model.JobStatus
	To           model.JobStatus
	Attempts     int
	Latency      time.Duration
	Acknowledged bool
	Error        string
	Time         time.Time
}

// MetricsSink records job lifecycle metrics.
type MetricsSink interface {
	RecordTransition(ev TransitionEvent) error
}

// OfferEvent records an offer entering or leaving the open set.
type OfferEvent struct {
	OfferID string
	Service model.ServiceCategory
	Price   float64
	Outcome string
	Time    time.Time
}

// OfferRecorder records offer events.
type OfferRecorder interface {
	RecordOffer(ev OfferEvent) error
}

// JobEvent records the end of a job.
type JobEvent struct {
	JobID    string
	Service  model.ServiceCategory
	Price    float64
	Outcome  string
	Duration time.Duration
	Time     time.Time
}

// JobRecorder records finished jobs.
type JobRecorder interface {
	RecordJob(ev JobEvent) error
}

// ConnectivityEvent captures a dispatch channel state change.
type ConnectivityEvent struct {
	State model.ConnectionState
	Lost  bool
	Time  time.Time
}

// ConnectivityRecorder records connectivity changes.
type ConnectivityRecorder interface {
	RecordConnectivity(ev ConnectivityEvent) error
}

// PositionRecorder records tracked positions.
type PositionRecorder interface {
	RecordPosition(workerID string, p model.Position) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordTransition(TransitionEvent) error      { return nil }
func (NopSink) RecordOffer(OfferEvent) error                { return nil }
func (NopSink) RecordJob(JobEvent) error                    { return nil }
func (NopSink) RecordConnectivity(ConnectivityEvent) error  { return nil }
func (NopSink) RecordPosition(string, model.Position) error { return nil }
