package metrics

import (
	"errors"
	"io"

	"github.com/kilianp07/roadside/core/model"
)

// MultiSink fans events out to several sinks. Every sink is called even when
// an earlier one fails; the errors are joined.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordTransition forwards the event to all sinks.
func (m *MultiSink) RecordTransition(ev TransitionEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		errs = append(errs, s.RecordTransition(ev))
	}
	return errors.Join(errs...)
}

// RecordOffer forwards offer events to sinks supporting them.
func (m *MultiSink) RecordOffer(ev OfferEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(OfferRecorder); ok {
			errs = append(errs, rec.RecordOffer(ev))
		}
	}
	return errors.Join(errs...)
}

// RecordJob forwards job events to sinks supporting them.
func (m *MultiSink) RecordJob(ev JobEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(JobRecorder); ok {
			errs = append(errs, rec.RecordJob(ev))
		}
	}
	return errors.Join(errs...)
}

// RecordConnectivity forwards connectivity events to sinks supporting them.
func (m *MultiSink) RecordConnectivity(ev ConnectivityEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(ConnectivityRecorder); ok {
			errs = append(errs, rec.RecordConnectivity(ev))
		}
	}
	return errors.Join(errs...)
}

// RecordPosition forwards positions to sinks supporting them.
func (m *MultiSink) RecordPosition(workerID string, p model.Position) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(PositionRecorder); ok {
			errs = append(errs, rec.RecordPosition(workerID, p))
		}
	}
	return errors.Join(errs...)
}

// Close closes the sinks that hold resources.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.Sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
