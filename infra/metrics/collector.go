package metrics

import (
	"context"
	"time"

	"github.com/kilianp07/roadside/core/events"
	coremetrics "github.com/kilianp07/roadside/core/metrics"
	"github.com/kilianp07/roadside/infra/logger"
	"github.com/kilianp07/roadside/internal/eventbus"
)

// StartEventCollector subscribes to the notification bus and records metrics
// for the events it understands. It stops when the context is canceled or
// the bus is closed.
func StartEventCollector(ctx context.Context, bus *eventbus.TypedBus[events.Notification], workerID string, sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	log := logger.New("metrics-collector")
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := record(sink, workerID, ev, time.Now()); err != nil {
					log.Warnf("record %s: %v", ev.Name(), err)
				}
			}
		}
	}()
}

func record(sink coremetrics.MetricsSink, workerID string, ev events.Notification, now time.Time) error {
	switch e := ev.(type) {
	case events.JobStatusChanged:
		return sink.RecordTransition(coremetrics.TransitionEvent{
			JobID:        e.JobID,
			From:         e.From,
			To:           e.To,
			Attempts:     e.Attempts,
			Latency:      e.Latency,
			Acknowledged: true,
			Time:         now,
		})
	case events.TransitionFailed:
		errStr := ""
		if e.Err != nil {
			errStr = e.Err.Error()
		}
		return sink.RecordTransition(coremetrics.TransitionEvent{
			JobID:    e.JobID,
			To:       e.Target,
			Attempts: e.Attempts,
			Error:    errStr,
			Time:     now,
		})
	case events.OfferAdded:
		if r, ok := sink.(coremetrics.OfferRecorder); ok {
			return r.RecordOffer(coremetrics.OfferEvent{
				OfferID: e.Offer.ID,
				Service: e.Offer.Service,
				Price:   e.Offer.Price,
				Outcome: "received",
				Time:    now,
			})
		}
	case events.OfferRemoved:
		if r, ok := sink.(coremetrics.OfferRecorder); ok {
			return r.RecordOffer(coremetrics.OfferEvent{OfferID: e.OfferID, Outcome: e.Reason, Time: now})
		}
	case events.JobCompleted:
		if r, ok := sink.(coremetrics.JobRecorder); ok {
			return r.RecordJob(coremetrics.JobEvent{
				JobID:    e.Job.ID(),
				Service:  e.Job.Offer.Service,
				Price:    e.Job.Offer.Price,
				Outcome:  "completed",
				Duration: e.Job.UpdatedAt.Sub(e.Job.AcceptedAt),
				Time:     now,
			})
		}
	case events.JobCancelled:
		if r, ok := sink.(coremetrics.JobRecorder); ok {
			return r.RecordJob(coremetrics.JobEvent{JobID: e.JobID, Outcome: "cancelled", Time: now})
		}
	case events.ConnectivityChanged:
		if r, ok := sink.(coremetrics.ConnectivityRecorder); ok {
			return r.RecordConnectivity(coremetrics.ConnectivityEvent{State: e.State, Lost: e.Lost, Time: now})
		}
	case events.PositionSampled:
		if r, ok := sink.(coremetrics.PositionRecorder); ok {
			return r.RecordPosition(workerID, e.Position)
		}
	}
	return nil
}
