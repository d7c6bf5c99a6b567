package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/roadside/core/ack"
	"github.com/kilianp07/roadside/core/events"
	"github.com/kilianp07/roadside/core/journal"
	"github.com/kilianp07/roadside/core/model"
	"github.com/kilianp07/roadside/core/protocol"
)

type fixedPosition struct {
	r model.Reading
}

func (p fixedPosition) Last() (model.Reading, bool) { return p.r, true }

func acceptedFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := newFixture(t, cfg)
	f.online(t, offer("job-1"))
	require.NoError(t, f.c.Accept(context.Background(), "job-1"))
	return f
}

func status(t *testing.T, f *fixture) model.JobStatus {
	t.Helper()
	job, ok := f.c.ActiveJob()
	require.True(t, ok)
	return job.Status
}

func TestAdvanceAcknowledged(t *testing.T) {
	f := acceptedFixture(t, Config{})
	f.ackWith(protocol.KindAdvanceStatus, true)
	f.c.SetPositionSource(fixedPosition{r: model.Reading{Position: model.Position{Lat: 1, Lng: 2, Timestamp: time.Now()}}})

	require.NoError(t, f.c.Advance(context.Background(), model.StatusEnRoute))
	assert.Equal(t, model.StatusEnRoute, status(t, f))

	changed := waitFor[events.JobStatusChanged](t, f.notes)
	for changed.To != model.StatusEnRoute {
		changed = waitFor[events.JobStatusChanged](t, f.notes)
	}
	assert.Equal(t, model.StatusAccepted, changed.From)
	assert.Equal(t, 1, changed.Attempts)

	sent := f.sender.ofKind(protocol.KindAdvanceStatus)
	require.Len(t, sent, 1)
	var body protocol.AdvanceStatus
	require.NoError(t, protocol.DecodePayload(sent[0], &body))
	assert.Equal(t, "job-1", body.JobID)
	assert.Equal(t, model.StatusEnRoute, body.Status)
	require.NotNil(t, body.Location)
	assert.Equal(t, 1.0, body.Location.Lat)

	assert.Equal(t, 1.0, testutil.ToFloat64(transitionTotal.WithLabelValues("enroute", "ok")))
}

func TestAdvanceStalePositionOmitted(t *testing.T) {
	f := acceptedFixture(t, Config{})
	f.ackWith(protocol.KindAdvanceStatus, true)
	f.c.SetPositionSource(fixedPosition{r: model.Reading{Position: model.Position{Lat: 1, Lng: 2}, Stale: true}})

	require.NoError(t, f.c.Advance(context.Background(), model.StatusEnRoute))
	var body protocol.AdvanceStatus
	require.NoError(t, protocol.DecodePayload(f.sender.ofKind(protocol.KindAdvanceStatus)[0], &body))
	assert.Nil(t, body.Location)
}

func TestAdvanceOnlyToSuccessor(t *testing.T) {
	f := acceptedFixture(t, Config{})
	f.ackWith(protocol.KindAdvanceStatus, true)

	for _, target := range []model.JobStatus{model.StatusAccepted, model.StatusArrived, model.StatusCompleted} {
		err := f.c.Advance(context.Background(), target)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("advance to %s: expected ErrInvalidTransition, got %v", target, err)
		}
	}
	assert.Empty(t, f.sender.ofKind(protocol.KindAdvanceStatus))
	assert.Equal(t, model.StatusAccepted, status(t, f))
}

func TestAdvanceWithoutActiveJob(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.c.Advance(context.Background(), model.StatusEnRoute); !errors.Is(err, ErrNoActiveJob) {
		t.Fatalf("expected ErrNoActiveJob, got %v", err)
	}
}

func TestAdvanceNeverAcknowledged(t *testing.T) {
	f := acceptedFixture(t, Config{AckTimeoutMS: 10, MaxRetries: 2})

	err := f.c.Advance(context.Background(), model.StatusEnRoute)
	if !errors.Is(err, ack.ErrAcknowledgmentTimeout) {
		t.Fatalf("expected ErrAcknowledgmentTimeout, got %v", err)
	}
	assert.Equal(t, model.StatusAccepted, status(t, f))
	_, pending := f.c.Pending()
	assert.False(t, pending)

	sent := f.sender.ofKind(protocol.KindAdvanceStatus)
	require.Len(t, sent, 3)
	for _, env := range sent[1:] {
		assert.Equal(t, sent[0].CommandID, env.CommandID)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(commandRetries))

	failed := waitFor[events.TransitionFailed](t, f.notes)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, model.StatusEnRoute, failed.Target)
	assert.Contains(t, f.store.events(), journal.EventTransitionFailed)
}

func TestAdvanceAckedOnRetry(t *testing.T) {
	f := acceptedFixture(t, Config{AckTimeoutMS: 20, MaxRetries: 3})
	sends := 0
	f.sender.setHook(func(env protocol.Envelope) {
		if env.Type != protocol.KindAdvanceStatus {
			return
		}
		sends++
		if sends == 2 {
			go f.acks.Resolve(ack.Result{CommandID: env.CommandID, OK: true})
		}
	})

	require.NoError(t, f.c.Advance(context.Background(), model.StatusEnRoute))
	assert.Equal(t, model.StatusEnRoute, status(t, f))
	assert.Len(t, f.sender.ofKind(protocol.KindAdvanceStatus), 2)
}

func TestAdvanceRejected(t *testing.T) {
	f := acceptedFixture(t, Config{})
	f.ackWith(protocol.KindAdvanceStatus, false)

	err := f.c.Advance(context.Background(), model.StatusEnRoute)
	if !errors.Is(err, ErrTransitionRejected) {
		t.Fatalf("expected ErrTransitionRejected, got %v", err)
	}
	assert.Equal(t, model.StatusAccepted, status(t, f))
	assert.Len(t, f.sender.ofKind(protocol.KindAdvanceStatus), 1)
}

func TestAdvanceSendFailureReportsCause(t *testing.T) {
	f := acceptedFixture(t, Config{AckTimeoutMS: 5, MaxRetries: 1})
	sendErr := errors.New("socket closed")
	f.sender.mu.Lock()
	f.sender.err = sendErr
	f.sender.mu.Unlock()

	err := f.c.Advance(context.Background(), model.StatusEnRoute)
	if !errors.Is(err, ack.ErrAcknowledgmentTimeout) || !errors.Is(err, sendErr) {
		t.Fatalf("expected timeout wrapping the send error, got %v", err)
	}
}

func TestBackToBackAdvanceAfterFailure(t *testing.T) {
	f := acceptedFixture(t, Config{AckTimeoutMS: 20, MaxRetries: -1})

	first := make(chan error, 1)
	go func() { first <- f.c.Advance(context.Background(), model.StatusEnRoute) }()
	require.Eventually(t, func() bool {
		_, ok := f.c.Pending()
		return ok
	}, time.Second, time.Millisecond)

	// the second request is validated against the failed first one
	err := f.c.Advance(context.Background(), model.StatusArrived)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := <-first; !errors.Is(err, ack.ErrAcknowledgmentTimeout) {
		t.Fatalf("expected first advance to time out, got %v", err)
	}
	assert.Equal(t, model.StatusAccepted, status(t, f))
}

func TestBackToBackAdvanceAfterSuccess(t *testing.T) {
	f := acceptedFixture(t, Config{})
	f.ackWith(protocol.KindAdvanceStatus, true)

	first := make(chan error, 1)
	go func() { first <- f.c.Advance(context.Background(), model.StatusEnRoute) }()
	require.Eventually(t, func() bool {
		return len(f.sender.ofKind(protocol.KindAdvanceStatus)) > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, f.c.Advance(context.Background(), model.StatusArrived))
	require.NoError(t, <-first)
	assert.Equal(t, model.StatusArrived, status(t, f))
}

func TestFullLifecycleCompletesJob(t *testing.T) {
	f := acceptedFixture(t, Config{})
	f.ackWith(protocol.KindAdvanceStatus, true)

	for _, target := range []model.JobStatus{model.StatusEnRoute, model.StatusArrived, model.StatusInProgress, model.StatusCompleted} {
		require.NoError(t, f.c.Advance(context.Background(), target))
	}
	done := waitFor[events.JobCompleted](t, f.notes)
	assert.Equal(t, "job-1", done.Job.ID())
	assert.Equal(t, model.StatusCompleted, done.Job.Status)

	_, ok := f.c.ActiveJob()
	assert.False(t, ok)
	assert.True(t, f.c.CanAccept())
	if err := f.c.Advance(context.Background(), model.StatusCompleted); !errors.Is(err, ErrNoActiveJob) {
		t.Fatalf("expected ErrNoActiveJob after completion, got %v", err)
	}
	assert.Contains(t, f.store.events(), journal.EventCompleted)
}

func TestServerUpdateIgnoredWhileTransitionPending(t *testing.T) {
	f := acceptedFixture(t, Config{AckTimeoutMS: 50, MaxRetries: -1})

	done := make(chan error, 1)
	go func() { done <- f.c.Advance(context.Background(), model.StatusEnRoute) }()
	require.Eventually(t, func() bool {
		_, ok := f.c.Pending()
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, f.c.HandleJobUpdate(protocol.JobUpdate{JobID: "job-1", Status: "arrived"}))
	assert.Equal(t, model.StatusAccepted, status(t, f))
	<-done
}

func TestAdvanceCancelledByContext(t *testing.T) {
	f := acceptedFixture(t, Config{AckTimeoutMS: 1000})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := f.c.Advance(ctx, model.StatusEnRoute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	require.Eventually(t, func() bool {
		_, ok := f.c.Pending()
		return !ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, model.StatusAccepted, status(t, f))
}

func TestAdvanceAfterClose(t *testing.T) {
	f := acceptedFixture(t, Config{})
	require.NoError(t, f.c.Close())
	if err := f.c.Advance(context.Background(), model.StatusEnRoute); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWithdrawalAbortsPendingTransition(t *testing.T) {
	f := acceptedFixture(t, Config{AckTimeoutMS: 200, MaxRetries: 3})

	done := make(chan error, 1)
	go func() { done <- f.c.Advance(context.Background(), model.StatusEnRoute) }()
	require.Eventually(t, func() bool {
		return len(f.sender.ofKind(protocol.KindAdvanceStatus)) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, f.c.HandleJobUpdate(protocol.JobUpdate{JobID: "job-1", Status: protocol.UpdateCancelled, Reason: "customer left"}))
	_, pending := f.c.Pending()
	assert.False(t, pending)
	assert.Nil(t, f.c.Snapshot().Pending)

	select {
	case err := <-done:
		if !errors.Is(err, ErrJobWithdrawn) {
			t.Fatalf("expected ErrJobWithdrawn, got %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("advance still running after the job was withdrawn")
	}
	assert.Len(t, f.sender.ofKind(protocol.KindAdvanceStatus), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(transitionTotal.WithLabelValues(model.StatusEnRoute.String(), "withdrawn")))
	assert.NotContains(t, f.store.events(), journal.EventTransitionFailed)

	// the next job is not held up by the abandoned transition
	f.ackWith(protocol.KindAdvanceStatus, true)
	require.NoError(t, f.c.HandleOffer(offer("job-2")))
	require.NoError(t, f.c.Accept(context.Background(), "job-2"))
	require.NoError(t, f.c.Advance(context.Background(), model.StatusEnRoute))
	assert.Equal(t, model.StatusEnRoute, status(t, f))
}

func TestRejectedAcceptAbortsPendingTransition(t *testing.T) {
	f := newFixture(t, Config{AckTimeoutMS: 200, MaxRetries: 3})
	f.online(t, offer("job-1"))
	var acceptID string
	f.sender.setHook(func(env protocol.Envelope) {
		if env.Type == protocol.KindAcceptOffer {
			acceptID = env.CommandID
		}
	})
	require.NoError(t, f.c.Accept(context.Background(), "job-1"))

	done := make(chan error, 1)
	go func() { done <- f.c.Advance(context.Background(), model.StatusEnRoute) }()
	require.Eventually(t, func() bool {
		_, ok := f.c.Pending()
		return ok
	}, time.Second, time.Millisecond)

	f.acks.Resolve(ack.Result{CommandID: acceptID, Reason: "taken by another worker"})
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrJobWithdrawn)
	case <-time.After(time.Second):
		t.Fatalf("advance not aborted by the negative accept verdict")
	}
	_, ok := f.c.ActiveJob()
	assert.False(t, ok)
	_, pending := f.c.Pending()
	assert.False(t, pending)
}

func TestReportEmergency(t *testing.T) {
	f := acceptedFixture(t, Config{})
	f.ackWith(protocol.KindReportEmergency, true)
	f.c.SetPositionSource(fixedPosition{r: model.Reading{Position: model.Position{Lat: 45.5, Lng: 4.8, Timestamp: time.Now()}}})

	require.NoError(t, f.c.ReportEmergency(context.Background(), "vehicle_breakdown", "tow truck stuck on A7"))
	sent := f.sender.ofKind(protocol.KindReportEmergency)
	require.Len(t, sent, 1)
	assert.NotEmpty(t, sent[0].CommandID)
	var body protocol.ReportEmergency
	require.NoError(t, protocol.DecodePayload(sent[0], &body))
	assert.Equal(t, "job-1", body.JobID)
	assert.Equal(t, "vehicle_breakdown", body.Type)
	require.NotNil(t, body.Location)
	assert.Equal(t, 45.5, body.Location.Lat)
	assert.Contains(t, f.store.events(), journal.EventEmergency)
}

func TestReportEmergencyRetriedThenRejected(t *testing.T) {
	f := newFixture(t, Config{AckTimeoutMS: 10, MaxRetries: 2})
	sends := 0
	f.sender.setHook(func(env protocol.Envelope) {
		if env.Type != protocol.KindReportEmergency {
			return
		}
		sends++
		if sends == 2 {
			go f.acks.Resolve(ack.Result{CommandID: env.CommandID, Reason: "duplicate report"})
		}
	})

	err := f.c.ReportEmergency(context.Background(), "medical", "")
	require.ErrorIs(t, err, ErrEmergencyRejected)
	sent := f.sender.ofKind(protocol.KindReportEmergency)
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].CommandID, sent[1].CommandID)

	var body protocol.ReportEmergency
	require.NoError(t, protocol.DecodePayload(sent[0], &body))
	assert.Empty(t, body.JobID)
	assert.Nil(t, body.Location)

	if err := f.c.ReportEmergency(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected error without emergency type")
	}
}
