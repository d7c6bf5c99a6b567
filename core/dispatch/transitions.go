package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/roadside/core/ack"
	"github.com/kilianp07/roadside/core/events"
	"github.com/kilianp07/roadside/core/journal"
	"github.com/kilianp07/roadside/core/model"
	"github.com/kilianp07/roadside/core/protocol"
)

type advanceRequest struct {
	ctx    context.Context
	target model.JobStatus
	done   chan error
}

// Advance moves the active job to target once dispatch acknowledges it.
// Requests are served one at a time in arrival order and validated when they
// reach the head of the queue, so a second request issued while the first is
// in flight is checked against the outcome of the first.
//
// The local status only changes after a positive STATUS_ACK. Every retry
// reuses the command id of the first send.
func (c *Coordinator) Advance(ctx context.Context, target model.JobStatus) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	req := &advanceRequest{ctx: ctx, target: target, done: make(chan error, 1)}
	select {
	case c.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Coordinator) transitionLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.queue:
			req.done <- c.process(req)
		}
	}
}

func (c *Coordinator) process(req *advanceRequest) error {
	if err := req.ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancelCause(req.ctx)
	defer cancel(nil)
	stop := context.AfterFunc(c.ctx, func() { cancel(nil) })
	defer stop()

	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return ErrNoActiveJob
	}
	from := c.active.Status
	if next, ok := from.Next(); !ok || next != req.target {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, req.target)
	}
	jobID := c.active.ID()
	cmdID := c.newID()
	start := c.now()
	c.pending = &Pending{JobID: jobID, Target: req.target, CommandID: cmdID, Since: start}
	c.abortPending = cancel
	loc := c.locationLocked()
	c.mu.Unlock()

	env, err := protocol.NewCommand(protocol.KindAdvanceStatus, cmdID, protocol.AdvanceStatus{JobID: jobID, Status: req.target, Location: loc})
	if err != nil {
		c.fail(jobID, req.target, 0, err)
		return err
	}
	attempts, err := c.deliver(ctx, cmdID, env, ErrTransitionRejected)
	if cause := context.Cause(ctx); errors.Is(cause, ErrJobWithdrawn) {
		transitionTotal.WithLabelValues(req.target.String(), "withdrawn").Inc()
		c.log.Warnf("transition of %s to %s abandoned: %v", jobID, req.target, cause)
		return cause
	}
	if err != nil {
		c.fail(jobID, req.target, attempts, err)
		return err
	}
	return c.commit(jobID, from, req.target, cmdID, attempts, c.now().Sub(start))
}

// deliver sends env until a verdict arrives or the attempts are exhausted.
// A failed send still waits out the ack timeout since a previous attempt may
// have reached the server.
func (c *Coordinator) deliver(ctx context.Context, cmdID string, env protocol.Envelope, rejected error) (int, error) {
	c.acks.Register(cmdID)
	defer c.acks.Forget(cmdID)

	attempts := c.cfg.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			commandRetries.Inc()
			c.log.Debugf("retransmitting %s (attempt %d/%d)", cmdID, attempt, attempts)
		}
		c.mu.Lock()
		if c.pending != nil && c.pending.CommandID == cmdID {
			c.pending.Attempts = attempt
		}
		c.mu.Unlock()

		sendErr := c.sender.Send(ctx, env)
		if sendErr != nil {
			c.log.Warnf("send of %s failed: %v", cmdID, sendErr)
		}
		res, err := c.acks.Wait(ctx, cmdID, c.cfg.AckTimeout())
		if err == nil {
			if res.OK {
				return attempt, nil
			}
			return attempt, fmt.Errorf("%w: %s", rejected, res.Reason)
		}
		if !errors.Is(err, ack.ErrAcknowledgmentTimeout) {
			return attempt, err
		}
		lastErr = err
		if sendErr != nil {
			lastErr = sendErr
		}
	}
	return attempts, fmt.Errorf("%w after %d attempts: %w", ack.ErrAcknowledgmentTimeout, attempts, lastErr)
}

func (c *Coordinator) commit(jobID string, from, to model.JobStatus, cmdID string, attempts int, latency time.Duration) error {
	c.mu.Lock()
	c.pending = nil
	c.abortPending = nil
	if c.active == nil || c.active.ID() != jobID {
		c.mu.Unlock()
		transitionTotal.WithLabelValues(to.String(), "withdrawn").Inc()
		return fmt.Errorf("%w: %s", ErrJobWithdrawn, jobID)
	}
	now := c.now()
	c.active.Status = to
	c.active.UpdatedAt = now
	c.publish(events.JobStatusChanged{JobID: jobID, From: from, To: to, Attempts: attempts, Latency: latency})
	recs := []journal.Record{{Timestamp: now, JobID: jobID, Event: journal.EventStatus, Status: to.String(), CommandID: cmdID, Attempts: attempts}}
	if to.Terminal() {
		recs = append(recs, c.completeLocked(now))
	}
	c.mu.Unlock()

	transitionTotal.WithLabelValues(to.String(), "ok").Inc()
	transitionLatency.WithLabelValues(to.String()).Observe(latency.Seconds())
	c.log.Infof("job %s is now %s", jobID, to)
	c.record(recs...)
	return nil
}

func (c *Coordinator) fail(jobID string, target model.JobStatus, attempts int, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, ErrTransitionRejected):
		outcome = "rejected"
	case errors.Is(err, ack.ErrAcknowledgmentTimeout):
		outcome = "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	}
	transitionTotal.WithLabelValues(target.String(), outcome).Inc()

	c.mu.Lock()
	c.pending = nil
	c.abortPending = nil
	c.publish(events.TransitionFailed{JobID: jobID, Target: target, Attempts: attempts, Err: err})
	c.mu.Unlock()

	c.log.Errorw("status transition failed", err, map[string]any{"job_id": jobID, "target": target.String(), "attempts": attempts})
	c.record(journal.Record{Timestamp: c.now(), JobID: jobID, Event: journal.EventTransitionFailed, Status: target.String(), Attempts: attempts, Detail: err.Error()})
}

// locationLocked returns the last fresh position, or nil when none is known.
func (c *Coordinator) locationLocked() *model.Location {
	if c.pos == nil {
		return nil
	}
	r, ok := c.pos.Last()
	if !ok || r.Stale {
		return nil
	}
	loc := r.Position.Location()
	return &loc
}
