// Package dispatch coordinates the worker side of job dispatch: availability,
// open offers, the single active job and its acknowledged status transitions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/roadside/core/ack"
	"github.com/kilianp07/roadside/core/events"
	"github.com/kilianp07/roadside/core/journal"
	"github.com/kilianp07/roadside/core/logger"
	"github.com/kilianp07/roadside/core/model"
	"github.com/kilianp07/roadside/core/protocol"
	"github.com/kilianp07/roadside/core/transport"
	"github.com/kilianp07/roadside/internal/eventbus"
)

// PositionSource supplies the location attached to status updates.
type PositionSource interface {
	Last() (model.Reading, bool)
}

// Pending describes a transition that was sent but not yet acknowledged.
type Pending struct {
	JobID     string          `json:"job_id"`
	Target    model.JobStatus `json:"target"`
	CommandID string          `json:"command_id"`
	Since     time.Time       `json:"since"`
	Attempts  int             `json:"attempts"`
}

// State is a consistent snapshot of the coordinator.
type State struct {
	Availability model.Availability `json:"availability"`
	Offers       []model.JobOffer   `json:"offers"`
	ActiveJob    *model.ActiveJob   `json:"active_job,omitempty"`
	Pending      *Pending           `json:"pending,omitempty"`
	CanAccept    bool               `json:"can_accept"`
}

// Coordinator owns availability, open offers and the active job. All state
// changes happen under mu; notifications are published while holding it so
// observers see them in the order the changes were applied.
type Coordinator struct {
	sender transport.Sender
	acks   *ack.Tracker
	bus    *eventbus.TypedBus[events.Notification]
	log    logger.Logger
	cfg    Config
	now    func() time.Time
	newID  func() string

	mu           sync.Mutex
	journal      journal.Store
	pos          PositionSource
	availability model.Availability
	offers       map[string]model.JobOffer
	order        []string
	closed       *recentSet
	active       *model.ActiveJob
	accepting    string
	pending      *Pending
	abortPending context.CancelCauseFunc

	queue  chan *advanceRequest
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a Coordinator and starts its transition worker and
// offer expiry sweep. A nil bus disables notifications.
func NewCoordinator(sender transport.Sender, acks *ack.Tracker, bus *eventbus.TypedBus[events.Notification], log logger.Logger, cfg Config) (*Coordinator, error) {
	if sender == nil || acks == nil || log == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewCoordinator")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sender:  sender,
		acks:    acks,
		bus:     bus,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
		journal: journal.NopStore{},
		offers:  make(map[string]model.JobOffer),
		closed:  newRecentSet(cfg.recentOffers()),
		queue:   make(chan *advanceRequest, cfg.queueSize()),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.wg.Add(2)
	go c.transitionLoop()
	go c.sweepLoop()
	return c, nil
}

// SetJournal configures the store receiving lifecycle records.
func (c *Coordinator) SetJournal(store journal.Store) {
	if store == nil {
		store = journal.NopStore{}
	}
	c.mu.Lock()
	c.journal = store
	c.mu.Unlock()
}

// SetPositionSource configures where status updates take their location from.
func (c *Coordinator) SetPositionSource(src PositionSource) {
	c.mu.Lock()
	c.pos = src
	c.mu.Unlock()
}

// Close stops the background loops. Queued advances fail with ErrClosed.
// State is left intact.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// GoOnline makes the worker eligible for offers.
func (c *Coordinator) GoOnline(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.availability == model.Online {
		return nil
	}
	c.availability = model.Online
	c.publish(events.AvailabilityChanged{Availability: model.Online})
	c.announceLocked(ctx, true)
	c.log.Infof("worker online")
	return nil
}

// GoOffline clears every open offer in one step. The active job, if any, is
// kept.
func (c *Coordinator) GoOffline(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.availability == model.Offline && len(c.order) == 0 {
		return nil
	}
	for _, id := range c.order {
		c.closed.add(id)
		offersTotal.WithLabelValues(events.RemovedOffline).Inc()
		c.publish(events.OfferRemoved{OfferID: id, Reason: events.RemovedOffline})
	}
	c.offers = make(map[string]model.JobOffer)
	c.order = nil
	if c.availability != model.Offline {
		c.availability = model.Offline
		c.publish(events.AvailabilityChanged{Availability: model.Offline})
		c.announceLocked(ctx, false)
	}
	c.log.Infof("worker offline")
	return nil
}

// Resync re-announces availability after the channel was re-established.
func (c *Coordinator) Resync(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.availability == model.Online {
		c.announceLocked(ctx, true)
	}
}

// HandleOffer admits a new offer. Offers received while offline, already
// expired or already seen are dropped.
func (c *Coordinator) HandleOffer(o model.JobOffer) error {
	c.mu.Lock()
	now := c.now()
	switch {
	case c.availability != model.Online:
		c.mu.Unlock()
		offersTotal.WithLabelValues("dropped_offline").Inc()
		c.log.Debugf("dropping offer %s while offline", o.ID)
		return nil
	case o.Expired(now):
		c.mu.Unlock()
		offersTotal.WithLabelValues(events.RemovedExpired).Inc()
		c.log.Debugf("dropping expired offer %s", o.ID)
		return nil
	case c.known(o.ID):
		c.mu.Unlock()
		offersTotal.WithLabelValues("duplicate").Inc()
		c.log.Debugf("ignoring duplicate offer %s", o.ID)
		return nil
	}
	c.offers[o.ID] = o
	c.order = append(c.order, o.ID)
	offersTotal.WithLabelValues("received").Inc()
	c.publish(events.OfferAdded{Offer: o, Acceptable: c.active == nil && c.accepting == ""})
	offer := o
	c.mu.Unlock()
	c.record(journal.Record{Timestamp: now, JobID: o.ID, Event: journal.EventOfferReceived, Offer: &offer})
	return nil
}

func (c *Coordinator) known(id string) bool {
	if _, ok := c.offers[id]; ok {
		return true
	}
	if c.active != nil && c.active.ID() == id {
		return true
	}
	return c.closed.has(id)
}

// Accept commits the offer as the active job and tells dispatch. A later
// negative verdict from dispatch withdraws the job with a JobCancelled
// notification.
//
// The ACCEPT_OFFER write happens outside the lock; a concurrent Accept fails
// with ErrJobAlreadyActive until it settles.
func (c *Coordinator) Accept(ctx context.Context, offerID string) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.mu.Lock()
	if c.availability != model.Online {
		c.mu.Unlock()
		return ErrNotOnline
	}
	if c.active != nil || c.accepting != "" {
		busy := c.accepting
		if c.active != nil {
			busy = c.active.ID()
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobAlreadyActive, busy)
	}
	offer, ok := c.offers[offerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOfferNoLongerAvailable, offerID)
	}
	now := c.now()
	if offer.Expired(now) {
		c.removeOfferLocked(offerID, events.RemovedExpired)
		c.mu.Unlock()
		c.record(journal.Record{Timestamp: now, JobID: offerID, Event: journal.EventOfferRemoved, Detail: events.RemovedExpired})
		return fmt.Errorf("%w: %s expired", ErrOfferNoLongerAvailable, offerID)
	}
	if c.sender.State() != model.Connected {
		c.mu.Unlock()
		return fmt.Errorf("accept %s: %w", offerID, transport.ErrNotConnected)
	}

	cmdID := c.newID()
	env, err := protocol.NewCommand(protocol.KindAcceptOffer, cmdID, protocol.AcceptOffer{OfferID: offerID})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.acks.Register(cmdID)
	c.accepting = offerID
	c.mu.Unlock()

	sendErr := c.sender.Send(ctx, env)

	c.mu.Lock()
	c.accepting = ""
	if sendErr != nil {
		c.acks.Forget(cmdID)
		c.mu.Unlock()
		return fmt.Errorf("accept %s: %w", offerID, sendErr)
	}
	// the offer may have been taken or cleared while the command was written
	if _, ok := c.offers[offerID]; !ok || c.availability != model.Online {
		c.acks.Forget(cmdID)
		c.mu.Unlock()
		return fmt.Errorf("%w: %s withdrawn during accept", ErrOfferNoLongerAvailable, offerID)
	}
	c.removeOfferLocked(offerID, events.RemovedAccepted)
	c.active = &model.ActiveJob{Offer: offer, Status: model.StatusAccepted, AcceptedAt: now, UpdatedAt: now, AcceptCommandID: cmdID}
	offersTotal.WithLabelValues(events.RemovedAccepted).Inc()
	c.publish(events.JobStatusChanged{JobID: offerID, From: model.StatusUnknown, To: model.StatusAccepted, Attempts: 1})
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Infof("accepted offer %s", offerID)
	c.record(journal.Record{Timestamp: now, JobID: offerID, Event: journal.EventAccepted, Status: model.StatusAccepted.String(), CommandID: cmdID, Offer: &offer})
	go c.awaitAcceptVerdict(offerID, cmdID)
	return nil
}

func (c *Coordinator) awaitAcceptVerdict(jobID, cmdID string) {
	defer c.wg.Done()
	wait := c.cfg.AckTimeout() * time.Duration(c.cfg.Attempts())
	res, err := c.acks.Wait(c.ctx, cmdID, wait)
	if err != nil {
		c.acks.Forget(cmdID)
		if errors.Is(err, ack.ErrAcknowledgmentTimeout) {
			c.log.Warnf("no verdict for accept of %s, keeping job", jobID)
		}
		return
	}
	if res.OK {
		c.log.Debugf("accept of %s confirmed", jobID)
		return
	}

	c.mu.Lock()
	if c.active == nil || c.active.ID() != jobID || c.active.AcceptCommandID != cmdID {
		c.mu.Unlock()
		return
	}
	reason := fmt.Sprintf("%v: %s", ErrOfferNoLongerAvailable, res.Reason)
	c.withdrawLocked(jobID, reason)
	offersTotal.WithLabelValues(events.RemovedTaken).Inc()
	c.mu.Unlock()

	c.log.Warnf("accept of %s rejected: %s", jobID, res.Reason)
	c.record(journal.Record{Timestamp: c.now(), JobID: jobID, Event: journal.EventCancelled, CommandID: cmdID, Detail: reason})
}

// Decline drops the offer locally and notifies dispatch without waiting for
// a verdict.
func (c *Coordinator) Decline(ctx context.Context, offerID, reason string) error {
	c.mu.Lock()
	if _, ok := c.offers[offerID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOfferNoLongerAvailable, offerID)
	}
	c.removeOfferLocked(offerID, events.RemovedDeclined)
	offersTotal.WithLabelValues(events.RemovedDeclined).Inc()
	c.mu.Unlock()
	env, err := protocol.NewCommand(protocol.KindDeclineOffer, c.newID(), protocol.DeclineOffer{OfferID: offerID, Reason: reason})
	if err == nil {
		err = c.sender.Send(ctx, env)
	}
	if err != nil {
		c.log.Warnf("decline notice for %s not delivered: %v", offerID, err)
	}
	c.record(journal.Record{Timestamp: c.now(), JobID: offerID, Event: journal.EventDeclined, Detail: reason})
	return nil
}

// HandleJobUpdate applies a server side change to an offer or the active job.
func (c *Coordinator) HandleJobUpdate(u protocol.JobUpdate) error {
	c.mu.Lock()
	now := c.now()

	if c.active != nil && c.active.ID() == u.JobID {
		switch u.Status {
		case protocol.UpdateCancelled, protocol.UpdateTaken, protocol.UpdateExpired:
			reason := u.Status
			if u.Reason != "" {
				reason += ": " + u.Reason
			}
			c.withdrawLocked(u.JobID, reason)
			c.mu.Unlock()
			c.log.Warnf("job %s withdrawn by dispatch: %s", u.JobID, reason)
			c.record(journal.Record{Timestamp: now, JobID: u.JobID, Event: journal.EventCancelled, Detail: reason})
			return nil
		}
		st, err := model.ParseJobStatus(u.Status)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("job %s update: %w", u.JobID, err)
		}
		if st <= c.active.Status || c.pending != nil {
			c.mu.Unlock()
			c.log.Debugf("ignoring %s update for job %s", st, u.JobID)
			return nil
		}
		from := c.active.Status
		c.active.Status = st
		c.active.UpdatedAt = now
		c.publish(events.JobStatusChanged{JobID: u.JobID, From: from, To: st})
		recs := []journal.Record{{Timestamp: now, JobID: u.JobID, Event: journal.EventStatus, Status: st.String(), Detail: "server update"}}
		if st.Terminal() {
			recs = append(recs, c.completeLocked(now))
		}
		c.mu.Unlock()
		c.record(recs...)
		return nil
	}

	if _, ok := c.offers[u.JobID]; ok {
		switch u.Status {
		case protocol.UpdateCancelled, protocol.UpdateTaken, protocol.UpdateExpired:
			c.removeOfferLocked(u.JobID, u.Status)
			offersTotal.WithLabelValues(u.Status).Inc()
			c.mu.Unlock()
			c.record(journal.Record{Timestamp: now, JobID: u.JobID, Event: journal.EventOfferRemoved, Detail: u.Status})
			return nil
		}
	}
	c.mu.Unlock()
	c.log.Debugf("ignoring update %s for unknown job %s", u.Status, u.JobID)
	return nil
}

// Availability returns the current availability.
func (c *Coordinator) Availability() model.Availability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availability
}

// OpenOffers returns the open offers in arrival order.
func (c *Coordinator) OpenOffers() []model.JobOffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offersLocked()
}

// ActiveJob returns a copy of the active job.
func (c *Coordinator) ActiveJob() (model.ActiveJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return model.ActiveJob{}, false
	}
	return *c.active, true
}

// Pending returns the transition awaiting acknowledgment, if any.
func (c *Coordinator) Pending() (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Pending{}, false
	}
	return *c.pending, true
}

// CanAccept reports whether an offer could be accepted right now.
func (c *Coordinator) CanAccept() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canAcceptLocked()
}

func (c *Coordinator) canAcceptLocked() bool {
	return c.availability == model.Online && c.active == nil && c.accepting == ""
}

// Snapshot returns the whole state at once.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		Availability: c.availability,
		Offers:       c.offersLocked(),
		CanAccept:    c.canAcceptLocked(),
	}
	if c.active != nil {
		job := *c.active
		s.ActiveJob = &job
	}
	if c.pending != nil {
		p := *c.pending
		s.Pending = &p
	}
	return s
}

func (c *Coordinator) offersLocked() []model.JobOffer {
	out := make([]model.JobOffer, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.offers[id])
	}
	return out
}

func (c *Coordinator) removeOfferLocked(id, reason string) {
	delete(c.offers, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.closed.add(id)
	c.publish(events.OfferRemoved{OfferID: id, Reason: reason})
}

// withdrawLocked drops the active job on dispatch's behalf and aborts its
// in-flight transition.
func (c *Coordinator) withdrawLocked(jobID, reason string) {
	c.active = nil
	if c.pending != nil && c.pending.JobID == jobID {
		c.abortPending(fmt.Errorf("%w: %s: %s", ErrJobWithdrawn, jobID, reason))
		c.pending = nil
		c.abortPending = nil
	}
	c.publish(events.JobCancelled{JobID: jobID, Reason: reason})
}

func (c *Coordinator) completeLocked(now time.Time) journal.Record {
	job := *c.active
	c.active = nil
	c.publish(events.JobCompleted{Job: job})
	c.log.Infof("job %s completed", job.ID())
	return journal.Record{Timestamp: now, JobID: job.ID(), Event: journal.EventCompleted, Status: model.StatusCompleted.String()}
}

func (c *Coordinator) announceLocked(ctx context.Context, online bool) {
	env, err := protocol.NewCommand(protocol.KindSetAvailability, "", protocol.SetAvailability{Online: online})
	if err == nil {
		err = c.sender.Send(ctx, env)
	}
	if err != nil {
		c.log.Warnf("availability announcement not delivered: %v", err)
	}
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Coordinator) sweepExpired() {
	c.mu.Lock()
	now := c.now()
	var recs []journal.Record
	for _, id := range append([]string(nil), c.order...) {
		if c.offers[id].Expired(now) {
			c.removeOfferLocked(id, events.RemovedExpired)
			offersTotal.WithLabelValues(events.RemovedExpired).Inc()
			recs = append(recs, journal.Record{Timestamp: now, JobID: id, Event: journal.EventOfferRemoved, Detail: events.RemovedExpired})
		}
	}
	c.mu.Unlock()
	c.record(recs...)
}

func (c *Coordinator) publish(n events.Notification) {
	if c.bus != nil {
		c.bus.Publish(n)
	}
}

func (c *Coordinator) record(recs ...journal.Record) {
	if len(recs) == 0 {
		return
	}
	c.mu.Lock()
	store := c.journal
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, r := range recs {
		if err := store.Append(ctx, r); err != nil {
			c.log.Errorw("journal append failed", err, map[string]any{"job_id": r.JobID, "event": r.Event})
		}
	}
}
