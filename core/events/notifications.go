package events

import (
	"time"

	"github.com/kilianp07/roadside/core/model"
)

// Notification is implemented by every event published on the bus.
type Notification interface {
	Name() string
}

// Offer removal reasons.
const (
	RemovedDeclined = "declined"
	RemovedExpired  = "expired"
	RemovedTaken    = "taken"
	RemovedOffline  = "offline"
	RemovedAccepted = "accepted"
)

// OfferAdded is published when an offer enters the open set. Acceptable is
// false while another job is active.
type OfferAdded struct {
	Offer      model.JobOffer
	Acceptable bool
}

func (OfferAdded) Name() string { return "offer_added" }

// OfferRemoved is published when an offer leaves the open set.
type OfferRemoved struct {
	OfferID string
	Reason  string
}

func (OfferRemoved) Name() string { return "offer_removed" }

// JobStatusChanged follows an acknowledged transition or an authoritative
// server update.
type JobStatusChanged struct {
	JobID    string
	From     model.JobStatus
	To       model.JobStatus
	Attempts int
	Latency  time.Duration
}

func (JobStatusChanged) Name() string { return "job_status_changed" }

// JobCompleted is published once the active job reaches Completed.
type JobCompleted struct {
	Job model.ActiveJob
}

func (JobCompleted) Name() string { return "job_completed" }

// JobCancelled is published when the active job is withdrawn by dispatch.
type JobCancelled struct {
	JobID  string
	Reason string
}

func (JobCancelled) Name() string { return "job_cancelled" }

// TransitionFailed reports a transition that was rejected or never
// acknowledged. The job keeps its last acknowledged status.
type TransitionFailed struct {
	JobID    string
	Target   model.JobStatus
	Attempts int
	Err      error
}

func (TransitionFailed) Name() string { return "transition_failed" }

// MessageReceived is published for every new chat message.
type MessageReceived struct {
	Message model.ChatMessage
}

func (MessageReceived) Name() string { return "message_received" }

// ConnectivityChanged mirrors the dispatch channel state. Lost is set once
// reconnection has been abandoned.
type ConnectivityChanged struct {
	State  model.ConnectionState
	Lost   bool
	Reason string
}

func (ConnectivityChanged) Name() string { return "connectivity_changed" }

// AvailabilityChanged is published when the worker goes online or offline.
type AvailabilityChanged struct {
	Availability model.Availability
}

func (AvailabilityChanged) Name() string { return "availability_changed" }

// PositionSampled is published for every accepted tracking sample.
type PositionSampled struct {
	Position model.Position
}

func (PositionSampled) Name() string { return "position_sampled" }
