package dispatch

import "errors"

var (
	// ErrJobAlreadyActive is returned by Accept while another job is active.
	ErrJobAlreadyActive = errors.New("a job is already active")
	// ErrOfferNoLongerAvailable is returned when the offer expired, was
	// taken by another worker or is unknown.
	ErrOfferNoLongerAvailable = errors.New("offer no longer available")
	// ErrInvalidTransition is returned when the target is not the immediate
	// successor of the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoActiveJob is returned by Advance without an active job.
	ErrNoActiveJob = errors.New("no active job")
	// ErrNotOnline is returned by Accept while the worker is offline.
	ErrNotOnline = errors.New("worker is offline")
	// ErrTransitionRejected is returned when dispatch refuses a transition.
	ErrTransitionRejected = errors.New("transition rejected by dispatch")
	// ErrJobWithdrawn is returned by an Advance whose job was cancelled,
	// taken or expired by dispatch while the transition was in flight.
	ErrJobWithdrawn = errors.New("job withdrawn by dispatch")
	// ErrEmergencyRejected is returned when dispatch refuses an emergency
	// report.
	ErrEmergencyRejected = errors.New("emergency report rejected by dispatch")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
)
