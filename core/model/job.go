package model

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle stage of an accepted job. Values are ordered and
// a job only ever moves to the immediate successor.
type JobStatus int

const (
	StatusUnknown JobStatus = iota
	StatusAccepted
	StatusEnRoute
	StatusArrived
	StatusInProgress
	StatusCompleted
)

// String returns the wire representation of the status.
func (s JobStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusEnRoute:
		return "enroute"
	case StatusArrived:
		return "arrived"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Next returns the immediate successor. Completed has none.
func (s JobStatus) Next() (JobStatus, bool) {
	if s < StatusAccepted || s >= StatusCompleted {
		return StatusUnknown, false
	}
	return s + 1, true
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool { return s == StatusCompleted }

// Valid reports whether s is one of the ordered lifecycle statuses.
func (s JobStatus) Valid() bool { return s >= StatusAccepted && s <= StatusCompleted }

// ParseJobStatus accepts the canonical wire strings and the legacy spellings
// used by older dispatch servers.
func ParseJobStatus(v string) (JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "accepted":
		return StatusAccepted, nil
	case "enroute", "en_route", "en-route":
		return StatusEnRoute, nil
	case "arrived":
		return StatusArrived, nil
	case "in_progress", "inprogress", "in-progress":
		return StatusInProgress, nil
	case "completed":
		return StatusCompleted, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown job status %q", v)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *JobStatus) UnmarshalText(b []byte) error {
	v, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ActiveJob is the single job the worker is currently committed to.
type ActiveJob struct {
	Offer      JobOffer  `json:"offer"`
	Status     JobStatus `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	// AcceptCommandID correlates the server verdict on the accept command.
	AcceptCommandID string `json:"accept_command_id,omitempty"`
}

// ID returns the job identifier, which is the identifier of the accepted offer.
func (j ActiveJob) ID() string { return j.Offer.ID }
