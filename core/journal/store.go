// Package journal keeps an append-only history of the worker's offers and
// job lifecycle steps. The dispatch server remains the source of truth; the
// journal backs the local history view and post-shift audits.
package journal

import (
	"context"
	"time"

	"github.com/kilianp07/roadside/core/model"
)

// Journal event names.
const (
	EventOfferReceived    = "offer_received"
	EventOfferRemoved     = "offer_removed"
	EventAccepted         = "accepted"
	EventDeclined         = "declined"
	EventStatus           = "status"
	EventCompleted        = "completed"
	EventCancelled        = "cancelled"
	EventTransitionFailed = "transition_failed"
	EventEmergency        = "emergency"
)

// Record captures one lifecycle step.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	JobID     string          `json:"job_id"`
	Event     string          `json:"event"`
	Status    string          `json:"status,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Offer     *model.JobOffer `json:"offer,omitempty"`
}

// Query filters records. Zero values match everything.
type Query struct {
	Start time.Time
	End   time.Time
	JobID string
	Event string
	Limit int
}

func (q Query) match(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.JobID != "" && r.JobID != q.JobID {
		return false
	}
	if q.Event != "" && r.Event != q.Event {
		return false
	}
	return true
}

// Store persists records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// NopStore discards records.
type NopStore struct{}

func (NopStore) Append(context.Context, Record) error           { return nil }
func (NopStore) Query(context.Context, Query) ([]Record, error) { return nil, nil }
func (NopStore) Close() error                                   { return nil }
