// Package ack correlates outbound commands with the STATUS_ACK frames the
// dispatch server sends back.
package ack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAcknowledgmentTimeout is returned when no verdict arrives in time.
var ErrAcknowledgmentTimeout = errors.New("acknowledgment timeout")

// Result is the server verdict for one command.
type Result struct {
	CommandID string
	OK        bool
	Reason    string
}

// Tracker stores a buffered channel per pending command id. Acks for unknown
// ids are ignored.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]chan Result
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]chan Result)}
}

// Register starts tracking id. Registering an id twice keeps the first
// channel so a retransmission still sees an ack that raced ahead of it.
func (t *Tracker) Register(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		t.pending[id] = make(chan Result, 1)
	}
}

// Resolve delivers a verdict. It reports whether the id was pending.
func (t *Tracker) Resolve(r Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[r.CommandID]
	if !ok {
		return false
	}
	select {
	case ch <- r:
	default:
	}
	return true
}

// Wait blocks until the verdict for id arrives, the timeout elapses or ctx is
// done. A timeout leaves the id registered so the caller may retransmit and
// wait again; call Forget once done.
func (t *Tracker) Wait(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	t.mu.Lock()
	ch := t.pending[id]
	t.mu.Unlock()
	if ch == nil {
		return Result{}, fmt.Errorf("unknown command %s", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		t.Forget(id)
		return r, nil
	case <-timer.C:
		return Result{}, fmt.Errorf("command %s: %w", id, ErrAcknowledgmentTimeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Forget stops tracking id.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Pending returns the number of commands awaiting a verdict.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
