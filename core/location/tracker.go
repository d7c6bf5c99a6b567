// Package location samples the worker position and keeps the last reading.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/roadside/core/logger"
	"github.com/kilianp07/roadside/core/model"
)

// Tracker wraps a Provider with freshness tracking and a periodic sampler.
// It never substitutes a default coordinate: without a reading, callers get
// an error.
type Tracker struct {
	provider Provider
	cfg      Config
	log      logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	last     model.Position
	lastAt   time.Time
	hasLast  bool
	cancel   context.CancelFunc
	done     chan struct{}
	outOfSeq uint64
}

// NewTracker creates a Tracker for provider.
func NewTracker(provider Provider, cfg Config, log logger.Logger) (*Tracker, error) {
	if provider == nil {
		return nil, fmt.Errorf("location provider is nil")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	return &Tracker{provider: provider, cfg: cfg, log: log, now: time.Now}, nil
}

// CurrentPosition returns the last reading while it is fresh, otherwise it
// reads the provider under the configured timeout.
func (t *Tracker) CurrentPosition(ctx context.Context) (model.Position, error) {
	t.mu.Lock()
	if t.hasLast && t.now().Sub(t.lastAt) <= t.cfg.Freshness() {
		p := t.last
		t.mu.Unlock()
		return p, nil
	}
	t.mu.Unlock()

	p, err := t.read(ctx)
	if err != nil {
		return model.Position{}, err
	}
	if !t.accept(p) {
		t.mu.Lock()
		p = t.last
		t.mu.Unlock()
	}
	return p, nil
}

// Last returns the most recent accepted reading with its staleness flag.
func (t *Tracker) Last() (model.Reading, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasLast {
		return model.Reading{}, false
	}
	return model.Reading{
		Position: t.last,
		Stale:    t.now().Sub(t.lastAt) > t.cfg.Freshness(),
	}, true
}

// StartTracking begins periodic sampling and calls onUpdate for every sample
// newer than the previous one. A running sampler is replaced.
func (t *Tracker) StartTracking(onUpdate func(model.Position)) error {
	if onUpdate == nil {
		return fmt.Errorf("onUpdate is nil")
	}
	t.StopTracking()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.run(ctx, onUpdate)
	}()
	return nil
}

// StopTracking stops the sampler and waits for it to exit. It is safe to call
// when not tracking. It must not be called from onUpdate.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tracking reports whether the sampler is running.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Discarded returns how many samples were dropped for arriving out of order.
func (t *Tracker) Discarded() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outOfSeq
}

func (t *Tracker) run(ctx context.Context, onUpdate func(model.Position)) {
	if w, ok := t.provider.(Watcher); ok {
		ch, err := w.Watch(ctx)
		if err == nil {
			t.consume(ctx, ch, onUpdate)
			return
		}
		t.log.Warnf("watch unavailable, polling instead: %v", err)
	}

	ticker := time.NewTicker(t.cfg.Interval())
	defer ticker.Stop()
	t.sample(ctx, onUpdate)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sample(ctx, onUpdate)
		}
	}
}

func (t *Tracker) consume(ctx context.Context, ch <-chan model.Position, onUpdate func(model.Position)) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			if t.accept(p) && ctx.Err() == nil {
				onUpdate(p)
			}
		}
	}
}

func (t *Tracker) sample(ctx context.Context, onUpdate func(model.Position)) {
	p, err := t.read(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.log.Warnf("location sample failed: %v", err)
		}
		return
	}
	if t.accept(p) && ctx.Err() == nil {
		onUpdate(p)
	}
}

func (t *Tracker) read(ctx context.Context) (model.Position, error) {
	rctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout())
	defer cancel()
	p, err := t.provider.Read(rctx)
	if err == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return model.Position{}, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return model.Position{}, fmt.Errorf("%w after %s", ErrTimeout, t.cfg.Timeout())
	}
	return model.Position{}, err
}

// accept stores p when its timestamp is strictly after the last one.
func (t *Tracker) accept(p model.Position) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasLast && !p.Timestamp.After(t.last.Timestamp) {
		t.outOfSeq++
		return false
	}
	t.last = p
	t.lastAt = t.now()
	t.hasLast = true
	return true
}
