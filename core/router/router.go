// Package router demultiplexes inbound dispatch frames to typed handlers.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/roadside/core/logger"
	"github.com/kilianp07/roadside/core/protocol"
)

// Handler processes one decoded event. Errors are logged; they never stop
// the remaining handlers.
type Handler func(protocol.Event) error

// SubscriptionID identifies a registration for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id SubscriptionID
	h  Handler
}

// Router decodes frames and invokes the handlers registered for their kind
// in subscription order.
type Router struct {
	mu     sync.RWMutex
	subs   map[protocol.Kind][]subscription
	nextID SubscriptionID
	log    logger.Logger
}

// New creates a Router.
func New(log logger.Logger) *Router {
	return &Router{subs: make(map[protocol.Kind][]subscription), log: log}
}

// Subscribe registers h for kind.
func (r *Router) Subscribe(kind protocol.Kind, h Handler) SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs[kind] = append(r.subs[kind], subscription{id: r.nextID, h: h})
	return r.nextID
}

// Unsubscribe removes a registration. Dispatches already in progress still
// see the handler.
func (r *Router) Unsubscribe(kind protocol.Kind, id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[kind]
	for i, s := range list {
		if s.id == id {
			next := make([]subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			r.subs[kind] = next
			return true
		}
	}
	return false
}

// Handle registers a handler that receives the payload already asserted to T.
func Handle[T any](r *Router, kind protocol.Kind, fn func(protocol.Event, T) error) SubscriptionID {
	return r.Subscribe(kind, func(ev protocol.Event) error {
		p, ok := ev.Payload.(T)
		if !ok {
			return fmt.Errorf("%w: %s payload is %T", protocol.ErrMalformedEvent, kind, ev.Payload)
		}
		return fn(ev, p)
	})
}

// Dispatch decodes raw and runs the matching handlers. Malformed frames are
// logged, counted and returned as an error wrapping
// protocol.ErrMalformedEvent; they never panic.
func (r *Router) Dispatch(raw []byte) error {
	ev, err := protocol.Decode(raw)
	if err != nil {
		malformedFrames.Inc()
		r.log.Warnf("dropping frame: %v", err)
		return err
	}
	framesRouted.WithLabelValues(string(ev.Kind)).Inc()

	r.mu.RLock()
	snapshot := r.subs[ev.Kind]
	r.mu.RUnlock()
	if len(snapshot) == 0 {
		r.log.Debugf("no handler for %s", ev.Kind)
		return nil
	}

	var errs []error
	for _, s := range snapshot {
		if herr := r.invoke(s, ev); herr != nil {
			handlerErrors.WithLabelValues(string(ev.Kind)).Inc()
			r.log.Errorw("handler failed", herr, map[string]any{"kind": string(ev.Kind), "subscription": uint64(s.id)})
			errs = append(errs, herr)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) invoke(s subscription, ev protocol.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return s.h(ev)
}

var (
	framesRouted    *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	malformedFrames prometheus.Counter
)

func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter) {
	routed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_frames_total",
		Help: "Inbound frames routed by kind",
	}, []string{"kind"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_handler_errors_total",
		Help: "Handler errors and panics by kind",
	}, []string{"kind"})
	malformed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_malformed_frames_total",
		Help: "Inbound frames dropped because they could not be decoded",
	})
	return routed, failed, malformed
}

func init() {
	framesRouted, handlerErrors, malformedFrames = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers router metrics on reg, or on the default
// registerer when reg is nil.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(framesRouted, handlerErrors, malformedFrames)
}

// ResetMetrics recreates the collectors for tests and registers them on reg
// when not nil.
func ResetMetrics(reg prometheus.Registerer) {
	framesRouted, handlerErrors, malformedFrames = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
