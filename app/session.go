// Package app wires a worker session: the dispatch channel, the event
// router, the job coordinator, chat, location tracking and the ambient
// metrics, journal and state API.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kilianp07/roadside/api"
	"github.com/kilianp07/roadside/api/state"
	"github.com/kilianp07/roadside/auth"
	"github.com/kilianp07/roadside/config"
	"github.com/kilianp07/roadside/core/ack"
	"github.com/kilianp07/roadside/core/chat"
	"github.com/kilianp07/roadside/core/dispatch"
	"github.com/kilianp07/roadside/core/events"
	"github.com/kilianp07/roadside/core/journal"
	"github.com/kilianp07/roadside/core/location"
	coremetrics "github.com/kilianp07/roadside/core/metrics"
	"github.com/kilianp07/roadside/core/model"
	coremon "github.com/kilianp07/roadside/core/monitoring"
	"github.com/kilianp07/roadside/core/protocol"
	"github.com/kilianp07/roadside/core/router"
	"github.com/kilianp07/roadside/core/transport"
	"github.com/kilianp07/roadside/infra/logger"
	"github.com/kilianp07/roadside/infra/metrics"
	"github.com/kilianp07/roadside/infra/ws"
	"github.com/kilianp07/roadside/internal/eventbus"

	// location providers and relays register themselves
	_ "github.com/kilianp07/roadside/infra/gps"
	_ "github.com/kilianp07/roadside/infra/kafka"
	_ "github.com/kilianp07/roadside/infra/mqtt"
)

// Session is one worker shift against the dispatch server.
type Session struct {
	cfg      *config.Config
	workerID string
	tokens   transport.TokenSource
	log      logger.Logger

	bus     *eventbus.TypedBus[events.Notification]
	acks    *ack.Tracker
	router  *router.Router
	conn    *ws.Manager
	coord   *dispatch.Coordinator
	chat    *chat.Channel
	tracker *location.Tracker
	relays  []location.Relay
	journal journal.Store
	sink    coremetrics.MetricsSink

	mu         sync.Mutex
	running    bool
	autoOnline sync.Once
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a session from cfg. Nothing is started.
func New(cfg *config.Config) (_ *Session, err error) {
	log := logger.New("session")
	tokens, err := auth.NewTokenSource(cfg.Identity.Auth)
	if err != nil {
		return nil, err
	}
	workerID, err := resolveWorkerID(cfg.Identity, tokens)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		workerID: workerID,
		tokens:   tokens,
		log:      log,
		bus:      eventbus.NewTyped[events.Notification](),
		acks:     ack.NewTracker(),
		router:   router.New(logger.New("router")),
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.conn, err = ws.NewManager(cfg.Connection, s.onFrame, logger.New("ws"))
	if err != nil {
		return nil, fmt.Errorf("dispatch channel: %w", err)
	}
	s.coord, err = dispatch.NewCoordinator(s.conn, s.acks, s.bus, logger.New("dispatch"), cfg.Dispatch)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	s.chat, err = chat.NewChannel(workerID, s.conn, s.acks, s.bus, logger.New("chat"), cfg.Chat)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	s.journal, err = journal.Open(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	s.coord.SetJournal(s.journal)

	if cfg.Location.Provider.Type != "" {
		provider, err := location.NewProvider(cfg.Location.Provider)
		if err != nil {
			return nil, fmt.Errorf("location provider: %w", err)
		}
		s.tracker, err = location.NewTracker(provider, cfg.Location, logger.New("location"))
		if err != nil {
			return nil, err
		}
		s.coord.SetPositionSource(s.tracker)
	}
	s.relays, err = location.NewRelays(cfg.Location.Relays)
	if err != nil {
		return nil, fmt.Errorf("location relays: %w", err)
	}

	s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}

	s.subscribe()
	return s, nil
}

func resolveWorkerID(cfg config.IdentityConfig, tokens transport.TokenSource) (string, error) {
	if cfg.WorkerID != "" {
		return cfg.WorkerID, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tok, err := tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	id, err := auth.IdentityFromToken(tok)
	if err != nil {
		return "", fmt.Errorf("identity.worker_id not set and token unusable: %w", err)
	}
	return id.WorkerID, nil
}

func (s *Session) onFrame(raw []byte) {
	// errors are logged and counted by the router
	_ = s.router.Dispatch(raw)
}

func (s *Session) subscribe() {
	router.Handle(s.router, protocol.KindNewOffer, func(_ protocol.Event, p protocol.NewOffer) error {
		return s.coord.HandleOffer(p.Offer())
	})
	router.Handle(s.router, protocol.KindJobUpdate, func(_ protocol.Event, p protocol.JobUpdate) error {
		return s.coord.HandleJobUpdate(p)
	})
	router.Handle(s.router, protocol.KindMessage, func(_ protocol.Event, p protocol.Message) error {
		return s.chat.HandleInbound(p)
	})
	router.Handle(s.router, protocol.KindStatusAck, func(_ protocol.Event, p protocol.StatusAck) error {
		if !s.acks.Resolve(ack.Result{CommandID: p.CommandID, OK: p.OK(), Reason: p.Reason}) {
			s.log.Debugf("ack for unknown command %s", p.CommandID)
		}
		return nil
	})
	router.Handle(s.router, protocol.KindConnectionClosed, func(_ protocol.Event, p protocol.ConnectionClosed) error {
		s.log.Warnf("dispatch is closing the channel: %s", p.Reason)
		return nil
	})
}

// Start connects to dispatch and starts tracking, metrics collection and
// the state API. It returns once the first connection attempt is settled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	metrics.StartEventCollector(runCtx, s.bus, s.workerID, s.sink)

	notes := s.bus.Subscribe()
	connEvents := s.conn.Events()
	s.wg.Add(2)
	go s.pumpNotifications(runCtx, notes)
	go s.pumpConnectivity(runCtx, connEvents)

	if err := s.conn.Connect(ctx, transport.Identity{WorkerID: s.workerID, Source: s.tokens}); err != nil {
		s.Stop()
		return err
	}

	if s.tracker != nil {
		if err := s.tracker.StartTracking(func(p model.Position) { s.onPosition(runCtx, p) }); err != nil {
			s.Stop()
			return err
		}
	}
	s.serveHTTP(runCtx)
	s.log.Infof("session started for worker %s", s.workerID)
	return nil
}

func (s *Session) serveHTTP(ctx context.Context) {
	var handler *state.Handler
	addr := s.cfg.API.Addr
	if addr != "" {
		handler = &state.Handler{WorkerID: s.workerID, Dispatch: s.coord, Messages: s.chat, Conn: s.conn}
		if s.tracker != nil {
			handler.Pos = s.tracker
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer coremon.Contain("http", nil)
		switch {
		case addr != "":
			r := api.NewRouter(s.cfg.API.Token, handler, s.journal, nil, logger.New("api"))
			if err := api.Serve(ctx, addr, r, logger.New("api")); err != nil {
				s.log.Errorf("state api: %v", err)
				coremon.CaptureException(err, map[string]string{"component": "api"})
			}
		case s.cfg.Metrics.PrometheusAddr != "":
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}
	}()
}

func (s *Session) pumpConnectivity(ctx context.Context, ch <-chan transport.Event) {
	defer s.wg.Done()
	defer s.conn.Unsubscribe(ch)
	defer coremon.Contain("connectivity", nil)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == transport.EventMessageReceived {
				continue
			}
			reason := ""
			if ev.Err != nil {
				reason = ev.Err.Error()
			}
			s.bus.Publish(events.ConnectivityChanged{State: ev.State, Lost: ev.Fatal, Reason: reason})
			switch {
			case ev.Type == transport.EventConnected:
				s.onConnected(ctx)
			case ev.Fatal:
				coremon.CaptureException(ev.Err, map[string]string{"component": "ws", "worker_id": s.workerID})
			}
		}
	}
}

// onConnected tells every new connection, including the first one after a
// restart, whether the worker is online. AutoOnline applies once per session
// so a worker who went offline stays offline across reconnects.
func (s *Session) onConnected(ctx context.Context) {
	if s.coord.Availability() == model.Online {
		s.coord.Resync(ctx)
		return
	}
	if !s.cfg.AutoOnline {
		return
	}
	s.autoOnline.Do(func() {
		if err := s.coord.GoOnline(ctx); err != nil {
			s.log.Warnf("go online: %v", err)
		}
	})
}

// pumpNotifications drops the chat of finished jobs once a new job starts.
func (s *Session) pumpNotifications(ctx context.Context, ch <-chan events.Notification) {
	defer s.wg.Done()
	defer s.bus.Unsubscribe(ch)
	defer coremon.Contain("notifications", nil)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if c, ok := n.(events.JobStatusChanged); ok && c.To == model.StatusAccepted {
				s.chat.Retain(c.JobID)
			}
		}
	}
}

func (s *Session) onPosition(ctx context.Context, p model.Position) {
	s.bus.Publish(events.PositionSampled{Position: p})
	// samples stay local while offline
	if s.coord.Availability() != model.Online {
		return
	}
	env, err := protocol.NewCommand(protocol.KindUpdateLocation, "", protocol.LocationUpdate(p))
	if err == nil {
		err = s.conn.Send(ctx, env)
	}
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		s.log.Warnf("share location: %v", err)
	}
	for _, r := range s.relays {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.Location.Timeout())
		if err := r.PublishPosition(rctx, s.workerID, p); err != nil {
			s.log.Warnf("relay position: %v", err)
		}
		cancel()
	}
}

// Stop stops tracking and background loops and closes the channel without
// reconnecting. Coordinator and chat state are kept; Start may be called
// again.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if s.tracker != nil {
		s.tracker.StopTracking()
	}
	if err := s.conn.Disconnect(); err != nil {
		s.log.Warnf("disconnect: %v", err)
	}
	cancel()
	s.wg.Wait()
	s.log.Infof("session stopped")
}

// Close stops the session and releases every resource.
func (s *Session) Close() error {
	if s.conn != nil {
		s.Stop()
	}
	var errs []error
	if s.coord != nil {
		errs = append(errs, s.coord.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	for _, r := range s.relays {
		errs = append(errs, r.Close())
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if c, ok := s.sink.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	s.bus.Close()
	return errors.Join(errs...)
}

// WorkerID returns the authenticated worker.
func (s *Session) WorkerID() string { return s.workerID }

// Coordinator returns the job coordinator.
func (s *Session) Coordinator() *dispatch.Coordinator { return s.coord }

// Chat returns the per-job message channel.
func (s *Session) Chat() *chat.Channel { return s.chat }

// Tracker returns the location tracker, nil when no provider is configured.
func (s *Session) Tracker() *location.Tracker { return s.tracker }

// Connection returns the current dispatch channel state.
func (s *Session) Connection() model.ConnectionState { return s.conn.State() }

// Notifications subscribes to session notifications.
func (s *Session) Notifications() <-chan events.Notification { return s.bus.Subscribe() }
