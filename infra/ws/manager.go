// Package ws implements the dispatch channel over a websocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/kilianp07/roadside/core/logger"
	"github.com/kilianp07/roadside/core/model"
	"github.com/kilianp07/roadside/core/protocol"
	"github.com/kilianp07/roadside/core/transport"
	"github.com/kilianp07/roadside/internal/eventbus"
)

// ErrUnauthorized is returned when the server refuses the handshake
// credentials.
var ErrUnauthorized = errors.New("dispatch rejected credentials")

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Manager owns the websocket to the dispatch server. Every state change is
// tagged with an epoch; loops started for an older epoch stop touching state
// as soon as a newer Connect, Disconnect or drop happened.
type Manager struct {
	cfg     Config
	log     logger.Logger
	handler transport.FrameHandler
	dialer  *websocket.Dialer
	bus     *eventbus.TypedBus[transport.Event]
	after   func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	state  model.ConnectionState
	epoch  uint64
	id     transport.Identity
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex
}

var _ transport.Conn = (*Manager)(nil)

// NewManager returns a disconnected Manager. Every inbound frame is passed
// to handler from the read goroutine, in arrival order.
func NewManager(cfg Config, handler transport.FrameHandler, log logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("ws: nil logger")
	}
	if handler == nil {
		handler = func([]byte) {}
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout(),
		},
		bus:   eventbus.NewTypedWithBuffer[transport.Event](32),
		after: time.After,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events returns a new subscription to connection events.
func (m *Manager) Events() <-chan transport.Event { return m.bus.Subscribe() }

// Unsubscribe releases a subscription returned by Events.
func (m *Manager) Unsubscribe(ch <-chan transport.Event) { m.bus.Unsubscribe(ch) }

// Connect dials the server. A transient failure starts the reconnect loop and
// returns nil; rejected credentials and a cancelled ctx are returned as
// errors and leave the manager Disconnected.
func (m *Manager) Connect(ctx context.Context, id transport.Identity) error {
	if id.WorkerID == "" {
		return fmt.Errorf("connect: worker id required")
	}
	if id.Token == "" && id.Source == nil {
		return fmt.Errorf("connect: token required")
	}

	m.mu.Lock()
	m.teardownLocked()
	epoch := m.epoch
	sess := m.sessionLocked()
	m.id = id
	m.setStateLocked(model.Connecting)
	m.mu.Unlock()

	conn, err := m.dial(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			m.mu.Lock()
			if m.epoch == epoch {
				m.teardownLocked()
				m.setStateLocked(model.Disconnected)
			}
			m.mu.Unlock()
			return fmt.Errorf("connect: %w", err)
		}
		m.log.Warnf("dial failed, reconnecting: %v", err)
		go m.reconnect(sess, epoch, id)
		return nil
	}
	if !m.adopt(sess, epoch, conn) {
		_ = conn.Close()
		return fmt.Errorf("connect: superseded by a newer connect or disconnect")
	}
	return nil
}

// Disconnect closes the connection and stops any reconnect attempt.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == model.Disconnected && m.conn == nil {
		return nil
	}
	if m.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker disconnect")
		_ = m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	m.teardownLocked()
	m.setStateLocked(model.Disconnected)
	m.bus.Publish(transport.Event{Type: transport.EventDisconnected, State: model.Disconnected, Requested: true})
	m.log.Infof("disconnected from dispatch")
	return nil
}

// Close disconnects and releases event subscribers.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.bus.Close()
	return err
}

// Send writes one frame. It fails fast with transport.ErrNotConnected unless
// the channel is Connected.
func (m *Manager) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	conn, st := m.conn, m.state
	m.mu.Unlock()
	if st != model.Connected || conn == nil {
		return transport.ErrNotConnected
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	deadline := time.Now().Add(m.cfg.WriteTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	framesTotal.WithLabelValues("out").Inc()
	return nil
}

func (m *Manager) teardownLocked() {
	m.epoch++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) sessionLocked() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	return ctx
}

func (m *Manager) setStateLocked(s model.ConnectionState) {
	m.state = s
	connectionState.Set(float64(s))
}

func (m *Manager) adopt(sess context.Context, epoch uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return false
	}
	m.conn = conn
	m.setStateLocked(model.Connected)
	m.bus.Publish(transport.Event{Type: transport.EventConnected, State: model.Connected})
	m.log.Infof("connected to dispatch as %s", m.id.WorkerID)
	go m.readLoop(epoch, conn)
	go m.pingLoop(sess, conn)
	return true
}

// lost handles a read failure on the current connection.
func (m *Manager) lost(epoch uint64, conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.epoch != epoch || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	next := m.epoch
	sess := m.sessionLocked()
	id := m.id
	m.setStateLocked(model.Reconnecting)
	m.bus.Publish(transport.Event{Type: transport.EventDisconnected, State: model.Reconnecting, Err: cause})
	m.mu.Unlock()

	m.log.Warnf("dispatch connection lost: %v", cause)
	go m.reconnect(sess, next, id)
}

func (m *Manager) reconnect(ctx context.Context, epoch uint64, id transport.Identity) {
	b := m.backOff()
	attempts := m.cfg.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		delay := b.NextBackOff()
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(model.Reconnecting)
		m.bus.Publish(transport.Event{Type: transport.EventReconnecting, State: model.Reconnecting, Attempt: attempt, Err: lastErr})
		m.mu.Unlock()
		reconnectAttempts.Inc()
		m.log.Debugf("reconnect attempt %d/%d in %s", attempt, attempts, delay)

		select {
		case <-ctx.Done():
			return
		case <-m.after(delay):
		}
		conn, err := m.dial(ctx, id)
		if err == nil {
			if !m.adopt(ctx, epoch, conn) {
				_ = conn.Close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		m.log.Warnf("reconnect attempt %d/%d failed: %v", attempt, attempts, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	m.teardownLocked()
	m.setStateLocked(model.Disconnected)
	err := fmt.Errorf("reconnect abandoned after %d attempts: %w", attempts, lastErr)
	m.bus.Publish(transport.Event{Type: transport.EventDisconnected, State: model.Disconnected, Fatal: true, Attempt: attempts, Err: err})
	m.log.Errorw("dispatch unreachable", err, map[string]any{"worker_id": id.WorkerID})
}

func (m *Manager) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff()
	b.Multiplier = 2
	b.RandomizationFactor = m.cfg.Jitter
	b.MaxInterval = m.cfg.MaxBackoff()
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Manager) dial(ctx context.Context, id transport.Identity) (*websocket.Conn, error) {
	token := id.Token
	if id.Source != nil {
		t, err := id.Source.Token(ctx)
		if err != nil {
			dialFailures.Inc()
			if errors.Is(err, transport.ErrTokenExpired) {
				return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
			}
			return nil, fmt.Errorf("fetch token: %w", err)
		}
		token = t
	}
	target, err := Endpoint(m.cfg.URL, id.WorkerID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout())
	defer cancel()
	conn, resp, err := m.dialer.DialContext(dctx, target, header)
	if err != nil {
		dialFailures.Inc()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if m.cfg.AuthFrame {
		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout()))
		if err := conn.WriteJSON(authFrame{Type: "auth", Token: token}); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("auth frame: %w", err)
		}
	}
	return conn, nil
}

func (m *Manager) readLoop(epoch uint64, conn *websocket.Conn) {
	wait := m.cfg.PongWait()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.lost(epoch, conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		framesTotal.WithLabelValues("in").Inc()
		m.bus.Publish(transport.Event{Type: transport.EventMessageReceived, State: model.Connected})
		m.handler(data)
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout())); err != nil {
				m.log.Debugf("ping failed: %v", err)
				return
			}
		}
	}
}

// Endpoint builds the worker channel address <base>/ws/driver/<workerID>,
// mapping http(s) schemes to ws(s).
func Endpoint(base, workerID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse connection url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported connection url scheme %q", u.Scheme)
	}
	return u.JoinPath("ws", "driver", workerID).String(), nil
}
