package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/roadside/core/model"
	"github.com/kilianp07/roadside/core/protocol"
	"github.com/kilianp07/roadside/core/transport"
	"github.com/kilianp07/roadside/infra/logger"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// dispatchServer accepts worker connections and records what it sees.
type dispatchServer struct {
	*httptest.Server
	mu       sync.Mutex
	paths    []string
	auths    []string
	received [][]byte
	conns    chan *websocket.Conn
	accept   atomic.Bool
}

func newDispatchServer(t *testing.T) *dispatchServer {
	t.Helper()
	s := &dispatchServer{conns: make(chan *websocket.Conn, 8)}
	s.accept.Store(true)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.accept.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.auths = append(s.auths, r.Header.Get("Authorization"))
		s.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, data)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *dispatchServer) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.received...)
}

func (s *dispatchServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection")
		return nil
	}
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) after(delay time.Duration) <-chan time.Time {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (d *delayRecorder) recorded() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func newTestManager(t *testing.T, url string, handler transport.FrameHandler, cfg Config) *Manager {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	cfg.URL = url
	m, err := NewManager(cfg, handler, logger.NopLogger{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitEvent(t *testing.T, ch <-chan transport.Event, match func(transport.Event) bool) transport.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for connection event")
			return transport.Event{}
		}
	}
}

func isType(typ transport.EventType) func(transport.Event) bool {
	return func(ev transport.Event) bool { return ev.Type == typ }
}

func TestEndpoint(t *testing.T) {
	got, err := Endpoint("https://dispatch.example.com/", "w 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://dispatch.example.com/ws/driver/w%201", got)

	got, err = Endpoint("ws://localhost:8080/base", "w1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/base/ws/driver/w1", got)

	_, err = Endpoint("ftp://x", "w1")
	assert.Error(t, err)
}

func TestConnectSendReceive(t *testing.T) {
	srv := newDispatchServer(t)
	frames := make(chan []byte, 1)
	m := newTestManager(t, srv.URL, func(b []byte) { frames <- b }, Config{})
	events := m.Events()

	require.NoError(t, m.Connect(context.Background(), transport.Identity{WorkerID: "w1", Token: "tok"}))
	waitEvent(t, events, isType(transport.EventConnected))
	assert.Equal(t, model.Connected, m.State())

	conn := srv.nextConn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"JOB_UPDATE"}`)))
	select {
	case got := <-frames:
		assert.Equal(t, `{"type":"JOB_UPDATE"}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatalf("frame not delivered")
	}

	env, err := protocol.NewCommand(protocol.KindAcceptOffer, "c1", protocol.AcceptOffer{OfferID: "o1"})
	require.NoError(t, err)
	require.NoError(t, m.Send(context.Background(), env))
	require.Eventually(t, func() bool { return len(srv.frames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.mu.Lock()
	assert.Equal(t, []string{"/ws/driver/w1"}, srv.paths)
	assert.Equal(t, []string{"Bearer tok"}, srv.auths)
	srv.mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(framesTotal.WithLabelValues("out")))
}

func TestSendWhileDisconnected(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1", nil, Config{})
	env, _ := protocol.NewCommand(protocol.KindSetAvailability, "", protocol.SetAvailability{Online: true})
	if err := m.Send(context.Background(), env); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectUnauthorized(t *testing.T) {
	srv := newDispatchServer(t)
	m := newTestManager(t, srv.URL, nil, Config{})
	err := m.Connect(context.Background(), transport.Identity{WorkerID: "w1", Token: "bad"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	assert.Equal(t, model.Disconnected, m.State())
}

func TestConnectExpiredToken(t *testing.T) {
	srv := newDispatchServer(t)
	m := newTestManager(t, srv.URL, nil, Config{})
	src := tokenFunc(func(context.Context) (string, error) { return "", transport.ErrTokenExpired })
	err := m.Connect(context.Background(), transport.Identity{WorkerID: "w1", Source: src})
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, transport.ErrTokenExpired) {
		t.Fatalf("expected unauthorized expired token, got %v", err)
	}
	assert.Equal(t, model.Disconnected, m.State())
}

func TestReconnectBackoffExhausted(t *testing.T) {
	srv := newDispatchServer(t)
	srv.accept.Store(false)
	m := newTestManager(t, srv.URL, nil, Config{InitialBackoffMS: 10, MaxBackoffMS: 10000, MaxAttempts: 4})
	rec := &delayRecorder{}
	m.after = rec.after
	events := m.Events()

	require.NoError(t, m.Connect(context.Background(), transport.Identity{WorkerID: "w1", Token: "tok"}))
	ev := waitEvent(t, events, func(ev transport.Event) bool { return ev.Type == transport.EventDisconnected })
	assert.True(t, ev.Fatal)
	require.Error(t, ev.Err)
	assert.Equal(t, model.Disconnected, m.State())

	delays := rec.recorded()
	require.Len(t, delays, 4)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 4.0, testutil.ToFloat64(reconnectAttempts))
}

func TestReconnectDelayCapped(t *testing.T) {
	srv := newDispatchServer(t)
	srv.accept.Store(false)
	m := newTestManager(t, srv.URL, nil, Config{InitialBackoffMS: 10, MaxBackoffMS: 40, MaxAttempts: 6})
	rec := &delayRecorder{}
	m.after = rec.after
	events := m.Events()

	require.NoError(t, m.Connect(context.Background(), transport.Identity{WorkerID: "w1", Token: "tok"}))
	waitEvent(t, events, func(ev transport.Event) bool { return ev.Fatal })
	for _, d := range rec.recorded() {
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newDispatchServer(t)
	m := newTestManager(t, srv.URL, nil, Config{InitialBackoffMS: 5})
	m.after = (&delayRecorder{}).after
	events := m.Events()

	var issued atomic.Int32
	src := tokenFunc(func(context.Context) (string, error) {
		issued.Add(1)
		return "fresh", nil
	})
	require.NoError(t, m.Connect(context.Background(), transport.Identity{WorkerID: "w1", Source: src}))
	waitEvent(t, events, isType(transport.EventConnected))

	srv.nextConn(t).Close()
	ev := waitEvent(t, events, isType(transport.EventDisconnected))
	assert.False(t, ev.Fatal)
	waitEvent(t, events, isType(transport.EventConnected))
	assert.Equal(t, model.Connected, m.State())
	assert.Equal(t, int32(2), issued.Load())
}

func TestDisconnectStopsReconnect(t *testing.T) {
	srv := newDispatchServer(t)
	m := newTestManager(t, srv.URL, nil, Config{})
	events := m.Events()
	require.NoError(t, m.Connect(context.Background(), transport.Identity{WorkerID: "w1", Token: "tok"}))
	waitEvent(t, events, isType(transport.EventConnected))

	require.NoError(t, m.Disconnect())
	ev := waitEvent(t, events, isType(transport.EventDisconnected))
	assert.True(t, ev.Requested)
	assert.Equal(t, model.Disconnected, m.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.Disconnected, m.State())
	require.NoError(t, m.Disconnect())
}

func TestAuthFrame(t *testing.T) {
	srv := newDispatchServer(t)
	m := newTestManager(t, srv.URL, nil, Config{AuthFrame: true})
	require.NoError(t, m.Connect(context.Background(), transport.Identity{WorkerID: "w1", Token: "tok"}))
	require.Eventually(t, func() bool { return len(srv.frames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"type":"auth","token":"tok"}`, string(srv.frames()[0]))
}

type tokenFunc func(context.Context) (string, error)

func (f tokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

func TestUnsubscribeClosesEvents(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1", nil, Config{})
	events := m.Events()
	m.Unsubscribe(events)
	_, ok := <-events
	assert.False(t, ok)
}
