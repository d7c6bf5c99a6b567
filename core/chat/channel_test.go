package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/roadside/core/ack"
	"github.com/kilianp07/roadside/core/events"
	"github.com/kilianp07/roadside/core/model"
	"github.com/kilianp07/roadside/core/protocol"
	"github.com/kilianp07/roadside/infra/logger"
	"github.com/kilianp07/roadside/internal/eventbus"
)

type recSender struct {
	mu     sync.Mutex
	sent   []protocol.Envelope
	onSend func(protocol.Envelope)
}

func (r *recSender) Send(_ context.Context, env protocol.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	hook := r.onSend
	r.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (r *recSender) State() model.ConnectionState { return model.Connected }

func (r *recSender) envelopes() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.sent...)
}

func newTestChannel(t *testing.T, cfg Config) (*Channel, *recSender, *ack.Tracker, <-chan events.Notification) {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	bus := eventbus.NewTypedWithBuffer[events.Notification](32)
	s := &recSender{}
	acks := ack.NewTracker()
	ch, err := NewChannel("w1", s, acks, bus, logger.NopLogger{}, cfg)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	return ch, s, acks, bus.Subscribe()
}

func TestSendAcknowledged(t *testing.T) {
	ch, s, acks, _ := newTestChannel(t, Config{AckTimeoutMS: 50})
	s.onSend = func(env protocol.Envelope) { go acks.Resolve(ack.Result{CommandID: env.CommandID, OK: true}) }

	msg, err := ch.Send(context.Background(), "job-1", "on my way", "", nil)
	require.NoError(t, err)
	assert.Equal(t, model.MessageText, msg.Kind)
	assert.Equal(t, model.RoleWorker, msg.SenderRole)
	assert.Equal(t, "w1", msg.SenderID)

	sent := s.envelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.KindSendMessage, sent[0].Type)
	assert.Equal(t, msg.ID, sent[0].CommandID)
	var body protocol.SendMessage
	require.NoError(t, protocol.DecodePayload(sent[0], &body))
	assert.Equal(t, msg.ID, body.MessageID)
	assert.Equal(t, "on my way", body.Body)

	assert.Equal(t, []model.ChatMessage{msg}, ch.Log("job-1"))
	assert.Zero(t, acks.Pending())
}

func TestSendRetransmitsWithSameID(t *testing.T) {
	ch, s, _, _ := newTestChannel(t, Config{AckTimeoutMS: 10, MaxRetries: 2})

	msg, err := ch.Send(context.Background(), "job-1", "hello", model.MessageText, nil)
	if !errors.Is(err, ack.ErrAcknowledgmentTimeout) {
		t.Fatalf("expected ErrAcknowledgmentTimeout, got %v", err)
	}
	sent := s.envelopes()
	require.Len(t, sent, 3)
	for _, env := range sent {
		assert.Equal(t, msg.ID, env.CommandID)
	}
	// the message is logged once even though it was sent three times
	assert.Len(t, ch.Log("job-1"), 1)
}

func TestSendRejected(t *testing.T) {
	ch, s, acks, _ := newTestChannel(t, Config{AckTimeoutMS: 50})
	s.onSend = func(env protocol.Envelope) {
		go acks.Resolve(ack.Result{CommandID: env.CommandID, Reason: "job closed"})
	}
	_, err := ch.Send(context.Background(), "job-1", "hi", model.MessageText, nil)
	if !errors.Is(err, ErrMessageRejected) {
		t.Fatalf("expected ErrMessageRejected, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	ch, _, _, _ := newTestChannel(t, Config{})
	if _, err := ch.Send(context.Background(), "job-1", "", model.MessageText, nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := ch.Send(context.Background(), "", "x", model.MessageText, nil); err == nil {
		t.Fatalf("expected error without job id")
	}
}

func TestShareLocation(t *testing.T) {
	ch, s, acks, _ := newTestChannel(t, Config{AckTimeoutMS: 50})
	s.onSend = func(env protocol.Envelope) { go acks.Resolve(ack.Result{CommandID: env.CommandID, OK: true}) }

	msg, err := ch.ShareLocation(context.Background(), "job-1", model.Position{Lat: 48.8566, Lng: 2.3522, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, model.MessageLocationShare, msg.Kind)
	assert.Equal(t, "48.856600,2.352200", msg.Body)
	require.NotNil(t, msg.Position)
}

func TestHandleInboundDeduplicates(t *testing.T) {
	ch, s, acks, notes := newTestChannel(t, Config{AckTimeoutMS: 50})
	s.onSend = func(env protocol.Envelope) { go acks.Resolve(ack.Result{CommandID: env.CommandID, OK: true}) }

	in := protocol.Message{ID: "m1", JobID: "job-1", SenderID: "c1", SenderRole: "customer", Body: "where are you?", Timestamp: time.Now()}
	require.NoError(t, ch.HandleInbound(in))
	require.NoError(t, ch.HandleInbound(in))

	mine, err := ch.Send(context.Background(), "job-1", "5 minutes", model.MessageText, nil)
	require.NoError(t, err)
	// server echo of our own message
	require.NoError(t, ch.HandleInbound(protocol.Message{ID: mine.ID, JobID: "job-1", SenderID: "w1", SenderRole: "worker", Body: "5 minutes"}))

	log := ch.Log("job-1")
	require.Len(t, log, 2)
	assert.Equal(t, "m1", log[0].ID)
	assert.Equal(t, mine.ID, log[1].ID)

	select {
	case n := <-notes:
		got, ok := n.(events.MessageReceived)
		require.True(t, ok)
		assert.Equal(t, "m1", got.Message.ID)
	case <-time.After(time.Second):
		t.Fatalf("no MessageReceived notification")
	}
	select {
	case n := <-notes:
		t.Fatalf("unexpected notification %s", n.Name())
	default:
	}
}

func TestPurge(t *testing.T) {
	ch, _, _, _ := newTestChannel(t, Config{})
	require.NoError(t, ch.HandleInbound(protocol.Message{ID: "m1", JobID: "job-1", Body: "a"}))
	require.NoError(t, ch.HandleInbound(protocol.Message{ID: "m2", JobID: "job-2", Body: "b"}))
	ch.Purge("job-1")
	assert.Empty(t, ch.Log("job-1"))
	assert.Len(t, ch.Log("job-2"), 1)
}

func TestRetainKeepsOnlyCurrentJob(t *testing.T) {
	ch, _, _, _ := newTestChannel(t, Config{})
	require.NoError(t, ch.HandleInbound(protocol.Message{ID: "m1", JobID: "job-1", Body: "a"}))
	require.NoError(t, ch.HandleInbound(protocol.Message{ID: "m2", JobID: "job-2", Body: "b"}))
	require.NoError(t, ch.HandleInbound(protocol.Message{ID: "m3", JobID: "job-3", Body: "c"}))

	ch.Retain("job-3")
	assert.Empty(t, ch.Log("job-1"))
	assert.Empty(t, ch.Log("job-2"))
	assert.Len(t, ch.Log("job-3"), 1)

	// purged ids are no longer suppressed as duplicates
	require.NoError(t, ch.HandleInbound(protocol.Message{ID: "m1", JobID: "job-1", Body: "a"}))
	assert.Len(t, ch.Log("job-1"), 1)
}
