package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/roadside/core/factory"
	"github.com/kilianp07/roadside/core/location"
	"github.com/kilianp07/roadside/core/model"
)

type fakeWriter struct {
	msgs     []kafka.Message
	err      error
	deadline bool
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishPosition(t *testing.T) {
	w := &fakeWriter{}
	r := &Relay{writer: w, timeout: time.Second}
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, r.PublishPosition(context.Background(), "w1", model.Position{Lat: 1.5, Lng: 2.5, Accuracy: 4, Timestamp: ts}))
	require.Len(t, w.msgs, 1)
	assert.True(t, w.deadline)
	assert.Equal(t, "w1", string(w.msgs[0].Key))

	var rec positionRecord
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, "w1", rec.WorkerID)
	assert.Equal(t, 1.5, rec.Lat)
	assert.True(t, ts.Equal(rec.Timestamp))

	require.NoError(t, r.Close())
	assert.True(t, w.closed)
}

func TestPublishPositionError(t *testing.T) {
	cause := errors.New("leader not available")
	r := &Relay{writer: &fakeWriter{err: cause}, timeout: time.Second}
	err := r.PublishPosition(context.Background(), "w1", model.Position{})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}

func TestNewRelayValidation(t *testing.T) {
	_, err := NewRelay(Config{Topic: "positions"})
	assert.Error(t, err)
	_, err = NewRelay(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	r, err := NewRelay(Config{Brokers: []string{"localhost:9092"}, Topic: "positions"})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, r.timeout)
	require.NoError(t, r.Close())
}

func TestRegisteredAsRelay(t *testing.T) {
	relays, err := location.NewRelays([]factory.ModuleConfig{{
		Type: "kafka",
		Conf: map[string]any{"brokers": []any{"localhost:9092"}, "topic": "positions", "timeout_ms": 500},
	}})
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, 500*time.Millisecond, relays[0].(*Relay).timeout)
	require.NoError(t, relays[0].Close())
}
