// Package kafka relays worker positions to a Kafka topic keyed by worker id.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kilianp07/roadside/core/factory"
	"github.com/kilianp07/roadside/core/location"
	"github.com/kilianp07/roadside/core/model"
)

// Config of the Kafka relay.
type Config struct {
	Brokers   []string `json:"brokers"`
	Topic     string   `json:"topic"`
	TimeoutMS int      `json:"timeout_ms"`
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type positionRecord struct {
	WorkerID  string    `json:"worker_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Relay writes one message per sample.
type Relay struct {
	writer  messageWriter
	timeout time.Duration
}

// NewRelay returns a relay writing to cfg.Topic.
func NewRelay(cfg Config) (*Relay, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: brokers and topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Relay{writer: w, timeout: cfg.timeout()}, nil
}

// PublishPosition writes p keyed by workerID so samples of one worker stay
// ordered within a partition.
func (r *Relay) PublishPosition(ctx context.Context, workerID string, p model.Position) error {
	b, err := json.Marshal(positionRecord{
		WorkerID:  workerID,
		Lat:       p.Lat,
		Lng:       p.Lng,
		Accuracy:  p.Accuracy,
		Heading:   p.Heading,
		Speed:     p.Speed,
		Timestamp: p.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.writer.WriteMessages(ctx, kafka.Message{Key: []byte(workerID), Value: b, Time: p.Timestamp}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (r *Relay) Close() error {
	if r.writer == nil {
		return nil
	}
	return r.writer.Close()
}

func init() {
	_ = location.RegisterRelay("kafka", func(conf map[string]any) (location.Relay, error) {
		var c Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewRelay(c)
	})
}
