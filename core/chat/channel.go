// Package chat implements the per-job conversation between the worker and
// the customer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/roadside/core/ack"
	"github.com/kilianp07/roadside/core/events"
	"github.com/kilianp07/roadside/core/logger"
	"github.com/kilianp07/roadside/core/model"
	"github.com/kilianp07/roadside/core/protocol"
	"github.com/kilianp07/roadside/core/transport"
	"github.com/kilianp07/roadside/internal/eventbus"
)

var (
	// ErrEmptyMessage is returned for a text message without body.
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageRejected is returned when dispatch refuses a message.
	ErrMessageRejected = errors.New("message rejected by dispatch")
)

// Channel keeps one ordered log per job. Outbound messages are logged before
// they are sent; delivery is retried with the same message id until
// acknowledged.
type Channel struct {
	workerID string
	sender   transport.Sender
	acks     *ack.Tracker
	bus      *eventbus.TypedBus[events.Notification]
	log      logger.Logger
	cfg      Config
	now      func() time.Time
	newID    func() string

	mu   sync.Mutex
	logs map[string][]model.ChatMessage
	seen map[string]struct{}
}

// NewChannel returns a Channel sending on behalf of workerID.
func NewChannel(workerID string, sender transport.Sender, acks *ack.Tracker, bus *eventbus.TypedBus[events.Notification], log logger.Logger, cfg Config) (*Channel, error) {
	if sender == nil || acks == nil || log == nil {
		return nil, fmt.Errorf("chat: nil parameter provided to NewChannel")
	}
	return &Channel{
		workerID: workerID,
		sender:   sender,
		acks:     acks,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		logs:     make(map[string][]model.ChatMessage),
		seen:     make(map[string]struct{}),
	}, nil
}

// Send appends a message to the job log and delivers it. The message stays in
// the log when delivery fails.
func (c *Channel) Send(ctx context.Context, jobID, body string, kind model.MessageKind, pos *model.Position) (model.ChatMessage, error) {
	if jobID == "" {
		return model.ChatMessage{}, fmt.Errorf("chat: job id required")
	}
	if kind == "" {
		kind = model.MessageText
	}
	if kind == model.MessageText && body == "" {
		return model.ChatMessage{}, ErrEmptyMessage
	}
	msg := model.ChatMessage{
		ID:         c.newID(),
		JobID:      jobID,
		SenderID:   c.workerID,
		SenderRole: model.RoleWorker,
		Body:       body,
		Kind:       kind,
		Position:   pos,
		Timestamp:  c.now().UTC(),
	}
	c.append(msg)

	env, err := protocol.NewCommand(protocol.KindSendMessage, msg.ID, protocol.SendMessage{
		MessageID: msg.ID,
		JobID:     jobID,
		Body:      body,
		Kind:      string(kind),
		Position:  pos,
	})
	if err != nil {
		return msg, err
	}
	if err := c.deliver(ctx, msg.ID, env); err != nil {
		messagesTotal.WithLabelValues("out", "failed").Inc()
		c.log.Errorw("chat message not delivered", err, map[string]any{"job_id": jobID, "message_id": msg.ID})
		return msg, err
	}
	messagesTotal.WithLabelValues("out", "delivered").Inc()
	return msg, nil
}

// ShareLocation sends a location-share message carrying p.
func (c *Channel) ShareLocation(ctx context.Context, jobID string, p model.Position) (model.ChatMessage, error) {
	body := strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
	return c.Send(ctx, jobID, body, model.MessageLocationShare, &p)
}

func (c *Channel) deliver(ctx context.Context, id string, env protocol.Envelope) error {
	c.acks.Register(id)
	defer c.acks.Forget(id)

	attempts := c.cfg.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sendErr := c.sender.Send(ctx, env)
		if sendErr != nil {
			c.log.Debugf("send of message %s failed: %v", id, sendErr)
		}
		res, err := c.acks.Wait(ctx, id, c.cfg.AckTimeout())
		if err == nil {
			if res.OK {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrMessageRejected, res.Reason)
		}
		if !errors.Is(err, ack.ErrAcknowledgmentTimeout) {
			return err
		}
		lastErr = err
		if sendErr != nil {
			lastErr = sendErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ack.ErrAcknowledgmentTimeout, attempts, lastErr)
}

// HandleInbound records a message pushed by dispatch. Duplicates, including
// the echo of our own messages, are ignored.
func (c *Channel) HandleInbound(m protocol.Message) error {
	msg := m.ChatMessage()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now().UTC()
	}
	if !c.append(msg) {
		messagesTotal.WithLabelValues("in", "duplicate").Inc()
		return nil
	}
	messagesTotal.WithLabelValues("in", "received").Inc()
	if c.bus != nil {
		c.bus.Publish(events.MessageReceived{Message: msg})
	}
	return nil
}

func (c *Channel) append(msg model.ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[msg.ID]; dup {
		return false
	}
	c.seen[msg.ID] = struct{}{}
	c.logs[msg.JobID] = append(c.logs[msg.JobID], msg)
	return true
}

// Log returns the conversation of jobID in arrival order.
func (c *Channel) Log(jobID string) []model.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ChatMessage(nil), c.logs[jobID]...)
}

// Purge forgets the conversation of jobID.
func (c *Channel) Purge(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.logs[jobID] {
		delete(c.seen, m.ID)
	}
	delete(c.logs, jobID)
}

// Retain forgets every conversation except the one of jobID. Logs of closed
// jobs stay readable until the next job is accepted.
func (c *Channel) Retain(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, msgs := range c.logs {
		if id == jobID {
			continue
		}
		for _, m := range msgs {
			delete(c.seen, m.ID)
		}
		delete(c.logs, id)
	}
}
