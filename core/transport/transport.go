// Package transport defines the contract of the live dispatch channel.
package transport

import (
	"context"
	"errors"

	"github.com/kilianp07/roadside/core/model"
	"github.com/kilianp07/roadside/core/protocol"
)

// ErrNotConnected is returned by Send when the channel is not Connected.
// Callers decide whether to buffer or drop.
var ErrNotConnected = errors.New("not connected")

// ErrTokenExpired is returned by a TokenSource whose token can no longer be
// used. Connection managers treat it like rejected credentials.
var ErrTokenExpired = errors.New("token expired")

// TokenSource yields a bearer token for each connection attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Identity authenticates the worker on the dispatch channel. When Source is
// set it is consulted before every dial and Token is ignored.
type Identity struct {
	WorkerID string
	Token    string
	Source   TokenSource
}

// Sender is the outbound half of the channel used by the coordinator and the
// message channel.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
	State() model.ConnectionState
}

// Conn is the full connection manager contract.
type Conn interface {
	Sender
	Connect(ctx context.Context, id Identity) error
	Disconnect() error
	Events() <-chan Event
}

// FrameHandler receives every inbound frame, unparsed, in arrival order.
type FrameHandler func(raw []byte)

// EventType enumerates connection manager events.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventMessageReceived
	EventReconnecting
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessageReceived:
		return "message_received"
	case EventReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Event is emitted on every state change. Fatal marks a disconnect after
// reconnection was abandoned, Requested one asked for by Disconnect.
type Event struct {
	Type      EventType
	State     model.ConnectionState
	Attempt   int
	Fatal     bool
	Requested bool
	Err       error
}
