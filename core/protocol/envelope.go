package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind names the frame type.
type Kind string

const (
	KindNewOffer         Kind = "NEW_OFFER"
	KindJobUpdate        Kind = "JOB_UPDATE"
	KindMessage          Kind = "MESSAGE"
	KindStatusAck        Kind = "STATUS_ACK"
	KindConnectionClosed Kind = "CONNECTION_CLOSED"

	KindAcceptOffer     Kind = "ACCEPT_OFFER"
	KindDeclineOffer    Kind = "DECLINE_OFFER"
	KindAdvanceStatus   Kind = "ADVANCE_STATUS"
	KindSendMessage     Kind = "SEND_MESSAGE"
	KindUpdateLocation  Kind = "UPDATE_LOCATION"
	KindSetAvailability Kind = "SET_AVAILABILITY"
	KindReportEmergency Kind = "REPORT_EMERGENCY"
)

// Inbound reports whether the server may send frames of this kind.
func (k Kind) Inbound() bool {
	switch k {
	case KindNewOffer, KindJobUpdate, KindMessage, KindStatusAck, KindConnectionClosed:
		return true
	}
	return false
}

// ErrMalformedEvent is returned for frames that cannot be decoded into a
// known event.
var ErrMalformedEvent = errors.New("malformed event")

// Envelope is the outer frame.
type Envelope struct {
	Type      Kind            `json:"type"`
	CommandID string          `json:"command_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewCommand builds an outbound envelope around payload.
func NewCommand(kind Kind, commandID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Type: kind, CommandID: commandID, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

// Encode serialises the envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Event is a decoded inbound frame. Payload holds one of NewOffer, JobUpdate,
// Message, StatusAck or ConnectionClosed depending on Kind.
type Event struct {
	Kind      Kind
	CommandID string
	Payload   any
	Timestamp time.Time
}

// Decode parses an inbound frame. Any failure wraps ErrMalformedEvent.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	if !env.Type.Inbound() {
		return Event{}, fmt.Errorf("%w: %s is not sent by dispatch", ErrMalformedEvent, env.Type)
	}
	ev := Event{Kind: env.Type, CommandID: env.CommandID, Timestamp: env.Timestamp}
	var err error
	switch env.Type {
	case KindNewOffer:
		var p NewOffer
		err = decodePayload(env.Payload, &p)
		if err == nil {
			err = p.validate()
		}
		ev.Payload = p
	case KindJobUpdate:
		var p JobUpdate
		err = decodePayload(env.Payload, &p)
		if err == nil && p.JobID == "" {
			err = errors.New("job_id required")
		}
		ev.Payload = p
	case KindMessage:
		var p Message
		err = decodePayload(env.Payload, &p)
		if err == nil && (p.ID == "" || p.JobID == "") {
			err = errors.New("id and job_id required")
		}
		ev.Payload = p
	case KindStatusAck:
		var p StatusAck
		err = decodePayload(env.Payload, &p)
		if err == nil && p.CommandID == "" {
			p.CommandID = env.CommandID
		}
		if err == nil && p.CommandID == "" {
			err = errors.New("command_id required")
		}
		ev.Payload = p
	case KindConnectionClosed:
		var p ConnectionClosed
		if len(env.Payload) > 0 {
			err = decodePayload(env.Payload, &p)
		}
		ev.Payload = p
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
	}
	return ev, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, out)
}

// DecodePayload unmarshals the payload of env into out.
func DecodePayload(env Envelope, out any) error {
	if err := decodePayload(env.Payload, out); err != nil {
		return fmt.Errorf("%s payload: %w", env.Type, err)
	}
	return nil
}
