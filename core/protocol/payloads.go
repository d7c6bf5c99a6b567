package protocol

import (
	"errors"
	"time"

	"github.com/kilianp07/roadside/core/model"
)

// NewOffer carries a job offer pushed by dispatch.
type NewOffer struct {
	ID                string         `json:"id"`
	CustomerID        string         `json:"customer_id"`
	CustomerName      string         `json:"customer_name"`
	CustomerPhone     string         `json:"customer_phone,omitempty"`
	ServiceType       string         `json:"service_type"`
	Description       string         `json:"description,omitempty"`
	Location          model.Location `json:"location"`
	Price             float64        `json:"price"`
	VehicleDetails    string         `json:"vehicle_details,omitempty"`
	EstimatedDuration int            `json:"estimated_duration,omitempty"`
	SafetyPin         string         `json:"safety_pin,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
}

func (p NewOffer) validate() error {
	if p.ID == "" {
		return errors.New("offer id required")
	}
	return nil
}

// Offer converts the payload into the domain offer.
func (p NewOffer) Offer() model.JobOffer {
	o := model.JobOffer{
		ID:               p.ID,
		CustomerID:       p.CustomerID,
		CustomerName:     p.CustomerName,
		CustomerPhone:    p.CustomerPhone,
		Service:          model.ServiceCategory(p.ServiceType),
		Description:      p.Description,
		Pickup:           p.Location,
		Price:            p.Price,
		VehicleDetails:   p.VehicleDetails,
		EstimatedMinutes: p.EstimatedDuration,
		SafetyPin:        p.SafetyPin,
		CreatedAt:        p.CreatedAt,
	}
	if o.Service == "" {
		o.Service = model.ServiceOther
	}
	if p.ExpiresAt != nil {
		o.ExpiresAt = *p.ExpiresAt
	}
	return o
}

// Job update statuses that are not part of the forward lifecycle.
const (
	UpdateCancelled = "cancelled"
	UpdateTaken     = "taken"
	UpdateExpired   = "expired"
)

// JobUpdate is a server side change to an offer or job. Status is either a
// lifecycle status or one of the Update* values.
type JobUpdate struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	SenderID   string          `json:"sender_id"`
	SenderRole string          `json:"sender_role"`
	Body       string          `json:"body"`
	Kind       string          `json:"kind,omitempty"`
	Position   *model.Position `json:"position,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ChatMessage converts the payload into the domain message.
func (m Message) ChatMessage() model.ChatMessage {
	kind := model.MessageKind(m.Kind)
	if kind == "" {
		kind = model.MessageText
	}
	role := model.SenderRole(m.SenderRole)
	if role == "" {
		role = model.RoleCustomer
	}
	return model.ChatMessage{
		ID:         m.ID,
		JobID:      m.JobID,
		SenderID:   m.SenderID,
		SenderRole: role,
		Body:       m.Body,
		Kind:       kind,
		Position:   m.Position,
		Timestamp:  m.Timestamp,
	}
}

// Ack results.
const (
	AckOK       = "ok"
	AckRejected = "rejected"
)

// StatusAck is the server verdict on a command.
type StatusAck struct {
	CommandID string `json:"command_id"`
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
}

// OK reports a positive verdict. An empty result counts as success for
// servers that only echo the command id.
func (a StatusAck) OK() bool { return a.Result == "" || a.Result == AckOK }

// ConnectionClosed announces that the server is about to drop the channel.
type ConnectionClosed struct {
	Reason string `json:"reason,omitempty"`
}

// AcceptOffer asks dispatch to assign the offer to this worker.
type AcceptOffer struct {
	OfferID string `json:"offer_id"`
}

// DeclineOffer tells dispatch the worker passes on an offer.
type DeclineOffer struct {
	OfferID string `json:"offer_id"`
	Reason  string `json:"reason,omitempty"`
}

// AdvanceStatus requests a lifecycle transition.
type AdvanceStatus struct {
	JobID    string          `json:"job_id"`
	Status   model.JobStatus `json:"status"`
	Location *model.Location `json:"location,omitempty"`
}

// SendMessage carries an outbound chat message. The message id doubles as
// the command id so retransmissions deduplicate server side.
type SendMessage struct {
	MessageID string          `json:"message_id"`
	JobID     string          `json:"job_id"`
	Body      string          `json:"body"`
	Kind      string          `json:"kind"`
	Position  *model.Position `json:"position,omitempty"`
}

// UpdateLocation shares a location sample.
type UpdateLocation struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  float64  `json:"accuracy"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// LocationUpdate builds the payload from a position.
func LocationUpdate(p model.Position) UpdateLocation {
	return UpdateLocation{
		Lat:       p.Lat,
		Lng:       p.Lng,
		Accuracy:  p.Accuracy,
		Heading:   p.Heading,
		Speed:     p.Speed,
		Timestamp: p.Timestamp.UnixMilli(),
	}
}

// SetAvailability announces online/offline.
type SetAvailability struct {
	Online bool `json:"online"`
}

// ReportEmergency raises a safety incident with dispatch. JobID is empty when
// no job is active.
type ReportEmergency struct {
	JobID    string          `json:"job_id,omitempty"`
	Type     string          `json:"emergency_type"`
	Note     string          `json:"note,omitempty"`
	Location *model.Location `json:"location,omitempty"`
}
