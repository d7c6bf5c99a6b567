package model

import "time"

// SenderRole identifies who wrote a chat message.
type SenderRole string

const (
	RoleWorker   SenderRole = "worker"
	RoleCustomer SenderRole = "customer"
)

// MessageKind distinguishes plain text from location shares.
type MessageKind string

const (
	MessageText          MessageKind = "text"
	MessageLocationShare MessageKind = "location"
)

// ChatMessage is one message of the per-job conversation.
type ChatMessage struct {
	ID         string      `json:"id"`
	JobID      string      `json:"job_id"`
	SenderID   string      `json:"sender_id"`
	SenderRole SenderRole  `json:"sender_role"`
	Body       string      `json:"body"`
	Kind       MessageKind `json:"kind"`
	Position   *Position   `json:"position,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
