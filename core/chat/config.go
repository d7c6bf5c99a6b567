package chat

import "time"

// Config defines message channel settings.
type Config struct {
	// AckTimeoutMS bounds the wait for each acknowledgment.
	AckTimeoutMS int `json:"ack_timeout_ms"`
	// MaxRetries is the number of retransmissions after the first send.
	MaxRetries int `json:"max_retries"`
}

// AckTimeout returns the acknowledgment timeout, 5s by default.
func (c Config) AckTimeout() time.Duration {
	if c.AckTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// Attempts returns the total number of sends for one message.
func (c Config) Attempts() int {
	switch {
	case c.MaxRetries < 0:
		return 1
	case c.MaxRetries == 0:
		return 4
	default:
		return c.MaxRetries + 1
	}
}
