package dispatch

import "time"

// Config defines coordinator settings.
type Config struct {
	// AckTimeoutMS bounds the wait for each STATUS_ACK.
	AckTimeoutMS int `json:"ack_timeout_ms"`
	// MaxRetries is the number of retransmissions after the first send.
	// Zero selects the default of 3, a negative value disables retries.
	MaxRetries int `json:"max_retries"`
	// OfferSweepMS is the period of the expired offer sweep.
	OfferSweepMS int `json:"offer_sweep_ms"`
	// QueueSize caps pending advance requests.
	QueueSize int `json:"queue_size"`
	// RecentOffers is how many closed offer ids are remembered for
	// duplicate suppression.
	RecentOffers int `json:"recent_offers"`
}

// AckTimeout returns the acknowledgment timeout, 5s by default.
func (c Config) AckTimeout() time.Duration {
	if c.AckTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// Attempts returns the total number of sends for one transition.
func (c Config) Attempts() int {
	if c.MaxRetries < 0 {
		return 1
	}
	if c.MaxRetries == 0 {
		return 4
	}
	return c.MaxRetries + 1
}

// SweepInterval returns the offer expiry sweep period, 1s by default.
func (c Config) SweepInterval() time.Duration {
	if c.OfferSweepMS <= 0 {
		return time.Second
	}
	return time.Duration(c.OfferSweepMS) * time.Millisecond
}

func (c Config) queueSize() int {
	if c.QueueSize <= 0 {
		return 16
	}
	return c.QueueSize
}

func (c Config) recentOffers() int {
	if c.RecentOffers <= 0 {
		return 256
	}
	return c.RecentOffers
}
