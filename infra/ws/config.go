package ws

import (
	"fmt"
	"time"
)

// Config defines the dispatch channel connection settings.
type Config struct {
	// URL is the base address of the dispatch server, e.g. wss://dispatch.example.com.
	URL                string  `json:"url"`
	HandshakeTimeoutMS int     `json:"handshake_timeout_ms"`
	WriteTimeoutMS     int     `json:"write_timeout_ms"`
	PingIntervalMS     int     `json:"ping_interval_ms"`
	PongWaitMS         int     `json:"pong_wait_ms"`
	InitialBackoffMS   int     `json:"initial_backoff_ms"`
	MaxBackoffMS       int     `json:"max_backoff_ms"`
	MaxAttempts        int     `json:"max_attempts"`
	Jitter             float64 `json:"jitter"`
	// AuthFrame sends {"type":"auth","token":...} as first frame in
	// addition to the Authorization header.
	AuthFrame bool `json:"auth_frame"`
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("connection.url is required")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("connection.jitter must be in [0,1)")
	}
	return nil
}

func ms(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

// HandshakeTimeout bounds each dial, 10s by default.
func (c Config) HandshakeTimeout() time.Duration { return ms(c.HandshakeTimeoutMS, 10*time.Second) }

// WriteTimeout bounds each frame write, 5s by default.
func (c Config) WriteTimeout() time.Duration { return ms(c.WriteTimeoutMS, 5*time.Second) }

// PingInterval is the keepalive period, 30s by default.
func (c Config) PingInterval() time.Duration { return ms(c.PingIntervalMS, 30*time.Second) }

// PongWait is how long the connection may stay silent, 60s by default.
func (c Config) PongWait() time.Duration { return ms(c.PongWaitMS, 60*time.Second) }

// InitialBackoff is the first reconnect delay, 1s by default.
func (c Config) InitialBackoff() time.Duration { return ms(c.InitialBackoffMS, time.Second) }

// MaxBackoff caps reconnect delays, 30s by default.
func (c Config) MaxBackoff() time.Duration { return ms(c.MaxBackoffMS, 30*time.Second) }

// Attempts is the number of reconnect attempts before giving up, 10 by default.
func (c Config) Attempts() int {
	if c.MaxAttempts <= 0 {
		return 10
	}
	return c.MaxAttempts
}
