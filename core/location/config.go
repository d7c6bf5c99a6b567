package location

import (
	"time"

	"github.com/kilianp07/roadside/core/factory"
)

// Config defines sampling and sharing settings.
type Config struct {
	// IntervalMS is the tracking sample period.
	IntervalMS int `json:"interval_ms"`
	// FreshnessMS bounds how old the last reading may be before it is stale.
	FreshnessMS int `json:"freshness_ms"`
	// TimeoutMS bounds a single provider read.
	TimeoutMS int                    `json:"timeout_ms"`
	Provider  factory.ModuleConfig   `json:"provider"`
	Relays    []factory.ModuleConfig `json:"relays"`
}

// Interval returns the sample period, 10s by default.
func (c Config) Interval() time.Duration {
	if c.IntervalMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// Freshness returns the staleness window, 60s by default.
func (c Config) Freshness() time.Duration {
	if c.FreshnessMS <= 0 {
		return time.Minute
	}
	return time.Duration(c.FreshnessMS) * time.Millisecond
}

// Timeout returns the single read deadline, 10s by default.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
