package config

// SentryConfig configures crash and error reporting for a worker session.
// An empty DSN disables reporting.
type SentryConfig struct {
	DSN              string  `json:"dsn"`
	Environment      string  `json:"environment"`
	TracesSampleRate float64 `json:"traces_sample_rate"`
	Release          string  `json:"release"`
	// ServerName identifies the device the worker runs the client on.
	ServerName string `json:"server_name"`
	// Tags are attached to every event, e.g. fleet or region.
	Tags map[string]string `json:"tags"`
}
