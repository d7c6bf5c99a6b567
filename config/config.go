package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/roadside/api"
	"github.com/kilianp07/roadside/auth"
	"github.com/kilianp07/roadside/core/chat"
	"github.com/kilianp07/roadside/core/dispatch"
	"github.com/kilianp07/roadside/core/journal"
	"github.com/kilianp07/roadside/core/location"
	"github.com/kilianp07/roadside/core/metrics"
	"github.com/kilianp07/roadside/infra/ws"
)

type Config struct {
	Connection ws.Config       `json:"connection"`
	Identity   IdentityConfig  `json:"identity"`
	Dispatch   dispatch.Config `json:"dispatch"`
	Chat       chat.Config     `json:"chat"`
	Location   location.Config `json:"location"`
	Metrics    metrics.Config  `json:"metrics"`
	Journal    journal.Config  `json:"journal"`
	Logging    LoggingConfig   `json:"logging"`
	Sentry     SentryConfig    `json:"sentry"`
	API        api.Config      `json:"api"`
	// AutoOnline makes the worker available as soon as the session starts.
	AutoOnline bool `json:"auto_online"`
}

// IdentityConfig names the worker and how it authenticates. When WorkerID is
// empty it is read from the token.
type IdentityConfig struct {
	WorkerID string    `json:"worker_id"`
	Auth     auth.Conf `json:"auth"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides: K_SECTION__KEY sets section.key.
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Logging.SetDefaults()
	cfg.Journal.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if err := c.Journal.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Identity.Auth.Token == "" && c.Identity.Auth.ClientID == "" {
		return fmt.Errorf("identity.auth requires a token or client credentials")
	}
	return nil
}
