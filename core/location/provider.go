package location

import (
	"context"

	"github.com/kilianp07/roadside/core/factory"
	"github.com/kilianp07/roadside/core/model"
)

// Provider reads one fix from the device.
type Provider interface {
	Read(ctx context.Context) (model.Position, error)
}

// Watcher is implemented by providers that push fixes on their own cadence.
// The channel is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan model.Position, error)
}

// Relay mirrors tracked samples to an external telemetry pipeline.
type Relay interface {
	PublishPosition(ctx context.Context, workerID string, p model.Position) error
	Close() error
}

var (
	providerRegistry = factory.NewRegistry[Provider]()
	relayRegistry    = factory.NewRegistry[Relay]()
)

// RegisterProvider adds a provider factory identified by name.
func RegisterProvider(name string, f factory.Factory[Provider]) error {
	return providerRegistry.Register(name, f)
}

// NewProvider creates the configured provider.
func NewProvider(cfg factory.ModuleConfig) (Provider, error) {
	return providerRegistry.Create(cfg)
}

// RegisterRelay adds a relay factory identified by name.
func RegisterRelay(name string, f factory.Factory[Relay]) error {
	return relayRegistry.Register(name, f)
}

// NewRelays creates every configured relay. On error the relays already
// created are closed.
func NewRelays(cfgs []factory.ModuleConfig) ([]Relay, error) {
	relays := make([]Relay, 0, len(cfgs))
	for _, c := range cfgs {
		r, err := relayRegistry.Create(c)
		if err != nil {
			for _, created := range relays {
				_ = created.Close()
			}
			return nil, err
		}
		relays = append(relays, r)
	}
	return relays, nil
}
