// Package gps provides location providers for environments without a device
// GNSS stack: fixed coordinates, recorded route replay and a provider that
// always reports a refused permission.
package gps

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/roadside/core/factory"
	"github.com/kilianp07/roadside/core/location"
	"github.com/kilianp07/roadside/core/model"
)

// StaticConfig pins the worker to one coordinate.
type StaticConfig struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
}

// StaticProvider always reports the configured coordinate stamped with the
// current time.
type StaticProvider struct {
	cfg StaticConfig
	now func() time.Time
}

// NewStaticProvider validates cfg and returns a provider.
func NewStaticProvider(cfg StaticConfig) (*StaticProvider, error) {
	if cfg.Lat < -90 || cfg.Lat > 90 || cfg.Lng < -180 || cfg.Lng > 180 {
		return nil, fmt.Errorf("static coordinate out of range: %f,%f", cfg.Lat, cfg.Lng)
	}
	return &StaticProvider{cfg: cfg, now: time.Now}, nil
}

func (s *StaticProvider) Read(ctx context.Context) (model.Position, error) {
	if err := ctx.Err(); err != nil {
		return model.Position{}, err
	}
	return model.Position{Lat: s.cfg.Lat, Lng: s.cfg.Lng, Accuracy: s.cfg.Accuracy, Timestamp: s.now()}, nil
}

// DeniedProvider models a device where location access was refused.
type DeniedProvider struct{}

func (DeniedProvider) Read(context.Context) (model.Position, error) {
	return model.Position{}, location.ErrPermissionDenied
}

func init() {
	_ = location.RegisterProvider("static", func(conf map[string]any) (location.Provider, error) {
		var c StaticConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewStaticProvider(c)
	})
	_ = location.RegisterProvider("replay", func(conf map[string]any) (location.Provider, error) {
		var c ReplayConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewReplayProvider(c)
	})
	_ = location.RegisterProvider("denied", func(map[string]any) (location.Provider, error) {
		return DeniedProvider{}, nil
	})
}
