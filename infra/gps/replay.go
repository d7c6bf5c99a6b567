package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/roadside/core/location"
	"github.com/kilianp07/roadside/core/model"
)

// Waypoint is one recorded fix of a route file.
type Waypoint struct {
	Lat      float64  `json:"lat" yaml:"lat"`
	Lng      float64  `json:"lng" yaml:"lng"`
	Accuracy float64  `json:"accuracy" yaml:"accuracy"`
	Heading  *float64 `json:"heading,omitempty" yaml:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty" yaml:"speed,omitempty"`
}

// ReplayConfig selects the route file and playback speed.
type ReplayConfig struct {
	Path string `json:"path"`
	// StepMS is the delay between pushed waypoints; 1000 by default.
	StepMS int  `json:"step_ms"`
	Loop   bool `json:"loop"`
}

// ReplayProvider plays back a recorded route. Waypoints are stamped with the
// playback time so consumers see a live, monotonic stream.
type ReplayProvider struct {
	points []Waypoint
	step   time.Duration
	loop   bool
	now    func() time.Time

	mu   sync.Mutex
	next int
}

// NewReplayProvider loads the route file at cfg.Path (.json, .yaml or .yml).
func NewReplayProvider(cfg ReplayConfig) (*ReplayProvider, error) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read route: %w", err)
	}
	var points []Waypoint
	switch strings.ToLower(filepath.Ext(cfg.Path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &points)
	case ".json":
		err = json.Unmarshal(data, &points)
	default:
		return nil, fmt.Errorf("unsupported route format: %s", cfg.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("route %s has no waypoints", cfg.Path)
	}
	return NewReplayFromWaypoints(points, cfg.StepMS, cfg.Loop), nil
}

// NewReplayFromWaypoints builds a provider from in-memory waypoints.
func NewReplayFromWaypoints(points []Waypoint, stepMS int, loop bool) *ReplayProvider {
	step := time.Duration(stepMS) * time.Millisecond
	if step <= 0 {
		step = time.Second
	}
	return &ReplayProvider{points: points, step: step, loop: loop, now: time.Now}
}

// Read returns the next waypoint. An exhausted, non-looping route reports
// location.ErrLocationUnavailable.
func (r *ReplayProvider) Read(ctx context.Context) (model.Position, error) {
	if err := ctx.Err(); err != nil {
		return model.Position{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.points) {
		if !r.loop {
			return model.Position{}, location.ErrLocationUnavailable
		}
		r.next = 0
	}
	w := r.points[r.next]
	r.next++
	return model.Position{
		Lat:       w.Lat,
		Lng:       w.Lng,
		Accuracy:  w.Accuracy,
		Heading:   w.Heading,
		Speed:     w.Speed,
		Timestamp: r.now(),
	}, nil
}

// Watch pushes one waypoint per step until ctx is done or the route ends.
func (r *ReplayProvider) Watch(ctx context.Context) (<-chan model.Position, error) {
	out := make(chan model.Position)
	go func() {
		defer close(out)
		ticker := time.NewTicker(r.step)
		defer ticker.Stop()
		for {
			p, err := r.Read(ctx)
			if err != nil {
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
