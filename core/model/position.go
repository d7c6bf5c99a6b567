package model

import "time"

// Position is a single location fix reported by the device.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
}

// Reading is the last known position together with its freshness.
type Reading struct {
	Position Position `json:"position"`
	Stale    bool     `json:"stale"`
}

// Location drops the fix metadata.
func (p Position) Location() Location {
	return Location{Lat: p.Lat, Lng: p.Lng}
}
