package model

import "time"

// ServiceCategory is the kind of roadside help requested.
type ServiceCategory string

const (
	ServiceTowing    ServiceCategory = "towing"
	ServiceJumpStart ServiceCategory = "jump_start"
	ServiceFlatTire  ServiceCategory = "flat_tire"
	ServiceLockout   ServiceCategory = "lockout"
	ServiceFuel      ServiceCategory = "fuel_delivery"
	ServiceWinch     ServiceCategory = "winch_out"
	ServiceOther     ServiceCategory = "other"
)

// Location is a geographic point with an optional street address.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// JobOffer is a job proposed to the worker by dispatch. Offers are immutable
// once received.
type JobOffer struct {
	ID               string          `json:"id"`
	CustomerID       string          `json:"customer_id"`
	CustomerName     string          `json:"customer_name"`
	CustomerPhone    string          `json:"customer_phone,omitempty"`
	Service          ServiceCategory `json:"service_type"`
	Description      string          `json:"description,omitempty"`
	Pickup           Location        `json:"location"`
	Price            float64         `json:"price"`
	VehicleDetails   string          `json:"vehicle_details,omitempty"`
	EstimatedMinutes int             `json:"estimated_minutes,omitempty"`
	SafetyPin        string          `json:"safety_pin,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	// ExpiresAt is zero when the offer does not expire on its own.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the offer is past its expiry at now.
func (o JobOffer) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}
