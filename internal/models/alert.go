package models

import (
	"time"

	"DriverSafetyCore/internal/geo"
)

type Origin string

const (
	OriginPush     Origin = "push"
	OriginFallback Origin = "fallback"
)

type VehicleSnapshot struct {
	ID    string `json:"id,omitempty"`
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Color string `json:"color,omitempty"`
	Plate string `json:"plate,omitempty"`
}

type DriverSnapshot struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// IncomingAlert is a peer's panic event as surfaced to the presentation layer.
type IncomingAlert struct {
	EventID      string           `json:"event_id"`
	DriverID     string           `json:"driver_id"`
	Latitude     float64          `json:"latitude"`
	Longitude    float64          `json:"longitude"`
	DistanceKm   float64          `json:"distance_km"`
	Priority     geo.Priority     `json:"priority"`
	IsActive     bool             `json:"is_active"`
	StartedAt    time.Time        `json:"started_at"`
	LastUpdateAt time.Time        `json:"last_update_at"`
	Muted        bool             `json:"muted"`
	Origin       Origin           `json:"origin"`
	Vehicle      *VehicleSnapshot `json:"vehicle,omitempty"`
	Driver       *DriverSnapshot  `json:"driver,omitempty"`
}

type LocationUpdate struct {
	EventID   string    `json:"event_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   *float64  `json:"heading,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AlertEnded struct {
	EventID  string    `json:"event_id"`
	DriverID string    `json:"driver_id"`
	EndedAt  time.Time `json:"ended_at"`
}

// Candidate is the shape every raised event is converted into before admission,
// whichever path discovered it.
type Candidate struct {
	EventID   string
	DriverID  string
	Latitude  float64
	Longitude float64
	IsActive  bool
	StartedAt time.Time
	Origin    Origin
	Vehicle   *VehicleSnapshot
	Driver    *DriverSnapshot
}

type SoundState struct {
	LastSoundAt  time.Time    `json:"last_sound_at"`
	LastPriority geo.Priority `json:"last_priority"`
}
