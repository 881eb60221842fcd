package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type BroadcastKind string

const (
	KindRaised        BroadcastKind = "panic_raised"
	KindResolved      BroadcastKind = "panic_resolved"
	KindLocationMoved BroadcastKind = "location_moved"
)

type RaisedPayload struct {
	PanicEventID string     `json:"panic_event_id"`
	DriverID     string     `json:"driver_id"`
	DriverName   string     `json:"driver_name,omitempty"`
	DriverPhone  string     `json:"driver_phone,omitempty"`
	Latitude     float64    `json:"latitude"`
	Longitude    float64    `json:"longitude"`
	VehicleID    string     `json:"vehicle_id,omitempty"`
	VehicleMake  string     `json:"vehicle_make,omitempty"`
	VehicleModel string     `json:"vehicle_model,omitempty"`
	VehicleColor string     `json:"vehicle_color,omitempty"`
	VehiclePlate string     `json:"vehicle_plate,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	IsActive     bool       `json:"is_active"`
}

type ResolvedPayload struct {
	PanicEventID string `json:"panic_event_id"`
	DriverID     string `json:"driver_id"`
}

type LocationPayload struct {
	PanicEventID string    `json:"panic_event_id"`
	DriverID     string    `json:"driver_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Heading      *float64  `json:"heading,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BroadcastMessage is one decoded message from the push path. Exactly one payload
// is set, or Err carries the decode fault.
type BroadcastMessage struct {
	Kind     BroadcastKind
	Raised   *RaisedPayload
	Resolved *ResolvedPayload
	Location *LocationPayload
	Err      error
}

// DecodeBroadcast turns a raw payload of the given kind into a BroadcastMessage.
func DecodeBroadcast(kind BroadcastKind, payload []byte) BroadcastMessage {
	msg := BroadcastMessage{Kind: kind}
	switch kind {
	case KindRaised:
		var p RaisedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.Err = fmt.Errorf("decode %s: %w", kind, err)
		} else if p.PanicEventID == "" || p.DriverID == "" {
			msg.Err = fmt.Errorf("decode %s: missing panic_event_id or driver_id", kind)
		} else {
			msg.Raised = &p
		}
	case KindResolved:
		var p ResolvedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.Err = fmt.Errorf("decode %s: %w", kind, err)
		} else if p.PanicEventID == "" {
			msg.Err = fmt.Errorf("decode %s: missing panic_event_id", kind)
		} else {
			msg.Resolved = &p
		}
	case KindLocationMoved:
		var p LocationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.Err = fmt.Errorf("decode %s: %w", kind, err)
		} else if p.PanicEventID == "" {
			msg.Err = fmt.Errorf("decode %s: missing panic_event_id", kind)
		} else {
			msg.Location = &p
		}
	default:
		msg.Err = fmt.Errorf("unknown broadcast kind %q", kind)
	}
	return msg
}

// Candidate converts a raised payload into the admission shape.
func (p RaisedPayload) Candidate(origin Origin, receivedAt time.Time) Candidate {
	c := Candidate{
		EventID:   p.PanicEventID,
		DriverID:  p.DriverID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		IsActive:  p.IsActive,
		StartedAt: receivedAt,
		Origin:    origin,
	}
	if p.CreatedAt != nil {
		c.StartedAt = *p.CreatedAt
	}
	if p.VehicleID != "" || p.VehicleMake != "" || p.VehicleModel != "" || p.VehicleColor != "" || p.VehiclePlate != "" {
		c.Vehicle = &VehicleSnapshot{
			ID:    p.VehicleID,
			Make:  p.VehicleMake,
			Model: p.VehicleModel,
			Color: p.VehicleColor,
			Plate: p.VehiclePlate,
		}
	}
	if p.DriverName != "" || p.DriverPhone != "" {
		c.Driver = &DriverSnapshot{Name: p.DriverName, Phone: p.DriverPhone}
	}
	return c
}
