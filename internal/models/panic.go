package models

import (
	"encoding/json"
	"time"
)

type PanicState string

const (
	PanicIdle       PanicState = "IDLE"
	PanicActivating PanicState = "ACTIVATING"
	PanicActive     PanicState = "ACTIVE"
	PanicFinalizing PanicState = "FINALIZING"
)

const (
	SourceVoice  = "voice"
	SourceButton = "button"
)

// PanicLifecycle is the local driver's own panic status.
type PanicLifecycle struct {
	State       PanicState `json:"state"`
	Source      string     `json:"source,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	Pending     bool       `json:"pending"`
	EventID     string     `json:"event_id,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsActive is true for every state except IDLE.
func (p PanicLifecycle) IsActive() bool {
	return p.State != "" && p.State != PanicIdle
}

// UnmarshalJSON coerces legacy boolean snapshots into the state enum.
func (p *PanicLifecycle) UnmarshalJSON(data []byte) error {
	type plain PanicLifecycle
	var raw struct {
		plain
		LegacyActive  *bool `json:"panic_active,omitempty"`
		LegacyPending *bool `json:"panic_pending,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PanicLifecycle(raw.plain)
	if p.State != "" {
		return nil
	}

	active := raw.LegacyActive != nil && *raw.LegacyActive
	pending := raw.LegacyPending != nil && *raw.LegacyPending
	switch {
	case active && p.EventID != "":
		p.State = PanicActive
	case active || pending:
		p.State = PanicActivating
		p.Pending = pending || p.Pending
	default:
		p.State = PanicIdle
	}
	return nil
}

// Transition is one entry of the lifecycle transition log.
type Transition struct {
	ID     string     `json:"id"`
	From   PanicState `json:"from"`
	To     PanicState `json:"to"`
	Reason string     `json:"reason"`
	At     time.Time  `json:"at"`
}

// PanicRow is a row returned by the fallback query.
type PanicRow struct {
	EventID      string
	DriverID     string
	DriverName   *string
	DriverPhone  *string
	VehicleID    *string
	VehicleMake  *string
	VehicleModel *string
	VehicleColor *string
	VehiclePlate *string
	LocationWKT  string
	IsActive     bool
	StartedAt    time.Time
	UpdatedAt    *time.Time
}

type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type ResolveOutcome string

const (
	ResolveResolved     ResolveOutcome = "RESOLVED"
	ResolveAlreadyEnded ResolveOutcome = "ALREADY_ENDED"
	ResolveFailed       ResolveOutcome = "FAILED"
	ResolveMissingID    ResolveOutcome = "MISSING_ID"
)

type TriggerOutcome string

const (
	TriggerCreated       TriggerOutcome = "CREATED"
	TriggerAlreadyActive TriggerOutcome = "ALREADY_ACTIVE"
	TriggerJoined        TriggerOutcome = "IN_FLIGHT_JOINED"
	TriggerNoLocation    TriggerOutcome = "NO_LOCATION"
	TriggerFailed        TriggerOutcome = "FAILED"
)
