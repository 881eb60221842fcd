package ingest

import (
	"context"
	"time"

	"DriverSafetyCore/internal/antispam"
	"DriverSafetyCore/internal/geo"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/sound"
)

// Reason names why a candidate was discarded.
type Reason string

const (
	ReasonOffline          Reason = "offline"
	ReasonSelf             Reason = "self"
	ReasonExpired          Reason = "expired"
	ReasonDuplicate        Reason = "duplicate"
	ReasonInFlight         Reason = "in_flight"
	ReasonNoLocation       Reason = "no_location"
	ReasonDistance         Reason = "distance"
	ReasonGlobalLimit      Reason = "global_limit"
	ReasonDriverLimit      Reason = "driver_limit"
	ReasonSpatialDuplicate Reason = "spatial_duplicate"
)

var verdictReasons = map[antispam.Verdict]Reason{
	antispam.GlobalLimit:      ReasonGlobalLimit,
	antispam.DriverLimit:      ReasonDriverLimit,
	antispam.SpatialDuplicate: ReasonSpatialDuplicate,
}

// Decision is the outcome of admitting one candidate.
type Decision struct {
	Accepted bool
	Reason   Reason
	Alert    *models.IncomingAlert
	Initial  *models.LocationUpdate
	Sound    sound.Decision
}

// PositionProvider returns the driver's last-known fix.
type PositionProvider interface {
	Position() (models.Position, bool)
}

// SoundDecider decides whether an accepted alert may sound.
type SoundDecider interface {
	Decide(ctx context.Context, priority geo.Priority, now time.Time) sound.Decision
}

type admissionConfig struct {
	SelfID           string
	RadiusKm         float64
	ProcessedTTL     time.Duration
	ResolvedTTL      time.Duration
	MaxEntries       int
	LocationMaxAge   time.Duration
	LocationMinMoveM float64
	EndedGrace       time.Duration
	Spam             antispam.Config
}

// admission holds every cache of the pipeline. It is a plain sequential
// state machine; the pipeline actor is its only caller.
type admission struct {
	cfg       admissionConfig
	online    bool
	processed *ttlCache
	resolved  *ttlCache
	spam      *antispam.Filter
	positions PositionProvider
	sound     SoundDecider

	ownFix  *models.Position
	active  *models.IncomingAlert
	endedAt time.Time
}

func newAdmission(cfg admissionConfig, positions PositionProvider, sd SoundDecider) *admission {
	return &admission{
		cfg:       cfg,
		processed: newTTLCache(cfg.ProcessedTTL, cfg.MaxEntries),
		resolved:  newTTLCache(cfg.ResolvedTTL, cfg.MaxEntries),
		spam:      antispam.New(cfg.Spam),
		positions: positions,
		sound:     sd,
	}
}

func (a *admission) admit(ctx context.Context, c models.Candidate, now time.Time) Decision {
	a.prune(now)

	if !a.online {
		return Decision{Reason: ReasonOffline}
	}
	if c.DriverID == a.cfg.SelfID {
		return Decision{Reason: ReasonSelf}
	}
	if c.Origin == models.OriginFallback && a.active != nil && a.active.IsActive && a.active.EventID == c.EventID {
		return Decision{Reason: ReasonInFlight}
	}
	if !c.IsActive || a.resolved.has(c.EventID, now) {
		return Decision{Reason: ReasonExpired}
	}
	if a.processed.has(c.EventID, now) {
		return Decision{Reason: ReasonDuplicate}
	}

	own, ok := a.ownPosition(now)
	if !ok {
		return Decision{Reason: ReasonNoLocation}
	}
	distance := geo.DistanceKm(own.Latitude, own.Longitude, c.Latitude, c.Longitude)
	if distance > a.cfg.RadiusKm {
		return Decision{Reason: ReasonDistance}
	}

	verdict := a.spam.Evaluate(antispam.Event{
		EventID:   c.EventID,
		DriverID:  c.DriverID,
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		Timestamp: now,
	})
	if verdict != antispam.Accepted {
		return Decision{Reason: verdictReasons[verdict]}
	}

	a.processed.put(c.EventID, now)
	priority := geo.PriorityForDistance(distance)

	sd := sound.Decision{Play: true}
	if a.sound != nil {
		sd = a.sound.Decide(ctx, priority, now)
	}

	alert := models.IncomingAlert{
		EventID:      c.EventID,
		DriverID:     c.DriverID,
		Latitude:     c.Latitude,
		Longitude:    c.Longitude,
		DistanceKm:   distance,
		Priority:     priority,
		IsActive:     true,
		StartedAt:    c.StartedAt,
		LastUpdateAt: now,
		Muted:        !sd.Play,
		Origin:       c.Origin,
		Vehicle:      c.Vehicle,
		Driver:       c.Driver,
	}
	a.active = &alert
	a.endedAt = time.Time{}

	shown := alert
	return Decision{
		Accepted: true,
		Alert:    &shown,
		Initial: &models.LocationUpdate{
			EventID:   c.EventID,
			DriverID:  c.DriverID,
			Latitude:  c.Latitude,
			Longitude: c.Longitude,
			UpdatedAt: now,
		},
		Sound: sd,
	}
}

// resolve records the resolution of eventID. It returns the ended signal when
// the event had been surfaced.
func (a *admission) resolve(eventID, driverID string, now time.Time) *models.AlertEnded {
	a.resolved.put(eventID, now)

	surfaced := a.processed.has(eventID, now)
	if a.active != nil && a.active.EventID == eventID {
		surfaced = true
		if driverID == "" {
			driverID = a.active.DriverID
		}
		if a.active.IsActive {
			a.active.IsActive = false
			a.active.LastUpdateAt = now
			a.endedAt = now
		}
	}
	if !surfaced {
		return nil
	}
	return &models.AlertEnded{EventID: eventID, DriverID: driverID, EndedAt: now}
}

// location applies a location broadcast to the active alert. Updates for any
// other event are dropped.
func (a *admission) location(p models.LocationPayload, now time.Time) *models.LocationUpdate {
	if a.active == nil || !a.active.IsActive || a.active.EventID != p.PanicEventID {
		return nil
	}

	a.active.Latitude = p.Latitude
	a.active.Longitude = p.Longitude
	a.active.LastUpdateAt = now
	if own, ok := a.ownPosition(now); ok {
		a.active.DistanceKm = geo.DistanceKm(own.Latitude, own.Longitude, p.Latitude, p.Longitude)
	}

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	return &models.LocationUpdate{
		EventID:   p.PanicEventID,
		DriverID:  a.active.DriverID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Heading:   p.Heading,
		UpdatedAt: updatedAt,
	}
}

// ownPosition refreshes the own-location cache. A cached fix is replaced once
// it is older than LocationMaxAge or the provider's fix has moved more than
// LocationMinMoveM away from it.
func (a *admission) ownPosition(now time.Time) (models.Position, bool) {
	if a.positions != nil {
		if latest, ok := a.positions.Position(); ok {
			switch {
			case a.ownFix == nil:
				a.ownFix = &latest
			case now.Sub(a.ownFix.Timestamp) > a.cfg.LocationMaxAge:
				a.ownFix = &latest
			case geo.DistanceKm(a.ownFix.Latitude, a.ownFix.Longitude, latest.Latitude, latest.Longitude)*1000 > a.cfg.LocationMinMoveM:
				a.ownFix = &latest
			}
		}
	}
	if a.ownFix == nil {
		return models.Position{}, false
	}
	return *a.ownFix, true
}

func (a *admission) prune(now time.Time) {
	a.processed.prune(now)
	a.resolved.prune(now)
	a.spam.Prune(now)
	if a.active != nil && !a.active.IsActive && now.Sub(a.endedAt) >= a.cfg.EndedGrace {
		a.active = nil
		a.endedAt = time.Time{}
	}
	a.ownPosition(now)
}

// setOnline toggles admission. Going offline clears the displayed alert and
// returns its ended signal if it was still active.
func (a *admission) setOnline(online bool, now time.Time) *models.AlertEnded {
	a.online = online
	if online || a.active == nil {
		return nil
	}
	var ended *models.AlertEnded
	if a.active.IsActive {
		ended = &models.AlertEnded{EventID: a.active.EventID, DriverID: a.active.DriverID, EndedAt: now}
	}
	a.active = nil
	a.endedAt = time.Time{}
	return ended
}

func (a *admission) activeAlert() *models.IncomingAlert {
	if a.active == nil {
		return nil
	}
	cp := *a.active
	return &cp
}
