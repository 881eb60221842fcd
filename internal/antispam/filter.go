// Package antispam rate-limits and spatially deduplicates incoming panic events
// before they reach the driver. Filter is not safe for concurrent use; the
// ingestion actor owns its only instance.
package antispam

import (
	"time"

	"DriverSafetyCore/internal/geo"
)

type Verdict string

const (
	Accepted         Verdict = "ACCEPTED"
	GlobalLimit      Verdict = "GLOBAL_LIMIT"
	DriverLimit      Verdict = "DRIVER_LIMIT"
	SpatialDuplicate Verdict = "SPATIAL_DUPLICATE"
)

type Config struct {
	GlobalSpacing   time.Duration
	DriverSpacing   time.Duration
	SpatialWindow   time.Duration
	SpatialRadiusKm float64
	Retention       time.Duration
}

func DefaultConfig() Config {
	return Config{
		GlobalSpacing:   15 * time.Second,
		DriverSpacing:   60 * time.Second,
		SpatialWindow:   30 * time.Second,
		SpatialRadiusKm: 0.2,
		Retention:       2 * time.Minute,
	}
}

type Event struct {
	EventID   string
	DriverID  string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

type retained struct {
	lat, lng float64
	at       time.Time
}

type Filter struct {
	cfg        Config
	lastGlobal time.Time
	perDriver  map[string]time.Time
	recent     []retained
}

func New(cfg Config) *Filter {
	return &Filter{
		cfg:       cfg,
		perDriver: make(map[string]time.Time),
	}
}

// Evaluate decides whether ev may surface. Only an accepted event updates state.
func (f *Filter) Evaluate(ev Event) Verdict {
	now := ev.Timestamp

	if !f.lastGlobal.IsZero() && now.Sub(f.lastGlobal) < f.cfg.GlobalSpacing {
		return GlobalLimit
	}

	f.pruneDrivers(now)
	if last, ok := f.perDriver[ev.DriverID]; ok && now.Sub(last) < f.cfg.DriverSpacing {
		return DriverLimit
	}

	f.pruneRecent(now)
	for _, r := range f.recent {
		if now.Sub(r.at) > f.cfg.SpatialWindow {
			continue
		}
		if geo.DistanceKm(r.lat, r.lng, ev.Latitude, ev.Longitude) <= f.cfg.SpatialRadiusKm {
			return SpatialDuplicate
		}
	}

	f.lastGlobal = now
	f.perDriver[ev.DriverID] = now
	f.recent = append(f.recent, retained{lat: ev.Latitude, lng: ev.Longitude, at: now})
	return Accepted
}

// Prune drops everything that can no longer influence a decision at now.
func (f *Filter) Prune(now time.Time) {
	f.pruneDrivers(now)
	f.pruneRecent(now)
}

func (f *Filter) pruneDrivers(now time.Time) {
	for id, at := range f.perDriver {
		if now.Sub(at) >= f.cfg.DriverSpacing {
			delete(f.perDriver, id)
		}
	}
}

func (f *Filter) pruneRecent(now time.Time) {
	kept := f.recent[:0]
	for _, r := range f.recent {
		if now.Sub(r.at) <= f.cfg.Retention {
			kept = append(kept, r)
		}
	}
	f.recent = kept
}

// Retained reports how many events are currently held for spatial dedup.
func (f *Filter) Retained() int {
	return len(f.recent)
}
