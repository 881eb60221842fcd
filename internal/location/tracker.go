// Package location keeps the driver's last-known position, as reported by the
// device, and supervises the location-producing worker.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
)

var ErrInvalidFix = errors.New("invalid location fix")

// Commander sends a worker command to the device.
type Commander interface {
	SendWorkerCommand(ctx context.Context, worker, action string) error
}

type Tracker struct {
	mu        sync.RWMutex
	latest    *models.Position
	running   bool
	fixMaxAge time.Duration
	commander Commander
	log       *logger.Logger
}

func NewTracker(fixMaxAge time.Duration, commander Commander, log *logger.Logger) *Tracker {
	return &Tracker{
		fixMaxAge: fixMaxAge,
		commander: commander,
		log:       log.Named("location"),
	}
}

// Update records a new fix. A fix older than the current one is ignored.
func (t *Tracker) Update(p models.Position) error {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: lat=%f lng=%f", ErrInvalidFix, p.Latitude, p.Longitude)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest != nil && p.Timestamp.Before(t.latest.Timestamp) {
		t.log.Debug("Dropping out-of-order fix from %s", p.Timestamp.Format(time.RFC3339))
		return nil
	}
	t.latest = &p
	t.running = true
	return nil
}

// Position returns the last-known fix.
func (t *Tracker) Position() (models.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.latest == nil {
		return models.Position{}, false
	}
	return *t.latest, true
}

// SetRunning records whether the device reports the location worker as running.
func (t *Tracker) SetRunning(running bool) {
	t.mu.Lock()
	t.running = running
	t.mu.Unlock()
}

func (t *Tracker) Name() string { return models.WorkerLocation }

func (t *Tracker) Alive(now time.Time) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.running {
		return errors.New("location worker not running")
	}
	if t.latest == nil {
		return errors.New("no fix yet")
	}
	if age := now.Sub(t.latest.Timestamp); age > t.fixMaxAge {
		return fmt.Errorf("last fix is %s old", age.Truncate(time.Second))
	}
	return nil
}

func (t *Tracker) Restart(ctx context.Context) error {
	if t.commander == nil {
		return errors.New("no command channel")
	}
	return t.commander.SendWorkerCommand(ctx, models.WorkerLocation, "restart")
}
