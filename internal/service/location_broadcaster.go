package service

import (
	"context"
	"sync"
	"time"

	"DriverSafetyCore/internal/lifecycle"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
)

const DefaultLocationInterval = 5 * time.Second

// LocationBroadcaster publishes the driver's position for their own active
// panic so recipients can follow it.
type LocationBroadcaster struct {
	interval  time.Duration
	lifecycle *lifecycle.Machine
	publisher Publisher
	positions PositionSource
	driverID  string
	log       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastSent time.Time
}

func NewLocationBroadcaster(
	interval time.Duration,
	machine *lifecycle.Machine,
	publisher Publisher,
	positions PositionSource,
	driverID string,
	log *logger.Logger,
) *LocationBroadcaster {
	if interval <= 0 {
		interval = DefaultLocationInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocationBroadcaster{
		interval:  interval,
		lifecycle: machine,
		publisher: publisher,
		positions: positions,
		driverID:  driverID,
		log:       log.Named("location-broadcast"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *LocationBroadcaster) Start() {
	b.log.Info("Starting location broadcaster (interval %s)", b.interval)
	b.wg.Add(1)
	go b.loop()
}

func (b *LocationBroadcaster) Shutdown() {
	b.log.Info("Shutting down location broadcaster...")
	b.cancel()
	b.wg.Wait()
	b.log.Info("Location broadcaster stopped")
}

func (b *LocationBroadcaster) loop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.Tick(b.ctx)
		}
	}
}

// Tick publishes one location update when the own panic is ACTIVE and a fix
// newer than the last broadcast exists. It reports whether one was sent.
func (b *LocationBroadcaster) Tick(ctx context.Context) bool {
	snap := b.lifecycle.Snapshot()
	if snap.State != models.PanicActive || snap.EventID == "" {
		return false
	}

	pos, ok := b.positions.Position()
	if !ok {
		return false
	}

	b.mu.Lock()
	stale := !pos.Timestamp.After(b.lastSent)
	b.mu.Unlock()
	if stale {
		return false
	}

	payload := models.LocationPayload{
		PanicEventID: snap.EventID,
		DriverID:     b.driverID,
		Latitude:     pos.Latitude,
		Longitude:    pos.Longitude,
		UpdatedAt:    pos.Timestamp,
	}
	if err := b.publisher.Publish(ctx, models.KindLocationMoved, payload); err != nil {
		b.log.Warn("Failed to publish location for %s: %v", snap.EventID, err)
		return false
	}

	b.mu.Lock()
	b.lastSent = pos.Timestamp
	b.mu.Unlock()
	return true
}
