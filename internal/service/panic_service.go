package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"DriverSafetyCore/internal/lifecycle"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/repository"

	"golang.org/x/sync/singleflight"
)

// Publisher is the outbound half of the broadcast channel.
type Publisher interface {
	Publish(ctx context.Context, kind models.BroadcastKind, payload any) error
}

// PositionSource yields the driver's last known fix.
type PositionSource interface {
	Position() (models.Position, bool)
}

// IPanicService drives the local driver's own panic event.
type IPanicService interface {
	Trigger(ctx context.Context, reason string) (TriggerResult, error)
	Resolve(ctx context.Context) (ResolveResult, error)
}

type TriggerResult struct {
	Outcome models.TriggerOutcome `json:"outcome"`
	EventID string                `json:"event_id,omitempty"`
}

type ResolveResult struct {
	Outcome models.ResolveOutcome `json:"outcome"`
	EventID string                `json:"event_id,omitempty"`
}

// Identity is the local driver as announced on the broadcast channel.
type Identity struct {
	DriverID   string
	DriverName string
}

type PanicService struct {
	lifecycle *lifecycle.Machine
	repo      repository.IPanicRepository
	publisher Publisher
	positions PositionSource
	identity  Identity
	log       *logger.Logger
	now       func() time.Time

	group    singleflight.Group
	inFlight atomic.Bool
	// commands serializes backend create and resolve.
	commands sync.Mutex
}

func NewPanicService(
	machine *lifecycle.Machine,
	repo repository.IPanicRepository,
	publisher Publisher,
	positions PositionSource,
	identity Identity,
	log *logger.Logger,
) *PanicService {
	return &PanicService{
		lifecycle: machine,
		repo:      repo,
		publisher: publisher,
		positions: positions,
		identity:  identity,
		log:       log.Named("panic"),
		now:       time.Now,
	}
}

func (s *PanicService) WithClock(now func() time.Time) *PanicService {
	s.now = now
	return s
}

// Trigger raises the driver's own panic. Concurrent triggers share one
// backend create; callers that arrive while it runs get IN_FLIGHT_JOINED.
func (s *PanicService) Trigger(ctx context.Context, reason string) (TriggerResult, error) {
	if snap := s.lifecycle.Snapshot(); snap.State == models.PanicActive && snap.EventID != "" {
		return TriggerResult{Outcome: models.TriggerAlreadyActive, EventID: snap.EventID}, nil
	}

	joined := s.inFlight.Load()
	v, err, _ := s.group.Do("trigger", func() (any, error) {
		s.inFlight.Store(true)
		defer s.inFlight.Store(false)
		// Joined callers must not lose the create when the leader's request is cancelled.
		return s.trigger(context.WithoutCancel(ctx), reason)
	})

	res := v.(TriggerResult)
	if joined && res.Outcome == models.TriggerCreated {
		res.Outcome = models.TriggerJoined
	}
	return res, err
}

func (s *PanicService) trigger(ctx context.Context, reason string) (TriggerResult, error) {
	s.commands.Lock()
	defer s.commands.Unlock()

	if snap := s.lifecycle.Snapshot(); snap.State == models.PanicActive && snap.EventID != "" {
		return TriggerResult{Outcome: models.TriggerAlreadyActive, EventID: snap.EventID}, nil
	}

	s.log.Info("Panic triggered (%s)", reason)
	s.lifecycle.Activate(ctx, reason)

	pos, ok := s.positions.Position()
	if !ok {
		s.log.Warn("No location fix, cannot raise panic")
		s.lifecycle.Deactivate(ctx, "no location")
		return TriggerResult{Outcome: models.TriggerNoLocation}, nil
	}

	startedAt := s.now()
	id, err := s.repo.Create(ctx, repository.NewPanic{
		DriverID:   s.identity.DriverID,
		DriverName: s.identity.DriverName,
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Source:     lifecycle.NormalizeSource(reason),
		StartedAt:  startedAt,
	})
	if err != nil {
		s.lifecycle.Deactivate(ctx, "create failed")
		return TriggerResult{Outcome: models.TriggerFailed}, fmt.Errorf("failed to create panic event: %w", err)
	}

	s.lifecycle.AttachEventID(ctx, id)

	raised := models.RaisedPayload{
		PanicEventID: id,
		DriverID:     s.identity.DriverID,
		DriverName:   s.identity.DriverName,
		Latitude:     pos.Latitude,
		Longitude:    pos.Longitude,
		CreatedAt:    &startedAt,
		IsActive:     true,
	}
	if err := s.publisher.Publish(ctx, models.KindRaised, raised); err != nil {
		// Peers still discover the row through their fallback poll.
		s.log.Warn("Failed to broadcast panic %s: %v", id, err)
	}

	s.log.Info("Panic %s created", id)
	return TriggerResult{Outcome: models.TriggerCreated, EventID: id}, nil
}

// Resolve ends the driver's own panic. A trigger arriving meanwhile waits for
// it and then raises a new event.
func (s *PanicService) Resolve(ctx context.Context) (ResolveResult, error) {
	s.commands.Lock()
	defer s.commands.Unlock()

	snap := s.lifecycle.Snapshot()
	if snap.EventID == "" {
		return ResolveResult{Outcome: models.ResolveMissingID}, nil
	}
	id := snap.EventID

	s.lifecycle.MarkFinalizing(ctx, "resolve requested")

	n, err := s.repo.Resolve(ctx, id, s.identity.DriverID)
	if err != nil {
		s.lifecycle.AttachEventID(ctx, id)
		return ResolveResult{Outcome: models.ResolveFailed, EventID: id}, fmt.Errorf("failed to resolve panic %s: %w", id, err)
	}
	if n == 0 {
		s.log.Info("Panic %s was already ended", id)
		s.lifecycle.Deactivate(ctx, "already ended")
		return ResolveResult{Outcome: models.ResolveAlreadyEnded, EventID: id}, nil
	}

	resolved := models.ResolvedPayload{PanicEventID: id, DriverID: s.identity.DriverID}
	if err := s.publisher.Publish(ctx, models.KindResolved, resolved); err != nil {
		s.log.Warn("Failed to broadcast resolution of %s: %v", id, err)
	}

	s.lifecycle.Deactivate(ctx, "resolved")
	s.log.Info("Panic %s resolved", id)
	return ResolveResult{Outcome: models.ResolveResolved, EventID: id}, nil
}
