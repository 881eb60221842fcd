package service

import (
	"context"
	"fmt"

	"DriverSafetyCore/internal/lifecycle"
	"DriverSafetyCore/internal/logger"
)

// Session is the part of the ingestion pipeline presence drives.
type Session interface {
	GoOnline(ctx context.Context) error
	GoOffline(ctx context.Context) error
	Online() bool
}

// Resetter clears supervision state, e.g. the health monitor's attempt counters.
type Resetter interface {
	ResetAll()
}

type PresenceService struct {
	session   Session
	health    Resetter
	lifecycle *lifecycle.Machine
	log       *logger.Logger
}

func NewPresenceService(session Session, health Resetter, machine *lifecycle.Machine, log *logger.Logger) *PresenceService {
	return &PresenceService{
		session:   session,
		health:    health,
		lifecycle: machine,
		log:       log.Named("presence"),
	}
}

// GoOnline resets worker supervision and starts receiving alerts.
func (s *PresenceService) GoOnline(ctx context.Context) error {
	if s.health != nil {
		s.health.ResetAll()
	}
	if err := s.session.GoOnline(ctx); err != nil {
		return fmt.Errorf("failed to go online: %w", err)
	}
	s.log.Info("Driver online")
	return nil
}

func (s *PresenceService) GoOffline(ctx context.Context) error {
	if err := s.session.GoOffline(ctx); err != nil {
		return fmt.Errorf("failed to go offline: %w", err)
	}
	s.log.Info("Driver offline")
	return nil
}

// SetOnline switches presence in either direction.
func (s *PresenceService) SetOnline(ctx context.Context, online bool) error {
	if online {
		return s.GoOnline(ctx)
	}
	return s.GoOffline(ctx)
}

func (s *PresenceService) Online() bool {
	return s.session.Online()
}

// Logout goes offline and resets the panic lifecycle to IDLE.
func (s *PresenceService) Logout(ctx context.Context) error {
	err := s.GoOffline(ctx)
	s.lifecycle.Deactivate(ctx, "logout")
	s.log.Info("Driver logged out")
	return err
}
