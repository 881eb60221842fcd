// Package sound decides whether a newly accepted alert may sound audibly.
package sound

import (
	"context"
	"sync"
	"time"

	"DriverSafetyCore/internal/geo"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/store"
)

type Reason string

const (
	ReasonSilentOff  Reason = "silent_mode_off"
	ReasonCritical   Reason = "critical"
	ReasonFirst      Reason = "no_prior_sound"
	ReasonEscalation Reason = "priority_escalation"
	ReasonElapsed    Reason = "window_elapsed"
	ReasonSuppressed Reason = "suppressed"
)

type Decision struct {
	Play   bool
	Forced bool
	Reason Reason
}

// Windows holds the per-priority suppression windows. CRITICAL is never suppressed.
var Windows = map[geo.Priority]time.Duration{
	geo.PriorityHigh:   30 * time.Second,
	geo.PriorityNormal: 2 * time.Minute,
	geo.PriorityLow:    5 * time.Minute,
}

type Policy struct {
	mu         sync.Mutex
	snapshots  store.Snapshots
	log        *logger.Logger
	silentMode bool
	last       *models.SoundState
}

func NewPolicy(snapshots store.Snapshots, silentMode bool, log *logger.Logger) *Policy {
	return &Policy{
		snapshots:  snapshots,
		silentMode: silentMode,
		log:        log.Named("sound"),
	}
}

// Load restores the persisted sound state. A missing record is not an error.
func (p *Policy) Load(ctx context.Context) error {
	var st models.SoundState
	found, err := p.snapshots.Load(ctx, store.KeySoundState, &st)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if found {
		p.last = &st
	}
	return nil
}

func (p *Policy) SetSilentMode(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silentMode = enabled
}

func (p *Policy) SilentMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.silentMode
}

// LastSound returns a copy of the last recorded sound state, if any.
func (p *Policy) LastSound() (models.SoundState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return models.SoundState{}, false
	}
	return *p.last, true
}

func (p *Policy) Decide(ctx context.Context, priority geo.Priority, now time.Time) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.silentMode {
		return Decision{Play: true, Reason: ReasonSilentOff}
	}

	d := evaluate(p.last, priority, now)
	if d.Play {
		next := models.SoundState{LastSoundAt: now, LastPriority: priority}
		p.last = &next
		if err := p.snapshots.Save(ctx, store.KeySoundState, next); err != nil {
			p.log.Error("Failed to persist sound state: %v", err)
		}
	}
	return d
}

func evaluate(last *models.SoundState, priority geo.Priority, now time.Time) Decision {
	if priority == geo.PriorityCritical {
		return Decision{Play: true, Forced: true, Reason: ReasonCritical}
	}
	if last == nil {
		return Decision{Play: true, Reason: ReasonFirst}
	}
	if priority.Outranks(last.LastPriority) {
		return Decision{Play: true, Reason: ReasonEscalation}
	}
	if now.Sub(last.LastSoundAt) >= Windows[priority] {
		return Decision{Play: true, Reason: ReasonElapsed}
	}
	return Decision{Play: false, Reason: ReasonSuppressed}
}
