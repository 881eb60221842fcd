// Package lifecycle tracks whether the local driver's own panic is active.
//
// States move IDLE -> ACTIVATING -> ACTIVE -> FINALIZING -> IDLE. The whole
// record is persisted after every mutation and re-derived from the stored
// snapshot on start.
//
// An event id is held only while ACTIVE or FINALIZING. FINALIZING keeps it so
// the pending resolve knows which event to end.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/observe"
	"DriverSafetyCore/internal/store"

	"github.com/google/uuid"
)

const maxTransitions = 64

type Machine struct {
	mu          sync.Mutex
	snapshots   store.Snapshots
	log         *logger.Logger
	now         func() time.Time
	state       models.PanicLifecycle
	transitions []models.Transition
	value       *observe.Value[models.PanicLifecycle]
}

func New(snapshots store.Snapshots, log *logger.Logger) *Machine {
	idle := models.PanicLifecycle{State: models.PanicIdle}
	return &Machine{
		snapshots: snapshots,
		log:       log.Named("lifecycle"),
		now:       time.Now,
		state:     idle,
		value:     observe.NewValue(idle),
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Load restores the persisted snapshot. A record claiming ACTIVE or FINALIZING
// without an event id is treated as never confirmed and healed to ACTIVATING.
func (m *Machine) Load(ctx context.Context) error {
	var persisted models.PanicLifecycle
	found, err := m.snapshots.Load(ctx, store.KeyLifecycle, &persisted)
	if err != nil {
		m.log.Error("Failed to load lifecycle snapshot, starting IDLE: %v", err)
		found = false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !found {
		m.state = models.PanicLifecycle{State: models.PanicIdle, UpdatedAt: m.now()}
		m.publishLocked(ctx)
		return nil
	}

	switch persisted.State {
	case models.PanicIdle, models.PanicActivating, models.PanicActive, models.PanicFinalizing:
	default:
		m.log.Warn("Unknown persisted lifecycle state %q, resetting to IDLE", persisted.State)
		persisted = models.PanicLifecycle{State: models.PanicIdle}
	}

	if (persisted.State == models.PanicActive || persisted.State == models.PanicFinalizing) && persisted.EventID == "" {
		m.log.Warn("Anomaly: persisted state %s has no event id, healing to %s", persisted.State, models.PanicActivating)
		persisted.State = models.PanicActivating
	}

	m.state = persisted
	m.log.Info("Restored lifecycle: state=%s event=%q pending=%v", persisted.State, persisted.EventID, persisted.Pending)
	m.publishLocked(ctx)
	return nil
}

// Activate starts a new panic episode from any state.
func (m *Machine) Activate(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state
	now := m.now()
	next.EventID = ""
	next.Source = NormalizeSource(reason)
	next.ActivatedAt = &now
	next.State = models.PanicActivating
	m.applyLocked(ctx, next, "activate: "+reason)
}

// SetPending records caller intent before the backend confirms an event.
func (m *Machine) SetPending(ctx context.Context, pending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state
	next.Pending = pending
	reason := "pending cleared"
	if pending {
		reason = "pending set"
		if next.State == models.PanicIdle {
			now := m.now()
			next.State = models.PanicActivating
			next.ActivatedAt = &now
			next.Source = NormalizeSource("")
		}
	} else if next.State == models.PanicActivating && next.EventID == "" {
		reason = "intent withdrawn"
		next = models.PanicLifecycle{State: models.PanicIdle}
	}
	m.applyLocked(ctx, next, reason)
}

// AttachEventID confirms the backend event. Blank ids and repeated ids are no-ops.
func (m *Machine) AttachEventID(ctx context.Context, id string) {
	id = strings.TrimSpace(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		if m.state.State != models.PanicActive {
			m.log.Debug("Ignoring blank event id in state %s", m.state.State)
		}
		return
	}
	if m.state.State == models.PanicActive && m.state.EventID == id {
		return
	}

	next := m.state
	next.EventID = id
	next.Pending = false
	if next.ActivatedAt == nil {
		now := m.now()
		next.ActivatedAt = &now
	}
	next.State = models.PanicActive
	m.applyLocked(ctx, next, "event confirmed: "+id)
}

// MarkFinalizing is used while the resolve call is in flight. The event id is
// kept so the resolve can be retried.
func (m *Machine) MarkFinalizing(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state
	next.State = models.PanicFinalizing
	next.Pending = false
	m.applyLocked(ctx, next, "finalizing: "+reason)
}

// Deactivate unconditionally returns to IDLE.
func (m *Machine) Deactivate(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyLocked(ctx, models.PanicLifecycle{State: models.PanicIdle}, "deactivate: "+reason)
}

func (m *Machine) Snapshot() models.PanicLifecycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) IsActive() bool {
	return m.Snapshot().IsActive()
}

// Observe exposes read-only lifecycle snapshots.
func (m *Machine) Observe() *observe.Value[models.PanicLifecycle] {
	return m.value
}

// Transitions returns the recorded transition log, oldest first.
func (m *Machine) Transitions() []models.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

func (m *Machine) applyLocked(ctx context.Context, next models.PanicLifecycle, reason string) {
	prev := m.state.State
	next.UpdatedAt = m.now()
	m.state = next

	if prev != next.State {
		t := models.Transition{
			ID:     uuid.NewString(),
			From:   prev,
			To:     next.State,
			Reason: reason,
			At:     next.UpdatedAt,
		}
		m.transitions = append(m.transitions, t)
		if len(m.transitions) > maxTransitions {
			m.transitions = m.transitions[len(m.transitions)-maxTransitions:]
		}
		m.log.Info("%s -> %s (%s)", prev, next.State, reason)
	}

	m.publishLocked(ctx)
}

func (m *Machine) publishLocked(ctx context.Context) {
	if err := m.snapshots.Save(ctx, store.KeyLifecycle, m.state); err != nil {
		m.log.Error("Failed to persist lifecycle snapshot: %v", err)
	}
	m.value.Set(m.state)
}

// NormalizeSource maps a free-text origin tag onto "voice" or "button".
func NormalizeSource(reason string) string {
	if strings.Contains(strings.ToLower(reason), models.SourceVoice) {
		return models.SourceVoice
	}
	return models.SourceButton
}
