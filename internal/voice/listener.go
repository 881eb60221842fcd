// Package voice supervises the device's speech recognizer: liveness of the
// listener through heartbeats, and recovery driven by recognizer error codes.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DriverSafetyCore/internal/models"
)

// Commander sends a worker command to the device.
type Commander interface {
	SendWorkerCommand(ctx context.Context, worker, action string) error
}

// Listener tracks voice listener heartbeats. It is alive while running and
// the last heartbeat is younger than maxAge.
type Listener struct {
	mu            sync.RWMutex
	running       bool
	lastHeartbeat time.Time
	maxAge        time.Duration
	commander     Commander
}

func NewListener(maxAge time.Duration, commander Commander) *Listener {
	return &Listener{maxAge: maxAge, commander: commander}
}

func (l *Listener) Heartbeat(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if at.After(l.lastHeartbeat) {
		l.lastHeartbeat = at
	}
	l.running = true
}

func (l *Listener) SetRunning(running bool) {
	l.mu.Lock()
	l.running = running
	l.mu.Unlock()
}

func (l *Listener) LastHeartbeat() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHeartbeat
}

func (l *Listener) Name() string { return models.WorkerVoice }

func (l *Listener) Alive(now time.Time) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.running {
		return errors.New("voice listener not running")
	}
	if l.lastHeartbeat.IsZero() {
		return errors.New("no heartbeat yet")
	}
	if age := now.Sub(l.lastHeartbeat); age > l.maxAge {
		return fmt.Errorf("last heartbeat is %s old", age.Truncate(time.Second))
	}
	return nil
}

func (l *Listener) Restart(ctx context.Context) error {
	if l.commander == nil {
		return errors.New("no command channel")
	}
	return l.commander.SendWorkerCommand(ctx, models.WorkerVoice, "restart")
}
