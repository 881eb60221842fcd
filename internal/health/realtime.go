package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"DriverSafetyCore/internal/models"
)

// Connectivity reports the state of the broker connection.
type Connectivity interface {
	IsConnected() bool
	// DisconnectedAt is the time the connection was last lost, zero if never.
	DisconnectedAt() time.Time
}

// PushPath is the pipeline's push subscription.
type PushPath interface {
	Online() bool
	PushHealthy() bool
	RestartPush(ctx context.Context) error
}

// RealtimeWorker supervises the push path. It is alive while connected with a
// live subscription, or while disconnected for less than the grace period.
type RealtimeWorker struct {
	conn  Connectivity
	push  PushPath
	grace time.Duration
}

func NewRealtimeWorker(conn Connectivity, push PushPath, grace time.Duration) *RealtimeWorker {
	return &RealtimeWorker{conn: conn, push: push, grace: grace}
}

func (w *RealtimeWorker) Name() string { return models.WorkerRealtime }

func (w *RealtimeWorker) Alive(now time.Time) error {
	if w.conn.IsConnected() {
		if w.push != nil && w.push.Online() && !w.push.PushHealthy() {
			return errors.New("connected but push subscription is down")
		}
		return nil
	}
	since := w.conn.DisconnectedAt()
	if since.IsZero() {
		return errors.New("never connected")
	}
	if down := now.Sub(since); down >= w.grace {
		return fmt.Errorf("disconnected for %s", down.Truncate(time.Second))
	}
	return nil
}

func (w *RealtimeWorker) Restart(ctx context.Context) error {
	return w.push.RestartPush(ctx)
}
