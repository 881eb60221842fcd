package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"DriverSafetyCore/internal/defensive"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeWorker struct {
	name     string
	mu       sync.Mutex
	healthy  bool
	restarts int
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Alive(time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.healthy {
		return nil
	}
	return errors.New("no recent fix")
}

func (w *fakeWorker) Restart(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restarts++
	return nil
}

func (w *fakeWorker) setHealthy(v bool) {
	w.mu.Lock()
	w.healthy = v
	w.mu.Unlock()
}

type recordingDefensive struct {
	failures []string
	signals  []defensive.Signals
}

func (d *recordingDefensive) RecordFailure(_ context.Context, source string, _ bool) {
	d.failures = append(d.failures, source)
}

func (d *recordingDefensive) Evaluate(_ context.Context, sig defensive.Signals) {
	d.signals = append(d.signals, sig)
}

func newMonitor(t *testing.T, def Defensive) (*Monitor, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)}
	hm := NewMonitor(DefaultConfig(), def, nil, logger.Discard()).WithClock(clk.Now)
	t.Cleanup(hm.Shutdown)
	return hm, clk
}

func TestFailedAfterMaxAttemptsAndNoFurtherRestarts(t *testing.T) {
	ctx := context.Background()
	def := &recordingDefensive{}
	hm, clk := newMonitor(t, def)
	w := &fakeWorker{name: models.WorkerLocation}
	hm.Register(w)

	for i := 0; i < 5; i++ {
		hm.Check(ctx)
		st, _ := hm.Get(models.WorkerLocation)
		assert.Equal(t, models.WorkerRestarting, st.State, "tick %d", i)
		clk.Advance(time.Minute)
	}
	assert.Equal(t, 5, w.restarts)

	for i := 0; i < 4; i++ {
		hm.Check(ctx)
		clk.Advance(time.Minute)
	}
	st, _ := hm.Get(models.WorkerLocation)
	assert.Equal(t, models.WorkerFailed, st.State)
	assert.Equal(t, 5, w.restarts)
	// five restart signals plus one on exhaustion
	assert.Len(t, def.failures, 6)

	hm.ResetAll()
	hm.Check(ctx)
	assert.Equal(t, 6, w.restarts)
}

func TestBackoffWindowMarksFailedWithoutRestart(t *testing.T) {
	ctx := context.Background()
	hm, clk := newMonitor(t, nil)
	w := &fakeWorker{name: models.WorkerVoice}
	hm.Register(w)

	hm.Check(ctx)
	clk.Advance(2 * time.Second)
	hm.Check(ctx)

	st, _ := hm.Get(models.WorkerVoice)
	assert.Equal(t, models.WorkerFailed, st.State)
	assert.Equal(t, 1, w.restarts)
	require.NotNil(t, st.NextAllowedAt)
}

func TestBackoffDelaysNonDecreasingAndCapped(t *testing.T) {
	ctx := context.Background()
	hm, clk := newMonitor(t, nil)
	hm.cfg.MaxAttempts = 0
	w := &fakeWorker{name: models.WorkerLocation}
	hm.Register(w)

	var prev time.Duration
	for i := 0; i < 8; i++ {
		hm.Check(ctx)
		st, _ := hm.Get(models.WorkerLocation)
		require.NotNil(t, st.NextAllowedAt)
		delay := st.NextAllowedAt.Sub(clk.Now())
		assert.GreaterOrEqual(t, delay, prev)
		assert.LessOrEqual(t, delay, 60*time.Second)
		prev = delay
		clk.Advance(delay)
	}
	assert.Equal(t, 60*time.Second, prev)
}

func TestRecoveryResetsAttempts(t *testing.T) {
	ctx := context.Background()
	hm, clk := newMonitor(t, nil)
	w := &fakeWorker{name: models.WorkerLocation}
	hm.Register(w)

	hm.Check(ctx)
	clk.Advance(time.Minute)
	w.setHealthy(true)
	hm.Check(ctx)

	st, _ := hm.Get(models.WorkerLocation)
	assert.Equal(t, models.WorkerOK, st.State)
	assert.Zero(t, st.Attempts)
	assert.Nil(t, st.NextAllowedAt)
}

func TestSuppressionHoldsBackRestart(t *testing.T) {
	ctx := context.Background()
	def := &recordingDefensive{}
	hm, _ := newMonitor(t, def)
	w := &fakeWorker{name: models.WorkerVoice}
	hm.Register(w)
	hm.SetSuppression(func(worker string) bool { return worker == models.WorkerVoice })

	hm.Check(ctx)

	st, _ := hm.Get(models.WorkerVoice)
	assert.True(t, st.Suppressed)
	assert.Zero(t, w.restarts)
	assert.Empty(t, def.failures)
}

func TestEvaluateReceivesRealtimeHealth(t *testing.T) {
	ctx := context.Background()
	def := &recordingDefensive{}
	hm, _ := newMonitor(t, def)
	rt := &fakeWorker{name: models.WorkerRealtime, healthy: true}
	hm.Register(rt)
	hm.SetFallbackHealth(func() bool { return true })

	hm.Check(ctx)

	require.Len(t, def.signals, 1)
	assert.True(t, def.signals[0].RealtimeHealthy)
	assert.True(t, def.signals[0].FallbackHealthy)
}

type fakeConn struct {
	connected bool
	downAt    time.Time
}

func (c fakeConn) IsConnected() bool         { return c.connected }
func (c fakeConn) DisconnectedAt() time.Time { return c.downAt }

func TestRealtimeWorkerGracePeriod(t *testing.T) {
	now := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)

	w := NewRealtimeWorker(fakeConn{connected: true}, nil, 30*time.Second)
	assert.NoError(t, w.Alive(now))

	w = NewRealtimeWorker(fakeConn{downAt: now.Add(-10 * time.Second)}, nil, 30*time.Second)
	assert.NoError(t, w.Alive(now))

	w = NewRealtimeWorker(fakeConn{downAt: now.Add(-45 * time.Second)}, nil, 30*time.Second)
	assert.Error(t, w.Alive(now))

	w = NewRealtimeWorker(fakeConn{}, nil, 30*time.Second)
	assert.Error(t, w.Alive(now))
}

type fakePush struct {
	online   bool
	healthy  bool
	restarts int
}

func (p *fakePush) Online() bool      { return p.online }
func (p *fakePush) PushHealthy() bool { return p.healthy }

func (p *fakePush) RestartPush(context.Context) error {
	p.restarts++
	p.healthy = true
	return nil
}

func TestRealtimeWorkerRestartsDeadSubscription(t *testing.T) {
	ctx := context.Background()
	def := &recordingDefensive{}
	hm, clk := newMonitor(t, def)
	push := &fakePush{online: true}
	hm.Register(NewRealtimeWorker(fakeConn{connected: true}, push, 30*time.Second))
	hm.SetFallbackHealth(func() bool { return true })

	hm.Check(ctx)

	assert.Equal(t, 1, push.restarts)
	st, _ := hm.Get(models.WorkerRealtime)
	assert.Equal(t, models.WorkerRestarting, st.State)
	require.Len(t, def.signals, 1)
	assert.False(t, def.signals[0].RealtimeHealthy)

	clk.Advance(time.Minute)
	hm.Check(ctx)

	st, _ = hm.Get(models.WorkerRealtime)
	assert.Equal(t, models.WorkerOK, st.State)
	assert.True(t, def.signals[1].RealtimeHealthy)
	assert.Equal(t, 1, push.restarts)
}

func TestRealtimeWorkerIgnoresSubscriptionWhileOffline(t *testing.T) {
	now := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	w := NewRealtimeWorker(fakeConn{connected: true}, &fakePush{}, 30*time.Second)
	assert.NoError(t, w.Alive(now))
}

func TestOfflineSuppressesEveryWorker(t *testing.T) {
	ctx := context.Background()
	def := &recordingDefensive{}
	hm, clk := newMonitor(t, def)
	location := &fakeWorker{name: models.WorkerLocation}
	voice := &fakeWorker{name: models.WorkerVoice}
	push := &fakePush{}
	hm.Register(location)
	hm.Register(voice)
	hm.Register(NewRealtimeWorker(fakeConn{downAt: clk.Now().Add(-time.Hour)}, push, 30*time.Second))

	online, panicActive := false, false
	hm.SetSuppression(SuppressWhen(func() bool { return online }, func() bool { return panicActive }))

	for i := 0; i < 5; i++ {
		hm.Check(ctx)
		clk.Advance(time.Minute)
	}
	assert.Zero(t, location.restarts)
	assert.Zero(t, voice.restarts)
	assert.Zero(t, push.restarts)
	assert.Empty(t, def.failures)
	for _, st := range hm.Snapshot() {
		assert.True(t, st.Suppressed, st.Worker)
	}

	online, panicActive = true, true
	hm.Check(ctx)
	assert.Equal(t, 1, location.restarts)
	assert.Zero(t, voice.restarts)
}
