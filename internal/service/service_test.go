package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"DriverSafetyCore/internal/lifecycle"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/repository"
	"DriverSafetyCore/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu          sync.Mutex
	created     []repository.NewPanic
	createErr   error
	resolveRows int64
	resolveErr  error
	block       chan struct{}
	started     chan struct{}

	resolveBlock   chan struct{}
	resolveStarted chan struct{}
}

func (r *fakeRepo) FetchActiveSince(context.Context, time.Time, string, int) ([]models.PanicRow, error) {
	return nil, nil
}

func (r *fakeRepo) Create(_ context.Context, p repository.NewPanic) (string, error) {
	if r.started != nil {
		close(r.started)
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return "", r.createErr
	}
	r.created = append(r.created, p)
	return fmt.Sprintf("ev-%d", len(r.created)), nil
}

func (r *fakeRepo) Resolve(context.Context, string, string) (int64, error) {
	if r.resolveStarted != nil {
		close(r.resolveStarted)
		r.resolveStarted = nil
	}
	if r.resolveBlock != nil {
		<-r.resolveBlock
	}
	return r.resolveRows, r.resolveErr
}

func (r *fakeRepo) createCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

type published struct {
	kind    models.BroadcastKind
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, kind models.BroadcastKind, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{kind, payload})
	return nil
}

type fixedPosition struct {
	mu  sync.Mutex
	pos models.Position
	ok  bool
}

func (f *fixedPosition) Position() (models.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, f.ok
}

var now0 = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func newPanicFixture(t *testing.T) (*PanicService, *lifecycle.Machine, *fakeRepo, *fakePublisher, *fixedPosition) {
	t.Helper()
	machine := lifecycle.New(store.NewMemory(), logger.Discard())
	repo := &fakeRepo{resolveRows: 1}
	pub := &fakePublisher{}
	pos := &fixedPosition{pos: models.Position{Latitude: 45.0, Longitude: 7.0, Timestamp: now0}, ok: true}
	svc := NewPanicService(machine, repo, pub, pos, Identity{DriverID: "me", DriverName: "Ada"}, logger.Discard()).
		WithClock(func() time.Time { return now0 })
	return svc, machine, repo, pub, pos
}

func TestTriggerCreatesAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	svc, machine, repo, pub, _ := newPanicFixture(t)

	res, err := svc.Trigger(ctx, "voice keyword")
	require.NoError(t, err)
	assert.Equal(t, models.TriggerCreated, res.Outcome)
	assert.Equal(t, "ev-1", res.EventID)

	snap := machine.Snapshot()
	assert.Equal(t, models.PanicActive, snap.State)
	assert.Equal(t, "ev-1", snap.EventID)
	assert.Equal(t, models.SourceVoice, snap.Source)

	require.Len(t, repo.created, 1)
	assert.Equal(t, "me", repo.created[0].DriverID)
	assert.Equal(t, models.SourceVoice, repo.created[0].Source)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, models.KindRaised, pub.sent[0].kind)
	raised := pub.sent[0].payload.(models.RaisedPayload)
	assert.True(t, raised.IsActive)
	assert.Equal(t, "ev-1", raised.PanicEventID)

	res, err = svc.Trigger(ctx, "button")
	require.NoError(t, err)
	assert.Equal(t, models.TriggerAlreadyActive, res.Outcome)
	assert.Equal(t, 1, repo.createCount())
}

func TestTriggerWithoutLocation(t *testing.T) {
	svc, machine, repo, pub, pos := newPanicFixture(t)
	pos.ok = false

	res, err := svc.Trigger(context.Background(), "button")
	require.NoError(t, err)
	assert.Equal(t, models.TriggerNoLocation, res.Outcome)
	assert.Equal(t, models.PanicIdle, machine.Snapshot().State)
	assert.Zero(t, repo.createCount())
	assert.Empty(t, pub.sent)
}

func TestTriggerCreateFailure(t *testing.T) {
	svc, machine, repo, _, _ := newPanicFixture(t)
	repo.createErr = errors.New("db down")

	res, err := svc.Trigger(context.Background(), "button")
	require.Error(t, err)
	assert.Equal(t, models.TriggerFailed, res.Outcome)
	assert.Equal(t, models.PanicIdle, machine.Snapshot().State)
}

func TestTriggerPublishFailureStillCreates(t *testing.T) {
	svc, machine, _, pub, _ := newPanicFixture(t)
	pub.err = errors.New("broker down")

	res, err := svc.Trigger(context.Background(), "button")
	require.NoError(t, err)
	assert.Equal(t, models.TriggerCreated, res.Outcome)
	assert.True(t, machine.IsActive())
}

func TestConcurrentTriggersShareOneCreate(t *testing.T) {
	svc, _, repo, _, _ := newPanicFixture(t)
	repo.block = make(chan struct{})
	repo.started = make(chan struct{})

	var first TriggerResult
	done := make(chan struct{})
	go func() {
		defer close(done)
		first, _ = svc.Trigger(context.Background(), "button")
	}()
	<-repo.started
	repo.started = nil

	var second TriggerResult
	joinedDone := make(chan struct{})
	go func() {
		defer close(joinedDone)
		second, _ = svc.Trigger(context.Background(), "button")
	}()

	time.Sleep(50 * time.Millisecond)
	close(repo.block)
	<-done
	<-joinedDone

	assert.Equal(t, models.TriggerCreated, first.Outcome)
	assert.Contains(t, []models.TriggerOutcome{models.TriggerJoined, models.TriggerAlreadyActive}, second.Outcome)
	assert.Equal(t, "ev-1", second.EventID)
	assert.Equal(t, 1, repo.createCount())
}

func TestResolveOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("missing id", func(t *testing.T) {
		svc, _, _, _, _ := newPanicFixture(t)
		res, err := svc.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ResolveMissingID, res.Outcome)
	})

	t.Run("resolved", func(t *testing.T) {
		svc, machine, _, pub, _ := newPanicFixture(t)
		_, err := svc.Trigger(ctx, "button")
		require.NoError(t, err)

		res, err := svc.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ResolveResolved, res.Outcome)
		assert.Equal(t, models.PanicIdle, machine.Snapshot().State)
		require.Len(t, pub.sent, 2)
		assert.Equal(t, models.KindResolved, pub.sent[1].kind)
	})

	t.Run("already ended", func(t *testing.T) {
		svc, machine, repo, pub, _ := newPanicFixture(t)
		_, err := svc.Trigger(ctx, "button")
		require.NoError(t, err)
		repo.resolveRows = 0

		res, err := svc.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ResolveAlreadyEnded, res.Outcome)
		assert.Equal(t, models.PanicIdle, machine.Snapshot().State)
		assert.Len(t, pub.sent, 1)
	})

	t.Run("failed returns to active", func(t *testing.T) {
		svc, machine, repo, _, _ := newPanicFixture(t)
		_, err := svc.Trigger(ctx, "button")
		require.NoError(t, err)
		repo.resolveErr = errors.New("timeout")

		res, err := svc.Resolve(ctx)
		require.Error(t, err)
		assert.Equal(t, models.ResolveFailed, res.Outcome)
		snap := machine.Snapshot()
		assert.Equal(t, models.PanicActive, snap.State)
		assert.Equal(t, "ev-1", snap.EventID)
	})
}

func TestTriggerDuringResolveWaitsAndRaisesNewEvent(t *testing.T) {
	ctx := context.Background()
	svc, machine, repo, _, _ := newPanicFixture(t)

	_, err := svc.Trigger(ctx, "button")
	require.NoError(t, err)

	repo.resolveBlock = make(chan struct{})
	started := make(chan struct{})
	repo.resolveStarted = started

	resolved := make(chan ResolveResult, 1)
	go func() {
		res, _ := svc.Resolve(ctx)
		resolved <- res
	}()
	<-started
	assert.Equal(t, models.PanicFinalizing, machine.Snapshot().State)

	triggered := make(chan TriggerResult, 1)
	go func() {
		res, _ := svc.Trigger(ctx, "button")
		triggered <- res
	}()

	select {
	case res := <-triggered:
		t.Fatalf("trigger finished while resolve was running: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, repo.createCount())

	close(repo.resolveBlock)
	res := <-resolved
	assert.Equal(t, models.ResolveResolved, res.Outcome)
	assert.Equal(t, "ev-1", res.EventID)

	second := <-triggered
	assert.Equal(t, models.TriggerCreated, second.Outcome)
	assert.Equal(t, "ev-2", second.EventID)

	snap := machine.Snapshot()
	assert.Equal(t, models.PanicActive, snap.State)
	assert.Equal(t, "ev-2", snap.EventID)
}

func TestLocationBroadcasterTick(t *testing.T) {
	ctx := context.Background()
	svc, machine, _, pub, pos := newPanicFixture(t)
	b := NewLocationBroadcaster(0, machine, pub, pos, "me", logger.Discard())

	assert.False(t, b.Tick(ctx))

	_, err := svc.Trigger(ctx, "button")
	require.NoError(t, err)
	pub.sent = nil

	assert.True(t, b.Tick(ctx))
	assert.False(t, b.Tick(ctx), "same fix is not re-sent")

	pos.mu.Lock()
	pos.pos = models.Position{Latitude: 45.001, Longitude: 7.0, Timestamp: now0.Add(5 * time.Second)}
	pos.mu.Unlock()
	assert.True(t, b.Tick(ctx))

	require.Len(t, pub.sent, 2)
	moved := pub.sent[1].payload.(models.LocationPayload)
	assert.Equal(t, models.KindLocationMoved, pub.sent[1].kind)
	assert.Equal(t, "ev-1", moved.PanicEventID)
	assert.Equal(t, 45.001, moved.Latitude)

	machine.MarkFinalizing(ctx, "test")
	pos.mu.Lock()
	pos.pos.Timestamp = now0.Add(10 * time.Second)
	pos.mu.Unlock()
	assert.False(t, b.Tick(ctx))
}

type fakeSession struct {
	online  bool
	failOn  bool
	history []bool
}

func (s *fakeSession) GoOnline(context.Context) error {
	if s.failOn {
		return errors.New("boom")
	}
	s.online = true
	s.history = append(s.history, true)
	return nil
}

func (s *fakeSession) GoOffline(context.Context) error {
	s.online = false
	s.history = append(s.history, false)
	return nil
}

func (s *fakeSession) Online() bool { return s.online }

type countingResetter struct{ resets int }

func (r *countingResetter) ResetAll() { r.resets++ }

func TestPresence(t *testing.T) {
	ctx := context.Background()
	machine := lifecycle.New(store.NewMemory(), logger.Discard())
	session := &fakeSession{}
	resetter := &countingResetter{}
	p := NewPresenceService(session, resetter, machine, logger.Discard())

	require.NoError(t, p.SetOnline(ctx, true))
	assert.True(t, p.Online())
	assert.Equal(t, 1, resetter.resets)

	machine.Activate(ctx, "button")
	machine.AttachEventID(ctx, "ev-9")

	require.NoError(t, p.Logout(ctx))
	assert.False(t, p.Online())
	assert.Equal(t, models.PanicIdle, machine.Snapshot().State)
	assert.Equal(t, []bool{true, false}, session.history)

	session.failOn = true
	assert.Error(t, p.GoOnline(ctx))
}
