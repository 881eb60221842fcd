package sound

import (
	"context"
	"testing"
	"time"

	"DriverSafetyCore/internal/geo"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func newPolicy(t *testing.T) (*Policy, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewPolicy(mem, true, logger.Discard()), mem
}

func TestCriticalAlwaysPlays(t *testing.T) {
	p, _ := newPolicy(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := p.Decide(ctx, geo.PriorityCritical, t0.Add(time.Duration(i)*time.Second))
		assert.True(t, d.Play)
		assert.True(t, d.Forced)
	}
}

func TestNormalSuppressedInsideWindow(t *testing.T) {
	p, _ := newPolicy(t)
	ctx := context.Background()

	require.True(t, p.Decide(ctx, geo.PriorityNormal, t0).Play)

	d := p.Decide(ctx, geo.PriorityNormal, t0.Add(60*time.Second))
	assert.False(t, d.Play)
	assert.Equal(t, ReasonSuppressed, d.Reason)

	d = p.Decide(ctx, geo.PriorityNormal, t0.Add(2*time.Minute))
	assert.True(t, d.Play)
	assert.Equal(t, ReasonElapsed, d.Reason)
}

func TestEscalationBypassesWindow(t *testing.T) {
	p, _ := newPolicy(t)
	ctx := context.Background()

	require.True(t, p.Decide(ctx, geo.PriorityNormal, t0).Play)

	d := p.Decide(ctx, geo.PriorityHigh, t0.Add(60*time.Second))
	assert.True(t, d.Play)
	assert.Equal(t, ReasonEscalation, d.Reason)
}

func TestSilentModeOffAlwaysPlaysWithoutPersisting(t *testing.T) {
	p, mem := newPolicy(t)
	p.SetSilentMode(false)
	ctx := context.Background()

	assert.True(t, p.Decide(ctx, geo.PriorityLow, t0).Play)
	assert.True(t, p.Decide(ctx, geo.PriorityLow, t0.Add(time.Second)).Play)

	_, stored := mem.Raw(store.KeySoundState)
	assert.False(t, stored)
}

func TestStatePersistsAcrossInstances(t *testing.T) {
	p, mem := newPolicy(t)
	ctx := context.Background()
	require.True(t, p.Decide(ctx, geo.PriorityHigh, t0).Play)

	restored := NewPolicy(mem, true, logger.Discard())
	require.NoError(t, restored.Load(ctx))

	last, ok := restored.LastSound()
	require.True(t, ok)
	assert.Equal(t, models.SoundState{LastSoundAt: t0, LastPriority: geo.PriorityHigh}, last)

	assert.False(t, restored.Decide(ctx, geo.PriorityHigh, t0.Add(10*time.Second)).Play)
	assert.False(t, restored.Decide(ctx, geo.PriorityLow, t0.Add(10*time.Second)).Play)
}
