package defensive

import (
	"context"
	"testing"
	"time"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newController(t *testing.T, cfg Config, snaps store.Snapshots) (*Controller, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)}
	c := New(cfg, snaps, nil, logger.Discard()).WithClock(clk.Now)
	require.NoError(t, c.Load(context.Background()))
	return c, clk
}

func TestThreeFailuresInWindowEnable(t *testing.T) {
	ctx := context.Background()
	c, clk := newController(t, DefaultConfig(), store.NewMemory())

	c.RecordFailure(ctx, "voice", false)
	clk.Advance(3 * time.Minute)
	c.RecordFailure(ctx, "location", false)
	assert.False(t, c.Enabled())

	clk.Advance(3 * time.Minute)
	c.RecordFailure(ctx, "realtime", false)
	assert.True(t, c.Enabled())
	assert.Equal(t, 3, c.Snapshot().RecentFailures)
}

func TestFailuresOutsideWindowDoNotCount(t *testing.T) {
	ctx := context.Background()
	c, clk := newController(t, DefaultConfig(), store.NewMemory())

	c.RecordFailure(ctx, "voice", false)
	clk.Advance(6 * time.Minute)
	c.RecordFailure(ctx, "voice", false)
	clk.Advance(6 * time.Minute)
	c.RecordFailure(ctx, "voice", false)

	assert.False(t, c.Enabled())
	assert.Equal(t, 2, c.Snapshot().RecentFailures)
}

func TestCriticalEnablesImmediately(t *testing.T) {
	c, _ := newController(t, DefaultConfig(), store.NewMemory())

	c.RecordFailure(context.Background(), "ingest decode", true)

	snap := c.Snapshot()
	assert.True(t, snap.Enabled)
	assert.Contains(t, snap.LastReason, "critical")
}

func TestRecoveryNeedsQuietPeriodAndRealtime(t *testing.T) {
	ctx := context.Background()
	c, clk := newController(t, DefaultConfig(), store.NewMemory())
	c.RecordFailure(ctx, "decode", true)

	clk.Advance(4 * time.Minute)
	c.Evaluate(ctx, Signals{RealtimeHealthy: true})
	assert.True(t, c.Enabled(), "quiet period not yet elapsed")

	clk.Advance(2 * time.Minute)
	c.Evaluate(ctx, Signals{RealtimeHealthy: false, FallbackHealthy: true})
	assert.True(t, c.Enabled(), "realtime still down")

	c.Evaluate(ctx, Signals{RealtimeHealthy: true})
	assert.False(t, c.Enabled())
}

func TestFallbackPolicyAcceptsPollerHealth(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Policy = RecoverOnFallback
	c, clk := newController(t, cfg, store.NewMemory())
	c.RecordFailure(ctx, "decode", true)

	clk.Advance(5 * time.Minute)
	c.Evaluate(ctx, Signals{FallbackHealthy: true})
	assert.False(t, c.Enabled())
}

func TestEnableIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, clk := newController(t, DefaultConfig(), store.NewMemory())

	c.RecordFailure(ctx, "first", true)
	changed := c.Snapshot().LastChangedAt
	clk.Advance(time.Minute)
	c.RecordFailure(ctx, "second", true)

	snap := c.Snapshot()
	assert.Equal(t, changed, snap.LastChangedAt)
	assert.Contains(t, snap.LastReason, "first")
}

func TestPersistedAcrossRestart(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c, _ := newController(t, DefaultConfig(), mem)
	c.RecordFailure(ctx, "decode", true)

	restored, clk := newController(t, DefaultConfig(), mem)
	assert.True(t, restored.Enabled())

	clk.Advance(5 * time.Minute)
	restored.Evaluate(ctx, Signals{RealtimeHealthy: true})
	assert.False(t, restored.Enabled())
}

func TestParseRecoveryPolicy(t *testing.T) {
	p, err := ParseRecoveryPolicy("fallback")
	require.NoError(t, err)
	assert.Equal(t, RecoverOnFallback, p)

	p, err = ParseRecoveryPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RecoverOnRealtime, p)

	_, err = ParseRecoveryPolicy("sometimes")
	assert.Error(t, err)
}
