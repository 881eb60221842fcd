package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestDelayNonDecreasingAndCapped(t *testing.T) {
	p := Policy{Base: 5 * time.Second, Cap: 60 * time.Second}

	want := []time.Duration{5, 10, 20, 40, 60, 60, 60}
	prev := time.Duration(0)
	for n, w := range want {
		d := p.Delay(n)
		assert.Equal(t, w*time.Second, d, "attempt %d", n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.Cap)
		prev = d
	}
	assert.Equal(t, 60*time.Second, p.Delay(200))
}

func TestVoiceShapedDelays(t *testing.T) {
	p := Policy{Base: 3 * time.Second, Cap: 5 * time.Second}
	assert.Equal(t, 3*time.Second, p.Delay(0))
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 5*time.Second, p.Delay(2))
}

func TestAttemptHonoursBackoffWindow(t *testing.T) {
	b := New(Policy{Base: 5 * time.Second, Cap: time.Minute, MaxAttempts: 5})

	d, delay := b.Attempt(t0)
	require.Equal(t, Proceed, d)
	assert.Equal(t, 5*time.Second, delay)

	d, remaining := b.Attempt(t0.Add(2 * time.Second))
	assert.Equal(t, Wait, d)
	assert.Equal(t, 3*time.Second, remaining)

	d, delay = b.Attempt(t0.Add(5 * time.Second))
	assert.Equal(t, Proceed, d)
	assert.Equal(t, 10*time.Second, delay)
	assert.Equal(t, 2, b.Snapshot().Attempts)
}

func TestAttemptCeiling(t *testing.T) {
	b := New(Policy{Base: time.Second, Cap: time.Second, MaxAttempts: 3})
	now := t0
	for i := 0; i < 3; i++ {
		d, _ := b.Attempt(now)
		require.Equal(t, Proceed, d)
		now = now.Add(time.Minute)
	}

	d, _ := b.Attempt(now)
	assert.Equal(t, Exhausted, d)
	assert.True(t, b.Exhausted(now))

	b.Reset()
	d, _ = b.Attempt(now)
	assert.Equal(t, Proceed, d)
}

func TestRollingWindowRestoresBudget(t *testing.T) {
	b := New(Policy{Base: time.Second, Cap: time.Second, MaxAttempts: 2, Window: 10 * time.Minute})

	b.Attempt(t0)
	b.Attempt(t0.Add(time.Minute))
	d, _ := b.Attempt(t0.Add(2 * time.Minute))
	assert.Equal(t, Exhausted, d)

	d, _ = b.Attempt(t0.Add(10 * time.Minute))
	assert.Equal(t, Proceed, d)
	assert.Equal(t, 1, b.Snapshot().Attempts)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "wait", Wait.String())
	assert.Equal(t, "unknown", Decision(9).String())
}
