// Package supervisor implements supervised retry with exponential backoff and
// an attempt ceiling. It holds no goroutines: callers feed it the current time
// and act on the returned decision. The health monitor and the voice recovery
// controller both build on it.
package supervisor

import (
	"sync"
	"time"
)

// Policy configures a Backoff.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Cap bounds every delay.
	Cap time.Duration

	// MaxAttempts is the ceiling on attempts. Zero means unlimited.
	MaxAttempts int

	// Window makes the ceiling rolling: once Window has elapsed since the
	// first attempt of the current window, attempts start over. Zero keeps
	// the ceiling until Reset.
	Window time.Duration
}

// Delay returns min(Base * 2^n, Cap) where n is the number of attempts
// already made.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.Base
	for i := 0; i < n; i++ {
		if p.Cap > 0 && d >= p.Cap {
			break
		}
		d *= 2
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

type Decision int

const (
	// Proceed: the caller should perform its recovery action now.
	Proceed Decision = iota
	// Wait: still inside the backoff window of the previous attempt.
	Wait
	// Exhausted: the attempt ceiling has been reached.
	Exhausted
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Wait:
		return "wait"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// State is a snapshot of a Backoff.
type State struct {
	Attempts      int
	NextAllowedAt time.Time
	WindowStart   time.Time
	LastDelay     time.Duration
}

// Backoff tracks attempts for one supervised target. Safe for concurrent use.
type Backoff struct {
	mu     sync.Mutex
	policy Policy
	state  State
}

func New(policy Policy) *Backoff {
	return &Backoff{policy: policy}
}

func (b *Backoff) Policy() Policy {
	return b.policy
}

// Attempt decides whether an attempt may happen at now. On Proceed the
// attempt is counted and the returned delay is the backoff that now guards
// the next attempt.
func (b *Backoff) Attempt(now time.Time) (Decision, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindowLocked(now)

	if b.policy.MaxAttempts > 0 && b.state.Attempts >= b.policy.MaxAttempts {
		return Exhausted, 0
	}
	if now.Before(b.state.NextAllowedAt) {
		return Wait, b.state.NextAllowedAt.Sub(now)
	}

	delay := b.policy.Delay(b.state.Attempts)
	if b.state.Attempts == 0 {
		b.state.WindowStart = now
	}
	b.state.Attempts++
	b.state.LastDelay = delay
	b.state.NextAllowedAt = now.Add(delay)
	return Proceed, delay
}

// Exhausted reports whether the ceiling has been reached at now.
func (b *Backoff) Exhausted(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindowLocked(now)
	return b.policy.MaxAttempts > 0 && b.state.Attempts >= b.policy.MaxAttempts
}

// Reset forgets every attempt.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.state = State{}
	b.mu.Unlock()
}

func (b *Backoff) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Backoff) rollWindowLocked(now time.Time) {
	if b.policy.Window <= 0 || b.state.Attempts == 0 {
		return
	}
	if now.Sub(b.state.WindowStart) >= b.policy.Window {
		b.state = State{}
	}
}
