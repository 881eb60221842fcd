// Package defensive aggregates failure signals into a persisted, binary
// degraded state with hysteresis-based recovery.
package defensive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/metrics"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/observe"
	"DriverSafetyCore/internal/store"
)

// RecoveryPolicy chooses which ingestion path must be healthy before the
// controller may leave defensive mode.
type RecoveryPolicy string

const (
	// RecoverOnRealtime requires the push path to be healthy.
	RecoverOnRealtime RecoveryPolicy = "realtime"
	// RecoverOnFallback also accepts a working fallback poller while push is down.
	RecoverOnFallback RecoveryPolicy = "fallback"
)

func ParseRecoveryPolicy(s string) (RecoveryPolicy, error) {
	switch RecoveryPolicy(s) {
	case RecoverOnRealtime, "":
		return RecoverOnRealtime, nil
	case RecoverOnFallback:
		return RecoverOnFallback, nil
	default:
		return "", fmt.Errorf("unknown recovery policy %q", s)
	}
}

type Config struct {
	Window      time.Duration
	Threshold   int
	QuietPeriod time.Duration
	Policy      RecoveryPolicy
}

func DefaultConfig() Config {
	return Config{
		Window:      10 * time.Minute,
		Threshold:   3,
		QuietPeriod: 5 * time.Minute,
		Policy:      RecoverOnRealtime,
	}
}

// Signals is the view of path health used when evaluating recovery.
type Signals struct {
	RealtimeHealthy bool
	FallbackHealthy bool
}

type Controller struct {
	mu            sync.Mutex
	cfg           Config
	snapshots     store.Snapshots
	log           *logger.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	failures      []time.Time
	lastFailureAt time.Time
	mode          models.DefensiveMode
	value         *observe.Value[models.DefensiveMode]
}

func New(cfg Config, snapshots store.Snapshots, m *metrics.Metrics, log *logger.Logger) *Controller {
	if cfg.Policy == "" {
		cfg.Policy = RecoverOnRealtime
	}
	return &Controller{
		cfg:       cfg,
		snapshots: snapshots,
		log:       log.Named("defensive"),
		metrics:   m,
		now:       time.Now,
		value:     observe.NewValue(models.DefensiveMode{}),
	}
}

func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Load restores the persisted mode. The failure window itself is not
// persisted; a restored enabled mode counts its change time as the last
// failure so the quiet period starts over.
func (c *Controller) Load(ctx context.Context) error {
	var persisted models.DefensiveMode
	found, err := c.snapshots.Load(ctx, store.KeyDefensiveMode, &persisted)
	if err != nil {
		return fmt.Errorf("load defensive mode: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if found {
		c.mode = persisted
		if persisted.Enabled {
			c.lastFailureAt = persisted.LastChangedAt
			c.log.Info("Restored defensive mode: enabled (%s)", persisted.LastReason)
		}
	}
	c.metrics.Defensive(c.mode.Enabled)
	c.value.Set(c.mode)
	return nil
}

// RecordFailure registers a failure from source. A critical failure enables
// defensive mode immediately; otherwise the sliding window decides.
func (c *Controller) RecordFailure(ctx context.Context, source string, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lastFailureAt = now
	c.pruneLocked(now)

	if critical {
		c.log.Warn("Critical failure from %s", source)
		c.setLocked(ctx, true, "critical: "+source)
		return
	}

	c.failures = append(c.failures, now)
	c.mode.RecentFailures = len(c.failures)
	if len(c.failures) >= c.cfg.Threshold {
		c.setLocked(ctx, true, fmt.Sprintf("%d failures in %s (last: %s)", len(c.failures), c.cfg.Window, source))
		return
	}
	c.value.Set(c.mode)
}

// Evaluate disables defensive mode once no failure has been recorded for the
// quiet period and the required path is healthy.
func (c *Controller) Evaluate(ctx context.Context, sig Signals) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)
	if !c.mode.Enabled {
		if c.mode.RecentFailures != len(c.failures) {
			c.mode.RecentFailures = len(c.failures)
			c.value.Set(c.mode)
		}
		return
	}
	if now.Sub(c.lastFailureAt) < c.cfg.QuietPeriod {
		return
	}

	healthy := sig.RealtimeHealthy
	if c.cfg.Policy == RecoverOnFallback {
		healthy = healthy || sig.FallbackHealthy
	}
	if !healthy {
		return
	}
	c.setLocked(ctx, false, fmt.Sprintf("quiet for %s, %s path healthy", c.cfg.QuietPeriod, c.cfg.Policy))
}

func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode.Enabled
}

func (c *Controller) Snapshot() models.DefensiveMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Observe() *observe.Value[models.DefensiveMode] {
	return c.value
}

func (c *Controller) setLocked(ctx context.Context, enabled bool, reason string) {
	c.mode.RecentFailures = len(c.failures)
	if c.mode.Enabled == enabled {
		c.value.Set(c.mode)
		return
	}

	c.mode.Enabled = enabled
	c.mode.LastChangedAt = c.now()
	c.mode.LastReason = reason
	if enabled {
		c.log.Warn("Defensive mode enabled: %s", reason)
	} else {
		c.failures = c.failures[:0]
		c.mode.RecentFailures = 0
		c.log.Info("Defensive mode disabled: %s", reason)
	}

	if err := c.snapshots.Save(ctx, store.KeyDefensiveMode, c.mode); err != nil {
		c.log.Error("Failed to persist defensive mode: %v", err)
	}
	c.metrics.Defensive(enabled)
	c.value.Set(c.mode)
}

func (c *Controller) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	keep := c.failures[:0]
	for _, at := range c.failures {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	c.failures = keep
}
