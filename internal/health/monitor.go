// Package health supervises the background workers of the agent (location
// updates, voice listener, realtime connection) and restarts them with
// bounded exponential backoff.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"DriverSafetyCore/internal/defensive"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/metrics"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/observe"
	"DriverSafetyCore/internal/supervisor"
)

const restartTimeout = 10 * time.Second

// Worker is a supervised background responsibility.
type Worker interface {
	Name() string
	// Alive returns nil when the worker is healthy at now, or the reason it
	// is not.
	Alive(now time.Time) error
	Restart(ctx context.Context) error
}

// Defensive receives failure signals and is asked to re-evaluate recovery
// after every tick.
type Defensive interface {
	RecordFailure(ctx context.Context, source string, critical bool)
	Evaluate(ctx context.Context, sig defensive.Signals)
}

type Config struct {
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		BackoffBase: 5 * time.Second,
		BackoffCap:  60 * time.Second,
		MaxAttempts: 5,
	}
}

type record struct {
	worker            Worker
	backoff           *supervisor.Backoff
	health            models.ServiceHealth
	exhaustedReported bool
}

type Monitor struct {
	cfg       Config
	defensive Defensive
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time

	// suppress reports whether restarts of a worker must be held back.
	suppress        func(worker string) bool
	fallbackHealthy func() bool

	mu      sync.Mutex
	records map[string]*record
	order   []string
	value   *observe.Value[[]models.ServiceHealth]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(cfg Config, def Defensive, m *metrics.Metrics, log *logger.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:             cfg,
		defensive:       def,
		metrics:         m,
		log:             log.Named("health"),
		now:             time.Now,
		suppress:        func(string) bool { return false },
		fallbackHealthy: func() bool { return false },
		records:         make(map[string]*record),
		value:           observe.NewValue[[]models.ServiceHealth](nil),
		ctx:             ctx,
		cancel:          cancel,
	}
}

func (hm *Monitor) WithClock(now func() time.Time) *Monitor {
	hm.now = now
	return hm
}

// SetSuppression installs the predicate that holds back restarts, e.g. voice
// restarts while the driver's own panic is active.
func (hm *Monitor) SetSuppression(fn func(worker string) bool) {
	hm.mu.Lock()
	hm.suppress = fn
	hm.mu.Unlock()
}

// SuppressWhen holds back every worker while the driver is offline, and the
// voice worker while the driver's own panic is active.
func SuppressWhen(online, panicActive func() bool) func(worker string) bool {
	return func(worker string) bool {
		if !online() {
			return true
		}
		return worker == models.WorkerVoice && panicActive()
	}
}

// SetFallbackHealth installs the fallback poller health check used when
// evaluating defensive recovery.
func (hm *Monitor) SetFallbackHealth(fn func() bool) {
	hm.mu.Lock()
	hm.fallbackHealthy = fn
	hm.mu.Unlock()
}

func (hm *Monitor) Register(w Worker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	name := w.Name()
	if _, exists := hm.records[name]; !exists {
		hm.order = append(hm.order, name)
	}
	hm.records[name] = &record{
		worker: w,
		backoff: supervisor.New(supervisor.Policy{
			Base:        hm.cfg.BackoffBase,
			Cap:         hm.cfg.BackoffCap,
			MaxAttempts: hm.cfg.MaxAttempts,
		}),
		health: models.ServiceHealth{Worker: name, State: models.WorkerOK},
	}
	hm.publishLocked()
}

func (hm *Monitor) Start() {
	hm.log.Info("Starting health monitor (interval %s)", hm.cfg.Interval)
	hm.wg.Add(1)
	go hm.loop()
}

func (hm *Monitor) Shutdown() {
	hm.log.Info("Shutting down health monitor...")
	hm.cancel()
	hm.wg.Wait()
	hm.log.Info("Health monitor stopped")
}

func (hm *Monitor) loop() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.Check(hm.ctx)
		}
	}
}

// Check runs one supervision pass over every registered worker.
func (hm *Monitor) Check(ctx context.Context) {
	hm.mu.Lock()
	names := append([]string(nil), hm.order...)
	suppress := hm.suppress
	fallbackHealthy := hm.fallbackHealthy
	hm.mu.Unlock()

	realtimeHealthy := false
	for _, name := range names {
		healthy := hm.checkWorker(ctx, name, suppress)
		if name == models.WorkerRealtime {
			realtimeHealthy = healthy
		}
	}

	if hm.defensive != nil {
		hm.defensive.Evaluate(ctx, defensive.Signals{
			RealtimeHealthy: realtimeHealthy,
			FallbackHealthy: fallbackHealthy(),
		})
	}
}

func (hm *Monitor) checkWorker(ctx context.Context, name string, suppress func(string) bool) bool {
	hm.mu.Lock()
	rec, ok := hm.records[name]
	hm.mu.Unlock()
	if !ok {
		return false
	}

	now := hm.now()
	aliveErr := rec.worker.Alive(now)

	hm.mu.Lock()
	rec.health.LastCheckedAt = now
	rec.health.Suppressed = false

	if aliveErr == nil {
		if rec.health.State != models.WorkerOK || rec.health.Attempts > 0 {
			hm.log.Info("Worker %s healthy again after %d attempt(s)", name, rec.health.Attempts)
		}
		rec.backoff.Reset()
		rec.exhaustedReported = false
		rec.health.State = models.WorkerOK
		rec.health.Attempts = 0
		rec.health.NextAllowedAt = nil
		rec.health.LastError = ""
		hm.publishLocked()
		hm.mu.Unlock()
		return true
	}

	rec.health.LastError = aliveErr.Error()
	if suppress(name) {
		rec.health.Suppressed = true
		hm.log.Debug("Worker %s unhealthy (%v), restart suppressed", name, aliveErr)
		hm.publishLocked()
		hm.mu.Unlock()
		return false
	}

	decision, delay := rec.backoff.Attempt(now)
	var report bool
	switch decision {
	case supervisor.Exhausted:
		rec.health.State = models.WorkerFailed
		if !rec.exhaustedReported {
			rec.exhaustedReported = true
			report = true
			hm.log.Error("Worker %s failed after %d restart attempts, waiting for reset", name, rec.health.Attempts)
		}
	case supervisor.Wait:
		rec.health.State = models.WorkerFailed
		hm.log.Debug("Worker %s unhealthy, next restart allowed in %s", name, delay)
	case supervisor.Proceed:
		st := rec.backoff.Snapshot()
		next := st.NextAllowedAt
		rec.health.State = models.WorkerRestarting
		rec.health.Attempts = st.Attempts
		rec.health.NextAllowedAt = &next
		report = true
	}
	hm.publishLocked()
	hm.mu.Unlock()

	if decision == supervisor.Proceed {
		hm.log.Warn("Restarting worker %s (attempt %d, backoff %s): %v", name, rec.backoff.Snapshot().Attempts, delay, aliveErr)
		hm.metrics.Restarted(name)
		rctx, cancel := context.WithTimeout(ctx, restartTimeout)
		if err := rec.worker.Restart(rctx); err != nil {
			hm.log.Error("Restart of %s failed: %v", name, err)
			hm.mu.Lock()
			rec.health.LastError = err.Error()
			hm.publishLocked()
			hm.mu.Unlock()
		}
		cancel()
	}
	if report && hm.defensive != nil {
		hm.defensive.RecordFailure(ctx, "health:"+name, false)
	}
	return false
}

// ResetAll clears every attempt counter, e.g. when the driver goes online again.
func (hm *Monitor) ResetAll() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	for _, rec := range hm.records {
		rec.backoff.Reset()
		rec.exhaustedReported = false
		rec.health.State = models.WorkerOK
		rec.health.Attempts = 0
		rec.health.NextAllowedAt = nil
		rec.health.Suppressed = false
	}
	hm.log.Info("Worker health records reset")
	hm.publishLocked()
}

func (hm *Monitor) Snapshot() []models.ServiceHealth {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.snapshotLocked()
}

// Get returns the health record of one worker.
func (hm *Monitor) Get(name string) (models.ServiceHealth, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	rec, ok := hm.records[name]
	if !ok {
		return models.ServiceHealth{}, false
	}
	return rec.health, true
}

func (hm *Monitor) Observe() *observe.Value[[]models.ServiceHealth] {
	return hm.value
}

func (hm *Monitor) snapshotLocked() []models.ServiceHealth {
	out := make([]models.ServiceHealth, 0, len(hm.records))
	for _, rec := range hm.records {
		out = append(out, rec.health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

func (hm *Monitor) publishLocked() {
	snap := hm.snapshotLocked()
	for _, h := range snap {
		hm.metrics.WorkerState(h.Worker, stateCode(h.State))
	}
	hm.value.Set(snap)
}

func stateCode(s models.WorkerState) int {
	switch s {
	case models.WorkerRestarting:
		return 1
	case models.WorkerFailed:
		return 2
	default:
		return 0
	}
}
