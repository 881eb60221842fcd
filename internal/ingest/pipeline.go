// Package ingest reconciles the push broadcast stream and the fallback poller
// into one deduplicated stream of alerts. A single actor goroutine owns every
// cache; both paths reach it over a channel.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"DriverSafetyCore/internal/antispam"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/metrics"
	"DriverSafetyCore/internal/models"
)

const maintenanceInterval = 30 * time.Second

var (
	ErrClosed   = errors.New("pipeline closed")
	ErrOffline  = errors.New("pipeline offline")
	ErrPollBusy = errors.New("fallback poll already running")
)

// Sink receives normalized alert signals for presentation.
type Sink interface {
	ShowAlert(alert models.IncomingAlert)
	UpdateLocation(update models.LocationUpdate)
	EndAlert(ended models.AlertEnded)
}

// Broadcaster is the push path.
type Broadcaster interface {
	Subscribe(ctx context.Context) (<-chan models.BroadcastMessage, error)
	Unsubscribe() error
}

// ActiveQuery is the fallback query against the authoritative store.
type ActiveQuery interface {
	FetchActiveSince(ctx context.Context, since time.Time, excludeDriverID string, limit int) ([]models.PanicRow, error)
}

// FailureReporter receives transport (non-critical) and serialization
// (critical) failures.
type FailureReporter interface {
	RecordFailure(ctx context.Context, source string, critical bool)
}

type Config struct {
	SelfID           string
	RadiusKm         float64
	PollInterval     time.Duration
	PollLimit        int
	PollLookback     time.Duration
	QueryTimeout     time.Duration
	ProcessedTTL     time.Duration
	ResolvedTTL      time.Duration
	MaxEntries       int
	LocationMaxAge   time.Duration
	LocationMinMoveM float64
	EndedGrace       time.Duration
	Spam             antispam.Config
}

func DefaultConfig(selfID string) Config {
	return Config{
		SelfID:           selfID,
		RadiusKm:         10,
		PollInterval:     8 * time.Second,
		PollLimit:        20,
		PollLookback:     10 * time.Minute,
		QueryTimeout:     5 * time.Second,
		ProcessedTTL:     30 * time.Minute,
		ResolvedTTL:      60 * time.Minute,
		MaxEntries:       512,
		LocationMaxAge:   2 * time.Minute,
		LocationMinMoveM: 100,
		EndedGrace:       30 * time.Second,
		Spam:             antispam.DefaultConfig(),
	}
}

type Deps struct {
	Broadcaster Broadcaster
	Query       ActiveQuery
	Positions   PositionProvider
	Sound       SoundDecider
	Sink        Sink
	Failures    FailureReporter
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
}

// Status is a read-only view of the pipeline.
type Status struct {
	Online      bool                  `json:"online"`
	PushHealthy bool                  `json:"push_healthy"`
	LastPollOK  bool                  `json:"last_poll_ok"`
	Watermark   time.Time             `json:"watermark"`
	ActiveAlert *models.IncomingAlert `json:"active_alert,omitempty"`
	Processed   int                   `json:"processed"`
	Resolved    int                   `json:"resolved"`
	OwnFix      *models.Position      `json:"own_fix,omitempty"`
}

type Pipeline struct {
	cfg         Config
	adm         *admission
	broadcaster Broadcaster
	query       ActiveQuery
	sink        Sink
	failures    FailureReporter
	metrics     *metrics.Metrics
	log         *logger.Logger
	now         func() time.Time

	panicActive func() bool
	defensiveOn func() bool
	connected   func() bool

	inbox  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	online     bool
	sessionCtx context.Context
	endSession context.CancelFunc
	sessionWG  sync.WaitGroup
	pushCancel context.CancelFunc

	pushHealthy atomic.Bool
	lastPollOK  atomic.Bool
	polling     atomic.Bool

	watermarkMu sync.Mutex
	watermark   time.Time
}

func New(cfg Config, deps Deps) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	log := deps.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Pipeline{
		cfg: cfg,
		adm: newAdmission(admissionConfig{
			SelfID:           cfg.SelfID,
			RadiusKm:         cfg.RadiusKm,
			ProcessedTTL:     cfg.ProcessedTTL,
			ResolvedTTL:      cfg.ResolvedTTL,
			MaxEntries:       cfg.MaxEntries,
			LocationMaxAge:   cfg.LocationMaxAge,
			LocationMinMoveM: cfg.LocationMinMoveM,
			EndedGrace:       cfg.EndedGrace,
			Spam:             cfg.Spam,
		}, deps.Positions, deps.Sound),
		broadcaster: deps.Broadcaster,
		query:       deps.Query,
		sink:        deps.Sink,
		failures:    deps.Failures,
		metrics:     deps.Metrics,
		log:         log.Named("ingest"),
		now:         time.Now,
		panicActive: func() bool { return false },
		defensiveOn: func() bool { return false },
		inbox:       make(chan func()),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// WithClock replaces the time source. Call before Start.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// SetPanicActive installs the check that pauses the fallback poller while the
// driver's own panic is active.
func (p *Pipeline) SetPanicActive(fn func() bool) { p.panicActive = fn }

// SetDefensive installs the check that halves the poll rate.
func (p *Pipeline) SetDefensive(fn func() bool) { p.defensiveOn = fn }

// SetConnectivity installs the broker connectivity check used in PushHealthy.
func (p *Pipeline) SetConnectivity(fn func() bool) { p.connected = fn }

func (p *Pipeline) Start() {
	p.log.Info("Starting ingestion pipeline")
	p.wg.Add(1)
	go p.run()
}

func (p *Pipeline) Shutdown() {
	p.log.Info("Shutting down ingestion pipeline...")
	if err := p.GoOffline(context.Background()); err != nil {
		p.log.Warn("Go offline during shutdown: %v", err)
	}
	p.cancel()
	p.wg.Wait()
	p.log.Info("Ingestion pipeline stopped")
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.inbox:
			p.exec(task)
		case <-ticker.C:
			p.exec(func() { p.adm.prune(p.now()) })
		}
	}
}

// exec runs one task on the actor. A panic inside the task is an
// unrecoverable ingestion fault and is reported as critical.
func (p *Pipeline) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Recovered from ingestion crash: %v", r)
			p.reportFailure(p.ctx, "ingest crash", true)
		}
	}()
	task()
}

// do runs fn on the actor and waits for it.
func (p *Pipeline) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case p.inbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit runs one candidate through the admission pipeline and emits the
// accepted alert to the sink.
func (p *Pipeline) Admit(ctx context.Context, c models.Candidate) (Decision, error) {
	var d Decision
	err := p.do(ctx, func() {
		d = p.adm.admit(ctx, c, p.now())
		origin := string(c.Origin)
		if !d.Accepted {
			p.metrics.Discarded(string(d.Reason), origin)
			p.log.Debug("Discarded %s from %s (%s): %s", c.EventID, c.DriverID, origin, d.Reason)
			return
		}

		p.metrics.Admitted(origin)
		p.log.Info("Alert %s from %s accepted via %s: %.2f km, %s, muted=%v",
			c.EventID, c.DriverID, origin, d.Alert.DistanceKm, d.Alert.Priority, d.Alert.Muted)
		if p.sink != nil {
			p.sink.ShowAlert(*d.Alert)
			p.sink.UpdateLocation(*d.Initial)
		}
	})
	return d, err
}

// Resolve records a resolved event from either path.
func (p *Pipeline) Resolve(ctx context.Context, eventID, driverID string) error {
	return p.do(ctx, func() {
		ended := p.adm.resolve(eventID, driverID, p.now())
		if ended == nil {
			p.log.Debug("Resolved %s (never surfaced)", eventID)
			return
		}
		p.log.Info("Alert %s ended", eventID)
		if p.sink != nil {
			p.sink.EndAlert(*ended)
		}
	})
}

// Location forwards a location broadcast while it matches the active alert.
func (p *Pipeline) Location(ctx context.Context, loc models.LocationPayload) error {
	return p.do(ctx, func() {
		update := p.adm.location(loc, p.now())
		if update == nil {
			return
		}
		if p.sink != nil {
			p.sink.UpdateLocation(*update)
		}
	})
}

func (p *Pipeline) Snapshot(ctx context.Context) (Status, error) {
	st := Status{
		PushHealthy: p.PushHealthy(),
		LastPollOK:  p.lastPollOK.Load(),
		Watermark:   p.getWatermark(),
	}
	err := p.do(ctx, func() {
		st.Online = p.adm.online
		st.ActiveAlert = p.adm.activeAlert()
		st.Processed = p.adm.processed.size()
		st.Resolved = p.adm.resolved.size()
		if p.adm.ownFix != nil {
			fix := *p.adm.ownFix
			st.OwnFix = &fix
		}
	})
	return st, err
}

// PushHealthy reports whether the push subscription is live and the broker
// connected.
func (p *Pipeline) PushHealthy() bool {
	if !p.pushHealthy.Load() {
		return false
	}
	return p.connected == nil || p.connected()
}

// FallbackHealthy reports whether the last fallback poll succeeded.
func (p *Pipeline) FallbackHealthy() bool {
	return p.lastPollOK.Load()
}

func (p *Pipeline) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// GoOnline starts the push subscription and the fallback poller. A failed
// subscription is not fatal: the poller covers until the health monitor
// restarts the push path.
func (p *Pipeline) GoOnline(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.online {
		return nil
	}
	if err := p.do(ctx, func() { p.adm.setOnline(true, p.now()) }); err != nil {
		return err
	}

	p.sessionCtx, p.endSession = context.WithCancel(p.ctx)
	p.online = true
	p.setWatermark(p.now().Add(-p.cfg.PollLookback))

	if err := p.startPushLocked(); err != nil {
		p.log.Warn("Push subscription unavailable, relying on fallback: %v", err)
	}

	p.sessionWG.Add(1)
	go p.pollLoop(p.sessionCtx)

	p.log.Info("Online")
	return nil
}

// GoOffline unsubscribes, cancels the poller and stops admitting alerts.
func (p *Pipeline) GoOffline(ctx context.Context) error {
	p.mu.Lock()
	if !p.online {
		p.mu.Unlock()
		return nil
	}
	p.online = false
	p.stopPushLocked()
	p.endSession()
	p.mu.Unlock()

	p.sessionWG.Wait()
	p.polling.Store(false)
	p.lastPollOK.Store(false)

	err := p.do(ctx, func() {
		ended := p.adm.setOnline(false, p.now())
		if ended != nil && p.sink != nil {
			p.log.Info("Alert %s ended (offline)", ended.EventID)
			p.sink.EndAlert(*ended)
		}
	})
	if err != nil {
		return err
	}
	p.log.Info("Offline")
	return nil
}

// RestartPush tears down and re-establishes the push subscription.
func (p *Pipeline) RestartPush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.online {
		return ErrOffline
	}
	p.log.Info("Restarting push subscription")
	p.stopPushLocked()
	return p.startPushLocked()
}

func (p *Pipeline) startPushLocked() error {
	pushCtx, cancel := context.WithCancel(p.sessionCtx)
	ch, err := p.broadcaster.Subscribe(pushCtx)
	if err != nil {
		cancel()
		p.pushHealthy.Store(false)
		p.reportFailure(p.sessionCtx, "push subscribe", false)
		return err
	}

	p.pushCancel = cancel
	p.pushHealthy.Store(true)
	p.sessionWG.Add(1)
	go p.readPush(pushCtx, ch)
	return nil
}

func (p *Pipeline) stopPushLocked() {
	if p.pushCancel == nil {
		return
	}
	p.pushCancel()
	p.pushCancel = nil
	p.pushHealthy.Store(false)
	if err := p.broadcaster.Unsubscribe(); err != nil {
		p.log.Warn("Unsubscribe failed: %v", err)
	}
}

func (p *Pipeline) readPush(ctx context.Context, ch <-chan models.BroadcastMessage) {
	defer p.sessionWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					p.log.Warn("Push subscription closed unexpectedly")
					p.pushHealthy.Store(false)
					p.reportFailure(ctx, "push closed", false)
				}
				return
			}
			p.handleMessage(ctx, msg)
		}
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, msg models.BroadcastMessage) {
	var err error
	switch {
	case msg.Err != nil:
		p.log.Error("Malformed %s payload: %v", msg.Kind, msg.Err)
		p.reportFailure(ctx, "push decode", true)
		return
	case msg.Raised != nil:
		_, err = p.Admit(ctx, msg.Raised.Candidate(models.OriginPush, p.now()))
	case msg.Resolved != nil:
		err = p.Resolve(ctx, msg.Resolved.PanicEventID, msg.Resolved.DriverID)
	case msg.Location != nil:
		err = p.Location(ctx, *msg.Location)
	}
	if err != nil && ctx.Err() == nil {
		p.log.Error("Failed to handle %s: %v", msg.Kind, err)
	}
}

func (p *Pipeline) pollLoop(ctx context.Context) {
	defer p.sessionWG.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			if reason := p.pollTick(ctx, tick); reason != "" {
				p.metrics.FallbackPoll("skipped")
				p.log.Debug("Fallback tick %d skipped: %s", tick, reason)
			}
		}
	}
}

// pollTick starts one fallback poll unless it must be skipped, and returns
// the skip reason.
func (p *Pipeline) pollTick(ctx context.Context, tick int) string {
	switch {
	case p.PushHealthy():
		return "push_healthy"
	case p.panicActive():
		return "panic_active"
	case p.defensiveOn() && tick%2 == 1:
		return "defensive"
	}
	if !p.polling.CompareAndSwap(false, true) {
		return "busy"
	}

	p.sessionWG.Add(1)
	go func() {
		defer p.sessionWG.Done()
		defer p.polling.Store(false)
		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("Fallback poll failed: %v", err)
		}
	}()
	return ""
}

// PollOnce runs one fallback poll synchronously.
func (p *Pipeline) PollOnce(ctx context.Context) error {
	if !p.polling.CompareAndSwap(false, true) {
		return ErrPollBusy
	}
	defer p.polling.Store(false)
	return p.poll(ctx)
}

func (p *Pipeline) poll(ctx context.Context) error {
	since := p.getWatermark()

	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	rows, err := p.query.FetchActiveSince(qctx, since, p.cfg.SelfID, p.cfg.PollLimit)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.lastPollOK.Store(false)
		p.metrics.FallbackPoll("error")
		p.reportFailure(ctx, "fallback poll", false)
		return err
	}

	p.lastPollOK.Store(true)
	p.metrics.FallbackPoll("ok")

	latest := since
	for _, row := range rows {
		if row.StartedAt.After(latest) {
			latest = row.StartedAt
		}
		c, err := RowToCandidate(row)
		if err != nil {
			p.log.Error("Malformed fallback row: %v", err)
			p.reportFailure(ctx, "fallback decode", true)
			continue
		}
		if _, err := p.Admit(ctx, c); err != nil {
			return err
		}
	}
	p.setWatermark(latest)
	return nil
}

func (p *Pipeline) getWatermark() time.Time {
	p.watermarkMu.Lock()
	defer p.watermarkMu.Unlock()
	return p.watermark
}

func (p *Pipeline) setWatermark(t time.Time) {
	p.watermarkMu.Lock()
	p.watermark = t
	p.watermarkMu.Unlock()
}

func (p *Pipeline) reportFailure(ctx context.Context, source string, critical bool) {
	if p.failures != nil {
		p.failures.RecordFailure(ctx, source, critical)
	}
}
