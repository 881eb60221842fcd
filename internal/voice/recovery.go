package voice

import (
	"context"
	"sync"
	"time"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/metrics"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/observe"
	"DriverSafetyCore/internal/supervisor"
)

// Recognizer error codes reported by the device.
const (
	ErrNetworkTimeout          = "network_timeout"
	ErrNetwork                 = "network"
	ErrAudio                   = "audio"
	ErrServer                  = "server"
	ErrClient                  = "client"
	ErrSpeechTimeout           = "speech_timeout"
	ErrNoMatch                 = "no_match"
	ErrBusy                    = "busy"
	ErrInsufficientPermissions = "insufficient_permissions"
)

// immediate codes trigger recovery on first occurrence.
var immediate = map[string]bool{
	ErrClient: true,
	ErrBusy:   true,
	ErrServer: true,
}

var knownCodes = map[string]bool{
	ErrNetworkTimeout: true, ErrNetwork: true, ErrAudio: true, ErrServer: true, ErrClient: true,
	ErrSpeechTimeout: true, ErrNoMatch: true, ErrBusy: true, ErrInsufficientPermissions: true,
}

// KnownCode reports whether code is a recognizer error code.
func KnownCode(code string) bool {
	return knownCodes[code]
}

const (
	recoverTimeout = 10 * time.Second
	// outcomeTimeout bounds how long a fired recovery may wait for its outcome.
	outcomeTimeout = 30 * time.Second
)

type Config struct {
	ErrorWindow    time.Duration
	ErrorThreshold int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxRecoveries  int
	RecoveryWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		ErrorWindow:    60 * time.Second,
		ErrorThreshold: 3,
		BackoffBase:    3 * time.Second,
		BackoffCap:     5 * time.Second,
		MaxRecoveries:  3,
		RecoveryWindow: 10 * time.Minute,
	}
}

// Recovery schedules recognizer recoveries from its error stream.
type Recovery struct {
	mu        sync.Mutex
	cfg       Config
	backoff   *supervisor.Backoff
	errors    []time.Time
	state     models.VoiceRecovery
	commander Commander
	metrics   *metrics.Metrics
	log       *logger.Logger
	value     *observe.Value[models.VoiceRecovery]
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)
	stop      func() bool
}

func NewRecovery(cfg Config, commander Commander, m *metrics.Metrics, log *logger.Logger) *Recovery {
	idle := models.VoiceRecovery{State: models.VoiceIdle}
	return &Recovery{
		cfg: cfg,
		backoff: supervisor.New(supervisor.Policy{
			Base:        cfg.BackoffBase,
			Cap:         cfg.BackoffCap,
			MaxAttempts: cfg.MaxRecoveries,
			Window:      cfg.RecoveryWindow,
		}),
		state:     idle,
		commander: commander,
		metrics:   m,
		log:       log.Named("voice"),
		value:     observe.NewValue(idle),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
}

func (r *Recovery) WithClock(now func() time.Time) *Recovery {
	r.now = now
	return r
}

// ReportError feeds one recognizer error code.
func (r *Recovery) ReportError(code string) models.VoiceRecovery {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)
	r.errors = append(r.errors, now)
	r.state.WindowErrors = len(r.errors)
	r.state.LastCode = code

	if code == ErrInsufficientPermissions {
		r.log.Warn("Recognizer lacks permissions, recovery cannot help")
		r.cancelLocked()
		r.state.State = models.VoiceDegraded
		r.state.NextRecoveryAt = nil
		r.metrics.VoiceRecovery("degraded")
		return r.publishLocked()
	}

	if r.state.State == models.VoiceRecovering {
		if r.state.NextRecoveryAt == nil || now.Sub(*r.state.NextRecoveryAt) < outcomeTimeout {
			return r.publishLocked()
		}
		r.log.Warn("No recovery outcome within %s, treating as aborted", outcomeTimeout)
		r.state.State = models.VoiceDegraded
		r.state.NextRecoveryAt = nil
	}
	if !immediate[code] && len(r.errors) < r.cfg.ErrorThreshold {
		return r.publishLocked()
	}

	decision, delay := r.backoff.Attempt(now)
	switch decision {
	case supervisor.Exhausted:
		if r.state.State != models.VoiceSuppressed {
			r.log.Warn("Recovery budget of %d per %s used up, suppressing", r.cfg.MaxRecoveries, r.cfg.RecoveryWindow)
			r.metrics.VoiceRecovery("suppressed")
		}
		r.state.State = models.VoiceSuppressed
		r.state.NextRecoveryAt = nil
	case supervisor.Wait:
		r.log.Debug("Error %s inside backoff, %s left", code, delay)
	case supervisor.Proceed:
		at := now.Add(delay)
		r.state.State = models.VoiceRecovering
		r.state.NextRecoveryAt = &at
		r.log.Info("Scheduling recovery #%d in %s after %s", r.backoff.Snapshot().Attempts, delay, code)
		r.stop = r.afterFunc(delay, r.fire)
	}
	r.state.Attempts = r.backoff.Snapshot().Attempts
	return r.publishLocked()
}

func (r *Recovery) fire() {
	r.mu.Lock()
	if r.state.State != models.VoiceRecovering {
		r.mu.Unlock()
		return
	}
	r.stop = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), recoverTimeout)
	defer cancel()
	if r.commander == nil {
		return
	}
	if err := r.commander.SendWorkerCommand(ctx, models.WorkerVoice, "recover_voice"); err != nil {
		r.log.Error("Failed to send recovery command: %v", err)
		r.ReportOutcome(false)
	}
}

// ReportOutcome is called when the device reports how a recovery ended. A
// success clears the error window and attempt accounting; an aborted
// recovery leaves the controller degraded with counters intact.
func (r *Recovery) ReportOutcome(success bool) models.VoiceRecovery {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelLocked()
	r.state.NextRecoveryAt = nil
	if success {
		r.errors = r.errors[:0]
		r.backoff.Reset()
		r.state = models.VoiceRecovery{State: models.VoiceIdle}
		r.log.Info("Recognizer recovered")
		r.metrics.VoiceRecovery("success")
		return r.publishLocked()
	}

	r.state.State = models.VoiceDegraded
	r.log.Warn("Recovery aborted after %d attempt(s)", r.state.Attempts)
	r.metrics.VoiceRecovery("aborted")
	return r.publishLocked()
}

// Stop cancels a pending recovery.
func (r *Recovery) Stop() {
	r.mu.Lock()
	r.cancelLocked()
	r.mu.Unlock()
}

func (r *Recovery) Snapshot() models.VoiceRecovery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recovery) Observe() *observe.Value[models.VoiceRecovery] {
	return r.value
}

func (r *Recovery) cancelLocked() {
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

func (r *Recovery) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.cfg.ErrorWindow)
	keep := r.errors[:0]
	for _, at := range r.errors {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	r.errors = keep
}

func (r *Recovery) publishLocked() models.VoiceRecovery {
	r.value.Set(r.state)
	return r.state
}
