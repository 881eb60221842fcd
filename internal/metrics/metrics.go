// Package metrics holds the Prometheus instruments of the agent. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driversafety"

type Metrics struct {
	admitted         *prometheus.CounterVec
	discarded        *prometheus.CounterVec
	fallbackPolls    *prometheus.CounterVec
	healthRestarts   *prometheus.CounterVec
	workerState      *prometheus.GaugeVec
	defensiveEnabled prometheus.Gauge
	voiceRecoveries  *prometheus.CounterVec
}

// New registers every instrument on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		admitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "admitted_total",
			Help:      "Alerts accepted by the admission pipeline",
		}, []string{"origin"}),
		discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "discarded_total",
			Help:      "Candidates dropped by the admission pipeline, by reason",
		}, []string{"reason", "origin"}),
		fallbackPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "polls_total",
			Help:      "Fallback poll ticks by result (ok, error, skipped)",
		}, []string{"result"}),
		healthRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "restarts_total",
			Help:      "Restart actions issued per supervised worker",
		}, []string{"worker"}),
		workerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "worker_state",
			Help:      "Worker state: 0 OK, 1 RESTARTING, 2 FAILED",
		}, []string{"worker"}),
		defensiveEnabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "defensive_enabled",
			Help:      "1 while defensive mode is enabled",
		}),
		voiceRecoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "recoveries_total",
			Help:      "Voice recognizer recoveries by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Admitted(origin string) {
	if m == nil {
		return
	}
	m.admitted.WithLabelValues(origin).Inc()
}

func (m *Metrics) Discarded(reason, origin string) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(reason, origin).Inc()
}

func (m *Metrics) FallbackPoll(result string) {
	if m == nil {
		return
	}
	m.fallbackPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) Restarted(worker string) {
	if m == nil {
		return
	}
	m.healthRestarts.WithLabelValues(worker).Inc()
}

// WorkerState records the numeric state code of a worker.
func (m *Metrics) WorkerState(worker string, code int) {
	if m == nil {
		return
	}
	m.workerState.WithLabelValues(worker).Set(float64(code))
}

func (m *Metrics) Defensive(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.defensiveEnabled.Set(1)
		return
	}
	m.defensiveEnabled.Set(0)
}

func (m *Metrics) VoiceRecovery(outcome string) {
	if m == nil {
		return
	}
	m.voiceRecoveries.WithLabelValues(outcome).Inc()
}
