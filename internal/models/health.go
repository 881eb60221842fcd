package models

import "time"

type WorkerState string

const (
	WorkerOK         WorkerState = "OK"
	WorkerRestarting WorkerState = "RESTARTING"
	WorkerFailed     WorkerState = "FAILED"
)

const (
	WorkerLocation = "location"
	WorkerVoice    = "voice"
	WorkerRealtime = "realtime"
)

type ServiceHealth struct {
	Worker        string      `json:"worker"`
	State         WorkerState `json:"state"`
	Attempts      int         `json:"attempts"`
	NextAllowedAt *time.Time  `json:"next_allowed_at,omitempty"`
	LastCheckedAt time.Time   `json:"last_checked_at"`
	LastError     string      `json:"last_error,omitempty"`
	Suppressed    bool        `json:"suppressed,omitempty"`
}

type DefensiveMode struct {
	Enabled        bool      `json:"enabled"`
	LastChangedAt  time.Time `json:"last_changed_at"`
	LastReason     string    `json:"last_reason"`
	RecentFailures int       `json:"recent_failures"`
}

type VoiceState string

const (
	VoiceIdle       VoiceState = "IDLE"
	VoiceRecovering VoiceState = "RECOVERING"
	VoiceSuppressed VoiceState = "SUPPRESSED"
	VoiceDegraded   VoiceState = "DEGRADED"
)

type VoiceRecovery struct {
	State          VoiceState `json:"state"`
	Attempts       int        `json:"attempts"`
	WindowErrors   int        `json:"window_errors"`
	NextRecoveryAt *time.Time `json:"next_recovery_at,omitempty"`
	LastCode       string     `json:"last_code,omitempty"`
}

// BrokerStatus is the MQTT connection as reported on /health.
type BrokerStatus struct {
	Connected      bool      `json:"connected"`
	LastConnected  time.Time `json:"last_connected,omitempty"`
	LastDisconnect time.Time `json:"last_disconnect,omitempty"`
	DownFor        string    `json:"down_for,omitempty"`
	Subscriptions  int       `json:"subscriptions"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Services  struct {
		Database bool `json:"database"`
		MQTT     bool `json:"mqtt"`
		Store    bool `json:"store"`
	} `json:"services"`
	Broker    *BrokerStatus `json:"broker,omitempty"`
	Defensive bool          `json:"defensive_mode"`
}
