package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"DriverSafetyCore/internal/ingest"
	"DriverSafetyCore/internal/location"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/voice"

	"github.com/gorilla/mux"
)

type Presence interface {
	SetOnline(ctx context.Context, online bool) error
	Online() bool
	Logout(ctx context.Context) error
}

type PipelineView interface {
	Snapshot(ctx context.Context) (ingest.Status, error)
	FallbackHealthy() bool
}

type LifecycleView interface {
	Snapshot() models.PanicLifecycle
}

type HealthView interface {
	Snapshot() []models.ServiceHealth
}

type DefensiveView interface {
	Snapshot() models.DefensiveMode
}

type VoiceControl interface {
	ReportError(code string) models.VoiceRecovery
	ReportOutcome(success bool) models.VoiceRecovery
	Snapshot() models.VoiceRecovery
}

type SoundControl interface {
	SetSilentMode(enabled bool)
	SilentMode() bool
}

type PositionSink interface {
	Update(p models.Position) error
}

type Heartbeats interface {
	Heartbeat(at time.Time)
}

// WorkerToggle receives running/stopped reports for a device worker.
type WorkerToggle interface {
	SetRunning(running bool)
}

// AgentDeps is everything the device-facing endpoints drive.
type AgentDeps struct {
	Presence  Presence
	Pipeline  PipelineView
	Lifecycle LifecycleView
	Health    HealthView
	Defensive DefensiveView
	Voice     VoiceControl
	Sound     SoundControl
	Positions PositionSink
	Heartbeat Heartbeats
	Workers   map[string]WorkerToggle
}

type AgentHandler struct {
	deps AgentDeps
	log  *logger.Logger
}

func NewAgentHandler(deps AgentDeps, log *logger.Logger) *AgentHandler {
	return &AgentHandler{deps: deps, log: log}
}

func (h *AgentHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/presence", h.SetPresence).Methods("POST")
	r.HandleFunc("/logout", h.Logout).Methods("POST")
	r.HandleFunc("/location", h.UpdateLocation).Methods("POST")
	r.HandleFunc("/workers/{name}/state", h.SetWorkerState).Methods("POST")
	r.HandleFunc("/voice/heartbeat", h.VoiceHeartbeat).Methods("POST")
	r.HandleFunc("/voice/errors", h.VoiceError).Methods("POST")
	r.HandleFunc("/voice/recovery", h.VoiceOutcome).Methods("POST")
	r.HandleFunc("/sound/silent", h.SetSilentMode).Methods("PUT")
}

// StatusResponse is the device's view of the agent. Disconnected and Unstable
// are the only failure signals shown to the driver.
type StatusResponse struct {
	Online       bool                   `json:"online"`
	Disconnected bool                   `json:"disconnected"`
	Unstable     bool                   `json:"service_unstable"`
	SilentMode   bool                   `json:"silent_mode"`
	Lifecycle    models.PanicLifecycle  `json:"lifecycle"`
	Ingest       ingest.Status          `json:"ingest"`
	Workers      []models.ServiceHealth `json:"workers"`
	Defensive    models.DefensiveMode   `json:"defensive_mode"`
	Voice        models.VoiceRecovery   `json:"voice"`
}

func (h *AgentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Pipeline.Snapshot(r.Context())
	if err != nil {
		h.log.Error("Failed to read ingest status: %v", err)
		respondError(w, http.StatusServiceUnavailable, "Status unavailable")
		return
	}

	resp := StatusResponse{
		Online:     h.deps.Presence.Online(),
		SilentMode: h.deps.Sound.SilentMode(),
		Lifecycle:  h.deps.Lifecycle.Snapshot(),
		Ingest:     st,
		Workers:    h.deps.Health.Snapshot(),
		Defensive:  h.deps.Defensive.Snapshot(),
		Voice:      h.deps.Voice.Snapshot(),
	}
	resp.Disconnected = resp.Online && !st.PushHealthy && !h.deps.Pipeline.FallbackHealthy()
	resp.Unstable = resp.Defensive.Enabled
	for _, wh := range resp.Workers {
		if wh.State == models.WorkerFailed {
			resp.Unstable = true
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

type presenceRequest struct {
	Online *bool `json:"online"`
}

func (h *AgentHandler) SetPresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := decodeBody(w, r, &req); err != nil || req.Online == nil {
		respondError(w, http.StatusBadRequest, "online is required")
		return
	}

	if err := h.deps.Presence.SetOnline(r.Context(), *req.Online); err != nil {
		h.log.Error("Presence change failed: %v", err)
		respondError(w, http.StatusServiceUnavailable, "Presence change failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"online": h.deps.Presence.Online()})
}

func (h *AgentHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Presence.Logout(r.Context()); err != nil {
		h.log.Warn("Logout completed with error: %v", err)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type locationRequest struct {
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *AgentHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeBody(w, r, &req); err != nil || req.Latitude == nil || req.Longitude == nil {
		respondError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}

	err := h.deps.Positions.Update(models.Position{
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Timestamp: req.Timestamp,
	})
	if errors.Is(err, location.ErrInvalidFix) {
		respondError(w, http.StatusBadRequest, "Coordinates out of range")
		return
	}
	if err != nil {
		h.log.Error("Failed to record fix: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to record location")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type workerStateRequest struct {
	Running *bool `json:"running"`
}

func (h *AgentHandler) SetWorkerState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	worker, ok := h.deps.Workers[name]
	if !ok {
		respondError(w, http.StatusNotFound, "Unknown worker")
		return
	}

	var req workerStateRequest
	if err := decodeBody(w, r, &req); err != nil || req.Running == nil {
		respondError(w, http.StatusBadRequest, "running is required")
		return
	}

	worker.SetRunning(*req.Running)
	h.log.Debug("Worker %s reported running=%v", name, *req.Running)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) VoiceHeartbeat(w http.ResponseWriter, r *http.Request) {
	h.deps.Heartbeat.Heartbeat(time.Now())
	w.WriteHeader(http.StatusNoContent)
}

type voiceErrorRequest struct {
	Code string `json:"code"`
}

func (h *AgentHandler) VoiceError(w http.ResponseWriter, r *http.Request) {
	var req voiceErrorRequest
	if err := decodeBody(w, r, &req); err != nil || !voice.KnownCode(req.Code) {
		respondError(w, http.StatusBadRequest, "Unknown recognizer error code")
		return
	}

	respondJSON(w, http.StatusOK, h.deps.Voice.ReportError(req.Code))
}

type voiceOutcomeRequest struct {
	Success *bool `json:"success"`
}

func (h *AgentHandler) VoiceOutcome(w http.ResponseWriter, r *http.Request) {
	var req voiceOutcomeRequest
	if err := decodeBody(w, r, &req); err != nil || req.Success == nil {
		respondError(w, http.StatusBadRequest, "success is required")
		return
	}

	respondJSON(w, http.StatusOK, h.deps.Voice.ReportOutcome(*req.Success))
}

type silentModeRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *AgentHandler) SetSilentMode(w http.ResponseWriter, r *http.Request) {
	var req silentModeRequest
	if err := decodeBody(w, r, &req); err != nil || req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	h.deps.Sound.SetSilentMode(*req.Enabled)
	h.log.Info("Silent mode set to %v", *req.Enabled)
	respondJSON(w, http.StatusOK, map[string]bool{"silent_mode": h.deps.Sound.SilentMode()})
}
