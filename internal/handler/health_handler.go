package handler

import (
	"context"
	"net/http"
	"time"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"

	"github.com/gorilla/mux"
)

// Pinger is a dependency that can report its own health.
type Pinger interface {
	Health(ctx context.Context) error
}

// Broker is the MQTT connection as seen by health checks.
type Broker interface {
	Status() models.BrokerStatus
}

type HealthHandler struct {
	db        Pinger
	store     Pinger
	broker    Broker
	defensive func() bool
	log       *logger.Logger
}

func NewHealthHandler(db Pinger, store Pinger, broker Broker, defensive func() bool, log *logger.Logger) *HealthHandler {
	if defensive == nil {
		defensive = func() bool { return false }
	}
	return &HealthHandler{
		db:        db,
		store:     store,
		broker:    broker,
		defensive: defensive,
		log:       log,
	}
}

func (h *HealthHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/health/live", h.Liveness).Methods("GET")
	r.HandleFunc("/health/ready", h.Readiness).Methods("GET")
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Defensive: h.defensive(),
	}

	response.Services.Database = h.db != nil && h.db.Health(ctx) == nil
	response.Services.Store = h.store != nil && h.store.Health(ctx) == nil
	if h.broker != nil {
		broker := h.broker.Status()
		response.Broker = &broker
		response.Services.MQTT = broker.Connected
	}

	// The agent keeps working on one alert path, so only a dead store is fatal.
	statusCode := http.StatusOK
	switch {
	case !response.Services.Store:
		response.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case !response.Services.Database || !response.Services.MQTT || response.Defensive:
		response.Status = "degraded"
	}
	if response.Status != "healthy" {
		h.log.Warn("Health check %s - DB: %v, MQTT: %v, store: %v, defensive: %v", response.Status,
			response.Services.Database, response.Services.MQTT, response.Services.Store, response.Defensive)
	}

	respondJSON(w, statusCode, response)
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// Readiness requires the store and at least one alert path.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var storeErr, dbErr error
	if h.store != nil {
		storeErr = h.store.Health(ctx)
	}
	if h.db != nil {
		dbErr = h.db.Health(ctx)
	}
	mqttConnected := h.broker != nil && h.broker.Status().Connected

	if storeErr != nil || (dbErr != nil && !mqttConnected) {
		h.log.Warn("Readiness check failed - store error: %v, DB error: %v, MQTT connected: %v", storeErr, dbErr, mqttConnected)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
