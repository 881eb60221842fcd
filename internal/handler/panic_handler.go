package handler

import (
	"net/http"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/service"

	"github.com/gorilla/mux"
)

type PanicHandler struct {
	panicService service.IPanicService
	log          *logger.Logger
}

func NewPanicHandler(panicService service.IPanicService, log *logger.Logger) *PanicHandler {
	return &PanicHandler{
		panicService: panicService,
		log:          log,
	}
}

func (h *PanicHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/panic/trigger", h.Trigger).Methods("POST")
	r.HandleFunc("/panic/resolve", h.Resolve).Methods("POST")
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

func (h *PanicHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	req := triggerRequest{Reason: models.SourceButton}
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = models.SourceButton
	}

	res, err := h.panicService.Trigger(r.Context(), req.Reason)
	if err != nil {
		h.log.Error("Panic trigger failed: %v", err)
	}

	status := http.StatusOK
	switch res.Outcome {
	case models.TriggerCreated:
		status = http.StatusCreated
	case models.TriggerNoLocation:
		status = http.StatusUnprocessableEntity
	case models.TriggerFailed:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, res)
}

func (h *PanicHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	res, err := h.panicService.Resolve(r.Context())
	if err != nil {
		h.log.Error("Panic resolve failed: %v", err)
	}

	status := http.StatusOK
	switch res.Outcome {
	case models.ResolveMissingID:
		status = http.StatusConflict
	case models.ResolveFailed:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, res)
}
