package handlers

import (
	"net/http"
	"time"

	"fleetvisor/internal/service"

	"go.uber.org/zap"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type HealthHandler struct {
	svc    *service.Supervisor
	logger *zap.Logger
}

func NewHealthHandler(svc *service.Supervisor, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{svc: svc, logger: logger.Named("http")}
}

// HealthCheck answers as long as the process serves requests.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ReadyCheck fails once the supervisor is shutting down.
func (h *HealthHandler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if h.svc.Closing() {
		writeJSON(h.logger, w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "shutting down",
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}
	writeJSON(h.logger, w, http.StatusOK, HealthResponse{
		Status:    "ready",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// Status returns the fleet health report.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, h.svc.Status())
}
