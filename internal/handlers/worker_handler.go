package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"fleetvisor/internal/models"
	"fleetvisor/internal/service"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultLogLines = 50
	maxLogLines     = 10000
)

type WorkerHandler struct {
	svc    *service.Supervisor
	logger *zap.Logger
}

func NewWorkerHandler(svc *service.Supervisor, logger *zap.Logger) *WorkerHandler {
	return &WorkerHandler{svc: svc, logger: logger.Named("http")}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type SuccessResponse struct {
	Status  string `json:"status"`
	Worker  string `json:"worker"`
	Message string `json:"message,omitempty"`
}

type PruneResponse struct {
	Worker  string `json:"worker"`
	Removed int    `json:"removed"`
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", zap.Error(err))
	}
}

// statusFor maps a service error to its HTTP status and error kind.
func statusFor(err error) (int, string) {
	kind := service.ErrorKind(err)
	switch {
	case errors.Is(err, service.ErrUnknownWorker):
		return http.StatusNotFound, kind
	case errors.Is(err, service.ErrAlreadyRunning), errors.Is(err, service.ErrAlreadyStopped):
		return http.StatusConflict, kind
	case errors.Is(err, service.ErrSpawn):
		return http.StatusInternalServerError, kind
	}
	return http.StatusInternalServerError, "Internal"
}

func (h *WorkerHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(h.logger, w, status, data)
}

func (h *WorkerHandler) writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	h.writeJSON(w, status, ErrorResponse{Error: kind, Message: err.Error()})
}

func (h *WorkerHandler) badRequest(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "InvalidRequest", Message: message})
}

func (h *WorkerHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.ListWorkers())
}

func (h *WorkerHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	instances, err := h.svc.GetWorker(mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, instances)
}

func (h *WorkerHandler) control(op func(string) error, status, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := op(name); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, SuccessResponse{
			Status:  status,
			Worker:  name,
			Message: "Worker " + name + " " + verb + " successfully",
		})
	}
}

func (h *WorkerHandler) StartWorker() http.HandlerFunc {
	return h.control(h.svc.Start, "started", "started")
}

func (h *WorkerHandler) StopWorker() http.HandlerFunc {
	return h.control(h.svc.Stop, "stopped", "stopped")
}

func (h *WorkerHandler) RestartWorker() http.HandlerFunc {
	return h.control(h.svc.Restart, "restarted", "restarted")
}

// Fleet operations always answer 200; failures are reported per worker.
func (h *WorkerHandler) StartAll(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.StartAll())
}

func (h *WorkerHandler) StopAll(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.StopAll())
}

func (h *WorkerHandler) RestartAll(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.RestartAll())
}

func (h *WorkerHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History(mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

func (h *WorkerHandler) PruneHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	removed, err := h.svc.Prune(name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PruneResponse{Worker: name, Removed: removed})
}

// parseLines reads the lines query parameter.
func parseLines(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("lines")
	if raw == "" {
		return defaultLogLines, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("lines must be a non-negative integer")
	}
	return min(n, maxLogLines), nil
}

func parseFollow(r *http.Request) bool {
	follow, _ := strconv.ParseBool(r.URL.Query().Get("follow"))
	return follow
}

// GetLogs returns buffered output of every worker.
func (h *WorkerHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	h.serveLogs(w, r, "")
}

// GetWorkerLogs returns buffered output of one worker. With follow set the
// response becomes an NDJSON stream of new lines that ends when the client
// goes away.
func (h *WorkerHandler) GetWorkerLogs(w http.ResponseWriter, r *http.Request) {
	h.serveLogs(w, r, mux.Vars(r)["name"])
}

func (h *WorkerHandler) serveLogs(w http.ResponseWriter, r *http.Request, name string) {
	n, err := parseLines(r)
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}

	lines, err := h.svc.Logs(name, n)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !parseFollow(r) {
		if lines == nil {
			lines = []models.LogLine{}
		}
		h.writeJSON(w, http.StatusOK, lines)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal", Message: "streaming unsupported"})
		return
	}
	live, err := h.svc.Subscribe(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return
		}
	}
	flusher.Flush()

	for line := range live {
		if err := enc.Encode(line); err != nil {
			h.logger.Debug("log follower went away", zap.String("worker", name), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}
