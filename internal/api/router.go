package api

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"fleetvisor/internal/config"
	"fleetvisor/internal/handlers"
	"fleetvisor/internal/middleware"
	"fleetvisor/internal/service"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Rate limiter buckets idle for clientIdleAfter are dropped every
// clientSweepInterval.
const (
	clientIdleAfter     = 10 * time.Minute
	clientSweepInterval = time.Minute
)

type Router struct {
	*mux.Router
	limiter *middleware.Limiter
}

func NewRouter(svc *service.Supervisor, cfg config.ServerConfig, templatesFS fs.FS, logger *zap.Logger) (*Router, error) {
	r := mux.NewRouter()

	tmplHandler, err := handlers.NewTemplateHandler(templatesFS, svc, logger)
	if err != nil {
		return nil, err
	}
	health := handlers.NewHealthHandler(svc, logger)
	workers := handlers.NewWorkerHandler(svc, logger)

	// Probes and metrics skip the middleware chain.
	r.HandleFunc("/health", health.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ready", health.ReadyCheck).Methods(http.MethodGet)
	r.Handle("/metrics", svc.Metrics().Handler()).Methods(http.MethodGet)

	app := r.NewRoute().Subrouter()
	app.HandleFunc("/", tmplHandler.ServeTemplate("dashboard")).Methods(http.MethodGet)

	api := app.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", health.Status).Methods(http.MethodGet)
	api.HandleFunc("/logs", workers.GetLogs).Methods(http.MethodGet)

	api.HandleFunc("/workers", workers.ListWorkers).Methods(http.MethodGet)
	api.HandleFunc("/workers/start", workers.StartAll).Methods(http.MethodPost)
	api.HandleFunc("/workers/stop", workers.StopAll).Methods(http.MethodPost)
	api.HandleFunc("/workers/restart", workers.RestartAll).Methods(http.MethodPost)

	api.HandleFunc("/workers/{name}", workers.GetWorker).Methods(http.MethodGet)
	api.HandleFunc("/workers/{name}/start", workers.StartWorker()).Methods(http.MethodPost)
	api.HandleFunc("/workers/{name}/stop", workers.StopWorker()).Methods(http.MethodPost)
	api.HandleFunc("/workers/{name}/restart", workers.RestartWorker()).Methods(http.MethodPost)
	api.HandleFunc("/workers/{name}/logs", workers.GetWorkerLogs).Methods(http.MethodGet)
	api.HandleFunc("/workers/{name}/history", workers.History).Methods(http.MethodGet)
	api.HandleFunc("/workers/{name}/history", workers.PruneHistory).Methods(http.MethodDelete)

	app.Use(middleware.Recovery(logger))
	app.Use(middleware.Logging(logger, svc.Metrics()))
	router := &Router{Router: r}
	if cfg.RateLimit > 0 {
		router.limiter = middleware.NewLimiter(cfg.RateLimit, cfg.RateBurst)
		api.Use(router.limiter.Middleware(middleware.ClientIP))
	}

	return router, nil
}

// SweepClients drops idle rate limiter buckets until ctx is done. It returns
// at once when rate limiting is off.
func (r *Router) SweepClients(ctx context.Context) {
	if r.limiter == nil {
		return
	}
	r.limiter.Sweep(ctx, clientSweepInterval, clientIdleAfter)
}
