package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetvisor/internal/api"
	"fleetvisor/internal/config"
	"fleetvisor/internal/logging"
	"fleetvisor/internal/service"
	"fleetvisor/web"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and its control API",
		Long: `Load the manifest, start every autostart worker and serve the HTTP control
API until interrupted. On SIGINT or SIGTERM the whole fleet is stopped before
the process exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("manifest", config.DefaultManifestPath, "worker manifest (yaml or json)")
	flags.String("address", config.DefaultAddress, "control API listen address")
	flags.String("log-level", config.DefaultLogLevel, "log level: debug, info, warn or error")
	flags.String("log-format", config.DefaultLogFormat, "log format: json or console")
	flags.String("logs-dir", config.DefaultLogsDir, "directory for per-worker output files, empty to disable")
	flags.Bool("forward", false, "copy worker output into the supervisor log")

	_ = v.BindPFlag("manifest", flags.Lookup("manifest"))
	_ = v.BindPFlag("server.address", flags.Lookup("address"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("logs.dir", flags.Lookup("logs-dir"))
	_ = v.BindPFlag("logs.forward", flags.Lookup("forward"))
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.LoadWith(v, cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	manifest, err := config.LoadManifestFile(cfg.Manifest)
	if err != nil {
		logger.Error("failed to load manifest", zap.String("path", cfg.Manifest), zap.Error(err))
		return &ExitError{Code: ExitLoadError, Err: err}
	}

	svc, err := service.New(cfg, manifest, logger, service.NewMetrics())
	if err != nil {
		return &ExitError{Code: ExitCode(err), Err: err}
	}

	router, err := api.NewRouter(svc, cfg.Server, web.GetTemplatesFS(), logger)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	// No write timeout: log follow streams stay open until shutdown.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go router.SweepClients(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control API listening", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("fleetvisor started",
		zap.String("manifest", cfg.Manifest),
		zap.Int("workers", len(manifest.Workers)),
		zap.Int("instances", manifest.TotalInstances()),
	)
	for _, r := range svc.StartAutostart() {
		if !r.OK {
			logger.Error("autostart failed", zap.String("worker", r.Worker), zap.String("kind", r.Kind), zap.String("error", r.Error))
		}
	}

	go func() {
		if err := svc.Watch(ctx); err != nil {
			logger.Error("file watcher stopped", zap.Error(err))
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("control API: %w", err)
			logger.Error("control API failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API forced to shut down", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("fleet did not stop in time", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	logger.Info("fleetvisor exited")
	return runErr
}
