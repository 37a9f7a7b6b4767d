package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"broadcast/internal/app"
	"broadcast/internal/config"
	"broadcast/internal/httpserver"
	"broadcast/internal/logging"
	"broadcast/internal/observability"
	"broadcast/internal/service"
	"broadcast/internal/util"
)

func main() {
	cfg := config.LoadScheduler()
	logging.Init("broadcast-scheduler", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())

	observability.Register(prometheus.DefaultRegisterer)

	engine, err := app.Open(ctx, cfg.DBConfig, cfg.EngineConfig)
	if err != nil {
		slog.Error("scheduler startup failed", "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	// health server (liveness + readiness)
	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, engine.Checks...))

	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(healthMux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("scheduler health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("scheduler starting poll", "interval", cfg.PollInterval, "limit", cfg.PollLimit)
		pollErrCh <- poll(ctx, engine.Service, cfg.PollInterval, cfg.PollLimit)
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("scheduler poll failed", "err", err)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("scheduler health server failed", "err", err)
		}
	case sig := <-sigCh:
		slog.Info("scheduler shutdown", "signal", sig.String())
	}

	// in-flight runs see the cancel between batches and pause
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(30 * time.Second):
		slog.Info("scheduler shutdown timeout waiting for poll loop")
	}
}

// poll starts due campaigns every interval until ctx is cancelled.
func poll(ctx context.Context, svc *service.CampaignService, interval time.Duration, limit int) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		start := time.Now()
		res, err := svc.StartDue(ctx, util.NowUTC(), limit)
		if err != nil && ctx.Err() == nil {
			slog.Error("scheduler sweep failed", "err", err)
		} else if res.Started+res.Skipped+res.Failed > 0 {
			slog.Info("scheduler sweep",
				"started", res.Started,
				"skipped", res.Skipped,
				"failed", res.Failed,
				"duration", time.Since(start),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
