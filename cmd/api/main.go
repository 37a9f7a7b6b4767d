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
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("broadcast-api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)

	engine, err := app.Open(ctx, cfg.DBConfig, cfg.EngineConfig)
	if err != nil {
		slog.Error("api startup failed", "err", err)
		os.Exit(1)
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))
	api := &httpserver.API{
		Svc:        engine.Service,
		Base:       ctx,
		RunTimeout: cfg.RunTimeout,
	}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, engine.Checks...))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Recover(httpserver.Logging(s.Mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		// in-flight sends see the cancel between batches and pause
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api shutdown incomplete", "err", err)
		}
	}()

	slog.Info("api listening", "port", cfg.Port, "audit_sink", cfg.AuditSink)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		cancel()
		api.Wait()
		engine.Close()
		os.Exit(1)
	}

	<-shutdownDone
	// runs must record their final status before the pool closes
	api.Wait()
	engine.Close()
}
