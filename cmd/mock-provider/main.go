package main

import (
	"log/slog"
	"net/http"
	"os"

	"broadcast/internal/config"
	"broadcast/internal/httpserver"
	"broadcast/internal/logging"
	"broadcast/internal/providers/mock"
)

func main() {
	cfg := config.LoadMockProvider()
	logging.Init("mock-provider", cfg.LogFormat, "info")

	m := mock.New(mock.Options{
		FailRate: cfg.FailRate,
		RejectTo: cfg.RejectTo,
		Latency:  cfg.Latency,
	})
	s := httpserver.New()
	m.Register(s.Mux)
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())

	slog.Info("mock provider listening", "port", cfg.Port, "fail_rate", cfg.FailRate, "reject_to", len(cfg.RejectTo))
	if err := http.ListenAndServe(":"+cfg.Port, httpserver.Logging(s.Mux)); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}
