package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"CMMPayWatch/internal/app"
	"CMMPayWatch/internal/config"
	"CMMPayWatch/internal/logging"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if len(cfg.Explorer.Endpoints) == 0 {
		log.Fatalf("explorer.endpoints is required to run the worker")
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("app init failed", zap.Error(err))
	}
	defer a.Close()

	w, err := a.Worker()
	if err != nil {
		logger.Fatal("worker init failed", zap.Error(err))
	}

	logger.Info("worker started",
		zap.Strings("explorers", cfg.Explorer.Endpoints),
		zap.String("ws_endpoint", w.WSEndpoint),
		zap.Duration("interval", w.Interval),
	)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
