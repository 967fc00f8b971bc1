package main

import (
	"log"

	"CMMPayWatch/internal/config"
	"CMMPayWatch/internal/db"
	"CMMPayWatch/internal/logging"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	version, err := db.Migrate(cfg.DB.DSN)
	if err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}
	logger.Info("schema up to date", zap.Uint("version", version))
}
