package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"docvault/internal/util"
	"docvault/pkg/events"
	"docvault/services/upload/internal/app"
	"docvault/services/upload/internal/config"
	"docvault/services/upload/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger("upload", cfg.LogLevel)

	bus, err := events.NewNATSBus(cfg.NATSURL, "upload-service", logger)
	if err != nil {
		log.Fatalf("failed to connect event bus: %v", err)
	}
	defer bus.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		QueueStream:   cfg.QueueStream,
		Publisher:     bus,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("upload server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
