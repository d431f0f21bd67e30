package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	logpkg "emasa-telemetry/common/logger"
	"emasa-telemetry/internal/config"
	"emasa-telemetry/internal/metrics"
	"emasa-telemetry/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "emasa-telemetry")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	metrics.Init()

	logger.Info("Starting emasa-telemetry service",
		zap.String("mqtt_broker", cfg.MQTT.BrokerURL()),
		zap.String("mqtt_topic", cfg.Telemetry.Topic),
		zap.String("stream", cfg.Telemetry.Stream),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.Bool("registry_configured", cfg.Registry.BaseURL != ""),
	)

	telemetryService, err := service.NewTelemetryService(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create telemetry service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- telemetryService.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("Telemetry service failed to start", zap.Error(err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := telemetryService.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Service stopped")
}
