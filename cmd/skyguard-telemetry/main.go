package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/config"
	"skyguard-telemetry/internal/logger"
	"skyguard-telemetry/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot, lerr := logger.NewLoggerWithDefaults()
		if lerr != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		boot.Fatal("Failed to load config", zap.Error(err))
	}

	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "skyguard-telemetry")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting skyguard-telemetry service",
		zap.String("socket_mode", string(cfg.Socket.Mode)),
		zap.String("transport", cfg.Socket.Transport),
		zap.Duration("path_ttl", cfg.Tracking.PathTTL),
		zap.Int("path_max_points", cfg.Tracking.PathMaxPoints),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	svc, err := service.NewTelemetryService(cfg, zlog, service.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		zlog.Fatal("Failed to create telemetry service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		zlog.Fatal("Failed to start telemetry service", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		zlog.Error("Error during shutdown", zap.Error(err))
	}

	zlog.Info("Service stopped")
}
