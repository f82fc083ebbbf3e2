// Package main is the entry point for the sessionplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessionplane/internal/config"
	"sessionplane/internal/controller"
	"sessionplane/internal/lease"
	"sessionplane/internal/logger"
	"sessionplane/internal/observability"
	"sessionplane/internal/store/postgres"

	"go.opentelemetry.io/otel"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: sessionplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slog.SetDefault(logger.New(cfg.LogLevel))

	// Setup Database
	ctx := context.Background()
	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	// Run migrations if requested
	if *migrateFlag {
		slog.Info("running database migrations")
		version, err := postgres.Migrate(store.DB())
		if err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		slog.Info("migrations completed", "version", version)
	}

	// Session deletion drops the lease directly when Redis is configured.
	// Without it, the owning worker notices the deleted row on its next cycle.
	opts := controller.Options{AdminToken: cfg.AdminToken}
	if cfg.RedisURL != "" {
		leases, err := lease.NewRedisStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer leases.Close()
		opts.Leases = leases
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "sessionplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slog.Error("failed to shutdown metrics", "error", err)
		}
	}()
	opts.Metrics = metricsHandler

	// Queue depth is read from the DB only when scraped.
	meter := otel.Meter("sessionplane-controller")
	if err := observability.RegisterGauge(meter, "sessionplane.webhook.queue.depth",
		"Webhook deliveries not yet delivered or failed", store.CountDeliveries); err != nil {
		slog.Warn("failed to register queue depth metric", "error", err)
	}

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, store, opts)

	go func() {
		slog.Info("controller starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			slog.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	slog.Info("server exited properly")
}
