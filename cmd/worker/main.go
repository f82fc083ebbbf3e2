// Package main is the entry point for the sessionplane worker.
// A worker drives the sessions whose leases it holds, delivers webhooks and
// runs due reminders. Workers coordinate only through Redis leases and
// Postgres row locks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"sessionplane/internal/config"
	"sessionplane/internal/driver"
	"sessionplane/internal/events"
	"sessionplane/internal/lease"
	"sessionplane/internal/logger"
	"sessionplane/internal/manager"
	"sessionplane/internal/observability"
	"sessionplane/internal/qrcache"
	"sessionplane/internal/scheduler"
	"sessionplane/internal/store/postgres"
	"sessionplane/internal/supervisor"
	"sessionplane/internal/webhook"
	"sessionplane/internal/worker"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: sessionplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("Invalid worker config: %v", err)
	}

	base := logger.New(cfg.LogLevel).With("worker_id", cfg.WorkerID)
	slog.SetDefault(base)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	leases, err := lease.NewRedisStoreFromURL(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer leases.Close()
	qr := qrcache.NewRedis(leases.Client())

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "sessionplane-worker", cfg.OTELEndpoint)
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

	meter := otel.Meter("sessionplane-worker")
	ins, err := observability.NewInstruments(meter)
	if err != nil {
		log.Fatalf("Failed to create instruments: %v", err)
	}

	broker := events.NewBroker(base)
	producer := webhook.NewProducer(store, 0, base)

	spawner := &manager.SupervisorSpawner{
		Runtime: driver.NewExecRuntime(cfg.DriverCommand, cfg.SessionDir, base),
		Deps: supervisor.Deps{
			Registry: store,
			Webhooks: producer,
			Events:   broker,
			QR:       qr,
			Logger:   base,
		},
	}

	mgr := manager.New(manager.Config{
		WorkerID:     cfg.WorkerID,
		MaxSessions:  cfg.MaxSessions,
		LeaseTTL:     cfg.LeaseTTL,
		PollInterval: cfg.LeasePollInterval,
		Logger:       base,
		Instruments:  ins,
	}, store, leases, spawner)

	if err := observability.RegisterGauge(meter, "sessionplane.sessions.owned",
		"Sessions driven by this worker", func(ctx context.Context) (int64, error) {
			snap, err := mgr.Snapshot(ctx)
			return int64(len(snap)), err
		}); err != nil {
		slog.Warn("failed to register owned sessions metric", "error", err)
	}

	dispatcher := webhook.NewDispatcher(store, store, webhook.DispatcherConfig{
		Concurrency:  cfg.WebhookConcurrency,
		PollInterval: cfg.WebhookPollInterval,
		Timeout:      cfg.WebhookTimeout,
		MaxAttempts:  cfg.WebhookMaxAttempts,
	}, ins, base)

	sched := scheduler.New(scheduler.Config{
		PollInterval:  cfg.SchedulerPollInterval,
		BatchSize:     cfg.SchedulerBatchSize,
		FailurePolicy: cfg.ReminderFailurePolicy,
		RetryDelay:    cfg.ReminderRetryDelay,
		MaxAttempts:   cfg.ReminderMaxAttempts,
		Logger:        base,
		Instruments:   ins,
	}, store, mgr, store)

	addr := fmt.Sprintf(":%d", cfg.WorkerHTTPPort)
	srv := worker.New(addr, worker.Config{
		WorkerID:   cfg.WorkerID,
		Sessions:   mgr,
		Broker:     broker,
		Ownership:  events.RegistryOwnership(store),
		QR:         qr,
		Tenants:    store,
		AdminToken: cfg.AdminToken,
		Metrics:    metricsHandler,
		Logger:     base,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		slog.Info("worker surface listening", "addr", addr)
		return srv.Run(gctx)
	})

	slog.Info("worker started", "max_sessions", cfg.MaxSessions, "webhook_concurrency", cfg.WebhookConcurrency)

	err = g.Wait()

	// Supervisors are gone once the manager returned; flush what they emitted.
	producer.Close()
	broker.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped with error", "error", err)
		return
	}
	slog.Info("worker exited properly")
}
