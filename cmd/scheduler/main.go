package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lifecycle_backend/internal/email"
	"lifecycle_backend/internal/events"
	"lifecycle_backend/internal/notification"
	"lifecycle_backend/internal/notification/outbox"
	"lifecycle_backend/internal/scheduler"
	"lifecycle_backend/platform/config"
	"lifecycle_backend/platform/db"
	"lifecycle_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	eventBus := events.NewInMemoryBus(log)

	sender, err := email.NewSender(cfg)
	if err != nil {
		log.Error("failed to initialize email sender", "error", err)
		panic("failed to initialize email sender: " + err.Error())
	}

	outboxRepo := outbox.New(pool)
	notificationModule := notification.New(outboxRepo, sender, cfg, log)
	notificationModule.RegisterHandlers(eventBus)

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize scheduler client", "error", err)
		panic("failed to initialize scheduler client: " + err.Error())
	}
	defer func() { _ = client.Close() }()

	worker, err := scheduler.NewWorker(cfg, eventBus, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	dispatcher := scheduler.NewNotificationOutboxDispatcher(outboxRepo, client, log)
	cleanup := scheduler.NewOutboxCleanup(
		outboxRepo,
		log,
		getDurationEnv("OUTBOX_CLEANUP_INTERVAL", time.Hour),
		time.Duration(getPositiveIntEnv("OUTBOX_SUCCEEDED_RETENTION_DAYS", 7))*24*time.Hour,
		time.Duration(getPositiveIntEnv("OUTBOX_FAILED_RETENTION_DAYS", 30))*24*time.Hour,
	)
	cleanup.SetStaleClaimAfter(getDurationEnv("OUTBOX_STALE_CLAIM_AFTER", 30*time.Minute))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { cleanup.Run(gctx); return nil })
	g.Go(func() error { worker.Run(gctx); return nil })
	_ = g.Wait()

	log.Info("scheduler stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", lastErr)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * baseDelay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}

func getPositiveIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}
