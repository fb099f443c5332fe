package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lifecycle_backend/internal/adapters/storage"
	"lifecycle_backend/internal/email"
	"lifecycle_backend/internal/events"
	apphttp "lifecycle_backend/internal/http"
	"lifecycle_backend/internal/http/router"
	"lifecycle_backend/internal/ledger"
	"lifecycle_backend/internal/lifecycle"
	"lifecycle_backend/internal/notification"
	"lifecycle_backend/internal/notification/outbox"
	"lifecycle_backend/internal/notification/sse"
	"lifecycle_backend/internal/pricing"
	"lifecycle_backend/internal/reconcile"
	"lifecycle_backend/platform/config"
	"lifecycle_backend/platform/db"
	"lifecycle_backend/platform/logger"
	"lifecycle_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

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
	log.Info("database connection established")

	if err := db.RunMigrations(ctx, pool); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	eventBus := events.NewInMemoryBus(log)
	store := ledger.NewPostgresStore(pool)
	val := validator.New()

	sender, err := email.NewSender(cfg)
	if err != nil {
		log.Error("failed to initialize email sender", "error", err)
		panic("failed to initialize email sender: " + err.Error())
	}

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	lifecycleModule := lifecycle.NewModule(store, eventBus, val, log)

	pricingModule, err := pricing.NewModule(lifecycleModule.Service(), val)
	if err != nil {
		log.Error("failed to initialize pricing module", "error", err)
		panic("failed to initialize pricing module: " + err.Error())
	}

	reconcileModule := reconcile.NewModule(store, lifecycleModule.Service(), cfg, eventBus, log)
	if closeCache := initStatusCache(cfg, log, reconcileModule); closeCache != nil {
		defer closeCache()
	}
	initArchive(ctx, cfg, log, reconcileModule)

	// Notification module only queues here; the scheduler delivers.
	notificationModule := notification.New(outbox.New(pool), sender, cfg, log)
	sseService := sse.New(log)
	defer sseService.Close()
	notificationModule.SetSSE(sseService)
	notificationModule.RegisterHandlers(eventBus)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   pool,
		EventBus: eventBus,
		Modules: []apphttp.Module{
			lifecycleModule,
			pricingModule,
			reconcileModule,
			notificationModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		// Acknowledged webhooks may still be archiving and bus handlers may
		// still be writing outbox rows; both need the pool.
		if err := drain(shutdownCtx, reconcileModule.Reconciler().Wait, eventBus.Wait); err != nil {
			log.Error("background work did not finish before shutdown", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func initStatusCache(cfg *config.Config, log *logger.Logger, m *reconcile.Module) func() {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; webhook status cache disabled")
		return nil
	}

	cache, err := reconcile.NewRedisStatusCache(cfg)
	if err != nil {
		log.Error("failed to initialize webhook status cache", "error", err)
		return nil
	}
	m.SetStatusCache(cache)
	return func() { _ = cache.Close() }
}

func initArchive(ctx context.Context, cfg *config.Config, log *logger.Logger, m *reconcile.Module) {
	if !cfg.IsMinIOEnabled() {
		log.Warn("MINIO_ENDPOINT not configured; webhook payload archive disabled")
		return
	}

	storageSvc, err := storage.NewMinIOService(cfg)
	if err != nil {
		log.Error("failed to initialize storage service", "error", err)
		panic("failed to initialize storage service: " + err.Error())
	}

	bucket := cfg.GetMinioBucketWebhookArchive()
	if err := withRetry(ctx, log, "ensure webhook archive bucket", 5, 2*time.Second, func() error {
		return storageSvc.EnsureBucketExists(ctx, bucket)
	}); err != nil {
		log.Error("failed to ensure storage bucket exists", "error", err, "bucket", bucket)
		panic("failed to ensure storage bucket exists: " + err.Error())
	}

	m.SetArchiver(reconcile.NewObjectArchiver(storageSvc, bucket))
	log.Info("webhook payload archive initialized", "bucket", bucket)
}

// drain runs waits in order and returns once they all have, or with the
// context error when ctx ends first.
func drain(ctx context.Context, waits ...func()) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, wait := range waits {
			wait()
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
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

	return fmt.Errorf("%s: %w", name, lastErr)
}
