package reconcile

import (
	"lifecycle_backend/internal/events"
	apphttp "lifecycle_backend/internal/http"
	"lifecycle_backend/internal/ledger"
	"lifecycle_backend/platform/config"
	"lifecycle_backend/platform/logger"
)

// Module wires the webhook reconciliation routes.
type Module struct {
	reconciler *Reconciler
	handler    *Handler
}

// NewModule creates the reconcile module. The status cache and archive are
// optional and injected with SetStatusCache / SetArchiver.
func NewModule(store ledger.Store, lifecycle Lifecycle, cfg config.WebhookConfig, eventBus events.Bus, log *logger.Logger) *Module {
	r := New(store, lifecycle, cfg, eventBus, log)
	return &Module{reconciler: r, handler: NewHandler(r)}
}

// Name returns the module name for logging
func (m *Module) Name() string {
	return "reconcile"
}

// Reconciler returns the reconciler for cross-module wiring.
func (m *Module) Reconciler() *Reconciler {
	return m.reconciler
}

// SetStatusCache injects the duplicate-delivery fast path.
func (m *Module) SetStatusCache(cache StatusCache) {
	m.reconciler.SetStatusCache(cache)
}

// SetArchiver injects the raw payload archive.
func (m *Module) SetArchiver(archiver Archiver) {
	m.reconciler.SetArchiver(archiver)
}

// RegisterRoutes registers the module's routes. Provider callbacks carry no
// JWT; they are authenticated by their signature header.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	webhooks := ctx.V1.Group("/webhooks")
	if ctx.WebhookRateLimiter != nil {
		webhooks.Use(ctx.WebhookRateLimiter.RateLimit())
	}
	webhooks.POST("/payments", m.handler.HandlePayments)
	webhooks.POST("/email", m.handler.HandleEmail)

	ctx.Admin.GET("/webhooks/events/:provider/:externalId", m.handler.GetExternalEvent)
}

var _ apphttp.Module = (*Module)(nil)
