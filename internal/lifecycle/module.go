// Package lifecycle provides the status transition module shared by every
// entity kind.
package lifecycle

import (
	"lifecycle_backend/internal/events"
	apphttp "lifecycle_backend/internal/http"
	"lifecycle_backend/internal/ledger"
	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/internal/lifecycle/handler"
	"lifecycle_backend/internal/lifecycle/service"
	"lifecycle_backend/platform/logger"
	"lifecycle_backend/platform/validator"
)

// Module represents the lifecycle domain module
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates a new lifecycle module with all dependencies wired
func NewModule(store ledger.Store, eventBus events.Bus, val *validator.Validator, log *logger.Logger) *Module {
	svc := service.New(store, domain.DefaultTable(), eventBus, log)
	return &Module{handler: handler.New(svc, val), service: svc}
}

// Name returns the module name for logging
func (m *Module) Name() string {
	return "lifecycle"
}

// Service returns the service layer for external use
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes registers the module's routes
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterEntityRoutes(ctx.Protected.Group("/entities"))
	m.handler.RegisterTableRoutes(ctx.V1.Group("/lifecycle"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
