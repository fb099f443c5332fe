// Package pricing provides the quote computation module.
package pricing

import (
	apphttp "lifecycle_backend/internal/http"
	"lifecycle_backend/internal/pricing/handler"
	"lifecycle_backend/internal/pricing/service"
	"lifecycle_backend/platform/validator"
)

// Module represents the pricing domain module
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates a new pricing module. Quotes are attached through the
// lifecycle service so activity stays single-writer.
func NewModule(attacher service.QuoteAttacher, val *validator.Validator) (*Module, error) {
	calc, err := service.NewCalculator()
	if err != nil {
		return nil, err
	}
	svc := service.New(calc, attacher)
	return &Module{handler: handler.New(svc, val), service: svc}, nil
}

// Name returns the module name for logging
func (m *Module) Name() string {
	return "pricing"
}

// Service returns the service layer for external use
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes registers the module's routes
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.V1.Group("/quotes"))
	m.handler.RegisterEntityRoutes(ctx.Protected.Group("/entities"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
