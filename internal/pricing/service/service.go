// Package service prices selection sets and attaches issued quotes to
// lifecycle entities.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/internal/pricing/transport"

	"github.com/google/uuid"
)

// QuoteAttacher stores an issued quote on an entity exactly once.
// Implemented by the lifecycle service.
type QuoteAttacher interface {
	AttachQuote(ctx context.Context, kind domain.Kind, id uuid.UUID, quote json.RawMessage, actor string, metadata map[string]any) (domain.Entity, error)
}

// Service provides quote computation and attachment.
type Service struct {
	calc     *Calculator
	attacher QuoteAttacher
	now      func() time.Time
}

// New creates a pricing service.
func New(calc *Calculator, attacher QuoteAttacher) *Service {
	return &Service{
		calc:     calc,
		attacher: attacher,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the default as-of date source for requests without one.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Compute prices the request. Missing asOf defaults to the service clock,
// read once here so the calculator itself stays clock-free.
func (s *Service) Compute(req transport.ComputeQuoteRequest) (transport.QuoteResult, error) {
	asOf := s.now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	version := req.PricingVersion
	if version == "" {
		version = s.calc.CurrentVersion()
	}
	return s.calc.ComputeQuoteVersion(version, req.Selections(), asOf)
}

// ComputeAndAttach prices the request and stores the result on the entity.
// An entity that already carries a quote is left untouched.
func (s *Service) ComputeAndAttach(ctx context.Context, kind domain.Kind, id uuid.UUID, actor string, req transport.ComputeQuoteRequest) (transport.QuoteResult, error) {
	quote, err := s.Compute(req)
	if err != nil {
		return transport.QuoteResult{}, err
	}
	body, err := json.Marshal(quote)
	if err != nil {
		return transport.QuoteResult{}, fmt.Errorf("marshal quote: %w", err)
	}
	if _, err := s.attacher.AttachQuote(ctx, kind, id, body, actor, map[string]any{
		"pricingVersion": quote.PricingVersion,
		"total":          quote.Total,
		"deposit":        quote.Deposit,
	}); err != nil {
		return transport.QuoteResult{}, err
	}
	return quote, nil
}

// RateCards lists the known pricing versions.
func (s *Service) RateCards() transport.RateCardsResponse {
	return transport.RateCardsResponse{Current: s.calc.CurrentVersion(), Versions: s.calc.Versions()}
}
