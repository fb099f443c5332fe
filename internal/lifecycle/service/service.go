// Package service implements status transitions for every entity kind.
// It is the only writer of an entity's status, version and activity log.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lifecycle_backend/internal/events"
	"lifecycle_backend/internal/ledger"
	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/platform/apperr"
	"lifecycle_backend/platform/logger"
	"lifecycle_backend/platform/metrics"

	"github.com/google/uuid"
)

// TransitionRequest asks for one status change on one entity.
type TransitionRequest struct {
	EntityID        uuid.UUID
	Kind            domain.Kind
	To              domain.Status
	Actor           string
	ExpectedVersion int64
	Metadata        map[string]any
}

// TransitionResult is what a committed transition produced.
type TransitionResult struct {
	Entity     domain.Entity
	FromStatus domain.Status
	Event      domain.ActivityEvent
}

// IllegalTransitionDetails is attached to IllegalTransition errors so the
// caller can show an actionable message.
type IllegalTransitionDetails struct {
	CurrentStatus       domain.Status   `json:"currentStatus"`
	RequestedStatus     domain.Status   `json:"requestedStatus"`
	AllowedNextStatuses []domain.Status `json:"allowedNextStatuses"`
}

// VersionConflictDetails is attached to VersionConflict errors.
type VersionConflictDetails struct {
	ExpectedVersion int64 `json:"expectedVersion"`
	CurrentVersion  int64 `json:"currentVersion"`
}

// ActivityParams describes an activity entry that is not a status change,
// such as a recorded payment or an opened email. PayloadFields are merged
// into the entity payload in the same unit of work.
type ActivityParams struct {
	Kind          domain.Kind
	EntityID      uuid.UUID
	EventType     string
	Actor         string
	Metadata      map[string]any
	PayloadFields map[string]any
}

// CreateParams describes a new entity. It always starts in its kind's
// initial status at version 1.
type CreateParams struct {
	Kind         domain.Kind
	ExternalRef  *string
	ContactEmail *string
	Payload      map[string]any
	Actor        string
}

// Service provides the lifecycle operations.
type Service struct {
	store ledger.Store
	table *domain.Table
	bus   events.Bus // optional, nil disables publishing
	log   *logger.Logger
	now   func() time.Time
}

// New creates a lifecycle service.
func New(store ledger.Store, table *domain.Table, bus events.Bus, log *logger.Logger) *Service {
	return &Service{
		store: store,
		table: table,
		bus:   bus,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for activity timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Table returns the transition table the service validates against.
func (s *Service) Table() *domain.Table {
	return s.table
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// ApplyTransition validates and applies a status change in its own unit of
// work. Checks run in order: entity exists, expected version matches, the
// transition is legal. On success the new status, the bumped version and
// exactly one activity event are committed together and a StatusChanged
// event is published.
func (s *Service) ApplyTransition(ctx context.Context, req TransitionRequest) (domain.Entity, error) {
	var result TransitionResult
	err := s.store.RunInTx(ctx, func(tx ledger.Tx) error {
		var err error
		result, err = s.ApplyTransitionTx(ctx, tx, req)
		return err
	})
	if err != nil {
		metrics.RecordTransition(string(req.Kind), resultLabel(err))
		return domain.Entity{}, err
	}

	metrics.RecordTransition(string(req.Kind), "applied")
	s.PublishStatusChanged(ctx, result)
	return result.Entity, nil
}

// ApplyTransitionTx applies a transition inside a caller-owned unit of work.
// The caller publishes the result with PublishStatusChanged after commit.
func (s *Service) ApplyTransitionTx(ctx context.Context, tx ledger.Tx, req TransitionRequest) (TransitionResult, error) {
	const op = "lifecycle.ApplyTransition"

	if !s.table.HasKind(req.Kind) {
		return TransitionResult{}, apperr.Validation(fmt.Sprintf("unknown entity kind %q", req.Kind)).WithOp(op)
	}
	if strings.TrimSpace(req.Actor) == "" {
		return TransitionResult{}, apperr.Validation("actor is required").WithOp(op)
	}

	current, err := tx.GetEntity(ctx, req.Kind, req.EntityID)
	if errors.Is(err, ledger.ErrNotFound) {
		return TransitionResult{}, apperr.NotFound(fmt.Sprintf("%s %s not found", req.Kind, req.EntityID)).WithOp(op)
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("load %s %s: %w", req.Kind, req.EntityID, err)
	}

	if current.Version != req.ExpectedVersion {
		return TransitionResult{}, versionConflict(op, req.ExpectedVersion, current.Version)
	}

	if !s.table.IsValidTransition(req.Kind, current.Status, req.To) {
		return TransitionResult{}, apperr.IllegalTransition(
			fmt.Sprintf("%s cannot move from %s to %s", req.Kind, current.Status, req.To),
		).WithOp(op).WithDetails(IllegalTransitionDetails{
			CurrentStatus:       current.Status,
			RequestedStatus:     req.To,
			AllowedNextStatuses: s.table.LegalNextStates(req.Kind, current.Status),
		})
	}

	at := s.now()
	updated, err := tx.UpdateStatus(ctx, ledger.StatusUpdate{
		Kind:            req.Kind,
		ID:              req.EntityID,
		ExpectedVersion: req.ExpectedVersion,
		To:              req.To,
		At:              at,
	})
	if errors.Is(err, ledger.ErrVersionMismatch) {
		// Lost a race between the read and the compare-and-swap.
		currentVersion := req.ExpectedVersion + 1
		if latest, getErr := tx.GetEntity(ctx, req.Kind, req.EntityID); getErr == nil {
			currentVersion = latest.Version
		}
		return TransitionResult{}, versionConflict(op, req.ExpectedVersion, currentVersion)
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("update status: %w", err)
	}

	from := current.Status
	to := updated.Status
	ev := domain.ActivityEvent{
		ID:         uuid.New(),
		EntityKind: req.Kind,
		EntityID:   req.EntityID,
		EventType:  domain.EventStatusChanged,
		FromStatus: &from,
		ToStatus:   &to,
		Actor:      req.Actor,
		OccurredAt: at,
		Metadata:   withVersion(req.Metadata, updated.Version),
	}
	if err := tx.AppendActivity(ctx, ev); err != nil {
		return TransitionResult{}, fmt.Errorf("append activity: %w", err)
	}

	return TransitionResult{Entity: updated, FromStatus: from, Event: ev}, nil
}

// PublishStatusChanged announces a committed transition. Publishing is
// asynchronous and cannot fail the transition.
func (s *Service) PublishStatusChanged(ctx context.Context, r TransitionResult) {
	s.log.WithContext(ctx).Info("status transition applied",
		slog.String("kind", string(r.Entity.Kind)),
		slog.String("entity_id", r.Entity.ID.String()),
		slog.String("from", string(r.FromStatus)),
		slog.String("to", string(r.Entity.Status)),
		slog.Int64("version", r.Entity.Version),
		slog.String("actor", r.Event.Actor),
	)
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.StatusChanged{
		BaseEvent:    events.NewBaseEvent(),
		EntityID:     r.Entity.ID,
		EntityKind:   string(r.Entity.Kind),
		FromStatus:   string(r.FromStatus),
		ToStatus:     string(r.Entity.Status),
		Version:      r.Entity.Version,
		Actor:        r.Event.Actor,
		ContactEmail: deref(r.Entity.ContactEmail),
	})
}

// RecordActivity appends a non-transition activity entry and merges any
// denormalized payload fields inside the caller's unit of work.
func (s *Service) RecordActivity(ctx context.Context, tx ledger.Tx, p ActivityParams) (domain.ActivityEvent, error) {
	const op = "lifecycle.RecordActivity"

	if p.EventType == "" || p.EventType == domain.EventStatusChanged {
		return domain.ActivityEvent{}, apperr.Validation("a non-transition event type is required").WithOp(op)
	}
	if _, err := tx.GetEntity(ctx, p.Kind, p.EntityID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return domain.ActivityEvent{}, apperr.NotFound(fmt.Sprintf("%s %s not found", p.Kind, p.EntityID)).WithOp(op)
		}
		return domain.ActivityEvent{}, fmt.Errorf("load %s %s: %w", p.Kind, p.EntityID, err)
	}

	at := s.now()
	if len(p.PayloadFields) > 0 {
		if err := tx.MergePayload(ctx, p.Kind, p.EntityID, p.PayloadFields, at); err != nil {
			return domain.ActivityEvent{}, fmt.Errorf("merge payload: %w", err)
		}
	}

	ev := domain.ActivityEvent{
		ID:         uuid.New(),
		EntityKind: p.Kind,
		EntityID:   p.EntityID,
		EventType:  p.EventType,
		Actor:      p.Actor,
		OccurredAt: at,
		Metadata:   p.Metadata,
	}
	if err := tx.AppendActivity(ctx, ev); err != nil {
		return domain.ActivityEvent{}, fmt.Errorf("append activity: %w", err)
	}
	return ev, nil
}

// CreateEntity inserts a new entity in its kind's initial status and records
// the creation in the activity log.
func (s *Service) CreateEntity(ctx context.Context, p CreateParams) (domain.Entity, error) {
	const op = "lifecycle.CreateEntity"

	initial, ok := s.table.Initial(p.Kind)
	if !ok {
		return domain.Entity{}, apperr.Validation(fmt.Sprintf("unknown entity kind %q", p.Kind)).WithOp(op)
	}
	payload, err := json.Marshal(orEmpty(p.Payload))
	if err != nil {
		return domain.Entity{}, apperr.Validation("payload must be a JSON object").WithOp(op)
	}

	at := s.now()
	entity := domain.Entity{
		ID:           uuid.New(),
		Kind:         p.Kind,
		Status:       initial,
		Version:      1,
		ExternalRef:  p.ExternalRef,
		ContactEmail: p.ContactEmail,
		Payload:      payload,
		CreatedAt:    at,
		UpdatedAt:    at,
	}

	err = s.store.RunInTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertEntity(ctx, entity); err != nil {
			return err
		}
		to := initial
		return tx.AppendActivity(ctx, domain.ActivityEvent{
			ID:         uuid.New(),
			EntityKind: p.Kind,
			EntityID:   entity.ID,
			EventType:  domain.EventCreated,
			ToStatus:   &to,
			Actor:      p.Actor,
			OccurredAt: at,
			Metadata:   map[string]any{"version": int64(1)},
		})
	})
	if errors.Is(err, ledger.ErrDuplicateExternalRef) {
		return domain.Entity{}, apperr.Conflict("external reference already in use").WithOp(op)
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("create %s: %w", p.Kind, err)
	}
	return entity, nil
}

// AttachQuote stores an issued quote on the entity. A quote can be attached
// once; later attempts fail with Conflict.
func (s *Service) AttachQuote(ctx context.Context, kind domain.Kind, id uuid.UUID, quote json.RawMessage, actor string, metadata map[string]any) (domain.Entity, error) {
	const op = "lifecycle.AttachQuote"

	var entity domain.Entity
	err := s.store.RunInTx(ctx, func(tx ledger.Tx) error {
		at := s.now()
		if err := tx.AttachQuote(ctx, kind, id, quote, at); err != nil {
			return err
		}
		if err := tx.AppendActivity(ctx, domain.ActivityEvent{
			ID:         uuid.New(),
			EntityKind: kind,
			EntityID:   id,
			EventType:  domain.EventQuoteAttached,
			Actor:      actor,
			OccurredAt: at,
			Metadata:   metadata,
		}); err != nil {
			return err
		}
		var err error
		entity, err = tx.GetEntity(ctx, kind, id)
		return err
	})
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return domain.Entity{}, apperr.NotFound(fmt.Sprintf("%s %s not found", kind, id)).WithOp(op)
	case errors.Is(err, ledger.ErrQuoteAlreadyAttached):
		return domain.Entity{}, apperr.Conflict("a quote is already attached and cannot be replaced").WithOp(op)
	case err != nil:
		return domain.Entity{}, fmt.Errorf("attach quote: %w", err)
	}
	return entity, nil
}

// GetEntity returns the current state of an entity.
func (s *Service) GetEntity(ctx context.Context, kind domain.Kind, id uuid.UUID) (domain.Entity, error) {
	var entity domain.Entity
	err := s.store.RunInTx(ctx, func(tx ledger.Tx) error {
		var err error
		entity, err = tx.GetEntity(ctx, kind, id)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Entity{}, apperr.NotFound(fmt.Sprintf("%s %s not found", kind, id))
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("get %s: %w", kind, err)
	}
	return entity, nil
}

// ListActivity returns the full audit trail of an entity ordered by
// occurrence. The list is never filtered.
func (s *Service) ListActivity(ctx context.Context, kind domain.Kind, id uuid.UUID) ([]domain.ActivityEvent, error) {
	var list []domain.ActivityEvent
	err := s.store.RunInTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetEntity(ctx, kind, id); err != nil {
			return err
		}
		var err error
		list, err = tx.ListActivity(ctx, kind, id)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("%s %s not found", kind, id))
	}
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return list, nil
}

// LegalNextStates returns the statuses reachable from from in one step.
func (s *Service) LegalNextStates(kind domain.Kind, from domain.Status) ([]domain.Status, error) {
	if !s.table.HasKind(kind) {
		return nil, apperr.Validation(fmt.Sprintf("unknown entity kind %q", kind))
	}
	if !s.table.IsKnownStatus(kind, from) {
		return nil, apperr.Validation(fmt.Sprintf("unknown %s status %q", kind, from))
	}
	return s.table.LegalNextStates(kind, from), nil
}

func versionConflict(op string, expected, current int64) *apperr.Error {
	return apperr.VersionConflict(
		fmt.Sprintf("expected version %d but entity is at version %d; re-read and retry", expected, current),
	).WithOp(op).WithDetails(VersionConflictDetails{ExpectedVersion: expected, CurrentVersion: current})
}

func resultLabel(err error) string {
	if e, ok := apperr.As(err); ok {
		return strings.ToLower(e.Code())
	}
	return "error"
}

func withVersion(metadata map[string]any, version int64) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["version"] = version
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
