// Package ledger is the persistent store behind the lifecycle engine: entity
// rows with their version counter, the append-only activity log, attached
// quotes and the external event idempotency table. Every write happens
// inside a Tx so a status change, its activity entry and the idempotency
// record commit or roll back together.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"lifecycle_backend/internal/lifecycle/domain"

	"github.com/google/uuid"
)

var (
	ErrNotFound             = errors.New("ledger: not found")
	ErrVersionMismatch      = errors.New("ledger: version mismatch")
	ErrDuplicateExternalRef = errors.New("ledger: external reference already in use")
	ErrQuoteAlreadyAttached = errors.New("ledger: quote already attached")
)

// ProcessingStatus is the state of an ExternalEvent.
type ProcessingStatus string

const (
	StatusPending ProcessingStatus = "PENDING"
	StatusApplied ProcessingStatus = "APPLIED"
	StatusFailed  ProcessingStatus = "FAILED"
	StatusIgnored ProcessingStatus = "IGNORED"
)

// IsTerminal reports whether no further processing will happen.
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusApplied || s == StatusFailed || s == StatusIgnored
}

// ExternalEvent is a received webhook delivery and its idempotency record.
type ExternalEvent struct {
	ID          uuid.UUID
	Provider    string
	ExternalID  string
	Type        string
	Status      ProcessingStatus
	Reason      string
	EntityKind  *domain.Kind
	EntityID    *uuid.UUID
	RawPayload  []byte
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// Outcome is the terminal result written back to an ExternalEvent.
type Outcome struct {
	Status      ProcessingStatus
	Reason      string
	EntityKind  *domain.Kind
	EntityID    *uuid.UUID
	ProcessedAt time.Time
}

// StatusUpdate describes a compare-and-swap on an entity's status.
type StatusUpdate struct {
	Kind            domain.Kind
	ID              uuid.UUID
	ExpectedVersion int64
	To              domain.Status
	At              time.Time
}

// Tx is the unit of work all lifecycle writes go through.
type Tx interface {
	InsertEntity(ctx context.Context, e domain.Entity) error
	GetEntity(ctx context.Context, kind domain.Kind, id uuid.UUID) (domain.Entity, error)
	FindEntityByExternalRef(ctx context.Context, kind domain.Kind, ref string) (domain.Entity, error)
	// UpdateStatus sets the new status and bumps the version by one only if
	// the stored version equals ExpectedVersion. Returns ErrVersionMismatch
	// otherwise.
	UpdateStatus(ctx context.Context, u StatusUpdate) (domain.Entity, error)
	// MergePayload shallow-merges fields into the entity payload.
	MergePayload(ctx context.Context, kind domain.Kind, id uuid.UUID, fields map[string]any, at time.Time) error
	// AttachQuote stores the quote if none is attached yet.
	AttachQuote(ctx context.Context, kind domain.Kind, id uuid.UUID, quote json.RawMessage, at time.Time) error

	AppendActivity(ctx context.Context, ev domain.ActivityEvent) error
	ListActivity(ctx context.Context, kind domain.Kind, id uuid.UUID) ([]domain.ActivityEvent, error)

	// InsertExternalEvent records a new delivery. It reports false when a row
	// with the same (provider, external id) already exists.
	InsertExternalEvent(ctx context.Context, ev ExternalEvent) (bool, error)
	GetExternalEvent(ctx context.Context, provider, externalID string) (ExternalEvent, error)
	CompleteExternalEvent(ctx context.Context, provider, externalID string, out Outcome) error

	// Savepoint runs fn in a nested scope whose writes are discarded when fn
	// returns an error, leaving the enclosing Tx usable.
	Savepoint(ctx context.Context, fn func(Tx) error) error
}

// Store opens units of work.
type Store interface {
	RunInTx(ctx context.Context, fn func(Tx) error) error
}
