// Package domain holds the lifecycle model shared by every entity kind:
// the transition tables, the entity record and the append-only activity log.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which transition table applies to an entity.
type Kind string

const (
	KindLead          Kind = "lead"
	KindProspect      Kind = "prospect"
	KindProject       Kind = "project"
	KindChangeRequest Kind = "change_request"
	KindInvoice       Kind = "invoice"
	KindSubscription  Kind = "subscription"
)

// Status is a kind-specific upper-case status name.
type Status string

// Statuses referenced by code outside the transition tables.
const (
	StatusArchived      Status = "ARCHIVED"
	StatusPaid          Status = "PAID"
	StatusPaymentFailed Status = "PAYMENT_FAILED"
	StatusActive        Status = "ACTIVE"
	StatusCancelled     Status = "CANCELLED"
	StatusContacted     Status = "CONTACTED"
	StatusEngaged       Status = "ENGAGED"
	StatusReplied       Status = "REPLIED"
	StatusBounced       Status = "BOUNCED"
)

// Activity event types.
const (
	EventCreated         = "created"
	EventStatusChanged   = "status_changed"
	EventPaymentRecorded = "payment_recorded"
	EventPaymentFailed   = "payment_failed"
	EventEmailDelivered  = "email_delivered"
	EventEmailOpened     = "email_opened"
	EventEmailBounced    = "email_bounced"
	EventEmailReplied    = "email_replied"
	EventQuoteAttached   = "quote_attached"
)

// ActorSystemWebhook is the actor recorded for effects applied from external events.
const ActorSystemWebhook = "system:webhook"

// Entity is any record with a lifecycle.
type Entity struct {
	ID           uuid.UUID       `json:"id"`
	Kind         Kind            `json:"kind"`
	Status       Status          `json:"status"`
	Version      int64           `json:"version"`
	ExternalRef  *string         `json:"externalRef,omitempty"`
	ContactEmail *string         `json:"contactEmail,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Quote        json.RawMessage `json:"quote,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ActivityEvent is one immutable entry of an entity's audit trail.
type ActivityEvent struct {
	ID         uuid.UUID      `json:"id"`
	EntityKind Kind           `json:"entityKind"`
	EntityID   uuid.UUID      `json:"entityId"`
	EventType  string         `json:"eventType"`
	FromStatus *Status        `json:"fromStatus,omitempty"`
	ToStatus   *Status        `json:"toStatus,omitempty"`
	Actor      string         `json:"actor"`
	OccurredAt time.Time      `json:"occurredAt"`
	Metadata   map[string]any `json:"metadata"`
}
