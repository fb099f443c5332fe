// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"lifecycle_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Lifecycle Domain Events
// =============================================================================

// StatusChanged is published after a status transition has committed.
type StatusChanged struct {
	BaseEvent
	EntityID     uuid.UUID `json:"entityId"`
	EntityKind   string    `json:"entityKind"`
	FromStatus   string    `json:"fromStatus"`
	ToStatus     string    `json:"toStatus"`
	Version      int64     `json:"version"`
	Actor        string    `json:"actor"`
	ContactEmail string    `json:"contactEmail,omitempty"`
}

func (e StatusChanged) EventName() string { return "lifecycle.status.changed" }

// =============================================================================
// Reconciliation Domain Events
// =============================================================================

// ExternalEventApplied is published after an external event's effect has
// committed. Status transitions caused by the event are published separately
// as StatusChanged.
type ExternalEventApplied struct {
	BaseEvent
	Provider     string     `json:"provider"`
	ExternalID   string     `json:"externalId"`
	EventType    string     `json:"eventType"`
	EntityKind   string     `json:"entityKind,omitempty"`
	EntityID     *uuid.UUID `json:"entityId,omitempty"`
	ContactEmail string     `json:"contactEmail,omitempty"`
}

func (e ExternalEventApplied) EventName() string { return "reconcile.event.applied" }

// ExternalEventFailed is published when an external event was acknowledged
// but its internal effect was rejected.
type ExternalEventFailed struct {
	BaseEvent
	Provider   string `json:"provider"`
	ExternalID string `json:"externalId"`
	EventType  string `json:"eventType"`
	Reason     string `json:"reason"`
}

func (e ExternalEventFailed) EventName() string { return "reconcile.event.failed" }

// =============================================================================
// Notification Domain Events
// =============================================================================

// NotificationOutboxDue is published by the scheduler worker when a queued
// notification is ready for delivery.
type NotificationOutboxDue struct {
	BaseEvent
	OutboxID uuid.UUID `json:"outboxId"`
}

func (e NotificationOutboxDue) EventName() string { return "notification.outbox.due" }
