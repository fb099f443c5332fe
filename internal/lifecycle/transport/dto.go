package transport

import (
	"encoding/json"
	"time"

	"lifecycle_backend/internal/lifecycle/domain"

	"github.com/google/uuid"
)

// ── Requests ──────────────────────────────────────────────────────────────────

// TransitionRequest is the request body for a status change. ExpectedVersion
// is the version the caller last read.
type TransitionRequest struct {
	To              string         `json:"to" validate:"required,max=50,status"`
	ExpectedVersion int64          `json:"expectedVersion" validate:"required,min=1"`
	Reason          string         `json:"reason" validate:"omitempty,max=500"`
	Metadata        map[string]any `json:"metadata"`
}

// CreateEntityRequest is the request body for creating an entity.
type CreateEntityRequest struct {
	ExternalRef  *string        `json:"externalRef" validate:"omitempty,min=1,max=255"`
	ContactEmail *string        `json:"contactEmail" validate:"omitempty,email,max=320"`
	Payload      map[string]any `json:"payload"`
}

// ── Responses ─────────────────────────────────────────────────────────────────

// EntityResponse is an entity plus the statuses it may move to next.
type EntityResponse struct {
	ID                  uuid.UUID       `json:"id"`
	Kind                domain.Kind     `json:"kind"`
	Status              domain.Status   `json:"status"`
	Version             int64           `json:"version"`
	ExternalRef         *string         `json:"externalRef,omitempty"`
	ContactEmail        *string         `json:"contactEmail,omitempty"`
	Payload             json.RawMessage `json:"payload"`
	Quote               json.RawMessage `json:"quote,omitempty"`
	AllowedNextStatuses []domain.Status `json:"allowedNextStatuses"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// ActivityListResponse is the audit trail of one entity.
type ActivityListResponse struct {
	Items []domain.ActivityEvent `json:"items"`
	Total int                    `json:"total"`
}

// NextStatesResponse lists the statuses reachable in one step.
type NextStatesResponse struct {
	Kind domain.Kind     `json:"kind"`
	From domain.Status   `json:"from"`
	Next []domain.Status `json:"next"`
}

// NewEntityResponse maps an entity for the API.
func NewEntityResponse(e domain.Entity, next []domain.Status) EntityResponse {
	if next == nil {
		next = []domain.Status{}
	}
	return EntityResponse{
		ID:                  e.ID,
		Kind:                e.Kind,
		Status:              e.Status,
		Version:             e.Version,
		ExternalRef:         e.ExternalRef,
		ContactEmail:        e.ContactEmail,
		Payload:             e.Payload,
		Quote:               e.Quote,
		AllowedNextStatuses: next,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
}
