package reconcile

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"lifecycle_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	maxWebhookBodyBytes = 1 << 20

	errInvalidRequest = "invalid request body"
	errBodyTooLarge   = "request body too large"
)

// Handler handles webhook HTTP requests.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a new webhook handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// ExternalEventResponse is the operator view of a stored delivery.
type ExternalEventResponse struct {
	ID          uuid.UUID       `json:"id"`
	Provider    string          `json:"provider"`
	ExternalID  string          `json:"externalId"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	EntityKind  string          `json:"entityKind,omitempty"`
	EntityID    *uuid.UUID      `json:"entityId,omitempty"`
	RawPayload  json.RawMessage `json:"rawPayload,omitempty"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// HandlePayments processes POST /api/v1/webhooks/payments
func (h *Handler) HandlePayments(c *gin.Context) {
	h.handle(c, ProviderPayments)
}

// HandleEmail processes POST /api/v1/webhooks/email
func (h *Handler) HandleEmail(c *gin.Context) {
	h.handle(c, ProviderEmail)
}

func (h *Handler) handle(c *gin.Context, provider string) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpkit.Error(c, http.StatusRequestEntityTooLarge, errBodyTooLarge, nil)
			return
		}
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, nil)
		return
	}

	result, err := h.reconciler.Reconcile(c.Request.Context(), provider, body, c.GetHeader(SignatureHeader))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// GetExternalEvent handles GET /api/v1/admin/webhooks/events/:provider/:externalId
func (h *Handler) GetExternalEvent(c *gin.Context) {
	ev, err := h.reconciler.GetExternalEvent(c.Request.Context(), c.Param("provider"), c.Param("externalId"))
	if httpkit.HandleError(c, err) {
		return
	}

	resp := ExternalEventResponse{
		ID:          ev.ID,
		Provider:    ev.Provider,
		ExternalID:  ev.ExternalID,
		Type:        ev.Type,
		Status:      string(ev.Status),
		Reason:      ev.Reason,
		EntityID:    ev.EntityID,
		ReceivedAt:  ev.ReceivedAt,
		ProcessedAt: ev.ProcessedAt,
	}
	if ev.EntityKind != nil {
		resp.EntityKind = string(*ev.EntityKind)
	}
	if json.Valid(ev.RawPayload) {
		resp.RawPayload = ev.RawPayload
	}
	httpkit.OK(c, resp)
}
