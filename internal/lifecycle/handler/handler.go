package handler

import (
	"net/http"
	"strings"

	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/internal/lifecycle/service"
	"lifecycle_backend/internal/lifecycle/transport"
	"lifecycle_backend/platform/httpkit"
	"lifecycle_backend/platform/sanitize"
	"lifecycle_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Handler handles HTTP requests for entity lifecycles.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

// New creates a new lifecycle handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// RegisterEntityRoutes registers the entity routes.
func (h *Handler) RegisterEntityRoutes(rg *gin.RouterGroup) {
	rg.POST("/:kind", h.Create)
	rg.GET("/:kind/:id", h.Get)
	rg.GET("/:kind/:id/activity", h.ListActivity)
	rg.POST("/:kind/:id/transitions", h.Transition)
}

// RegisterTableRoutes registers the read-only transition table routes.
func (h *Handler) RegisterTableRoutes(rg *gin.RouterGroup) {
	rg.GET("/:kind/next", h.NextStates)
}

// Create handles POST /api/v1/entities/:kind
func (h *Handler) Create(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	var req transport.CreateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	entity, err := h.svc.CreateEntity(c.Request.Context(), service.CreateParams{
		Kind:         domain.Kind(c.Param("kind")),
		ExternalRef:  req.ExternalRef,
		ContactEmail: req.ContactEmail,
		Payload:      req.Payload,
		Actor:        identity.Actor(),
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, h.response(entity))
}

// Get handles GET /api/v1/entities/:kind/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	entity, err := h.svc.GetEntity(c.Request.Context(), domain.Kind(c.Param("kind")), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, h.response(entity))
}

// ListActivity handles GET /api/v1/entities/:kind/:id/activity
func (h *Handler) ListActivity(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	items, err := h.svc.ListActivity(c.Request.Context(), domain.Kind(c.Param("kind")), id)
	if httpkit.HandleError(c, err) {
		return
	}
	if items == nil {
		items = []domain.ActivityEvent{}
	}
	httpkit.OK(c, transport.ActivityListResponse{Items: items, Total: len(items)})
}

// Transition handles POST /api/v1/entities/:kind/:id/transitions
func (h *Handler) Transition(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	var req transport.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	metadata := req.Metadata
	if reason := sanitize.Text(req.Reason); reason != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["reason"] = reason
	}

	entity, err := h.svc.ApplyTransition(c.Request.Context(), service.TransitionRequest{
		EntityID:        id,
		Kind:            domain.Kind(c.Param("kind")),
		To:              domain.Status(req.To),
		Actor:           identity.Actor(),
		ExpectedVersion: req.ExpectedVersion,
		Metadata:        metadata,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, h.response(entity))
}

// NextStates handles GET /api/v1/lifecycle/:kind/next?from=STATUS
func (h *Handler) NextStates(c *gin.Context) {
	kind := domain.Kind(c.Param("kind"))
	from := domain.Status(strings.TrimSpace(c.Query("from")))
	if from == "" {
		initial, ok := h.svc.Table().Initial(kind)
		if ok {
			from = initial
		}
	}

	next, err := h.svc.LegalNextStates(kind, from)
	if httpkit.HandleError(c, err) {
		return
	}
	if next == nil {
		next = []domain.Status{}
	}
	httpkit.OK(c, transport.NextStatesResponse{Kind: kind, From: from, Next: next})
}

func (h *Handler) response(e domain.Entity) transport.EntityResponse {
	return transport.NewEntityResponse(e, h.svc.Table().LegalNextStates(e.Kind, e.Status))
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return uuid.UUID{}, false
	}
	return id, true
}
