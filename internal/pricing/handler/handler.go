package handler

import (
	"net/http"

	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/internal/pricing/service"
	"lifecycle_backend/internal/pricing/transport"
	"lifecycle_backend/platform/httpkit"
	"lifecycle_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Handler handles HTTP requests for pricing.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

// New creates a new pricing handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// RegisterRoutes registers the quote computation routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/compute", h.Compute)
	rg.GET("/rate-cards", h.RateCards)
}

// RegisterEntityRoutes registers routes nested under an entity.
func (h *Handler) RegisterEntityRoutes(rg *gin.RouterGroup) {
	rg.POST("/:kind/:id/quote", h.Attach)
}

// Compute handles POST /api/v1/quotes/compute
func (h *Handler) Compute(c *gin.Context) {
	var req transport.ComputeQuoteRequest
	if !h.bind(c, &req) {
		return
	}

	result, err := h.svc.Compute(req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// RateCards handles GET /api/v1/quotes/rate-cards
func (h *Handler) RateCards(c *gin.Context) {
	httpkit.OK(c, h.svc.RateCards())
}

// Attach handles POST /api/v1/entities/:kind/:id/quote
func (h *Handler) Attach(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	kind := domain.Kind(c.Param("kind"))

	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	var req transport.ComputeQuoteRequest
	if !h.bind(c, &req) {
		return
	}

	quote, err := h.svc.ComputeAndAttach(c.Request.Context(), kind, id, identity.Actor(), req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, transport.AttachQuoteResponse{EntityID: id, Kind: string(kind), Quote: quote})
}

func (h *Handler) bind(c *gin.Context, req *transport.ComputeQuoteRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return false
	}
	return true
}
