package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tkaluma/custodia/internal/auth"
	"github.com/tkaluma/custodia/internal/validation"
)

// Handler provides HTTP endpoints for escrow custody.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, adminOnly gin.HandlerFunc) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.PUT("/escrows/:id", adminOnly, h.UpdateEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", adminOnly, h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.DELETE("/escrows/:id", adminOnly, h.DeleteEscrow)
	r.GET("/orders/:id/escrow", h.GetOrderEscrow)
}

// writeError maps service errors to HTTP responses with stable codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrActiveEscrowExists):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrOrderNotDelivered):
		status = http.StatusPreconditionFailed
		code = "precondition_failed"
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrParticipantMissing):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func callerFrom(c *gin.Context) Caller {
	return Caller{AccountID: auth.AccountID(c), Role: auth.Role(c)}
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"), callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetOrderEscrow handles GET /v1/orders/:id/escrow
func (h *Handler) GetOrderEscrow(c *gin.Context) {
	e, err := h.service.GetActiveByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	caller := callerFrom(c)
	if !caller.IsAdmin() && caller.AccountID != e.PayerID && caller.AccountID != e.PayeeID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not a participant in this escrow",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	escrows, err := h.service.List(c.Request.Context(), callerFrom(c), Status(c.Query("status")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// UpdateEscrow handles PUT /v1/escrows/:id (admin only)
func (h *Handler) UpdateEscrow(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}

	e, err := h.service.Update(c.Request.Context(), c.Param("id"), callerFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ReasonRequest carries an optional or required reason for a transition.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.Release(c.Request.Context(), c.Param("id"), callerFrom(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /v1/escrows/:id/refund (admin only)
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.Refund(c.Request.Context(), c.Param("id"), callerFrom(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.Dispute(c.Request.Context(), c.Param("id"), callerFrom(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// DeleteEscrow handles DELETE /v1/escrows/:id (admin only)
func (h *Handler) DeleteEscrow(c *gin.Context) {
	if err := h.service.SoftDelete(c.Request.Context(), c.Param("id"), callerFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
