package order

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tkaluma/custodia/internal/auth"
	"github.com/tkaluma/custodia/internal/validation"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes. All routes require auth; admin-only
// routes are guarded by the extra middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, adminOnly gin.HandlerFunc) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.PUT("/orders/:id", h.UpdateOrder)
	r.POST("/orders/:id/accept", h.AcceptOrder)
	r.POST("/orders/:id/reject", h.RejectOrder)
	r.POST("/orders/:id/pickup", h.PickupOrder)
	r.POST("/orders/:id/transit", h.TransitOrder)
	r.POST("/orders/:id/deliver", h.DeliverOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.DELETE("/orders/:id", adminOnly, h.DeleteOrder)
}

func callerFrom(c *gin.Context) Caller {
	return Caller{AccountID: auth.AccountID(c), Role: auth.Role(c)}
}

// writeError maps service errors to HTTP responses with stable codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotAssigned):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("pickupAddress", req.PickupAddress),
		validation.Required("deliveryAddress", req.DeliveryAddress),
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLength("pickupAddress", req.PickupAddress, validation.MaxStringLength),
		validation.MaxLength("deliveryAddress", req.DeliveryAddress, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), auth.AccountID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	caller := callerFrom(c)
	var (
		orders []*Order
		err    error
	)
	if caller.IsAdmin() {
		orders, err = h.service.List(c.Request.Context(), Status(c.Query("status")), limit)
	} else {
		orders, err = h.service.ListByAccount(c.Request.Context(), caller.AccountID, limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// UpdateOrder handles PUT /v1/orders/:id
func (h *Handler) UpdateOrder(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Update(c.Request.Context(), c.Param("id"), callerFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// AcceptOrder handles POST /v1/orders/:id/accept
func (h *Handler) AcceptOrder(c *gin.Context) {
	h.transition(c, h.service.Accept)
}

// RejectOrder handles POST /v1/orders/:id/reject
func (h *Handler) RejectOrder(c *gin.Context) {
	h.transition(c, h.service.Reject)
}

// PickupOrder handles POST /v1/orders/:id/pickup
func (h *Handler) PickupOrder(c *gin.Context) {
	h.transition(c, h.service.Pickup)
}

// TransitOrder handles POST /v1/orders/:id/transit
func (h *Handler) TransitOrder(c *gin.Context) {
	h.transition(c, h.service.Transit)
}

// DeliverOrder handles POST /v1/orders/:id/deliver
func (h *Handler) DeliverOrder(c *gin.Context) {
	h.transition(c, h.service.Deliver)
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	h.transition(c, h.service.Cancel)
}

// DeleteOrder handles DELETE /v1/orders/:id (admin only)
func (h *Handler) DeleteOrder(c *gin.Context) {
	if err := h.service.SoftDelete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, id string, caller Caller) (*Order, error)) {
	o, err := op(c.Request.Context(), c.Param("id"), callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
