package transaction

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tkaluma/custodia/internal/auth"
	"github.com/tkaluma/custodia/internal/pagination"
	"github.com/tkaluma/custodia/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, adminOnly gin.HandlerFunc) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/by-reference/:ref", h.GetTransactionByReference)
	r.PUT("/transactions/:id", h.UpdateTransaction)
	r.POST("/transactions/:id/confirm", adminOnly, h.ConfirmTransaction)
	r.POST("/transactions/:id/refund", adminOnly, h.RefundTransaction)
}

// writeError maps service errors to HTTP responses with stable codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrDuplicateReference):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrImmutable):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrRefundExceedsAmount):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}

	// Non-admins may only open entries on their own account.
	if !auth.IsAdmin(c) {
		req.UserID = auth.AccountID(c)
	} else if req.UserID == "" {
		req.UserID = auth.AccountID(c)
	}

	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
		validation.OneOf("type", string(req.Type),
			string(TypePayment), string(TypeDeliveryEarnings), string(TypeRefund),
			string(TypeEscrowRelease), string(TypeTransferIn), string(TypeTransferOut)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	accountID := auth.AccountID(c)
	if !auth.IsAdmin(c) && t.UserID != accountID && t.RecipientID != accountID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not a participant in this transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// GetTransactionByReference handles GET /v1/transactions/by-reference/:ref
func (h *Handler) GetTransactionByReference(c *gin.Context) {
	t, err := h.service.GetByReference(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}

	accountID := auth.AccountID(c)
	if !auth.IsAdmin(c) && t.UserID != accountID && t.RecipientID != accountID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not a participant in this transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// ListTransactions handles GET /v1/transactions with cursor pagination
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := pagination.DefaultLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = pagination.ClampLimit(parsed)
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid cursor",
		})
		return
	}

	userID := auth.AccountID(c)
	if auth.IsAdmin(c) {
		if u := c.Query("userId"); u != "" {
			userID = u
		}
	}

	txs, err := h.service.ListByUser(c.Request.Context(), userID, limit, cursor)
	if err != nil {
		writeError(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.InitiatedAt, t.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// UpdateTransaction handles PUT /v1/transactions/:id
func (h *Handler) UpdateTransaction(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !auth.IsAdmin(c) && t.UserID != auth.AccountID(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not the owner of this transaction",
		})
		return
	}

	updated, err := h.service.Update(c.Request.Context(), t.ID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": updated})
}

// ConfirmRequest carries the gateway reference for a manual confirmation.
type ConfirmRequest struct {
	GatewayRef string `json:"gatewayRef"`
}

// ConfirmTransaction handles POST /v1/transactions/:id/confirm (admin only)
func (h *Handler) ConfirmTransaction(c *gin.Context) {
	var req ConfirmRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.Confirm(c.Request.Context(), c.Param("id"), req.GatewayRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// RefundRequest carries the parameters for a refund.
type RefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason" binding:"required"`
}

// RefundTransaction handles POST /v1/transactions/:id/refund (admin only)
func (h *Handler) RefundTransaction(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "reason is required",
		})
		return
	}

	if req.Amount == 0 {
		// Default to a full refund.
		t, err := h.service.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		req.Amount = t.Amount
	}

	result, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason, auth.AccountID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
