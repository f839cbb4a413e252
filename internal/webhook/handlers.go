package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tkaluma/custodia/internal/logging"
	"github.com/tkaluma/custodia/internal/metrics"
	"github.com/tkaluma/custodia/internal/validation"
)

// Handler receives gateway deliveries. The route is unauthenticated;
// the HMAC signature over the raw body is the authentication.
type Handler struct {
	reconciler *Reconciler
	secret     string
}

// NewHandler creates a webhook handler with the shared gateway secret.
func NewHandler(reconciler *Reconciler, secret string) *Handler {
	return &Handler{reconciler: reconciler, secret: secret}
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /v1/webhooks/gateway
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Unreadable request body",
		})
		return
	}

	if !VerifySignature(h.secret, body, c.GetHeader(SignatureHeader)) {
		metrics.WebhookSignatureFailures.Inc()
		logging.L(c.Request.Context()).Warn("webhook signature rejected", "ip", c.ClientIP())
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unauthorized",
			"message": "Invalid webhook signature",
		})
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid webhook body",
		})
		return
	}

	// Keep the raw data object so the ledger can store it verbatim.
	var shell struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &shell); err == nil {
		env.Data.Raw = shell.Data
	}

	outcome, err := h.reconciler.Apply(c.Request.Context(), &env)
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook apply failed",
			"event", env.Event, "reference", env.Data.Reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Event could not be applied",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}
