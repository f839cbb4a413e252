// Package mcpserver exposes the custody platform to MCP clients as an
// operations console: look up orders, ledger entries, and escrows,
// drive escrow decisions, and trigger reconciliation sweeps.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the Custodia API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
}

// Client is a pure HTTP client for the Custodia platform API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the Custodia platform.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+orderID, nil, nil)
}

// GetTransaction fetches one ledger entry by ID.
func (c *Client) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+id, nil, nil)
}

// GetTransactionByReference fetches one ledger entry by its reference.
func (c *Client) GetTransactionByReference(ctx context.Context, ref string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/by-reference/"+ref, nil, nil)
}

// GetEscrow fetches one escrow.
func (c *Client) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+escrowID, nil, nil)
}

// GetOrderEscrow fetches the active escrow for an order.
func (c *Client) GetOrderEscrow(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+orderID+"/escrow", nil, nil)
}

// ReleaseEscrow settles an escrow to the payee.
func (c *Client) ReleaseEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/release", nil,
		map[string]string{"reason": reason})
}

// RefundEscrow returns an escrow to the payer. Admin key required.
func (c *Client) RefundEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/refund", nil,
		map[string]string{"reason": reason})
}

// DisputeEscrow freezes an escrow pending an admin decision.
func (c *Client) DisputeEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/dispute", nil,
		map[string]string{"reason": reason})
}

// TriggerReconcile runs one reconciliation sweep. Admin key required.
func (c *Client) TriggerReconcile(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/reconcile", nil, nil)
}

// GetAuditTrail fetches audit entries for one entity. Admin key required.
func (c *Client) GetAuditTrail(ctx context.Context, entityType, entityID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("entityType", entityType)
	q.Set("entityId", entityID)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/audit", q, nil)
}
