// Package paygate is the client for the external payment gateway. It
// verifies charge status server-side and initiates payout transfers.
// Requests run behind a circuit breaker so a gateway outage cannot pile
// up goroutines inside the reconciliation sweeper.
package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tkaluma/custodia/internal/circuitbreaker"
	"github.com/tkaluma/custodia/internal/metrics"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrUnknownReference   = errors.New("reference unknown to the gateway")
)

// ChargeStatus is the gateway's view of a charge.
type ChargeStatus string

const (
	ChargeSuccess   ChargeStatus = "success"
	ChargeFailed    ChargeStatus = "failed"
	ChargePending   ChargeStatus = "pending"
	ChargeAbandoned ChargeStatus = "abandoned"
)

// VerifyResult is the gateway's authoritative record for one charge.
type VerifyResult struct {
	Reference   string       `json:"reference"`
	Status      ChargeStatus `json:"status"`
	Amount      int64        `json:"amount"` // minor units
	Currency    string       `json:"currency"`
	GatewayRef  string       `json:"gatewayRef"`
	GatewayTxID string       `json:"gatewayTxId"`
}

// Client talks to the gateway's REST API using the secret key.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
	breaker   *circuitbreaker.Breaker
}

// NewClient creates a gateway client. A zero timeout defaults to 10s.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		secretKey: secretKey,
		http:      &http.Client{Timeout: timeout},
		breaker:   circuitbreaker.New(5, 30*time.Second),
	}
}

// verifyEnvelope matches the gateway's verify response shape.
type verifyEnvelope struct {
	Status bool   `json:"status"`
	Msg    string `json:"message"`
	Data   struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	} `json:"data"`
}

// VerifyTransaction fetches the authoritative status of a charge. This
// is the source of truth when webhooks are lost.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyResult, error) {
	const op = "verify"
	if !c.breaker.Allow(op) {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "rejected").Inc()
		return nil, ErrGatewayUnavailable
	}

	endpoint := fmt.Sprintf("%s/transaction/verify/%s", c.baseURL, url.PathEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(op)
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		c.breaker.RecordSuccess(op)
		metrics.GatewayRequestsTotal.WithLabelValues(op, "not_found").Inc()
		return nil, ErrUnknownReference
	}
	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure(op)
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%w: verify returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var env verifyEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		c.breaker.RecordFailure(op)
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("decode verify response: %w", err)
	}

	c.breaker.RecordSuccess(op)
	metrics.GatewayRequestsTotal.WithLabelValues(op, "ok").Inc()

	return &VerifyResult{
		Reference:   env.Data.Reference,
		Status:      ChargeStatus(env.Data.Status),
		Amount:      env.Data.Amount,
		Currency:    env.Data.Currency,
		GatewayRef:  env.Data.Reference,
		GatewayTxID: fmt.Sprintf("%d", env.Data.ID),
	}, nil
}

// transferRequest is the payout initiation body.
type transferRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// transferEnvelope matches the gateway's transfer response shape.
type transferEnvelope struct {
	Status bool   `json:"status"`
	Msg    string `json:"message"`
	Data   struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
	} `json:"data"`
}

// InitiateTransfer starts a payout to a recipient. The reference we pass
// is our own idempotency key; the gateway deduplicates on it.
func (c *Client) InitiateTransfer(ctx context.Context, recipient string, amount int64, currency, reference, reason string) (string, error) {
	const op = "transfer"
	if !c.breaker.Allow(op) {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "rejected").Inc()
		return "", ErrGatewayUnavailable
	}

	body, err := json.Marshal(transferRequest{
		Recipient: recipient,
		Amount:    amount,
		Currency:  currency,
		Reference: reference,
		Reason:    reason,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfer", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(op)
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure(op)
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return "", fmt.Errorf("%w: transfer returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var env transferEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		c.breaker.RecordFailure(op)
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return "", fmt.Errorf("decode transfer response: %w", err)
	}

	c.breaker.RecordSuccess(op)
	metrics.GatewayRequestsTotal.WithLabelValues(op, "ok").Inc()
	return env.Data.TransferCode, nil
}
