package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tkaluma/custodia/internal/audit"
	"github.com/tkaluma/custodia/internal/transaction"
)

const testSecret = "whsec_handler_test"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(ledger Ledger) *gin.Engine {
	orders := &fakeOrders{view: &OrderView{ID: "ord_1", MerchantID: "acc_merchant"}, markResult: true}
	reconciler := NewReconciler(ledger, orders, &fakeCustodian{created: true}, audit.NewMemoryRecorder())
	h := NewHandler(reconciler, testSecret)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	return r
}

func deliver(t *testing.T, r *gin.Engine, env *Envelope, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		req.Header.Set(SignatureHeader, Sign(testSecret, body))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReceive_SignedDelivery(t *testing.T) {
	ledger := &fakeLedger{tx: paymentFixture(), applied: true}
	r := newTestRouter(ledger)

	w := deliver(t, r, chargeSuccess("PAY_1"), true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["outcome"] != string(OutcomeApplied) {
		t.Errorf("Expected applied outcome, got %v", resp["outcome"])
	}
}

func TestReceive_MissingSignature(t *testing.T) {
	r := newTestRouter(&fakeLedger{tx: paymentFixture(), applied: true})

	w := deliver(t, r, chargeSuccess("PAY_1"), false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without signature, got %d", w.Code)
	}
}

func TestReceive_TamperedBody(t *testing.T) {
	r := newTestRouter(&fakeLedger{tx: paymentFixture(), applied: true})

	body, _ := json.Marshal(chargeSuccess("PAY_1"))
	sig := Sign(testSecret, body)
	tampered, _ := json.Marshal(chargeSuccess("PAY_2"))

	req := httptest.NewRequest("POST", "/v1/webhooks/gateway", bytes.NewReader(tampered))
	req.Header.Set(SignatureHeader, sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for tampered body, got %d", w.Code)
	}
}

func TestReceive_UnknownReferenceStillAccepted(t *testing.T) {
	// 200 stops the gateway from retrying an event we can never apply.
	r := newTestRouter(&fakeLedger{})

	w := deliver(t, r, chargeSuccess("PAY_GHOST"), true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for unknown reference, got %d", w.Code)
	}

	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["outcome"] != string(OutcomeUnknownReference) {
		t.Errorf("Expected unknown_reference outcome, got %v", resp["outcome"])
	}
}

func TestReceive_RawPayloadForwarded(t *testing.T) {
	captured := &capturingLedger{fakeLedger: fakeLedger{tx: paymentFixture(), applied: true}}
	orders := &fakeOrders{view: &OrderView{ID: "ord_1"}, markResult: true}
	reconciler := NewReconciler(captured, orders, nil, audit.NewMemoryRecorder())
	h := NewHandler(reconciler, testSecret)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)

	w := deliver(t, r, chargeSuccess("PAY_1"), true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(captured.payload) == 0 {
		t.Error("Expected the raw data object forwarded to the ledger")
	}
	var data map[string]any
	if err := json.Unmarshal(captured.payload, &data); err != nil {
		t.Fatalf("Captured payload is not the data object: %v", err)
	}
	if data["reference"] != "PAY_1" {
		t.Errorf("Expected data.reference in raw payload, got %v", data["reference"])
	}
}

// capturingLedger keeps the payload CompleteByReference was handed.
type capturingLedger struct {
	fakeLedger
	payload []byte
}

func (c *capturingLedger) CompleteByReference(ctx context.Context, ref, gatewayRef, gatewayTxID string, payload []byte) (*transaction.Transaction, bool, error) {
	c.payload = payload
	return c.fakeLedger.CompleteByReference(ctx, ref, gatewayRef, gatewayTxID, payload)
}
