package reconciliation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tkaluma/custodia/internal/escrow"
	"github.com/tkaluma/custodia/internal/paygate"
	"github.com/tkaluma/custodia/internal/transaction"
	"github.com/tkaluma/custodia/internal/webhook"
)

// fakeLedger serves a fixed stuck batch and per-escrow settled sums,
// and records repair rows appended by the sweep.
type fakeLedger struct {
	stuck     []*transaction.Transaction
	sums      map[string]int64
	appended  []*transaction.Transaction
	appendErr error
}

func (f *fakeLedger) ListStuckPending(_ context.Context, _ transaction.Type, _ time.Time, _ int) ([]*transaction.Transaction, error) {
	return f.stuck, nil
}

func (f *fakeLedger) SumSettledByEscrow(_ context.Context, escrowID string) (int64, error) {
	return f.sums[escrowID], nil
}

func (f *fakeLedger) AppendSettled(_ context.Context, t *transaction.Transaction) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, t)
	return nil
}

// fakeVerifier maps references to verify results or errors.
type fakeVerifier struct {
	results map[string]*paygate.VerifyResult
	errs    map[string]error
	calls   int
}

func (f *fakeVerifier) VerifyTransaction(_ context.Context, ref string) (*paygate.VerifyResult, error) {
	f.calls++
	if err, ok := f.errs[ref]; ok {
		return nil, err
	}
	if res, ok := f.results[ref]; ok {
		return res, nil
	}
	return nil, paygate.ErrUnknownReference
}

// fakeApplier records the envelopes replayed through it.
type fakeApplier struct {
	applied []*webhook.Envelope
}

func (f *fakeApplier) Apply(_ context.Context, env *webhook.Envelope) (webhook.Outcome, error) {
	f.applied = append(f.applied, env)
	return webhook.OutcomeApplied, nil
}

// fakeEscrows serves a fixed settled list.
type fakeEscrows struct {
	settled []*escrow.Escrow
}

func (f *fakeEscrows) ListSettled(_ context.Context, _ int) ([]*escrow.Escrow, error) {
	return f.settled, nil
}

func stuckPayment(ref string) *transaction.Transaction {
	return &transaction.Transaction{
		ID:          "txn_" + ref,
		Reference:   ref,
		Amount:      5000,
		Currency:    "NGN",
		Type:        transaction.TypePayment,
		Status:      transaction.StatusPending,
		InitiatedAt: time.Now().Add(-time.Hour),
	}
}

func TestRun_RepairsSucceededCharge(t *testing.T) {
	ledger := &fakeLedger{stuck: []*transaction.Transaction{stuckPayment("PAY_1")}}
	verifier := &fakeVerifier{results: map[string]*paygate.VerifyResult{
		"PAY_1": {Reference: "PAY_1", Status: paygate.ChargeSuccess, Amount: 5000, Currency: "NGN"},
	}}
	applier := &fakeApplier{}
	s := NewSweeper(ledger, verifier, applier, nil, 30*time.Minute)

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Scanned != 1 || report.Completed != 1 {
		t.Errorf("Expected 1 scanned and completed, got %+v", report)
	}
	if len(applier.applied) != 1 {
		t.Fatalf("Expected 1 replayed envelope, got %d", len(applier.applied))
	}
	env := applier.applied[0]
	if env.Event != webhook.EventChargeSuccess || env.Data.Reference != "PAY_1" {
		t.Errorf("Expected synthesized charge.success for PAY_1, got %s/%s", env.Event, env.Data.Reference)
	}
	if len(env.Data.Raw) == 0 {
		t.Error("Expected the verify result attached as the raw payload")
	}
}

func TestRun_FailsUnknownAndAbandonedCharges(t *testing.T) {
	ledger := &fakeLedger{stuck: []*transaction.Transaction{
		stuckPayment("PAY_GHOST"),
		stuckPayment("PAY_DROPPED"),
	}}
	verifier := &fakeVerifier{results: map[string]*paygate.VerifyResult{
		"PAY_DROPPED": {Reference: "PAY_DROPPED", Status: paygate.ChargeAbandoned},
	}}
	applier := &fakeApplier{}
	s := NewSweeper(ledger, verifier, applier, nil, 30*time.Minute)

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Failed != 2 {
		t.Errorf("Expected 2 failed repairs, got %+v", report)
	}
	for _, env := range applier.applied {
		if env.Event != webhook.EventChargeFailed {
			t.Errorf("Expected charge.failed envelope, got %s", env.Event)
		}
	}
}

func TestRun_LeavesGenuinelyPendingAlone(t *testing.T) {
	ledger := &fakeLedger{stuck: []*transaction.Transaction{stuckPayment("PAY_1")}}
	verifier := &fakeVerifier{results: map[string]*paygate.VerifyResult{
		"PAY_1": {Reference: "PAY_1", Status: paygate.ChargePending},
	}}
	applier := &fakeApplier{}
	s := NewSweeper(ledger, verifier, applier, nil, 30*time.Minute)

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.StillPending != 1 || len(applier.applied) != 0 {
		t.Errorf("Expected the pending charge left untouched, got %+v", report)
	}
}

func TestRun_HaltsWhenGatewayUnavailable(t *testing.T) {
	ledger := &fakeLedger{stuck: []*transaction.Transaction{
		stuckPayment("PAY_1"),
		stuckPayment("PAY_2"),
	}}
	verifier := &fakeVerifier{errs: map[string]error{
		"PAY_1": paygate.ErrGatewayUnavailable,
	}}
	applier := &fakeApplier{}
	s := NewSweeper(ledger, verifier, applier, nil, 30*time.Minute)

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.GatewayUnavailable {
		t.Error("Expected the report to flag the gateway as unavailable")
	}
	// The second row is never attempted; the open circuit is permanent
	// within a sweep.
	if verifier.calls != 1 {
		t.Errorf("Expected sweep to halt after the first verify, got %d calls", verifier.calls)
	}
}

func TestRun_ConservationCheck(t *testing.T) {
	ledger := &fakeLedger{sums: map[string]int64{
		"esc_ok":    5000,
		"esc_short": 3000,
	}}
	escrows := &fakeEscrows{settled: []*escrow.Escrow{
		{ID: "esc_ok", Amount: 5000, Status: escrow.StatusReleased, PayerID: "acc_payer", PayeeID: "acc_payee"},
		{ID: "esc_short", Amount: 5000, Currency: "NGN", Status: escrow.StatusReleased, PayerID: "acc_payer", PayeeID: "acc_payee", OrderID: "ord_1"},
	}}
	s := NewSweeper(ledger, &fakeVerifier{}, &fakeApplier{}, escrows, 30*time.Minute)

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.ConservationChecked != 2 {
		t.Errorf("Expected 2 escrows checked, got %d", report.ConservationChecked)
	}
	if report.ConservationMismatch != 1 {
		t.Errorf("Expected 1 mismatch, got %d", report.ConservationMismatch)
	}
	if report.ConservationRepaired != 1 {
		t.Errorf("Expected 1 repair, got %d", report.ConservationRepaired)
	}

	// The balanced escrow is untouched; the short one gets the missing
	// release row for exactly the shortfall.
	if len(ledger.appended) != 1 {
		t.Fatalf("Expected 1 repair row, got %d", len(ledger.appended))
	}
	row := ledger.appended[0]
	if row.Reference != "REL_esc_short" {
		t.Errorf("Expected repair reference derived from the escrow ID, got %s", row.Reference)
	}
	if row.Type != transaction.TypeEscrowRelease || row.Amount != 2000 {
		t.Errorf("Expected escrow_release of 2000, got %s/%d", row.Type, row.Amount)
	}
	if row.EscrowID != "esc_short" || row.RecipientID != "acc_payee" {
		t.Errorf("Expected release crediting the payee, got %+v", row)
	}
}

func TestRun_ConservationRepairsRefundShortfall(t *testing.T) {
	ledger := &fakeLedger{sums: map[string]int64{"esc_1": 0}}
	escrows := &fakeEscrows{settled: []*escrow.Escrow{{
		ID:             "esc_1",
		OrderID:        "ord_1",
		PayerID:        "acc_payer",
		PayeeID:        "acc_payee",
		Amount:         5000,
		Currency:       "NGN",
		Status:         escrow.StatusRefunded,
		TransactionRef: "PAY_1",
		DisputeReason:  "never arrived",
	}}}
	s := NewSweeper(ledger, &fakeVerifier{}, &fakeApplier{}, escrows, 30*time.Minute)

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.ConservationRepaired != 1 || len(ledger.appended) != 1 {
		t.Fatalf("Expected 1 repair row, got %+v", report)
	}
	row := ledger.appended[0]
	if row.Reference != "RFD_esc_1" || row.Type != transaction.TypeRefund {
		t.Errorf("Expected a refund repair row, got %s/%s", row.Reference, row.Type)
	}
	if row.RecipientID != "acc_payer" || row.Amount != 5000 {
		t.Errorf("Expected full amount back to the payer, got %+v", row)
	}
	if row.Metadata.Refund == nil || row.Metadata.Refund.OriginalReference != "PAY_1" {
		t.Error("Expected refund provenance pointing at the original charge")
	}
}

func TestRun_ConservationRepairRaceIsQuiet(t *testing.T) {
	// A concurrent sweep already wrote the repair row; the unique
	// reference collision is absorbed, not reported as a failure.
	ledger := &fakeLedger{
		sums:      map[string]int64{"esc_1": 3000},
		appendErr: transaction.ErrDuplicateReference,
	}
	escrows := &fakeEscrows{settled: []*escrow.Escrow{
		{ID: "esc_1", Amount: 5000, Currency: "NGN", Status: escrow.StatusReleased, PayerID: "acc_payer", PayeeID: "acc_payee"},
	}}
	s := NewSweeper(ledger, &fakeVerifier{}, &fakeApplier{}, escrows, 30*time.Minute)

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.ConservationRepaired != 1 {
		t.Errorf("Expected the duplicate treated as repaired, got %+v", report)
	}
}

func TestTimer_StartStop(t *testing.T) {
	s := NewSweeper(&fakeLedger{}, &fakeVerifier{}, &fakeApplier{}, nil, 30*time.Minute)
	timer := NewTimer(s, 50*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("Timer never reported running")
		case <-time.After(5 * time.Millisecond):
		}
	}

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timer did not stop")
	}
	if timer.Running() {
		t.Error("Expected Running to be false after stop")
	}
}
