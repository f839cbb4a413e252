// Package reconciliation repairs payments whose webhooks never arrived
// and audits escrow conservation.
//
// The sweeper lists payment rows stuck in pending past a cutoff, asks
// the gateway for the authoritative status, and replays the answer
// through the same reconciler the webhook route uses. Deliveries and
// sweeps therefore can race freely; both sides are conditional updates.
package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tkaluma/custodia/internal/escrow"
	"github.com/tkaluma/custodia/internal/logging"
	"github.com/tkaluma/custodia/internal/metrics"
	"github.com/tkaluma/custodia/internal/paygate"
	"github.com/tkaluma/custodia/internal/retry"
	"github.com/tkaluma/custodia/internal/transaction"
	"github.com/tkaluma/custodia/internal/webhook"
)

// Ledger is the slice of the transaction service the sweeper uses:
// reads for finding stuck and short entries, appends for repairing them.
type Ledger interface {
	ListStuckPending(ctx context.Context, txType transaction.Type, olderThan time.Time, limit int) ([]*transaction.Transaction, error)
	SumSettledByEscrow(ctx context.Context, escrowID string) (int64, error)
	AppendSettled(ctx context.Context, t *transaction.Transaction) error
}

// Verifier fetches the gateway's authoritative charge status.
type Verifier interface {
	VerifyTransaction(ctx context.Context, reference string) (*paygate.VerifyResult, error)
}

// Applier absorbs a synthesized gateway event. Satisfied by
// webhook.Reconciler so sweep repairs and live deliveries share one
// code path.
type Applier interface {
	Apply(ctx context.Context, env *webhook.Envelope) (webhook.Outcome, error)
}

// Escrows lists settled escrows for the conservation check.
type Escrows interface {
	ListSettled(ctx context.Context, limit int) ([]*escrow.Escrow, error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned              int       `json:"scanned"`
	Completed            int       `json:"completed"`
	Failed               int       `json:"failed"`
	StillPending         int       `json:"stillPending"`
	ConservationChecked  int       `json:"conservationChecked"`
	ConservationMismatch int       `json:"conservationMismatch"`
	ConservationRepaired int       `json:"conservationRepaired"`
	GatewayUnavailable   bool      `json:"gatewayUnavailable,omitempty"`
	StartedAt            time.Time `json:"startedAt"`
	Duration             string    `json:"duration"`
}

// Sweeper finds and repairs stuck payments.
type Sweeper struct {
	ledger        Ledger
	verifier      Verifier
	applier       Applier
	escrows       Escrows
	pendingCutoff time.Duration
	batchSize     int
}

// NewSweeper creates a reconciliation sweeper. A zero cutoff defaults
// to 30 minutes.
func NewSweeper(ledger Ledger, verifier Verifier, applier Applier, escrows Escrows, pendingCutoff time.Duration) *Sweeper {
	if pendingCutoff <= 0 {
		pendingCutoff = 30 * time.Minute
	}
	return &Sweeper{
		ledger:        ledger,
		verifier:      verifier,
		applier:       applier,
		escrows:       escrows,
		pendingCutoff: pendingCutoff,
		batchSize:     100,
	}
}

// Run executes one sweep and returns its report.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{StartedAt: started}
	defer func() {
		report.Duration = time.Since(started).String()
		metrics.ReconciliationSweepsTotal.Inc()
	}()

	cutoff := started.Add(-s.pendingCutoff)
	stuck, err := s.ledger.ListStuckPending(ctx, transaction.TypePayment, cutoff, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("list stuck payments: %w", err)
	}
	report.Scanned = len(stuck)

	for _, tx := range stuck {
		outcome, err := s.repair(ctx, tx)
		if errors.Is(err, paygate.ErrGatewayUnavailable) {
			// No point hammering an open circuit; pick the rest up next sweep.
			logging.L(ctx).Warn("sweep halted, gateway unavailable", "remaining", report.Scanned-report.Completed-report.Failed)
			report.GatewayUnavailable = true
			break
		}
		if err != nil {
			logging.L(ctx).Error("sweep repair failed", "reference", tx.Reference, "error", err)
			metrics.ReconciliationRepairsTotal.WithLabelValues("error").Inc()
			continue
		}

		switch outcome {
		case "completed":
			report.Completed++
		case "failed":
			report.Failed++
		default:
			report.StillPending++
		}
		metrics.ReconciliationRepairsTotal.WithLabelValues(outcome).Inc()
	}

	s.checkConservation(ctx, report)
	return report, nil
}

// repair resolves one stuck payment against the gateway and replays the
// verdict through the webhook reconciler. Transient verify failures are
// retried with backoff; an unknown reference or open circuit is not.
func (s *Sweeper) repair(ctx context.Context, tx *transaction.Transaction) (string, error) {
	var result *paygate.VerifyResult
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var verr error
		result, verr = s.verifier.VerifyTransaction(ctx, tx.Reference)
		if errors.Is(verr, paygate.ErrUnknownReference) || errors.Is(verr, paygate.ErrGatewayUnavailable) {
			return retry.Permanent(verr)
		}
		return verr
	})
	if errors.Is(err, paygate.ErrUnknownReference) {
		// The charge never reached the gateway; past the cutoff it will
		// never succeed.
		if _, err := s.applier.Apply(ctx, failedEnvelope(tx.Reference)); err != nil {
			return "", err
		}
		return "failed", nil
	}
	if err != nil {
		return "", err
	}

	switch result.Status {
	case paygate.ChargeSuccess:
		env := &webhook.Envelope{
			Event: webhook.EventChargeSuccess,
			Data: webhook.EventData{
				Reference: tx.Reference,
				Amount:    result.Amount,
				Currency:  result.Currency,
				Status:    string(result.Status),
			},
		}
		if raw, err := json.Marshal(result); err == nil {
			env.Data.Raw = raw
		}
		if _, err := s.applier.Apply(ctx, env); err != nil {
			return "", err
		}
		return "completed", nil
	case paygate.ChargeFailed, paygate.ChargeAbandoned:
		if _, err := s.applier.Apply(ctx, failedEnvelope(tx.Reference)); err != nil {
			return "", err
		}
		return "failed", nil
	default:
		return "pending", nil
	}
}

func failedEnvelope(reference string) *webhook.Envelope {
	return &webhook.Envelope{
		Event: webhook.EventChargeFailed,
		Data:  webhook.EventData{Reference: reference},
	}
}

// checkConservation verifies that every settled escrow has ledger rows
// covering its amount. A shortfall means a release or refund row was
// lost between the escrow transition and the ledger insert; the sweep
// appends the missing row so the books balance again.
func (s *Sweeper) checkConservation(ctx context.Context, report *Report) {
	if s.escrows == nil {
		return
	}

	settled, err := s.escrows.ListSettled(ctx, 500)
	if err != nil {
		logging.L(ctx).Error("conservation check failed to list escrows", "error", err)
		return
	}

	mismatches := 0
	for _, e := range settled {
		sum, err := s.ledger.SumSettledByEscrow(ctx, e.ID)
		if err != nil {
			logging.L(ctx).Error("conservation sum failed", "escrow", e.ID, "error", err)
			continue
		}
		report.ConservationChecked++
		if sum >= e.Amount {
			continue
		}
		mismatches++
		logging.L(ctx).Error("escrow conservation mismatch",
			"escrow", e.ID, "held", e.Amount, "settled", sum, "status", e.Status)
		if err := s.repairSettlement(ctx, e, e.Amount-sum); err != nil {
			logging.L(ctx).Error("settlement repair failed", "escrow", e.ID, "error", err)
			continue
		}
		report.ConservationRepaired++
		logging.L(ctx).Info("settlement row restored", "escrow", e.ID, "amount", e.Amount-sum)
	}
	report.ConservationMismatch = mismatches
	metrics.ConservationMismatches.Set(float64(mismatches))
}

// repairSettlement appends the settlement row a released or refunded
// escrow is missing. The reference is derived from the escrow ID, so a
// racing sweep loses on the ledger's unique reference index and the row
// is written at most once.
func (s *Sweeper) repairSettlement(ctx context.Context, e *escrow.Escrow, missing int64) error {
	t := &transaction.Transaction{
		Reference:   "REL_" + e.ID,
		UserID:      e.PayerID,
		RecipientID: e.PayeeID,
		OrderID:     e.OrderID,
		EscrowID:    e.ID,
		Amount:      missing,
		Currency:    e.Currency,
		Type:        transaction.TypeEscrowRelease,
	}
	if e.Status == escrow.StatusRefunded {
		t.Reference = "RFD_" + e.ID
		t.RecipientID = e.PayerID
		t.Type = transaction.TypeRefund
		t.Metadata = transaction.Metadata{
			Refund: &transaction.RefundProvenance{
				OriginalReference: e.TransactionRef,
				Reason:            e.DisputeReason,
				Actor:             "reconciliation",
			},
		}
	}

	err := s.ledger.AppendSettled(ctx, t)
	if errors.Is(err, transaction.ErrDuplicateReference) {
		// A concurrent sweep got there first.
		return nil
	}
	return err
}
