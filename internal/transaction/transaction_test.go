package transaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tkaluma/custodia/internal/audit"
	"github.com/tkaluma/custodia/internal/idgen"
	"github.com/tkaluma/custodia/internal/pagination"
)

// staticDirectory knows a fixed set of IDs.
type staticDirectory map[string]bool

func (d staticDirectory) Exists(_ context.Context, id string) (bool, error) {
	return d[id], nil
}

func newTestService() *Service {
	accounts := staticDirectory{"acc_payer": true, "acc_payee": true}
	orders := staticDirectory{"ord_1": true}
	return NewService(NewMemoryStore(), accounts, orders, audit.NewMemoryRecorder(), "NGN")
}

func createPayment(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	tx, err := svc.Create(context.Background(), CreateRequest{
		UserID:  "acc_payer",
		OrderID: "ord_1",
		Amount:  5000,
		Type:    TypePayment,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return tx
}

func TestCreate(t *testing.T) {
	svc := newTestService()

	tx := createPayment(t, svc)
	if tx.Status != StatusPending {
		t.Errorf("Expected pending status, got %s", tx.Status)
	}
	if !strings.HasPrefix(tx.Reference, "PAY_") {
		t.Errorf("Expected PAY_ reference prefix, got %s", tx.Reference)
	}
	if tx.NetAmount != 5000 {
		t.Errorf("Expected net amount to default to amount, got %d", tx.NetAmount)
	}
	if tx.Currency != "NGN" {
		t.Errorf("Expected default currency NGN, got %s", tx.Currency)
	}
}

func TestCreate_ReferencePrefixes(t *testing.T) {
	tests := []struct {
		txType Type
		prefix string
	}{
		{TypePayment, "PAY_"},
		{TypeDeliveryEarnings, "ERN_"},
		{TypeRefund, "RFD_"},
		{TypeEscrowRelease, "REL_"},
		{TypeTransferIn, "TIN_"},
		{TypeTransferOut, "TRF_"},
	}

	svc := newTestService()
	for _, tt := range tests {
		tx, err := svc.Create(context.Background(), CreateRequest{
			UserID: "acc_payer",
			Amount: 100,
			Type:   tt.txType,
		})
		if err != nil {
			t.Fatalf("Create %s failed: %v", tt.txType, err)
		}
		if !strings.HasPrefix(tx.Reference, tt.prefix) {
			t.Errorf("Expected %s prefix for %s, got %s", tt.prefix, tt.txType, tx.Reference)
		}
	}
}

func TestCreate_UnknownParticipants(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{UserID: "acc_ghost", Amount: 100, Type: TypePayment})
	if err != ErrUserNotFound {
		t.Errorf("Expected ErrUserNotFound for unknown user, got %v", err)
	}
	_, err = svc.Create(ctx, CreateRequest{UserID: "acc_payer", OrderID: "ord_ghost", Amount: 100, Type: TypePayment})
	if err != ErrOrderNotFound {
		t.Errorf("Expected ErrOrderNotFound for unknown order, got %v", err)
	}
	_, err = svc.Create(ctx, CreateRequest{UserID: "acc_payer", Amount: 100, Type: Type("barter")})
	if err == nil {
		t.Error("Expected error for unknown transaction type")
	}
}

func TestCreate_DuplicateReference(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tx := &Transaction{ID: idgen.WithPrefix("txn_"), Reference: "PAY-FIXED", Amount: 100, Type: TypePayment, Status: StatusPending}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("First create failed: %v", err)
	}

	dup := &Transaction{ID: idgen.WithPrefix("txn_"), Reference: "PAY-FIXED", Amount: 200, Type: TypePayment, Status: StatusPending}
	if err := store.Create(ctx, dup); err != ErrDuplicateReference {
		t.Errorf("Expected ErrDuplicateReference, got %v", err)
	}

	// The original row is untouched.
	got, err := store.GetByReference(ctx, "PAY-FIXED")
	if err != nil {
		t.Fatalf("GetByReference failed: %v", err)
	}
	if got.Amount != 100 {
		t.Errorf("Expected original amount preserved, got %d", got.Amount)
	}
}

func TestConfirm(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	tx := createPayment(t, svc)

	confirmed, err := svc.Confirm(ctx, tx.ID, "gw_123")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if confirmed.Status != StatusCompleted {
		t.Errorf("Expected completed status, got %s", confirmed.Status)
	}
	if confirmed.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}
	if confirmed.GatewayRef != "gw_123" {
		t.Errorf("Expected gateway ref recorded, got %s", confirmed.GatewayRef)
	}

	// Settlement is one-way; confirming again fails.
	if _, err := svc.Confirm(ctx, tx.ID, "gw_123"); err != ErrInvalidStatus {
		t.Errorf("Expected ErrInvalidStatus on double confirm, got %v", err)
	}
}

func TestRefund(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	tx := createPayment(t, svc)

	if _, err := svc.Confirm(ctx, tx.ID, "gw_123"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	res, err := svc.Refund(ctx, tx.ID, 5000, "item damaged", "acc_admin")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if res.Original.Status != StatusRefunded {
		t.Errorf("Expected original marked refunded, got %s", res.Original.Status)
	}
	if res.Original.Amount != 5000 {
		t.Errorf("Original amount must never change, got %d", res.Original.Amount)
	}
	if res.Refund.Type != TypeRefund || res.Refund.Status != StatusCompleted {
		t.Errorf("Expected completed refund row, got %s/%s", res.Refund.Type, res.Refund.Status)
	}
	if res.Refund.RecipientID != tx.UserID {
		t.Errorf("Refund must credit the payer, got recipient %s", res.Refund.RecipientID)
	}
	if res.Refund.Metadata.Refund == nil || res.Refund.Metadata.Refund.OriginalReference != tx.Reference {
		t.Error("Expected refund provenance pointing at the original reference")
	}
}

func TestRefund_PartialAmount(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	tx := createPayment(t, svc)
	_, _ = svc.Confirm(ctx, tx.ID, "gw_123")

	res, err := svc.Refund(ctx, tx.ID, 2000, "partial", "")
	if err != nil {
		t.Fatalf("Partial refund failed: %v", err)
	}
	if res.Refund.Amount != 2000 {
		t.Errorf("Expected refund of 2000, got %d", res.Refund.Amount)
	}
}

func TestRefund_Rejections(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	tx := createPayment(t, svc)

	// Pending transactions cannot be refunded.
	if _, err := svc.Refund(ctx, tx.ID, 5000, "", ""); err != ErrInvalidStatus {
		t.Errorf("Expected ErrInvalidStatus refunding pending, got %v", err)
	}

	_, _ = svc.Confirm(ctx, tx.ID, "gw_123")

	if _, err := svc.Refund(ctx, tx.ID, 5001, "", ""); err != ErrRefundExceedsAmount {
		t.Errorf("Expected ErrRefundExceedsAmount, got %v", err)
	}
	if _, err := svc.Refund(ctx, tx.ID, 0, "", ""); err != ErrRefundExceedsAmount {
		t.Errorf("Expected ErrRefundExceedsAmount for zero, got %v", err)
	}

	// A second refund finds the row already refunded.
	if _, err := svc.Refund(ctx, tx.ID, 5000, "", ""); err != nil {
		t.Fatalf("First refund failed: %v", err)
	}
	if _, err := svc.Refund(ctx, tx.ID, 5000, "", ""); err != ErrInvalidStatus {
		t.Errorf("Expected ErrInvalidStatus on double refund, got %v", err)
	}
}

func TestUpdate_ImmutableOnceSettled(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	tx := createPayment(t, svc)

	updated, err := svc.Update(ctx, tx.ID, UpdateRequest{PaymentMethod: "card"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.PaymentMethod != "card" {
		t.Errorf("Expected payment method updated, got %s", updated.PaymentMethod)
	}

	_, _ = svc.Confirm(ctx, tx.ID, "gw_123")

	if _, err := svc.Update(ctx, tx.ID, UpdateRequest{PaymentMethod: "transfer"}); err != ErrImmutable {
		t.Errorf("Expected ErrImmutable after settlement, got %v", err)
	}
}

func TestCompleteByReference(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	tx := createPayment(t, svc)

	payload := []byte(`{"event":"charge.success"}`)
	completed, applied, err := svc.CompleteByReference(ctx, tx.Reference, "gw_ref", "gw_tx", payload)
	if err != nil {
		t.Fatalf("CompleteByReference failed: %v", err)
	}
	if !applied {
		t.Error("Expected first completion to apply")
	}
	if completed.Status != StatusCompleted {
		t.Errorf("Expected completed status, got %s", completed.Status)
	}
	if string(completed.Metadata.Gateway) != string(payload) {
		t.Error("Expected gateway payload attached to metadata")
	}

	// Redelivery is a no-op, never an error.
	_, applied, err = svc.CompleteByReference(ctx, tx.Reference, "gw_ref", "gw_tx", payload)
	if err != nil {
		t.Fatalf("Redelivery errored: %v", err)
	}
	if applied {
		t.Error("Expected redelivery to be a no-op")
	}

	if _, _, err := svc.CompleteByReference(ctx, "PAY-MISSING", "", "", nil); err != ErrTransactionNotFound {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestMarkByReference(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	tx := createPayment(t, svc)

	marked, applied, err := svc.MarkByReference(ctx, tx.Reference, StatusFailed, StatusPending)
	if err != nil {
		t.Fatalf("MarkByReference failed: %v", err)
	}
	if !applied || marked.Status != StatusFailed {
		t.Errorf("Expected failed status applied, got applied=%v status=%s", applied, marked.Status)
	}

	// Precondition now misses; nothing changes.
	_, applied, err = svc.MarkByReference(ctx, tx.Reference, StatusCompleted, StatusPending)
	if err != nil {
		t.Fatalf("MarkByReference errored: %v", err)
	}
	if applied {
		t.Error("Expected no-op when precondition misses")
	}
}

func TestAppendSettled(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	tx := &Transaction{
		UserID:      "acc_payer",
		RecipientID: "acc_payee",
		EscrowID:    "esc_1",
		Amount:      5000,
		Type:        TypeEscrowRelease,
	}
	if err := svc.AppendSettled(ctx, tx); err != nil {
		t.Fatalf("AppendSettled failed: %v", err)
	}
	if tx.Status != StatusCompleted || tx.CompletedAt == nil {
		t.Error("Expected appended row to be settled")
	}
	if !strings.HasPrefix(tx.Reference, "REL_") {
		t.Errorf("Expected REL- reference, got %s", tx.Reference)
	}
}

func TestSumSettledByEscrow(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	release := &Transaction{UserID: "acc_payer", RecipientID: "acc_payee", EscrowID: "esc_1", Amount: 5000, Type: TypeEscrowRelease}
	if err := svc.AppendSettled(ctx, release); err != nil {
		t.Fatalf("AppendSettled failed: %v", err)
	}

	// A pending transfer linked to the escrow does not count.
	pending, err := svc.Create(ctx, CreateRequest{UserID: "acc_payee", Amount: 5000, Type: TypeTransferOut})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = pending

	sum, err := svc.SumSettledByEscrow(ctx, "esc_1")
	if err != nil {
		t.Fatalf("SumSettledByEscrow failed: %v", err)
	}
	if sum != 5000 {
		t.Errorf("Expected settled sum 5000, got %d", sum)
	}

	sum, err = svc.SumSettledByEscrow(ctx, "esc_other")
	if err != nil || sum != 0 {
		t.Errorf("Expected zero for unknown escrow, got sum=%d err=%v", sum, err)
	}
}

func TestListStuckPending(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	old := createPayment(t, svc)
	fresh := createPayment(t, svc)
	_ = fresh

	// Age the first row past the cutoff through the store directly.
	store := svc.store.(*MemoryStore)
	store.mu.Lock()
	store.txs[old.ID].InitiatedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	stuck, err := svc.ListStuckPending(ctx, TypePayment, time.Now().Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStuckPending failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != old.ID {
		t.Errorf("Expected only the aged row, got %d rows", len(stuck))
	}
}

func TestListByUser_CursorPagination(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		createPayment(t, svc)
	}

	page, err := svc.ListByUser(ctx, "acc_payer", 2, nil)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	// The store returns limit+1 rows so the caller can detect a next page.
	if len(page) != 3 {
		t.Fatalf("Expected 3 rows (limit+1), got %d", len(page))
	}

	cursor := &pagination.Cursor{CreatedAt: page[1].InitiatedAt, ID: page[1].ID}
	next, err := svc.ListByUser(ctx, "acc_payer", 2, cursor)
	if err != nil {
		t.Fatalf("ListByUser with cursor failed: %v", err)
	}
	if len(next) == 0 {
		t.Fatal("Expected a second page")
	}
	for _, tx := range next {
		if tx.ID == page[0].ID || tx.ID == page[1].ID {
			t.Errorf("Cursor page repeated row %s", tx.ID)
		}
	}
}

// flakyStore wraps MemoryStore and fails a set number of Create calls.
type flakyStore struct {
	*MemoryStore
	failCreates int
}

func (f *flakyStore) Create(ctx context.Context, tx *Transaction) error {
	if f.failCreates > 0 {
		f.failCreates--
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.Create(ctx, tx)
}

func TestRefund_RetryRepairsMissingCompensatingRow(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	accounts := staticDirectory{"acc_payer": true}
	svc := NewService(store, accounts, nil, audit.NewMemoryRecorder(), "NGN")
	ctx := context.Background()

	tx, err := svc.Create(ctx, CreateRequest{UserID: "acc_payer", Amount: 5000, Type: TypePayment})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Confirm(ctx, tx.ID, "gw_ref"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	store.failCreates = 1
	if _, err := svc.Refund(ctx, tx.ID, 5000, "item damaged", "acc_admin"); err == nil {
		t.Fatal("Expected refund to fail when the compensating write fails")
	}

	// The flip went through before the write failed: the original claims
	// refunded but nothing flows back yet.
	got, err := svc.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusRefunded {
		t.Fatalf("Expected original flipped to refunded, got %s", got.Status)
	}
	if _, err := store.FindRefundByOriginal(ctx, tx.Reference); err != ErrTransactionNotFound {
		t.Fatalf("Expected no compensating row yet, got %v", err)
	}

	// Retrying writes the missing row instead of failing forever.
	result, err := svc.Refund(ctx, tx.ID, 5000, "item damaged", "acc_admin")
	if err != nil {
		t.Fatalf("Expected retry to repair the ledger, got %v", err)
	}
	if result.Refund.Type != TypeRefund || result.Refund.Amount != 5000 || result.Refund.RecipientID != "acc_payer" {
		t.Errorf("Unexpected compensating row: %+v", result.Refund)
	}
	if result.Refund.Metadata.Refund == nil || result.Refund.Metadata.Refund.OriginalReference != tx.Reference {
		t.Error("Expected refund provenance pointing at the original")
	}

	// With the row in place, a third call is a genuine double refund.
	if _, err := svc.Refund(ctx, tx.ID, 5000, "again", "acc_admin"); err != ErrInvalidStatus {
		t.Errorf("Expected ErrInvalidStatus on double refund, got %v", err)
	}
}

// eventLog records notifier callbacks in order.
type eventLog struct {
	events []string
}

func (l *eventLog) TransactionEvent(event string, _ *Transaction) {
	l.events = append(l.events, event)
}

func TestNotifier_LifecycleEvents(t *testing.T) {
	svc := newTestService()
	log := &eventLog{}
	svc.WithNotifier(log)
	ctx := context.Background()

	tx := createPayment(t, svc)
	if _, err := svc.Confirm(ctx, tx.ID, "gw_ref"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if _, err := svc.Refund(ctx, tx.ID, 5000, "item damaged", "acc_admin"); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	want := []string{"transaction.pending", "transaction.completed", "transaction.refunded"}
	if len(log.events) != len(want) {
		t.Fatalf("Expected %d events, got %v", len(want), log.events)
	}
	for i, e := range want {
		if log.events[i] != e {
			t.Errorf("Event %d: expected %s, got %s", i, e, log.events[i])
		}
	}
}
