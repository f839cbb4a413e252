package audit

import (
	"context"
	"testing"
	"time"
)

func TestTransition_ActorFromContext(t *testing.T) {
	ctx := WithActor(context.Background(), "admin", "acc_admin")
	ctx = WithIP(ctx, "203.0.113.9")
	ctx = WithRequestID(ctx, "req_1")

	entry := Transition(ctx, "escrow", "esc_1", "escrow.release", "held", "released")
	if entry.ActorRole != "admin" || entry.ActorID != "acc_admin" {
		t.Errorf("Expected actor from context, got %s/%s", entry.ActorRole, entry.ActorID)
	}
	if entry.IPAddress != "203.0.113.9" || entry.RequestID != "req_1" {
		t.Errorf("Expected IP and request ID carried over, got %s/%s", entry.IPAddress, entry.RequestID)
	}
	if entry.BeforeState != "held" || entry.AfterState != "released" {
		t.Errorf("Expected state transition recorded, got %s → %s", entry.BeforeState, entry.AfterState)
	}
}

func TestTransition_DefaultsToSystemActor(t *testing.T) {
	entry := Transition(context.Background(), "transaction", "txn_1", "transaction.complete", "pending", "completed")
	if entry.ActorRole != "system" {
		t.Errorf("Background work must record the system actor, got %s", entry.ActorRole)
	}
	if entry.ActorID != "" {
		t.Errorf("Expected empty actor ID for system work, got %s", entry.ActorID)
	}
}

func TestMemoryRecorder_Query(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = r.Record(ctx, Transition(ctx, "order", "ord_1", "order.update", "", ""))
	}
	_ = r.Record(ctx, Transition(ctx, "order", "ord_2", "order.create", "", "pending"))
	_ = r.Record(ctx, Transition(ctx, "escrow", "esc_1", "escrow.create", "", "held"))

	entries, err := r.Query(ctx, "order", "ord_1", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected 3 entries for ord_1, got %d", len(entries))
	}

	entries, _ = r.Query(ctx, "order", "ord_1", time.Time{}, time.Time{}, 2)
	if len(entries) != 2 {
		t.Errorf("Expected limit to cap results at 2, got %d", len(entries))
	}

	entries, _ = r.Query(ctx, "escrow", "ord_1", time.Time{}, time.Time{}, 10)
	if len(entries) != 0 {
		t.Errorf("Expected entity type filter to apply, got %d entries", len(entries))
	}
}

func TestMemoryRecorder_QueryTimeWindow(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	old := Transition(ctx, "order", "ord_1", "order.create", "", "pending")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	_ = r.Record(ctx, old)
	_ = r.Record(ctx, Transition(ctx, "order", "ord_1", "order.confirm", "pending", "confirmed"))

	entries, err := r.Query(ctx, "order", "ord_1", time.Now().Add(-time.Hour), time.Time{}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "order.confirm" {
		t.Errorf("Expected only the recent entry, got %d", len(entries))
	}
}

func TestDetailJSON(t *testing.T) {
	entry := Transition(context.Background(), "webhook", "PAY_1", "webhook.charge.success", "", "applied").
		DetailJSON(map[string]any{"amount": 5000})
	if entry.Detail != `{"amount":5000}` {
		t.Errorf("Expected marshalled detail, got %s", entry.Detail)
	}
}

func TestMemoryRecorder_AssignsIDs(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	_ = r.Record(ctx, Transition(ctx, "order", "ord_1", "order.create", "", "pending"))
	_ = r.Record(ctx, Transition(ctx, "order", "ord_1", "order.confirm", "pending", "confirmed"))

	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID == entries[1].ID {
		t.Error("Expected monotonically assigned IDs")
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be filled")
	}
}
