package idgen

import (
	"strings"
	"testing"
)

func TestNew_Format(t *testing.T) {
	id := New()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("Expected 5 dash-separated groups, got %d in %s", len(parts), id)
	}
	for i, want := range []int{8, 4, 4, 4, 12} {
		if len(parts[i]) != want {
			t.Errorf("Group %d has length %d, want %d in %s", i, len(parts[i]), want, id)
		}
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	if !strings.HasPrefix(id, "esc_") {
		t.Errorf("Expected esc_ prefix, got %s", id)
	}
	if len(id) != len("esc_")+24 {
		t.Errorf("Expected 24 hex chars after prefix, got %s", id)
	}
}

func TestReference(t *testing.T) {
	ref := Reference("pay")
	if !strings.HasPrefix(ref, "PAY_") {
		t.Errorf("Expected uppercased PAY_ prefix, got %s", ref)
	}
	if len(strings.Split(ref, "_")) != 3 {
		t.Errorf("Expected PREFIX_nanos_suffix shape, got %s", ref)
	}
}

func TestOrderNumber(t *testing.T) {
	num := OrderNumber()
	if !strings.HasPrefix(num, "ORD-") {
		t.Errorf("Expected ORD- prefix, got %s", num)
	}
	if num != strings.ToUpper(num) {
		t.Errorf("Expected uppercase order number, got %s", num)
	}
}

func TestHex(t *testing.T) {
	if got := Hex(16); len(got) != 32 {
		t.Errorf("Expected 32 hex chars for 16 bytes, got %d", len(got))
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("txn_")
		if seen[id] {
			t.Fatalf("Duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
