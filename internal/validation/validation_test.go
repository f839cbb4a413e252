package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"esc_0123456789abcdef01234567", true},
		{"ord_abcdefabcdefabcdefabcdef", true},
		{"txn_000000000000000000000000", true},
		{"12345678-1234-1234-1234-123456789012", true},

		// Invalid cases
		{"esc_0123456789abcdef0123456", false},   // Hex too short
		{"esc_0123456789abcdef012345678", false}, // Hex too long
		{"ESC_0123456789abcdef01234567", false},  // Uppercase prefix
		{"esc_0123456789ABCDEF01234567", false},  // Uppercase hex
		{"toolongprefix_0123456789abcdef01234567", false},
		{"", false},
		{"esc_", false},
		{"drop table", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("reason", "item damaged"),
		PositiveAmount("amount", 5000),
		ValidCurrency("currency", "NGN"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("reason", ""),
		PositiveAmount("amount", 0),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestPositiveAmount(t *testing.T) {
	tests := []struct {
		amount int64
		valid  bool
	}{
		{1, true},
		{5000, true},
		{0, false},
		{-100, false},
	}

	for _, tc := range tests {
		err := PositiveAmount("amount", tc.amount)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("PositiveAmount(%d) valid=%v, want %v", tc.amount, valid, tc.valid)
		}
	}
}

func TestValidCurrency(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"NGN", true},
		{"GHS", true},
		{"", true}, // Optional; Required covers mandatory fields

		// Invalid
		{"ngn", false},
		{"NAIRA", false},
		{"N", false},
	}

	for _, tc := range tests {
		err := ValidCurrency("currency", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidCurrency(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestOneOf(t *testing.T) {
	if err := OneOf("status", "held", "held", "released")(); err != nil {
		t.Error("Expected held to be allowed")
	}
	if err := OneOf("status", "melted", "held", "released")(); err == nil {
		t.Error("Expected melted to be rejected")
	}
	if err := OneOf("status", "", "held", "released")(); err != nil {
		t.Error("Expected empty optional value to pass")
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
