package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestManager() *Manager {
	return NewManager(NewMemoryStore())
}

func TestRegister(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	rawKey, acct, err := mgr.Register(ctx, "Ada", "Ada@Example.com", RoleCustomer)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected sk_ key prefix, got %s", rawKey)
	}
	if acct.Email != "ada@example.com" {
		t.Errorf("Expected lowercased email, got %s", acct.Email)
	}
	if acct.Role != RoleCustomer {
		t.Errorf("Expected customer role, got %s", acct.Role)
	}
	if !strings.HasPrefix(acct.ID, "acc_") {
		t.Errorf("Expected acc_ id prefix, got %s", acct.ID)
	}
}

func TestRegister_EmailTaken(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Register(ctx, "Ada", "ada@example.com", RoleCustomer); err != nil {
		t.Fatalf("First register failed: %v", err)
	}
	_, _, err := mgr.Register(ctx, "Impostor", "ADA@example.com", RoleMerchant)
	if err != ErrEmailTaken {
		t.Errorf("Expected ErrEmailTaken, got %v", err)
	}
}

func TestRegister_InvalidRole(t *testing.T) {
	mgr := newTestManager()

	_, _, err := mgr.Register(context.Background(), "Ada", "ada@example.com", "superuser")
	if err != ErrInvalidRole {
		t.Errorf("Expected ErrInvalidRole, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	rawKey, acct, err := mgr.Register(ctx, "Ada", "ada@example.com", RoleCustomer)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if key.AccountID != acct.ID {
		t.Errorf("Expected account %s, got %s", acct.ID, key.AccountID)
	}
	if key.Role != RoleCustomer {
		t.Errorf("Expected customer role on key, got %s", key.Role)
	}

	// Bearer prefix and whitespace are tolerated.
	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey with Bearer prefix failed: %v", err)
	}
}

func TestValidateKey_Invalid(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	if _, err := mgr.ValidateKey(ctx, ""); err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "not_a_key"); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for bad prefix, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "sk_deadbeef"); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for unknown key, got %v", err)
	}
}

func TestValidateKey_Revoked(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	rawKey, acct, _ := mgr.Register(ctx, "Ada", "ada@example.com", RoleCustomer)
	keys, _ := mgr.ListKeys(ctx, acct.ID)
	if len(keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(keys))
	}

	if err := mgr.RevokeKey(ctx, keys[0].ID, acct.ID); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for revoked key, got %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	_, acct, _ := mgr.Register(ctx, "Ada", "ada@example.com", RoleCustomer)
	rawKey, key, err := mgr.GenerateKey(ctx, acct, "short-lived")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := mgr.store.UpdateKey(ctx, key); err != nil {
		t.Fatalf("UpdateKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for expired key, got %v", err)
	}
}

func TestGenerateKey_MultipleKeys(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	_, acct, _ := mgr.Register(ctx, "Ada", "ada@example.com", RoleCustomer)
	if _, _, err := mgr.GenerateKey(ctx, acct, "ci"); err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	keys, err := mgr.ListKeys(ctx, acct.ID)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(keys))
	}
}

func TestRevokeKey_WrongAccount(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	_, ada, _ := mgr.Register(ctx, "Ada", "ada@example.com", RoleCustomer)
	_, eve, _ := mgr.Register(ctx, "Eve", "eve@example.com", RoleCustomer)

	keys, _ := mgr.ListKeys(ctx, ada.ID)
	if err := mgr.RevokeKey(ctx, keys[0].ID, eve.ID); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound revoking another account's key, got %v", err)
	}
}

func TestExists(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	_, acct, _ := mgr.Register(ctx, "Ada", "ada@example.com", RoleCustomer)

	ok, err := mgr.Exists(ctx, acct.ID)
	if err != nil || !ok {
		t.Errorf("Expected account to exist, got ok=%v err=%v", ok, err)
	}
	ok, err = mgr.Exists(ctx, "acc_missing")
	if err != nil || ok {
		t.Errorf("Expected missing account, got ok=%v err=%v", ok, err)
	}
}
