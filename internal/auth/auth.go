// Package auth provides account registration and API authentication for Custodia.
//
// Authentication model:
// - Accounts are registered with a role (admin, customer, merchant, driver)
// - Registration issues a bearer API key, shown once
// - The middleware resolves the key to an account; handlers enforce roles
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrNoAPIKey        = errors.New("API key required")
	ErrInvalidAPIKey   = errors.New("invalid or expired API key")
	ErrKeyNotFound     = errors.New("API key not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrEmailTaken      = errors.New("email already registered")
	ErrInvalidRole     = errors.New("invalid role")
)

// Roles
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
	RoleMerchant = "merchant"
	RoleDriver   = "driver"
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleCustomer, RoleMerchant, RoleDriver:
		return true
	}
	return false
}

// Account represents a registered marketplace participant.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIKey represents an API key bound to an account.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	AccountID string     `json:"accountId"`
	Role      string     `json:"role"`
	Name      string     `json:"name"` // Friendly name
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists accounts and their API keys.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	CreateKey(ctx context.Context, key *APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	GetKeysByAccount(ctx context.Context, accountID string) ([]*APIKey, error)
	UpdateKey(ctx context.Context, key *APIKey) error
	DeleteKey(ctx context.Context, id string) error
}

// Manager handles registration and authentication.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Register creates an account and issues its first API key.
// Returns the raw key, which is shown once and never stored.
func (m *Manager) Register(ctx context.Context, name, email, role string) (rawKey string, acct *Account, err error) {
	if !ValidRole(role) {
		return "", nil, ErrInvalidRole
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if existing, err := m.store.GetAccountByEmail(ctx, email); err == nil && existing != nil {
		return "", nil, ErrEmailTaken
	}

	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	acct = &Account{
		ID:        "acc_" + hex.EncodeToString(b),
		Name:      name,
		Email:     email,
		Role:      role,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateAccount(ctx, acct); err != nil {
		return "", nil, err
	}

	rawKey, _, err = m.GenerateKey(ctx, acct, "default")
	if err != nil {
		return "", nil, err
	}
	return rawKey, acct, nil
}

// GenerateKey creates a new API key for an account.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, acct *Account, name string) (rawKey string, key *APIKey, err error) {
	// Generate 32 random bytes
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	// Create raw key with prefix
	rawKey = "sk_" + hex.EncodeToString(b)

	// Create key record
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		AccountID: acct.ID,
		Role:      acct.Role,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	// Clean the key
	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	// Look up by hash
	hash := hashKey(rawKey)
	key, err := m.store.GetKeyByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	// Check revoked
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	// Check expired
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.UpdateKey(context.Background(), key)
	}()

	return key, nil
}

// GetAccount returns an account by ID.
func (m *Manager) GetAccount(ctx context.Context, id string) (*Account, error) {
	return m.store.GetAccount(ctx, id)
}

// Exists reports whether an account exists. Used by other services as the
// participant directory.
func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	_, err := m.store.GetAccount(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListKeys returns all keys for an account
func (m *Manager) ListKeys(ctx context.Context, accountID string) ([]*APIKey, error) {
	return m.store.GetKeysByAccount(ctx, accountID)
}

// RevokeKey revokes an API key owned by the given account
func (m *Manager) RevokeKey(ctx context.Context, keyID, accountID string) error {
	keys, err := m.store.GetKeysByAccount(ctx, accountID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.UpdateKey(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
