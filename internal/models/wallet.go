package models

import (
	"errors"
	"time"
)

var (
	ErrEmptyAddress  = errors.New("address must not be empty")
	ErrEmptyIP       = errors.New("ip must not be empty")
	ErrNegativeCount = errors.New("count must not be negative")
)

// WalletRecord is a custodially held wallet. Address is the primary key and
// never changes after creation.
type WalletRecord struct {
	Address    string    `json:"address" db:"address"`
	PublicKey  string    `json:"public_key" db:"public_key"`
	PrivateKey string    `json:"-" db:"private_key"`
	Balance    uint64    `json:"balance" db:"balance"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

func NewWalletRecord(address, publicKey, privateKey string, now time.Time, ttl time.Duration) (*WalletRecord, error) {
	if address == "" {
		return nil, ErrEmptyAddress
	}
	return &WalletRecord{
		Address:    address,
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		CreatedAt:  now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}, nil
}

func (w *WalletRecord) Expired(now time.Time) bool {
	return !now.Before(w.ExpiresAt)
}

// Sweepable reports whether the wallet holds funds and, when expiredOnly is
// set, has passed its expiration.
func (w *WalletRecord) Sweepable(now time.Time, expiredOnly bool) bool {
	if w.Balance == 0 {
		return false
	}
	return !expiredOnly || w.Expired(now)
}

// WalletFilter selects wallets in a store scan. The zero value matches every wallet.
type WalletFilter struct {
	MinBalance    uint64
	ExpiredBefore time.Time
}

func (f WalletFilter) Match(w *WalletRecord) bool {
	if w.Balance < f.MinBalance {
		return false
	}
	if !f.ExpiredBefore.IsZero() && w.ExpiresAt.After(f.ExpiredBefore) {
		return false
	}
	return true
}

// FaucetAccount is the funded identity payouts are drawn from. It is
// supplied through configuration and never stored.
type FaucetAccount struct {
	Address    string
	PublicKey  string
	PrivateKey string
}
