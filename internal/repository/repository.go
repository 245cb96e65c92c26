// Package repository defines the account store consumed by the faucet
// services. Implementations live in the scylla and memory subpackages.
package repository

import (
	"context"
	"errors"

	"github.com/OmarB97/trynano-server/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by a conditional update whose expected value no
	// longer matches the stored one.
	ErrConflict = errors.New("conditional update conflict")
)

type WalletStore interface {
	GetWallet(ctx context.Context, address string) (*models.WalletRecord, error)
	PutWallet(ctx context.Context, wallet *models.WalletRecord) error
	// UpdateBalance sets the balance only if the stored balance still equals expected.
	UpdateBalance(ctx context.Context, address string, expected, balance uint64) error
	ScanWallets(ctx context.Context, filter models.WalletFilter) ([]*models.WalletRecord, error)
}

type UsageStore interface {
	GetUsage(ctx context.Context, ip string) (*models.IpUsageRecord, error)
	PutUsage(ctx context.Context, record *models.IpUsageRecord) error
}

// AccountStore is the full key-value table surface.
type AccountStore interface {
	WalletStore
	UsageStore
	HealthCheck(ctx context.Context) error
	Close()
}
