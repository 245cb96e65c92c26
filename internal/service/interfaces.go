package service

import (
	"context"
	"time"

	"github.com/OmarB97/trynano-server/internal/events"
	"github.com/OmarB97/trynano-server/internal/models"
	"github.com/OmarB97/trynano-server/internal/repository"
)

// WalletNetwork generates wallets and moves funds on the remote ledger.
type WalletNetwork interface {
	ValidateAddress(address string) error
	GenerateWallet(ctx context.Context) (*models.GeneratedWallet, error)
	GetAccountInfo(ctx context.Context, address string) (*models.AccountInfo, error)
	// Send transfers amount, or the whole spendable balance when amount is nil.
	Send(ctx context.Context, id models.Identity, to string, amount *uint64) (*models.SendResult, error)
	ReceiveAll(ctx context.Context, id models.Identity) (*models.ReceiveResult, error)
}

// Store is the account store surface the services need.
type Store interface {
	repository.WalletStore
	repository.UsageStore
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	Release(ctx context.Context, key, token string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

type LedgerRecorder interface {
	Record(ctx context.Context, entries ...models.LedgerEntry) error
}

type noopLedger struct{}

func (noopLedger) Record(context.Context, ...models.LedgerEntry) error { return nil }
