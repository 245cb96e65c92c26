package scylla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"golang.org/x/sync/errgroup"

	"github.com/OmarB97/trynano-server/internal/encryption"
	"github.com/OmarB97/trynano-server/internal/models"
	"github.com/OmarB97/trynano-server/internal/repository"
	"github.com/OmarB97/trynano-server/internal/util"
)

// KeySealer encrypts private keys before they are written.
type KeySealer interface {
	Seal(ctx context.Context, plaintext, aad string) (*encryption.Sealed, error)
	Open(ctx context.Context, sealed *encryption.Sealed, aad string) (string, error)
}

// Bucketer maps an address to its wallets partition.
type Bucketer interface {
	WalletBucket(address string) int
	All() []int
}

// AccountRepository stores wallets and IP usage in ScyllaDB.
type AccountRepository struct {
	client      *ScyllaClient
	sealer      KeySealer
	buckets     Bucketer
	scanWorkers int
}

func NewAccountRepository(client *ScyllaClient, sealer KeySealer, buckets Bucketer) *AccountRepository {
	return &AccountRepository{client: client, sealer: sealer, buckets: buckets, scanWorkers: 4}
}

func (r *AccountRepository) GetWallet(ctx context.Context, address string) (*models.WalletRecord, error) {
	q := r.client.Query(r.client.Statements.GetWallet, r.buckets.WalletBucket(address), address)

	var (
		w      models.WalletRecord
		sealed encryption.Sealed
		bal    int64
	)
	err := r.client.ScanWithRetry(ctx, q,
		&w.Address, &w.PublicKey, &sealed.Ciphertext, &sealed.EncryptedDEK, &sealed.KeyID,
		&bal, &w.CreatedAt, &w.ExpiresAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get wallet", util.Address("address", address), util.ErrorField(err))
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	w.Balance = uint64(bal)

	if w.PrivateKey, err = r.sealer.Open(ctx, &sealed, w.Address); err != nil {
		return nil, fmt.Errorf("failed to open wallet key: %w", err)
	}
	return &w, nil
}

func (r *AccountRepository) PutWallet(ctx context.Context, w *models.WalletRecord) error {
	if w == nil || w.Address == "" {
		return models.ErrEmptyAddress
	}
	sealed, err := r.sealer.Seal(ctx, w.PrivateKey, w.Address)
	if err != nil {
		return fmt.Errorf("failed to seal wallet key: %w", err)
	}

	q := r.client.Query(r.client.Statements.InsertWallet,
		r.buckets.WalletBucket(w.Address), w.Address, w.PublicKey,
		sealed.Ciphertext, sealed.EncryptedDEK, sealed.KeyID,
		int64(w.Balance), w.CreatedAt, w.ExpiresAt)
	if err := r.client.ExecuteWithRetry(ctx, q, 2); err != nil {
		util.Error("Failed to store wallet", util.Address("address", w.Address), util.ErrorField(err))
		return fmt.Errorf("failed to store wallet: %w", err)
	}
	return nil
}

// UpdateBalance is a lightweight transaction; it is not retried.
func (r *AccountRepository) UpdateBalance(ctx context.Context, address string, expected, balance uint64) error {
	q := r.client.Query(r.client.Statements.UpdateWalletBalance,
		int64(balance), r.buckets.WalletBucket(address), address, int64(expected)).WithContext(ctx)

	var current *int64
	applied, err := q.ScanCAS(&current)
	if err != nil {
		return fmt.Errorf("failed to update wallet balance: %w", err)
	}
	if applied {
		return nil
	}
	if current == nil {
		return repository.ErrNotFound
	}
	util.Warn("Wallet balance changed concurrently",
		util.Address("address", address),
		util.Uint64("expected", expected),
		util.Uint64("stored", uint64(*current)))
	return repository.ErrConflict
}

// ScanWallets reads every bucket in parallel and filters rows in process.
func (r *AccountRepository) ScanWallets(ctx context.Context, filter models.WalletFilter) ([]*models.WalletRecord, error) {
	var (
		mu  sync.Mutex
		out []*models.WalletRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.scanWorkers)
	for _, bucket := range r.buckets.All() {
		bucket := bucket
		g.Go(func() error {
			found, err := r.scanBucket(gctx, bucket, filter)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *AccountRepository) scanBucket(ctx context.Context, bucket int, filter models.WalletFilter) ([]*models.WalletRecord, error) {
	iter := r.client.Query(r.client.Statements.ScanWalletBucket, bucket).WithContext(ctx).Iter()

	var (
		out    []*models.WalletRecord
		w      models.WalletRecord
		sealed encryption.Sealed
		bal    int64
	)
	for iter.Scan(&w.Address, &w.PublicKey, &sealed.Ciphertext, &sealed.EncryptedDEK, &sealed.KeyID,
		&bal, &w.CreatedAt, &w.ExpiresAt) {
		w.Balance = uint64(bal)
		if !filter.Match(&w) {
			continue
		}
		rec := w
		key, err := r.sealer.Open(ctx, &sealed, rec.Address)
		if err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("failed to open wallet key for %s: %w", rec.Address, err)
		}
		rec.PrivateKey = key
		out = append(out, &rec)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan wallet bucket %d: %w", bucket, err)
	}
	return out, nil
}

func (r *AccountRepository) GetUsage(ctx context.Context, ip string) (*models.IpUsageRecord, error) {
	var rec models.IpUsageRecord
	err := r.client.ScanWithRetry(ctx, r.client.Query(r.client.Statements.GetUsage, ip),
		&rec.IP, &rec.Count, &rec.LastUsed, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ip usage: %w", err)
	}
	return &rec, nil
}

// PutUsage writes the record with a row TTL matching its expiry.
func (r *AccountRepository) PutUsage(ctx context.Context, rec *models.IpUsageRecord) error {
	if rec == nil || rec.IP == "" {
		return models.ErrEmptyIP
	}
	ttl := int(rec.TTL(time.Now()) / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	q := r.client.Query(r.client.Statements.UpsertUsage, rec.IP, rec.Count, rec.LastUsed, rec.ExpiresAt, ttl)
	if err := r.client.ExecuteWithRetry(ctx, q, 2); err != nil {
		util.Error("Failed to store ip usage", util.String("ip", rec.IP), util.ErrorField(err))
		return fmt.Errorf("failed to store ip usage: %w", err)
	}
	return nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *AccountRepository) Close() {
	r.client.Close()
}
