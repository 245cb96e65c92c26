// Package memory is an in-process AccountStore for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/OmarB97/trynano-server/internal/models"
	"github.com/OmarB97/trynano-server/internal/repository"
)

type Store struct {
	mu      sync.RWMutex
	wallets map[string]models.WalletRecord
	usage   map[string]models.IpUsageRecord
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		wallets: make(map[string]models.WalletRecord),
		usage:   make(map[string]models.IpUsageRecord),
		now:     time.Now,
	}
}

// WithClock replaces the clock used to expire usage records.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) GetWallet(_ context.Context, address string) (*models.WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[address]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &w, nil
}

func (s *Store) PutWallet(_ context.Context, wallet *models.WalletRecord) error {
	if wallet == nil || wallet.Address == "" {
		return models.ErrEmptyAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallets[wallet.Address] = *wallet
	return nil
}

func (s *Store) UpdateBalance(_ context.Context, address string, expected, balance uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[address]
	if !ok {
		return repository.ErrNotFound
	}
	if w.Balance != expected {
		return repository.ErrConflict
	}
	w.Balance = balance
	s.wallets[address] = w
	return nil
}

// ScanWallets returns matches ordered by address.
func (s *Store) ScanWallets(_ context.Context, filter models.WalletFilter) ([]*models.WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WalletRecord
	for _, w := range s.wallets {
		if filter.Match(&w) {
			w := w
			out = append(out, &w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *Store) GetUsage(_ context.Context, ip string) (*models.IpUsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.usage[ip]
	if !ok || !s.now().Before(rec.ExpiresAt) {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) PutUsage(_ context.Context, record *models.IpUsageRecord) error {
	if record == nil || record.IP == "" {
		return models.ErrEmptyIP
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage[record.IP] = *record
	return nil
}

func (s *Store) HealthCheck(context.Context) error {
	return nil
}

func (s *Store) Close() {}
