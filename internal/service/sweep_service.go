package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OmarB97/trynano-server/internal/client"
	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/events"
	"github.com/OmarB97/trynano-server/internal/metrics"
	"github.com/OmarB97/trynano-server/internal/models"
	"github.com/OmarB97/trynano-server/internal/util"
)

const sweepLockKey = "sweep"

// WalletOutcome is the result of sweeping one wallet. Err is nil on success.
type WalletOutcome struct {
	Address string
	Amount  uint64
	Balance uint64
	Skipped bool
	Err     error
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	WalletCount          int
	Succeeded            int
	Failed               int
	Skipped              int
	PriorFaucetBalance   uint64
	UpdatedFaucetBalance uint64
	ResolvedCount        int
	Outcomes             []WalletOutcome
	StartedAt            time.Time
	Duration             time.Duration
}

// SweepService returns custodial wallet balances to the faucet.
type SweepService struct {
	store       Store
	network     WalletNetwork
	locker      Locker
	publisher   EventPublisher
	ledger      LedgerRecorder
	faucet      models.Identity
	concurrency int
	expiredOnly bool
	lockTTL     time.Duration
	now         func() time.Time
}

func NewSweepService(
	cfg *config.Config,
	store Store,
	network WalletNetwork,
	locker Locker,
	publisher EventPublisher,
	ledger LedgerRecorder,
) *SweepService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if ledger == nil {
		ledger = noopLedger{}
	}
	concurrency := cfg.Sweep.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &SweepService{
		store:       store,
		network:     network,
		locker:      locker,
		publisher:   publisher,
		ledger:      ledger,
		faucet:      models.Identity{Address: cfg.Faucet.Address, PrivateKey: cfg.Faucet.PrivateKey},
		concurrency: concurrency,
		expiredOnly: cfg.Sweep.ExpiredOnly,
		lockTTL:     cfg.Sweep.LockTTL,
		now:         time.Now,
	}
}

// Run sweeps every eligible wallet to the faucet and then settles the
// faucet's pending receives. One wallet failing never stops the others;
// its stored balance is left as it was for the next run.
func (s *SweepService) Run(ctx context.Context) (*SweepReport, error) {
	token, acquired, err := s.locker.Acquire(ctx, sweepLockKey, s.lockTTL)
	if err != nil {
		return nil, upstream("acquire sweep lock", err)
	}
	if !acquired {
		return nil, ErrSweepInProgress
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = s.locker.Release(releaseCtx, sweepLockKey, token)
	}()

	report := &SweepReport{StartedAt: s.now()}
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		metrics.SweepDuration.Observe(report.Duration.Seconds())
	}()

	prior, err := s.network.GetAccountInfo(ctx, s.faucet.Address)
	if err != nil {
		return nil, upstream("get faucet balance", err)
	}
	report.PriorFaucetBalance = prior.Balance

	filter := models.WalletFilter{MinBalance: 1}
	if s.expiredOnly {
		filter.ExpiredBefore = report.StartedAt
	}
	wallets, err := s.store.ScanWallets(ctx, filter)
	if err != nil {
		return nil, upstream("scan wallets", err)
	}
	report.WalletCount = len(wallets)

	report.Outcomes = make([]WalletOutcome, len(wallets))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, w := range wallets {
		i, w := i, w
		g.Go(func() error {
			report.Outcomes[i] = s.sweepWallet(ctx, w)
			return nil
		})
	}
	_ = g.Wait()

	var entries []models.LedgerEntry
	for _, o := range report.Outcomes {
		switch {
		case o.Skipped:
			report.Skipped++
			metrics.SweepWallets.WithLabelValues("skipped").Inc()
		case o.Err != nil:
			report.Failed++
			metrics.SweepWallets.WithLabelValues("failed").Inc()
		default:
			report.Succeeded++
			metrics.SweepWallets.WithLabelValues("succeeded").Inc()
			entries = append(entries, models.LedgerEntry{
				Kind:      models.LedgerKindSweep,
				From:      o.Address,
				To:        s.faucet.Address,
				Amount:    o.Amount,
				CreatedAt: report.StartedAt,
			})
		}
	}
	if err := s.ledger.Record(ctx, entries...); err != nil {
		util.Warn("Failed to record sweep ledger entries", util.ErrorField(err))
	}

	received, err := s.network.ReceiveAll(ctx, s.faucet)
	if err != nil {
		return report, upstream("receive faucet", err)
	}
	report.UpdatedFaucetBalance = received.Balance
	report.ResolvedCount = received.ResolvedCount
	metrics.FaucetBalance.Set(float64(received.Balance))

	e := events.New(events.TypeSweepFinished, s.now())
	e.Address = s.faucet.Address
	e.Balance = received.Balance
	e.Count = report.Succeeded
	if err := s.publisher.Publish(ctx, e); err != nil {
		util.Warn("Failed to publish event", util.String("type", e.Type), util.ErrorField(err))
	}

	util.Info("Sweep finished",
		util.Int("wallets", report.WalletCount),
		util.Int("succeeded", report.Succeeded),
		util.Int("failed", report.Failed),
		util.Int("skipped", report.Skipped),
		util.Uint64("prior_faucet_balance", report.PriorFaucetBalance),
		util.Uint64("faucet_balance", report.UpdatedFaucetBalance),
		util.Int("resolved", report.ResolvedCount))

	return report, nil
}

func (s *SweepService) sweepWallet(ctx context.Context, w *models.WalletRecord) WalletOutcome {
	out := WalletOutcome{Address: w.Address, Balance: w.Balance}

	start := time.Now()
	res, err := s.network.Send(ctx, models.Identity{Address: w.Address, PrivateKey: w.PrivateKey}, s.faucet.Address, nil)
	metrics.ObserveNetworkCall("send", start, err)
	if errors.Is(err, client.ErrBalanceBelowFee) {
		out.Skipped = true
		return out
	}
	if err != nil {
		util.Warn("Sweep send failed", util.Address("address", w.Address), util.ErrorField(err))
		out.Err = fmt.Errorf("sweep %s: %w", w.Address, err)
		return out
	}

	out.Amount = res.Amount
	out.Balance = res.Balance
	if err := s.store.UpdateBalance(ctx, w.Address, w.Balance, res.Balance); err != nil {
		util.Warn("Failed to persist swept balance", util.Address("address", w.Address), util.ErrorField(err))
	}
	return out
}

// RunEvery runs a sweep on every tick of interval until ctx is done.
func (s *SweepService) RunEvery(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	util.Info("Sweep scheduler started", util.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			util.Info("Sweep scheduler stopped")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			_, err := s.Run(runCtx)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, ErrSweepInProgress):
				util.Debug("Sweep skipped, another run holds the lock")
			default:
				util.Error("Sweep failed", util.ErrorField(err))
			}
		}
	}
}
