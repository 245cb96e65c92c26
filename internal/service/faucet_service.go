package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/OmarB97/trynano-server/internal/client"
	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/eligibility"
	"github.com/OmarB97/trynano-server/internal/events"
	"github.com/OmarB97/trynano-server/internal/metrics"
	"github.com/OmarB97/trynano-server/internal/models"
	"github.com/OmarB97/trynano-server/internal/repository"
	"github.com/OmarB97/trynano-server/internal/util"
)

const (
	walletsPerRequest = 2
	creditAttempts    = 3
)

type Amount struct {
	Raw string `json:"raw" validate:"required,numeric,max=20"`
}

type SendRequest struct {
	FromAddress string  `json:"fromAddress" validate:"required,max=64"`
	PrivateKey  string  `json:"privateKey" validate:"required,max=128"`
	ToAddress   string  `json:"toAddress" validate:"required,max=64"`
	Amount      *Amount `json:"amount,omitempty"`
}

type ReceiveRequest struct {
	ReceiveAddress string `json:"receiveAddress" validate:"required,max=64"`
}

type FaucetRequest struct {
	ToAddress  string `json:"toAddress" validate:"required,max=64"`
	PrivateKey string `json:"privateKey" validate:"required,max=128"`
}

// Balances are smallest-unit integers encoded as JSON strings so clients do
// not lose precision above 2^53.

type WalletCredentials struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
	Balance    uint64 `json:"balance,string"`
}

type CreateWalletsResponse struct {
	Wallets []WalletCredentials `json:"wallets"`
}

type SendResponse struct {
	Address       string `json:"address"`
	Balance       uint64 `json:"balance,string"`
	SendTimestamp int64  `json:"sendTimestamp"`
}

type ReceiveResponse struct {
	Address       string `json:"address"`
	Balance       uint64 `json:"balance,string"`
	ResolvedCount int    `json:"resolvedCount"`
}

type FaucetResponse struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance,string"`
}

// FaucetService orchestrates wallet creation, transfers and faucet payouts.
type FaucetService struct {
	store     Store
	network   WalletNetwork
	policy    eligibility.Policy
	locker    Locker
	publisher EventPublisher
	ledger    LedgerRecorder

	faucet           models.FaucetAccount
	percent          decimal.Decimal
	walletExpiration time.Duration
	ipLockTTL        time.Duration
	now              func() time.Time
}

func NewFaucetService(
	cfg *config.Config,
	store Store,
	network WalletNetwork,
	locker Locker,
	publisher EventPublisher,
	ledger LedgerRecorder,
) *FaucetService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if ledger == nil {
		ledger = noopLedger{}
	}
	return &FaucetService{
		store:     store,
		network:   network,
		policy:    eligibility.NewPolicy(cfg.Eligibility),
		locker:    locker,
		publisher: publisher,
		ledger:    ledger,
		faucet: models.FaucetAccount{
			Address:    cfg.Faucet.Address,
			PublicKey:  cfg.Faucet.PublicKey,
			PrivateKey: cfg.Faucet.PrivateKey,
		},
		percent:          cfg.Faucet.Percent,
		walletExpiration: cfg.Faucet.WalletExpiration,
		ipLockTTL:        cfg.Faucet.LockTTL,
		now:              time.Now,
	}
}

// CreateWallets creates and stores two fresh custodial wallets. Their
// private keys are disclosed only in this response.
func (s *FaucetService) CreateWallets(ctx context.Context) (*CreateWalletsResponse, error) {
	resp := &CreateWalletsResponse{Wallets: make([]WalletCredentials, 0, walletsPerRequest)}
	for i := 0; i < walletsPerRequest; i++ {
		start := time.Now()
		gen, err := s.network.GenerateWallet(ctx)
		metrics.ObserveNetworkCall("generate_wallet", start, err)
		if err != nil {
			return nil, upstream("generate wallet", err)
		}

		now := s.now()
		rec, err := models.NewWalletRecord(gen.Address, gen.PublicKey, gen.PrivateKey, now, s.walletExpiration)
		if err != nil {
			return nil, upstream("generate wallet", err)
		}
		if err := s.store.PutWallet(ctx, rec); err != nil {
			return nil, upstream("store wallet", err)
		}

		metrics.WalletsCreated.Inc()
		e := events.New(events.TypeWalletCreated, now)
		e.Address = rec.Address
		s.publish(ctx, e)

		resp.Wallets = append(resp.Wallets, WalletCredentials{Address: rec.Address, PrivateKey: gen.PrivateKey})
	}

	util.Info("Wallets created", util.Int("count", len(resp.Wallets)))
	return resp, nil
}

// Send transfers from a custodial wallet. A nil amount sends the full balance.
func (s *FaucetService) Send(ctx context.Context, req SendRequest) (resp *SendResponse, err error) {
	defer func() { metrics.RecordOperation("send", err) }()

	from := util.CleanInput(req.FromAddress)
	to := util.CleanInput(req.ToAddress)

	wallet, err := s.loadOwnedWallet(ctx, from, req.PrivateKey)
	if err != nil {
		return nil, err
	}
	if err := s.network.ValidateAddress(to); err != nil {
		return nil, ErrInvalidAddress
	}

	var amount *uint64
	if req.Amount != nil {
		parsed, err := parseRaw(req.Amount.Raw)
		if err != nil {
			return nil, err
		}
		amount = &parsed
	}

	start := time.Now()
	info, err := s.network.GetAccountInfo(ctx, wallet.Address)
	metrics.ObserveNetworkCall("get_account_info", start, err)
	if err != nil {
		return nil, upstream("get account info", err)
	}
	if info.Balance == 0 {
		return nil, ErrInsufficientFunds
	}
	if amount != nil && *amount > info.Balance {
		return nil, ErrInsufficientFunds
	}

	result, err := s.send(ctx, models.Identity{Address: wallet.Address, PrivateKey: wallet.PrivateKey}, to, amount)
	if err != nil {
		return nil, err
	}
	s.persistBalance(ctx, wallet.Address, wallet.Balance, result.Balance)
	if to != wallet.Address {
		s.creditRecipient(ctx, to, result.Amount)
	}

	return &SendResponse{
		Address:       wallet.Address,
		Balance:       result.Balance,
		SendTimestamp: result.SentAt.UnixMilli(),
	}, nil
}

// Receive settles pending inbound transfers for a custodial wallet.
func (s *FaucetService) Receive(ctx context.Context, req ReceiveRequest) (resp *ReceiveResponse, err error) {
	defer func() { metrics.RecordOperation("receive", err) }()

	address := util.CleanInput(req.ReceiveAddress)
	wallet, err := s.loadWallet(ctx, address)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.network.ReceiveAll(ctx, models.Identity{Address: wallet.Address, PrivateKey: wallet.PrivateKey})
	metrics.ObserveNetworkCall("receive_all", start, err)
	if err != nil {
		return nil, upstream("receive", err)
	}
	s.persistBalance(ctx, wallet.Address, wallet.Balance, result.Balance)

	return &ReceiveResponse{Address: wallet.Address, Balance: result.Balance, ResolvedCount: result.ResolvedCount}, nil
}

// GetFromFaucet pays a small share of the faucet balance to a custodial
// wallet, subject to the per-IP eligibility policy.
func (s *FaucetService) GetFromFaucet(ctx context.Context, req FaucetRequest, sourceIP string) (resp *FaucetResponse, err error) {
	outcome := "error"
	defer func() { metrics.FaucetRequests.WithLabelValues(outcome).Inc() }()

	to := util.CleanInput(req.ToAddress)
	wallet, err := s.loadOwnedWallet(ctx, to, req.PrivateKey)
	if err != nil {
		return nil, err
	}
	if sourceIP == "" {
		return nil, fmt.Errorf("missing source ip")
	}

	lockKey := "ip:" + sourceIP
	token, acquired, err := s.locker.Acquire(ctx, lockKey, s.ipLockTTL)
	if err != nil {
		return nil, upstream("acquire ip lock", err)
	}
	if !acquired {
		outcome = "ineligible"
		metrics.FaucetIneligible.WithLabelValues(ReasonInProgress).Inc()
		return nil, &IneligibleError{Reason: ReasonInProgress}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = s.locker.Release(releaseCtx, lockKey, token)
	}()

	history, err := s.store.GetUsage(ctx, sourceIP)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, upstream("get ip usage", err)
	}

	now := s.now()
	decision, err := s.policy.Evaluate(sourceIP, now, history)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		outcome = "ineligible"
		metrics.FaucetIneligible.WithLabelValues(decision.Reason).Inc()
		util.Info("Faucet request rejected",
			util.String("ip", sourceIP),
			util.String("reason", decision.Reason),
			util.Duration("retry_after", decision.RetryAfter))
		return nil, &IneligibleError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	}
	if err := s.store.PutUsage(ctx, decision.Record); err != nil {
		return nil, upstream("store ip usage", err)
	}

	start := time.Now()
	info, err := s.network.GetAccountInfo(ctx, s.faucet.Address)
	metrics.ObserveNetworkCall("get_account_info", start, err)
	if err != nil {
		return nil, upstream("get faucet balance", err)
	}
	metrics.FaucetBalance.Set(float64(info.Balance))
	if info.Balance == 0 {
		return nil, ErrInsufficientFunds
	}

	payout := s.payoutFor(info.Balance)
	if payout == 0 {
		return nil, ErrInsufficientFunds
	}

	result, err := s.send(ctx, s.faucetIdentity(), wallet.Address, &payout)
	if err != nil {
		return nil, err
	}
	outcome = "paid"
	metrics.PayoutLamports.Add(float64(payout))
	metrics.FaucetBalance.Set(float64(result.Balance))
	s.creditRecipient(ctx, wallet.Address, result.Amount)

	s.record(ctx, models.LedgerEntry{
		Kind:      models.LedgerKindPayout,
		From:      s.faucet.Address,
		To:        wallet.Address,
		Amount:    payout,
		Signature: result.Signature,
		SourceIP:  sourceIP,
		CreatedAt: result.SentAt,
	})
	e := events.New(events.TypeFaucetPayout, result.SentAt)
	e.Address = wallet.Address
	e.Amount = payout
	e.Balance = result.Balance
	e.SourceIP = sourceIP
	e.Count = decision.Record.Count
	s.publish(ctx, e)

	util.Info("Faucet payout sent",
		util.Address("to", wallet.Address),
		util.Uint64("amount", payout),
		util.String("ip", sourceIP),
		util.Int("ip_count", decision.Record.Count))

	return &FaucetResponse{Address: s.faucet.Address, Balance: result.Balance}, nil
}

// ReceivePendingFaucetTransactions settles pending inbound transfers to the faucet.
func (s *FaucetService) ReceivePendingFaucetTransactions(ctx context.Context) (resp *ReceiveResponse, err error) {
	defer func() { metrics.RecordOperation("receive_faucet", err) }()

	start := time.Now()
	result, err := s.network.ReceiveAll(ctx, s.faucetIdentity())
	metrics.ObserveNetworkCall("receive_all", start, err)
	if err != nil {
		return nil, upstream("receive faucet", err)
	}
	metrics.FaucetBalance.Set(float64(result.Balance))
	return &ReceiveResponse{Address: s.faucet.Address, Balance: result.Balance, ResolvedCount: result.ResolvedCount}, nil
}

func (s *FaucetService) faucetIdentity() models.Identity {
	return models.Identity{Address: s.faucet.Address, PrivateKey: s.faucet.PrivateKey}
}

// payoutFor is floor(balance * percent).
func (s *FaucetService) payoutFor(balance uint64) uint64 {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(balance), 0).Mul(s.percent).Floor()
	if d.Sign() <= 0 {
		return 0
	}
	return d.BigInt().Uint64()
}

func (s *FaucetService) send(ctx context.Context, id models.Identity, to string, amount *uint64) (*models.SendResult, error) {
	start := time.Now()
	result, err := s.network.Send(ctx, id, to, amount)
	metrics.ObserveNetworkCall("send", start, err)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, client.ErrBalanceBelowFee):
		return nil, ErrInsufficientFunds
	case errors.Is(err, client.ErrInvalidAddress):
		return nil, ErrInvalidAddress
	default:
		return nil, upstream("send", err)
	}
}

func (s *FaucetService) loadWallet(ctx context.Context, address string) (*models.WalletRecord, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}
	wallet, err := s.store.GetWallet(ctx, address)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidAddress
	}
	if err != nil {
		return nil, upstream("get wallet", err)
	}
	return wallet, nil
}

func (s *FaucetService) loadOwnedWallet(ctx context.Context, address, privateKey string) (*models.WalletRecord, error) {
	wallet, err := s.loadWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(privateKey), []byte(wallet.PrivateKey)) != 1 {
		return nil, ErrUnauthorized
	}
	return wallet, nil
}

// persistBalance writes the post-operation balance. Failures leave the
// cached balance stale until the next receive reconciles it.
func (s *FaucetService) persistBalance(ctx context.Context, address string, expected, balance uint64) {
	if expected == balance {
		return
	}
	err := s.store.UpdateBalance(ctx, address, expected, balance)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrConflict):
		metrics.BalanceConflicts.Inc()
	default:
		util.Error("Failed to persist wallet balance",
			util.Address("address", address),
			util.Uint64("balance", balance),
			util.ErrorField(err))
	}
}

// creditRecipient adds a confirmed transfer to the stored balance of a
// custodial recipient so the sweep finds it before the owner calls receive.
// Addresses outside the store are ignored.
func (s *FaucetService) creditRecipient(ctx context.Context, address string, amount uint64) {
	for attempt := 0; attempt < creditAttempts; attempt++ {
		w, err := s.store.GetWallet(ctx, address)
		if errors.Is(err, repository.ErrNotFound) {
			return
		}
		if err == nil {
			err = s.store.UpdateBalance(ctx, address, w.Balance, w.Balance+amount)
		}
		switch {
		case err == nil:
			return
		case errors.Is(err, repository.ErrConflict):
			metrics.BalanceConflicts.Inc()
		default:
			util.Error("Failed to credit recipient balance",
				util.Address("address", address),
				util.Uint64("amount", amount),
				util.ErrorField(err))
			return
		}
	}
	util.Warn("Recipient balance left stale after repeated conflicts", util.Address("address", address))
}

func (s *FaucetService) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		util.Warn("Failed to publish event", util.String("type", e.Type), util.ErrorField(err))
	}
}

func (s *FaucetService) record(ctx context.Context, entries ...models.LedgerEntry) {
	if err := s.ledger.Record(ctx, entries...); err != nil {
		util.Warn("Failed to record ledger entries", util.Int("count", len(entries)), util.ErrorField(err))
	}
}

// parseRaw parses a smallest-unit integer amount. Zero, negative, fractional
// and out-of-range values are ErrInvalidAmount.
func parseRaw(raw string) (uint64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsInteger() || d.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	b := d.BigInt()
	if !b.IsUint64() {
		return 0, ErrInvalidAmount
	}
	return b.Uint64(), nil
}
