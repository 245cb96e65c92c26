package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/models"
	"github.com/OmarB97/trynano-server/internal/util"
)

var (
	ErrInvalidAddress    = errors.New("invalid solana address")
	ErrInvalidPrivateKey = errors.New("invalid solana private key")
	ErrBalanceBelowFee   = errors.New("balance does not cover the transaction fee")
)

const maxStatusPolls = 15

// rpcAPI is the subset of *rpc.Client used by SolanaClient.
type rpcAPI interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// SolanaClient is the wallet network: keypair generation, balance lookups,
// signed transfers and settlement of inbound transfers.
type SolanaClient struct {
	rpc          rpcAPI
	timeout      time.Duration
	fee          uint64
	lookback     int
	pollInterval time.Duration
}

func NewSolanaClient(cfg config.SolanaConfig) *SolanaClient {
	return newSolanaClient(rpc.New(cfg.RPCEndpoint), cfg)
}

func newSolanaClient(api rpcAPI, cfg config.SolanaConfig) *SolanaClient {
	return &SolanaClient{
		rpc:          api,
		timeout:      cfg.Timeout,
		fee:          cfg.FeeLamports,
		lookback:     cfg.ReceiveLookback,
		pollInterval: cfg.ReceivePollInterval,
	}
}

func (c *SolanaClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *SolanaClient) ValidateAddress(address string) error {
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

func (c *SolanaClient) GenerateWallet(context.Context) (*models.GeneratedWallet, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	pub := key.PublicKey().String()
	return &models.GeneratedWallet{Address: pub, PublicKey: pub, PrivateKey: key.String()}, nil
}

func (c *SolanaClient) GetAccountInfo(ctx context.Context, address string) (*models.AccountInfo, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	balance, err := c.balance(ctx, pub, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, err
	}
	return &models.AccountInfo{Address: address, Balance: balance}, nil
}

func (c *SolanaClient) balance(ctx context.Context, pub solana.PublicKey, commitment rpc.CommitmentType) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.rpc.GetBalance(ctx, pub, commitment)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return out.Value, nil
}

// Send transfers amount lamports from id to to. A nil amount sends the whole
// balance less the network fee. The call returns once the transfer is
// confirmed, with the sender's resulting balance.
func (c *SolanaClient) Send(ctx context.Context, id models.Identity, to string, amount *uint64) (*models.SendResult, error) {
	key, err := solana.PrivateKeyFromBase58(id.PrivateKey)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	from := key.PublicKey()
	if id.Address != "" && from.String() != id.Address {
		return nil, ErrInvalidPrivateKey
	}
	dest, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	bal, err := c.balance(ctx, from, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, err
	}
	if bal <= c.fee {
		return nil, ErrBalanceBelowFee
	}
	lamports := bal - c.fee
	if amount != nil {
		// The sender pays the fee on top of the amount.
		if *amount > lamports {
			return nil, ErrBalanceBelowFee
		}
		lamports = *amount
	}

	sig, err := c.transfer(ctx, key, from, dest, lamports)
	if err != nil {
		return nil, err
	}
	sentAt := time.Now().UTC()

	if _, err := c.awaitStatus(ctx, []solana.Signature{sig}, rpc.ConfirmationStatusConfirmed); err != nil {
		return nil, err
	}
	bal, err = c.balance(ctx, from, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, err
	}

	util.Info("Transfer confirmed",
		util.Address("from", from.String()),
		util.Address("to", to),
		util.Uint64("lamports", lamports),
		util.String("signature", sig.String()))

	return &models.SendResult{Signature: sig.String(), Amount: lamports, Balance: bal, SentAt: sentAt}, nil
}

func (c *SolanaClient) transfer(ctx context.Context, key solana.PrivateKey, from, to solana.PublicKey, lamports uint64) (solana.Signature, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, from, to).Build()},
		recent.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(from) {
			return &key
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to submit transaction: %w", err)
	}
	return sig, nil
}

// ReceiveAll settles the account's pending inbound transfers: recent
// signatures that are not yet finalized are polled until they finalize or
// ctx ends. ResolvedCount is the number that finalized during the call.
func (c *SolanaClient) ReceiveAll(ctx context.Context, id models.Identity) (*models.ReceiveResult, error) {
	pub, err := solana.PublicKeyFromBase58(id.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	pending, err := c.pendingSignatures(ctx, pub)
	if err != nil {
		return nil, err
	}

	resolved := 0
	if len(pending) > 0 {
		if resolved, err = c.awaitStatus(ctx, pending, rpc.ConfirmationStatusFinalized); err != nil && resolved == 0 {
			return nil, err
		}
	}

	bal, err := c.balance(ctx, pub, rpc.CommitmentFinalized)
	if err != nil {
		return nil, err
	}
	return &models.ReceiveResult{Balance: bal, ResolvedCount: resolved}, nil
}

func (c *SolanaClient) pendingSignatures(ctx context.Context, pub solana.PublicKey) ([]solana.Signature, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	limit := c.lookback
	sigs, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, pub, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}

	var pending []solana.Signature
	for _, s := range sigs {
		if s.Err == nil && s.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
			pending = append(pending, s.Signature)
		}
	}
	return pending, nil
}

// awaitStatus polls until every signature reaches target, returning how many
// did. A failed transaction is an error.
func (c *SolanaClient) awaitStatus(ctx context.Context, sigs []solana.Signature, target rpc.ConfirmationStatusType) (int, error) {
	done := make(map[solana.Signature]bool, len(sigs))
	for poll := 0; poll < maxStatusPolls; poll++ {
		var waiting []solana.Signature
		for _, s := range sigs {
			if !done[s] {
				waiting = append(waiting, s)
			}
		}
		if len(waiting) == 0 {
			break
		}

		rctx, cancel := c.withTimeout(ctx)
		out, err := c.rpc.GetSignatureStatuses(rctx, true, waiting...)
		cancel()
		if err != nil {
			return len(done), fmt.Errorf("failed to get signature statuses: %w", err)
		}
		for i, st := range out.Value {
			if st == nil || i >= len(waiting) {
				continue
			}
			if st.Err != nil {
				return len(done), fmt.Errorf("transaction %s failed: %v", waiting[i], st.Err)
			}
			if reached(st.ConfirmationStatus, target) {
				done[waiting[i]] = true
			}
		}
		if len(done) == len(sigs) {
			break
		}

		t := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return len(done), ctx.Err()
		case <-t.C:
		}
	}
	if len(done) < len(sigs) && target == rpc.ConfirmationStatusConfirmed {
		return len(done), fmt.Errorf("transaction not confirmed after %d polls", maxStatusPolls)
	}
	return len(done), nil
}

func reached(status, target rpc.ConfirmationStatusType) bool {
	switch target {
	case rpc.ConfirmationStatusFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.ConfirmationStatusConfirmed:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	default:
		return status != ""
	}
}

func (c *SolanaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized); err != nil {
		return fmt.Errorf("solana rpc health check failed: %w", err)
	}
	return nil
}
