package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/models"
)

type fakeRPC struct {
	mu       sync.Mutex
	balances map[solana.PublicKey]uint64
	sent     []*solana.Transaction
	history  []*rpc.TransactionSignature
	status   rpc.ConfirmationStatusType
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{balances: map[solana.PublicKey]uint64{}, status: rpc.ConfirmationStatusFinalized}
}

func (f *fakeRPC) GetBalance(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &rpc.GetBalanceResult{Value: f.balances[account]}, nil
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}}}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignaturesForAddressWithOpts(context.Context, solana.PublicKey, *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return f.history, nil
}

func (f *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	out := &rpc.GetSignatureStatusesResult{}
	for range sigs {
		out.Value = append(out.Value, &rpc.SignatureStatusesResult{ConfirmationStatus: f.status})
	}
	return out, nil
}

func testSolanaClient(api rpcAPI) *SolanaClient {
	return newSolanaClient(api, config.SolanaConfig{
		Timeout:             time.Second,
		FeeLamports:         5000,
		ReceiveLookback:     10,
		ReceivePollInterval: time.Millisecond,
	})
}

func TestSolanaClient_GenerateWalletIsUsable(t *testing.T) {
	c := testSolanaClient(newFakeRPC())

	w, err := c.GenerateWallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, w.Address, w.PublicKey)
	assert.NoError(t, c.ValidateAddress(w.Address))

	key, err := solana.PrivateKeyFromBase58(w.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, w.Address, key.PublicKey().String())
}

func TestSolanaClient_ValidateAddress(t *testing.T) {
	c := testSolanaClient(newFakeRPC())
	assert.ErrorIs(t, c.ValidateAddress("not-base58-0OIl"), ErrInvalidAddress)
	assert.ErrorIs(t, c.ValidateAddress(""), ErrInvalidAddress)
}

func TestSolanaClient_SendMaxLeavesFee(t *testing.T) {
	api := newFakeRPC()
	c := testSolanaClient(api)
	ctx := context.Background()

	from, err := c.GenerateWallet(ctx)
	require.NoError(t, err)
	to, err := c.GenerateWallet(ctx)
	require.NoError(t, err)
	api.balances[solana.MustPublicKeyFromBase58(from.Address)] = 1_000_000

	res, err := c.Send(ctx, models.Identity{Address: from.Address, PrivateKey: from.PrivateKey}, to.Address, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(995_000), res.Amount)
	assert.NotEmpty(t, res.Signature)
	require.Len(t, api.sent, 1)
	assert.Len(t, api.sent[0].Signatures, 1)
}

func TestSolanaClient_SendRejectsMismatchedKey(t *testing.T) {
	c := testSolanaClient(newFakeRPC())
	ctx := context.Background()
	a, _ := c.GenerateWallet(ctx)
	b, _ := c.GenerateWallet(ctx)

	amount := uint64(10)
	_, err := c.Send(ctx, models.Identity{Address: a.Address, PrivateKey: b.PrivateKey}, b.Address, &amount)
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestSolanaClient_SendMaxBelowFee(t *testing.T) {
	api := newFakeRPC()
	c := testSolanaClient(api)
	ctx := context.Background()
	a, _ := c.GenerateWallet(ctx)
	b, _ := c.GenerateWallet(ctx)
	api.balances[solana.MustPublicKeyFromBase58(a.Address)] = 5000

	_, err := c.Send(ctx, models.Identity{Address: a.Address, PrivateKey: a.PrivateKey}, b.Address, nil)
	assert.ErrorIs(t, err, ErrBalanceBelowFee)
	assert.Empty(t, api.sent)
}

func TestSolanaClient_SendAmountMustLeaveFee(t *testing.T) {
	api := newFakeRPC()
	c := testSolanaClient(api)
	ctx := context.Background()
	a, _ := c.GenerateWallet(ctx)
	b, _ := c.GenerateWallet(ctx)
	api.balances[solana.MustPublicKeyFromBase58(a.Address)] = 10_000
	id := models.Identity{Address: a.Address, PrivateKey: a.PrivateKey}

	for _, amount := range []uint64{10_000, 5_001} {
		amount := amount
		_, err := c.Send(ctx, id, b.Address, &amount)
		assert.ErrorIs(t, err, ErrBalanceBelowFee, "amount %d", amount)
	}
	assert.Empty(t, api.sent)

	amount := uint64(5_000)
	res, err := c.Send(ctx, id, b.Address, &amount)
	require.NoError(t, err)
	assert.Equal(t, amount, res.Amount)
	assert.Len(t, api.sent, 1)
}

func TestSolanaClient_ReceiveAllCountsFinalized(t *testing.T) {
	api := newFakeRPC()
	c := testSolanaClient(api)
	ctx := context.Background()
	w, _ := c.GenerateWallet(ctx)
	api.balances[solana.MustPublicKeyFromBase58(w.Address)] = 42

	api.history = []*rpc.TransactionSignature{
		{Signature: solana.Signature{1}, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		{Signature: solana.Signature{2}, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
		{Signature: solana.Signature{3}, ConfirmationStatus: rpc.ConfirmationStatusFinalized},
		{Signature: solana.Signature{4}, ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: "failed"},
	}

	res, err := c.ReceiveAll(ctx, models.Identity{Address: w.Address})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.Balance)
	assert.Equal(t, 2, res.ResolvedCount)
}

func TestSolanaClient_ReceiveAllNothingPending(t *testing.T) {
	api := newFakeRPC()
	c := testSolanaClient(api)
	w, _ := c.GenerateWallet(context.Background())

	res, err := c.ReceiveAll(context.Background(), models.Identity{Address: w.Address})
	require.NoError(t, err)
	assert.Zero(t, res.ResolvedCount)
}
