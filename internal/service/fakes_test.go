package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/OmarB97/trynano-server/internal/client"
	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/events"
	"github.com/OmarB97/trynano-server/internal/models"
	"github.com/OmarB97/trynano-server/internal/repository/memory"
)

const (
	faucetAddr = "faucet-address"
	faucetKey  = "faucet-key"
	clientIP   = "198.51.100.10"
)

var (
	errNetworkDown = errors.New("rpc unavailable")
	errBelowFee    = fmt.Errorf("sweep: %w", client.ErrBalanceBelowFee)
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeNetwork struct {
	mu       sync.Mutex
	next     int
	balances map[string]uint64
	pending  map[string]int
	failSend map[string]error
	getErr   error
	calls    int
	sends    []sendCall
}

type sendCall struct {
	from   string
	to     string
	amount uint64
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		balances: map[string]uint64{},
		pending:  map[string]int{},
		failSend: map[string]error{},
	}
}

func (f *fakeNetwork) ValidateAddress(address string) error {
	if address == "" || strings.HasPrefix(address, "bad") {
		return client.ErrInvalidAddress
	}
	return nil
}

func (f *fakeNetwork) GenerateWallet(context.Context) (*models.GeneratedWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.next++
	addr := fmt.Sprintf("wallet-%d", f.next)
	return &models.GeneratedWallet{Address: addr, PublicKey: addr, PrivateKey: "key-" + addr}, nil
}

func (f *fakeNetwork) GetAccountInfo(_ context.Context, address string) (*models.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &models.AccountInfo{Address: address, Balance: f.balances[address]}, nil
}

func (f *fakeNetwork) Send(_ context.Context, id models.Identity, to string, amount *uint64) (*models.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failSend[id.Address]; err != nil {
		return nil, err
	}
	bal := f.balances[id.Address]
	n := bal
	if amount != nil {
		n = *amount
	}
	if n == 0 || n > bal {
		return nil, client.ErrBalanceBelowFee
	}
	f.balances[id.Address] -= n
	f.balances[to] += n
	f.pending[to]++
	f.sends = append(f.sends, sendCall{from: id.Address, to: to, amount: n})
	return &models.SendResult{
		Signature: fmt.Sprintf("sig-%d", len(f.sends)),
		Amount:    n,
		Balance:   f.balances[id.Address],
		SentAt:    testNow,
	}, nil
}

func (f *fakeNetwork) ReceiveAll(_ context.Context, id models.Identity) (*models.ReceiveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	resolved := f.pending[id.Address]
	f.pending[id.Address] = 0
	return &models.ReceiveResult{Balance: f.balances[id.Address], ResolvedCount: resolved}, nil
}

func (f *fakeNetwork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) ofType(t string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingLedger struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
}

func (r *recordingLedger) Record(_ context.Context, entries ...models.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Faucet: config.FaucetConfig{
			Address:          faucetAddr,
			PublicKey:        faucetAddr,
			PrivateKey:       faucetKey,
			Percent:          decimal.RequireFromString("0.00015"),
			WalletExpiration: 72 * time.Hour,
			LockTTL:          30 * time.Second,
		},
		Eligibility: config.EligibilityConfig{
			ThrottleDuration: 600 * time.Second,
			InvokeLimit:      10,
			ResetWindow:      24 * time.Hour,
			RetentionWindow:  48 * time.Hour,
		},
		Sweep: config.SweepConfig{
			Concurrency: 3,
			ExpiredOnly: true,
			LockTTL:     time.Minute,
		},
	}
}

type harness struct {
	cfg       *config.Config
	store     *memory.Store
	network   *fakeNetwork
	locker    *memory.Locker
	publisher *recordingPublisher
	ledger    *recordingLedger
	faucet    *FaucetService
	sweep     *SweepService
	clock     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cfg:       testConfig(),
		network:   newFakeNetwork(),
		locker:    memory.NewLocker(),
		publisher: &recordingPublisher{},
		ledger:    &recordingLedger{},
		clock:     testNow,
	}
	h.store = memory.NewStore().WithClock(func() time.Time { return h.clock })

	factory := NewServiceFactory(h.cfg, h.store, h.network, h.locker, h.publisher, h.ledger)
	h.faucet = factory.FaucetService()
	h.faucet.now = func() time.Time { return h.clock }
	h.sweep = factory.SweepService()
	h.sweep.now = func() time.Time { return h.clock }
	return h
}

// addWallet stores a custodial wallet and gives it a live balance.
func (h *harness) addWallet(t *testing.T, address string, balance uint64, expiresIn time.Duration) *models.WalletRecord {
	t.Helper()
	w, err := models.NewWalletRecord(address, address, "key-"+address, h.clock, expiresIn)
	if err != nil {
		t.Fatal(err)
	}
	w.Balance = balance
	if err := h.store.PutWallet(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	h.network.balances[address] = balance
	return w
}
