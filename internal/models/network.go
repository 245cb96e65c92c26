package models

import "time"

// GeneratedWallet is a fresh keypair from the wallet network.
type GeneratedWallet struct {
	Address    string
	PublicKey  string
	PrivateKey string
}

// Identity is what the wallet network needs to act on behalf of an account.
type Identity struct {
	Address    string
	PrivateKey string
}

type AccountInfo struct {
	Address string
	Balance uint64
}

type SendResult struct {
	Signature string
	Amount    uint64
	Balance   uint64
	SentAt    time.Time
}

type ReceiveResult struct {
	Balance       uint64
	ResolvedCount int
}

const (
	LedgerKindPayout = "payout"
	LedgerKindSweep  = "sweep"
)

// LedgerEntry is one outbound transfer made by the service.
type LedgerEntry struct {
	Kind      string
	From      string
	To        string
	Amount    uint64
	Signature string
	SourceIP  string
	CreatedAt time.Time
}
