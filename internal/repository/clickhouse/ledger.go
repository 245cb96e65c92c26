// Package clickhouse appends outbound transfers to an analytics ledger.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/OmarB97/trynano-server/internal/models"
)

const createLedgerTable = `
CREATE TABLE IF NOT EXISTS faucet_ledger (
	kind       LowCardinality(String),
	from_addr  String,
	to_addr    String,
	amount     UInt64,
	signature  String,
	source_ip  String,
	created_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (kind, created_at)`

const insertLedger = `INSERT INTO faucet_ledger (kind, from_addr, to_addr, amount, signature, source_ip, created_at)`

// Conn is the subset of client.ClickHouseClient used by the ledger.
type Conn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

type Ledger struct {
	conn Conn
}

// NewLedger creates the ledger table if it does not exist.
func NewLedger(ctx context.Context, conn Conn) (*Ledger, error) {
	if err := conn.Exec(ctx, createLedgerTable); err != nil {
		return nil, fmt.Errorf("failed to create ledger table: %w", err)
	}
	return &Ledger{conn: conn}, nil
}

func (l *Ledger) Record(ctx context.Context, entries ...models.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []interface{}{e.Kind, e.From, e.To, e.Amount, e.Signature, e.SourceIP, e.CreatedAt})
	}
	if err := l.conn.BatchInsert(ctx, insertLedger, rows); err != nil {
		return fmt.Errorf("failed to record %d ledger entries: %w", len(entries), err)
	}
	return nil
}
