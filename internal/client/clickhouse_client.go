package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/util"
)

// ClickHouseClient writes the faucet ledger.
type ClickHouseClient struct {
	conn driver.Conn
}

// NewClickHouseClient opens a native-protocol connection. https:// URLs and
// production environments use TLS, with CLICKHOUSE_CA_FILE as an optional
// root CA.
func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	cc := cfg.Clickhouse
	addr := hostPort(cc.URL)

	opts := &ch.Options{
		Addr: []string{addr},
		Auth: ch.Auth{
			Database: cc.Database,
			Username: cc.Username,
			Password: cc.Password,
		},
		// Ledger writes are small and infrequent.
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}

	if cfg.IsProduction() || strings.HasPrefix(cc.URL, "https://") {
		tlsConfig, err := clientTLSConfig(hostOnly(addr), cc.CAFile, "", "")
		if err != nil {
			return nil, fmt.Errorf("clickhouse tls: %w", err)
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	c := &ClickHouseClient{conn: conn}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.HealthCheck(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client initialized",
		util.String("addr", addr),
		util.String("database", cc.Database),
		util.Bool("tls", opts.TLS != nil))
	return c, nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert appends every row to one batch and sends it.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// hostPort turns CLICKHOUSE_URL into a native-protocol address, defaulting
// to 9440 for https and 9000 otherwise.
func hostPort(url string) string {
	clean := strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "https://")
	clean = strings.TrimSuffix(clean, "/")
	if strings.Contains(clean, ":") {
		return clean
	}
	if strings.HasPrefix(url, "https://") {
		return clean + ":9440"
	}
	return clean + ":9000"
}
