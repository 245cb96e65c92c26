package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/util"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		bucket int,
		address text,
		public_key text,
		private_key_enc text,
		private_key_dek text,
		private_key_key_id text,
		balance bigint,
		created_at timestamp,
		expires_at timestamp,
		PRIMARY KEY ((bucket), address)
	)`,
	`CREATE TABLE IF NOT EXISTS ip_usage (
		ip text PRIMARY KEY,
		invoke_count int,
		last_used timestamp,
		expires_at timestamp
	)`,
}

// Statements holds the CQL used by the repositories. gocql prepares each one
// on first use. Bound queries must not be shared between goroutines, so
// callers build a fresh one per call with Query.
type Statements struct {
	InsertWallet        string
	GetWallet           string
	UpdateWalletBalance string
	ScanWalletBucket    string
	UpsertUsage         string
	GetUsage            string
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Statements   *Statements
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = scyllaConfig.Timeout
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 500
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session, config: &scyllaConfig}

	if err := client.ensureSchema(); err != nil {
		session.Close()
		return nil, err
	}
	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		util.Strings("nodes", scyllaConfig.Nodes),
		util.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) ensureSchema() error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	s.Statements = &Statements{
		InsertWallet: `
			INSERT INTO wallets (
				bucket, address, public_key, private_key_enc, private_key_dek,
				private_key_key_id, balance, created_at, expires_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		GetWallet: `
			SELECT address, public_key, private_key_enc, private_key_dek, private_key_key_id,
				balance, created_at, expires_at
			FROM wallets WHERE bucket = ? AND address = ?`,
		UpdateWalletBalance: `
			UPDATE wallets SET balance = ? WHERE bucket = ? AND address = ? IF balance = ?`,
		ScanWalletBucket: `
			SELECT address, public_key, private_key_enc, private_key_dek, private_key_key_id,
				balance, created_at, expires_at
			FROM wallets WHERE bucket = ?`,
		UpsertUsage: `
			INSERT INTO ip_usage (ip, invoke_count, last_used, expires_at)
			VALUES (?, ?, ?, ?) USING TTL ?`,
		GetUsage: `
			SELECT ip, invoke_count, last_used, expires_at FROM ip_usage WHERE ip = ?`,
	}
	s.isPrepared = true
	return nil
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

// ExecuteWithRetry runs an idempotent write, retrying with linear backoff
// until it succeeds, maxRetries is exhausted or ctx is done.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.WithContext(ctx).Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries && !sleepCtx(ctx, time.Duration(i+1)*100*time.Millisecond) {
			return ctx.Err()
		}
	}
	return lastErr
}

// ScanWithRetry is ExecuteWithRetry for single-row reads. gocql.ErrNotFound
// is returned immediately.
func (s *ScyllaClient) ScanWithRetry(ctx context.Context, query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = query.WithContext(ctx).Scan(dest...)
		if lastErr == nil || lastErr == gocql.ErrNotFound {
			return lastErr
		}
		if i < 2 && !sleepCtx(ctx, time.Duration(i+1)*100*time.Millisecond) {
			return ctx.Err()
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
