package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/util"
)

// RedisClient backs the cross-instance request and sweep locks.
type RedisClient struct {
	Client *redis.Client
}

// NewRedisClient connects to REDIS_URL and pings it. rediss:// URLs use TLS,
// with a client certificate when REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE are set.
func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	rc := cfg.Redis

	opts, err := redis.ParseURL(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if opts.Password == "" {
		opts.Password = rc.Password
	}
	opts.DB = rc.DB
	opts.PoolSize = rc.PoolSize
	opts.MinIdleConns = rc.PoolSize / 4
	// Lock calls sit on the request path; fail fast rather than queue.
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	opts.PoolTimeout = 2 * time.Second

	if strings.HasPrefix(rc.URL, "rediss://") {
		tlsConfig, err := clientTLSConfig(hostOnly(opts.Addr), rc.TLSCAFile, rc.TLSCertFile, rc.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls: %w", err)
		}
		opts.TLSConfig = tlsConfig
	}

	c := &RedisClient{Client: redis.NewClient(opts)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.HealthCheck(ctx); err != nil {
		_ = c.Client.Close()
		return nil, err
	}

	util.Info("Redis client initialized",
		util.String("addr", opts.Addr),
		util.Int("db", opts.DB),
		util.Bool("tls", opts.TLSConfig != nil))
	return c, nil
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (r *RedisClient) Close() error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// SetNX sets key only if it does not exist.
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, value, expiration).Result()
}

func (r *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return r.Client.Eval(ctx, script, keys, args...).Result()
}
