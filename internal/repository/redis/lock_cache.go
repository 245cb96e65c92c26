// Package redis holds short-lived coordination state in Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/OmarB97/trynano-server/internal/util"
)

const lockPrefix = "faucet:lock:"

// releaseScript deletes the key only when it still holds the caller's token,
// so an expired lock re-acquired by someone else is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Commands is the subset of client.RedisClient the lock needs.
type Commands interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

type LockCache struct {
	client Commands
}

func NewLockCache(client Commands) *LockCache {
	return &LockCache{client: client}
}

// Acquire takes key for ttl. acquired is false when another holder has it.
func (c *LockCache) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, lockPrefix+key, token, ttl)
	if err != nil {
		util.Error("Failed to acquire lock", util.String("key", key), util.ErrorField(err))
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		util.Debug("Lock already held", util.String("key", key))
		return "", false, nil
	}
	return token, true, nil
}

func (c *LockCache) Release(ctx context.Context, key, token string) error {
	if _, err := c.client.Eval(ctx, releaseScript, []string{lockPrefix + key}, token); err != nil {
		util.Warn("Failed to release lock", util.String("key", key), util.ErrorField(err))
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
