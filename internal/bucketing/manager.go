// Package bucketing assigns wallet addresses to a fixed number of storage
// partitions with murmur3.
package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/OmarB97/trynano-server/internal/config"
)

type Manager struct {
	walletBuckets int
	hasherPool    sync.Pool
}

func NewManager(cfg config.BucketingConfig) *Manager {
	n := cfg.WalletBuckets
	if n < 1 {
		n = 1
	}
	return &Manager{
		walletBuckets: n,
		hasherPool: sync.Pool{
			New: func() interface{} { return murmur3.New64() },
		},
	}
}

// WalletBucket returns the partition (0 to Buckets()-1) for address.
func (m *Manager) WalletBucket(address string) int {
	return int(m.hash(address) % uint64(m.walletBuckets))
}

func (m *Manager) Buckets() int {
	return m.walletBuckets
}

// All lists every bucket id, for full-table scans.
func (m *Manager) All() []int {
	out := make([]int, m.walletBuckets)
	for i := range out {
		out[i] = i
	}
	return out
}

func (m *Manager) hash(key string) uint64 {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
