// Package cache holds the most recent successfully fetched raw page set per
// network. It is the best-effort fallback for read paths when the store is
// unavailable; the sync orchestrator is the only writer.
package cache

import (
	"sync"
	"time"

	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"go.uber.org/zap"
)

const DefaultTTL = 5 * time.Minute

type pageSet struct {
	opened   []*storage.StakeOpened
	closed   []*storage.StakeClosed
	storedAt time.Time
}

// PageSetCache is read-many/write-one. Entries are replaced wholesale and
// expire after the configured TTL; there are no partial updates.
type PageSetCache struct {
	logger *zap.Logger
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[config.Network]*pageSet

	// now is swappable for tests.
	now func() time.Time
}

func NewPageSetCache(ttl time.Duration, l *zap.Logger) *PageSetCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PageSetCache{
		logger:  l,
		ttl:     ttl,
		entries: make(map[config.Network]*pageSet),
		now:     time.Now,
	}
}

// Put replaces the cached page set for a network.
func (c *PageSetCache) Put(network config.Network, opened []*storage.StakeOpened, closed []*storage.StakeClosed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[network] = &pageSet{
		opened:   opened,
		closed:   closed,
		storedAt: c.now(),
	}
	c.logger.Sugar().Debugw("Cached page set",
		zap.String("network", network.String()),
		zap.Int("openedCount", len(opened)),
		zap.Int("closedCount", len(closed)),
	)
}

// Get returns the cached page set for a network, or ok=false when the entry
// is absent or has expired.
func (c *PageSetCache) Get(network config.Network) ([]*storage.StakeOpened, []*storage.StakeClosed, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[network]
	if !ok {
		return nil, nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		return nil, nil, false
	}
	return entry.opened, entry.closed, true
}

// Clear drops the entry for a network. Full reconciliation syncs call this
// before re-fetching.
func (c *PageSetCache) Clear(network config.Network) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, network)
}
