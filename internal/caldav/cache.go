package caldav

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Discoverer resolves an account's calendar collection.
type Discoverer interface {
	Discover(ctx context.Context, creds Credentials) (*Collection, error)
}

// ConnectionCache memoizes the resolved collection per account id. Entries
// live until Invalidate is called; concurrent misses for the same account
// share one discovery.
type ConnectionCache struct {
	discoverer Discoverer

	mu          sync.RWMutex
	entries     map[string]Collection
	generations map[string]uint64

	group singleflight.Group
}

// NewConnectionCache creates an empty cache backed by discoverer.
func NewConnectionCache(discoverer Discoverer) *ConnectionCache {
	return &ConnectionCache{
		discoverer:  discoverer,
		entries:     make(map[string]Collection),
		generations: make(map[string]uint64),
	}
}

// Get returns the cached collection for accountID.
func (c *ConnectionCache) Get(accountID string) (*Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	col, ok := c.entries[accountID]
	if !ok {
		return nil, false
	}
	return &col, true
}

// Set stores a collection known from elsewhere, such as the persisted
// account row.
func (c *ConnectionCache) Set(accountID string, col Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[accountID] = col
}

// GetOrCreate returns the cached collection or runs discovery to fill it.
// The second return value reports whether discovery ran.
func (c *ConnectionCache) GetOrCreate(ctx context.Context, accountID string, creds Credentials) (*Collection, bool, error) {
	if col, ok := c.Get(accountID); ok {
		return col, false, nil
	}

	c.mu.RLock()
	gen := c.generations[accountID]
	c.mu.RUnlock()

	// Keyed by generation so a discovery started before Invalidate is never
	// shared with callers that arrive after it.
	key := accountID + "#" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if col, ok := c.Get(accountID); ok {
			return col, nil
		}

		col, err := c.discoverer.Discover(ctx, creds)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.generations[accountID] == gen {
			c.entries[accountID] = *col
		}
		c.mu.Unlock()

		return col, nil
	})
	if err != nil {
		return nil, false, err
	}

	col := *v.(*Collection)
	return &col, true, nil
}

// Invalidate drops the entry for accountID. Discoveries already in flight
// for it will not repopulate the cache.
func (c *ConnectionCache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, accountID)
	c.generations[accountID]++
}

// Len returns the number of cached accounts.
func (c *ConnectionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
