package tenantclient

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-vault/pkg/models"
)

// HandleCache maps organization ids to built clients for the lifetime of
// the process. Entries leave only through Remove, Clear or Evict.
//
// Every removal bumps a generation so that a build which started before the
// removal cannot store its (possibly stale) result afterwards. Remove and
// Clear also record when they ran, so a connection record read before an
// invalidation can be recognised and read again.
type HandleCache struct {
	mu          sync.RWMutex
	entries     map[uuid.UUID]*cacheEntry
	generations map[uuid.UUID]uint64
	epoch       uint64
	invalidated map[uuid.UUID]time.Time
	clearedAt   time.Time
}

type cacheEntry struct {
	client   *TenantClient
	storedAt time.Time
}

// ticket records the cache state a build started from.
type ticket struct {
	epoch      uint64
	generation uint64
	// invalidatedAt is the last Remove or Clear that covered the
	// organization, zero if there was none.
	invalidatedAt time.Time
}

// NewHandleCache creates an empty cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{
		entries:     make(map[uuid.UUID]*cacheEntry),
		generations: make(map[uuid.UUID]uint64),
		invalidated: make(map[uuid.UUID]time.Time),
	}
}

// Get returns the cached client for orgID.
func (c *HandleCache) Get(orgID uuid.UUID) (*TenantClient, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[orgID]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

func (c *HandleCache) ticket(orgID uuid.UUID) ticket {
	c.mu.RLock()
	defer c.mu.RUnlock()

	invalidatedAt := c.invalidated[orgID]
	if c.clearedAt.After(invalidatedAt) {
		invalidatedAt = c.clearedAt
	}
	return ticket{epoch: c.epoch, generation: c.generations[orgID], invalidatedAt: invalidatedAt}
}

// predates reports whether conn may have been read before the invalidation
// t saw. A record with no update time is treated as stale once any
// invalidation happened.
func (t ticket) predates(conn *models.Connection) bool {
	if t.invalidatedAt.IsZero() {
		return false
	}
	return !conn.UpdatedAt.After(t.invalidatedAt)
}

// storeIfCurrent caches client unless orgID was invalidated since t was
// issued. When another client is already cached that one wins and is
// returned; the caller then owns (and must close) its own client.
func (c *HandleCache) storeIfCurrent(orgID uuid.UUID, t ticket, client *TenantClient) (*TenantClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != t.epoch || c.generations[orgID] != t.generation {
		return nil, false
	}
	if existing, ok := c.entries[orgID]; ok {
		return existing.client, true
	}
	c.entries[orgID] = &cacheEntry{client: client, storedAt: time.Now()}
	return client, true
}

// Remove drops orgID and returns the removed client, if any, for closing.
func (c *HandleCache) Remove(orgID uuid.UUID) *TenantClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[orgID]++
	c.invalidated[orgID] = time.Now()
	entry, ok := c.entries[orgID]
	if !ok {
		return nil
	}
	delete(c.entries, orgID)
	return entry.client
}

// Evict removes orgID only while it still maps to client. A concurrent
// rebuild that already replaced the entry is left alone.
func (c *HandleCache) Evict(orgID uuid.UUID, client *TenantClient) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[orgID]
	if !ok || entry.client != client {
		return false
	}
	delete(c.entries, orgID)
	c.generations[orgID]++
	return true
}

// Clear drops every entry and returns the removed clients for closing.
func (c *HandleCache) Clear() []*TenantClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.clearedAt = time.Now()
	removed := make([]*TenantClient, 0, len(c.entries))
	for _, entry := range c.entries {
		removed = append(removed, entry.client)
	}
	c.entries = make(map[uuid.UUID]*cacheEntry)
	return removed
}

// Len returns the number of cached clients.
func (c *HandleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// oldest returns the age of the longest-lived entry.
func (c *HandleCache) oldest(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var oldest time.Duration
	for _, entry := range c.entries {
		if age := now.Sub(entry.storedAt); age > oldest {
			oldest = age
		}
	}
	return oldest
}

// byType counts cached clients per datastore type.
func (c *HandleCache) byType() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int)
	for _, entry := range c.entries {
		if entry.client.Datastore != nil {
			counts[entry.client.Datastore.Type()]++
		}
	}
	return counts
}
