package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// credCacheTTL bounds how long a successful credential verification is
// reused without a database lookup. Revocation therefore takes effect for
// new handshakes within at most this window.
const credCacheTTL = 5 * time.Minute

type credEntry struct {
	keyID   uuid.UUID
	agentID string
	until   time.Time
}

// credCache caches successful API-key verifications keyed by key hash.
// Failures are never cached — a typo'd key should work immediately once
// corrected.
type credCache struct {
	mu      sync.Mutex
	entries map[string]credEntry
}

func newCredCache() *credCache {
	return &credCache{entries: make(map[string]credEntry)}
}

func (c *credCache) get(keyHash string) (credEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[keyHash]
	if !ok {
		return credEntry{}, false
	}
	if time.Now().After(entry.until) {
		delete(c.entries, keyHash)
		return credEntry{}, false
	}
	return entry, true
}

func (c *credCache) put(keyHash string, keyID uuid.UUID, agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyHash] = credEntry{
		keyID:   keyID,
		agentID: agentID,
		until:   time.Now().Add(credCacheTTL),
	}
}
