package llm

import (
	"context"
	"sync"
)

// handshakeCache holds upstream session credentials per local session id.
// Entries never expire; failed acquisitions are not stored.
type handshakeCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newHandshakeCache() *handshakeCache {
	return &handshakeCache{entries: make(map[string]string)}
}

// get returns the cached credential or runs acquire on a miss. Acquisition
// happens outside the lock; when two turns race, the first stored value wins.
func (c *handshakeCache) get(ctx context.Context, sessionID string, acquire func(context.Context) (string, error)) (string, error) {
	c.mu.Lock()
	value, ok := c.entries[sessionID]
	c.mu.Unlock()
	if ok {
		return value, nil
	}

	value, err := acquire(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[sessionID]; ok {
		return existing, nil
	}
	c.entries[sessionID] = value
	return value, nil
}

func (c *handshakeCache) evict(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

func (c *handshakeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
