// Package keycache is the Key Material Cache (C9): a TTL-bounded,
// coalescing memo of decrypted Bedrock credentials keyed by access
// key id.
//
// Grounded on middleware/auth.go's cachedAuth{userID, expiresAt}
// pattern (expiry-stamped cache entries checked against time.Now on
// load), extended with a pending-request map so concurrent callers
// for the same id share one decryption instead of stampeding the KMS.
// The corpus does not import golang.org/x/sync/singleflight anywhere,
// so the coalescing gate here is hand-rolled mutex-plus-map rather
// than pulling in a new dependency for one call site (see DESIGN.md).
package keycache

import (
	"sync"
	"time"

	"github.com/sergeybar/ak-gateway/internal/clock"
)

type entry struct {
	plaintext []byte
	expiresAt time.Time
}

// Loader fetches and decrypts the plaintext credential for id on a
// cache miss.
type Loader func(id string) ([]byte, error)

// Cache is the C9 collaborator.
type Cache struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
	pending map[string]*call
}

type call struct {
	wg        sync.WaitGroup
	plaintext []byte
	err       error
}

func New(clk clock.Clock, ttl time.Duration) *Cache {
	return &Cache{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]entry),
		pending: make(map[string]*call),
	}
}

// GetOrLoad returns the cached plaintext for id, or invokes loader on
// a miss. Concurrent callers for the same id block on a single
// in-flight loader call rather than each invoking it.
func (c *Cache) GetOrLoad(id string, loader Loader) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && c.clock.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.plaintext, nil
	}

	if in, ok := c.pending[id]; ok {
		c.mu.Unlock()
		in.wg.Wait()
		return in.plaintext, in.err
	}

	in := &call{}
	in.wg.Add(1)
	c.pending[id] = in
	c.mu.Unlock()

	plaintext, err := loader(id)
	in.plaintext, in.err = plaintext, err
	in.wg.Done()

	c.mu.Lock()
	delete(c.pending, id)
	if err == nil {
		c.entries[id] = entry{plaintext: plaintext, expiresAt: c.clock.Now().Add(c.ttl)}
	}
	c.mu.Unlock()

	return plaintext, err
}

// Invalidate drops an entry immediately (the C9 invalidation hook of
// spec §4.5).
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
