// Package authn implements the Authenticator (C1): fingerprinting the
// raw access key, consulting a TTL positive/negative cache, and
// falling back to the store on a miss.
//
// Grounded on middleware/auth.go's cachedAuth{userID, expiresAt}
// sync.Map cache, extended with negative caching (a cached "no such
// key" result) to bound store load under credential-stuffing traffic,
// per spec §4.1.
package authn

import (
	"sync"
	"time"

	"github.com/sergeybar/ak-gateway/internal/clock"
	"github.com/sergeybar/ak-gateway/internal/fingerprint"
	"github.com/sergeybar/ak-gateway/internal/store"
)

// RequestContext is the per-request authentication result (spec §3).
type RequestContext struct {
	AccessKeyID   string
	UserID        string
	KeyPrefix     string
	BedrockRegion string
	BedrockModel  string
	HasBedrockKey bool
}

type cacheEntry struct {
	ctx       *RequestContext // nil means a cached negative result
	expiresAt time.Time
}

// Authenticator is the C1 collaborator.
type Authenticator struct {
	store  *store.Store
	hasher *fingerprint.Hasher
	clock  clock.Clock
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New(st *store.Store, hasher *fingerprint.Hasher, clk clock.Clock, ttl time.Duration) *Authenticator {
	return &Authenticator{
		store:  st,
		hasher: hasher,
		clock:  clk,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
}

// Authenticate fingerprints rawKey and resolves a RequestContext,
// returning nil if the key is unknown or revoked. Never returns an
// error for "not found" — only for transient store failures, which
// callers treat the same as "not found" per spec §7's "404 not 401"
// edge-confirming-nothing policy.
func (a *Authenticator) Authenticate(rawKey string) (*RequestContext, error) {
	keyHash := a.hasher.Fingerprint(rawKey)

	a.mu.Lock()
	if e, ok := a.cache[keyHash]; ok && a.clock.Now().Before(e.expiresAt) {
		a.mu.Unlock()
		return e.ctx, nil
	}
	a.mu.Unlock()

	ak, err := a.store.FindAccessKeyByHash(keyHash)
	if err != nil {
		return nil, err
	}
	if ak == nil || ak.Status != store.StatusActive {
		a.cacheResult(keyHash, nil)
		return nil, nil
	}

	hasBedrock, err := a.store.HasBedrockKey(ak.ID)
	if err != nil {
		return nil, err
	}

	ctx := &RequestContext{
		AccessKeyID:   ak.ID,
		UserID:        ak.UserID,
		KeyPrefix:     ak.KeyPrefix,
		BedrockRegion: ak.BedrockRegion,
		BedrockModel:  ak.BedrockModel,
		HasBedrockKey: hasBedrock,
	}
	a.cacheResult(keyHash, ctx)
	return ctx, nil
}

func (a *Authenticator) cacheResult(keyHash string, ctx *RequestContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[keyHash] = cacheEntry{ctx: ctx, expiresAt: a.clock.Now().Add(a.ttl)}
}

// Invalidate drops a cached entry by key hash immediately, wired to
// POST /internal/keys/{key_hash}/invalidate (spec §2.3).
func (a *Authenticator) Invalidate(keyHash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, keyHash)
}
