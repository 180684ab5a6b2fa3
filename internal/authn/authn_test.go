package authn

import (
	"testing"
	"time"

	"github.com/sergeybar/ak-gateway/internal/clock"
	"github.com/sergeybar/ak-gateway/internal/fingerprint"
	"github.com/sergeybar/ak-gateway/internal/store"
)

func newTestDeps(t *testing.T) (*store.Store, *fingerprint.Hasher) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, fingerprint.NewHasher("test-salt")
}

func seedAccessKey(t *testing.T, st *store.Store, keyHash string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := st.DB().Exec(`
		INSERT INTO access_keys (id, user_id, key_hash, key_prefix, status, bedrock_region, bedrock_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, "ak_1", "user_1", keyHash, "sk-ab", "active", "us-east-1", "anthropic.claude-3-5-sonnet-20241022-v2:0", now, now)
	if err != nil {
		t.Fatalf("seed access key: %v", err)
	}
}

func TestAuthenticateUnknownKeyReturnsNil(t *testing.T) {
	st, hasher := newTestDeps(t)
	a := New(st, hasher, clock.System{}, time.Minute)

	ctx, err := a.Authenticate("raw-key-does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx != nil {
		t.Fatal("expected nil context for unknown key")
	}
}

func TestAuthenticateKnownKeyResolves(t *testing.T) {
	st, hasher := newTestDeps(t)
	keyHash := hasher.Fingerprint("raw-key-abc")
	seedAccessKey(t, st, keyHash)

	a := New(st, hasher, clock.System{}, time.Minute)
	ctx, err := a.Authenticate("raw-key-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx == nil {
		t.Fatal("expected resolved context")
	}
	if ctx.UserID != "user_1" || ctx.AccessKeyID != "ak_1" {
		t.Fatalf("unexpected context: %+v", ctx)
	}
}

func TestAuthenticateCachesPositiveResult(t *testing.T) {
	st, hasher := newTestDeps(t)
	keyHash := hasher.Fingerprint("raw-key-abc")
	seedAccessKey(t, st, keyHash)

	a := New(st, hasher, clock.System{}, time.Minute)
	first, _ := a.Authenticate("raw-key-abc")

	// Revoke underneath the cache; cached positive result should still serve.
	st.DB().Exec(`UPDATE access_keys SET status = 'revoked' WHERE id = 'ak_1'`)

	second, err := a.Authenticate("raw-key-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second == nil || second.AccessKeyID != first.AccessKeyID {
		t.Fatal("expected cached positive result to be served")
	}
}

func TestInvalidateDropsCacheEntry(t *testing.T) {
	st, hasher := newTestDeps(t)
	keyHash := hasher.Fingerprint("raw-key-abc")
	seedAccessKey(t, st, keyHash)

	a := New(st, hasher, clock.System{}, time.Minute)
	a.Authenticate("raw-key-abc")

	st.DB().Exec(`UPDATE access_keys SET status = 'revoked' WHERE id = 'ak_1'`)
	a.Invalidate(keyHash)

	ctx, err := a.Authenticate("raw-key-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx != nil {
		t.Fatal("expected revoked key to resolve to nil after invalidation")
	}
}

func TestNegativeResultIsCached(t *testing.T) {
	st, hasher := newTestDeps(t)
	a := New(st, hasher, clock.System{}, time.Minute)

	ctx1, _ := a.Authenticate("never-existed")
	// Seed the key after the first miss; the cached negative result must
	// still be served on the second lookup.
	seedAccessKey(t, st, hasher.Fingerprint("never-existed"))
	ctx2, _ := a.Authenticate("never-existed")
	if ctx1 != nil || ctx2 != nil {
		t.Fatal("expected both lookups to resolve to nil (second served from the negative cache)")
	}
}
