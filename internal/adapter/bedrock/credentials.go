package bedrock

import (
	"fmt"

	"github.com/sergeybar/ak-gateway/internal/keycache"
	"github.com/sergeybar/ak-gateway/internal/kms"
	"github.com/sergeybar/ak-gateway/internal/store"
)

// CredentialSource resolves the decrypted Bedrock credential blob for a
// tenant (JSON with the access key id, secret access key and optional
// session token, parsed by the adapter), caching plaintext in C9 (spec
// §4.5/§4.9).
type CredentialSource struct {
	store *store.Store
	kms   kms.KMS
	cache *keycache.Cache
}

func NewCredentialSource(st *store.Store, k kms.KMS, cache *keycache.Cache) *CredentialSource {
	return &CredentialSource{store: st, kms: k, cache: cache}
}

// Load returns the decrypted plaintext credential blob for accessKeyID,
// loading and decrypting on a cache miss.
func (c *CredentialSource) Load(accessKeyID string) ([]byte, error) {
	return c.cache.GetOrLoad(accessKeyID, func(id string) ([]byte, error) {
		bk, err := c.store.LoadBedrockKey(id)
		if err != nil {
			return nil, fmt.Errorf("load bedrock key: %w", err)
		}
		if bk == nil {
			return nil, fmt.Errorf("no bedrock credential for access key %q", id)
		}
		plaintext, err := c.kms.Decrypt(id, bk.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt bedrock credential: %w", err)
		}
		return plaintext, nil
	})
}

// Invalidate synchronously drops the cached plaintext for an access
// key id (the C9 invalidation hook of spec §4.5). It has no caller in
// this repository: the internal invalidate endpoint clears only the
// authenticator cache.
func (c *CredentialSource) Invalidate(accessKeyID string) {
	c.cache.Invalidate(accessKeyID)
}
