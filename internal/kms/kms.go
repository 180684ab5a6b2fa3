// Package kms decrypts tenant Bedrock credential ciphertext.
//
// Grounded on security/security.go's BYOKEncryptor (AES-256-GCM with a
// base64 master key, generate-nonce-prepend-seal envelope), narrowed
// from its per-org DEK-wrapping scheme to a single master key directly
// sealing each tenant's Bedrock credential blob — the plaintext DEK
// cache BYOKEncryptor layered on top is dropped here since C9
// (internal/keycache) already memoizes the decrypted plaintext at a
// higher layer, so a second cache inside KMS would be redundant.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// KMS is the decryption collaborator named in the external interfaces
// contract (§6).
type KMS interface {
	Decrypt(ctx string, ciphertext []byte) ([]byte, error)
	Encrypt(ctx string, plaintext []byte) ([]byte, error)
}

// AESGCM is a KMS backed by a single process-wide master key. The
// "ctx" argument (access_key_id) is bound as AEAD additional data so a
// ciphertext cannot be replayed under a different tenant.
type AESGCM struct {
	masterKey []byte
}

// NewAESGCM builds an AESGCM KMS from a base64-encoded 256-bit key.
func NewAESGCM(masterKeyB64 string) (*AESGCM, error) {
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 256 bits (32 bytes), got %d", len(key))
	}
	return &AESGCM{masterKey: key}, nil
}

func (k *AESGCM) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the master key, binding ctx as
// additional authenticated data.
func (k *AESGCM) Encrypt(ctx string, plaintext []byte) ([]byte, error) {
	gcm, err := k.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(ctx)), nil
}

// Decrypt opens a ciphertext produced by Encrypt, requiring the same
// ctx that was used to seal it.
func (k *AESGCM) Decrypt(ctx string, ciphertext []byte) ([]byte, error) {
	gcm, err := k.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, sealed, []byte(ctx))
}
