// Package fingerprint computes salted HMAC fingerprints of raw access
// keys and deterministic ids from canonicalized JSON response bodies.
//
// Grounded on prime-radiant-inc-transparent-agent-logger/fingerprint.go's
// canonicalizeMap/canonicalizeSlice (sorted-key recursive canonicalization
// before hashing), generalized from "fingerprint a conversation" to
// "fingerprint a raw key" and "fingerprint a response body for id
// synthesis".
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Hasher computes salted HMAC-SHA256 fingerprints of raw access keys.
// The salt is process-wide and fixed at deploy time (config.KeyHasherSecret).
type Hasher struct {
	salt []byte
}

func NewHasher(salt string) *Hasher {
	return &Hasher{salt: []byte(salt)}
}

// Fingerprint returns the hex-encoded HMAC-SHA256 of rawKey under the
// process salt. The raw key itself is never retained by the caller.
func (h *Hasher) Fingerprint(rawKey string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalJSONID hashes the canonical (sorted-key) form of an arbitrary
// JSON value and returns a stable id. Used to synthesize a Bedrock
// response/content-block id when the upstream omits one: the spec's
// round-trip law requires "same payload -> same id".
func CanonicalJSONID(prefix string, v interface{}) string {
	canon := canonicalize(v)
	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return canonicalizeMap(val)
	case []interface{}:
		return canonicalizeSlice(val)
	default:
		return v
	}
}

func canonicalizeMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		result[k] = canonicalize(m[k])
	}
	return result
}

func canonicalizeSlice(s []interface{}) []interface{} {
	result := make([]interface{}, len(s))
	for i, v := range s {
		result[i] = canonicalize(v)
	}
	return result
}
