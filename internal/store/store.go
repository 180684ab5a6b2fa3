// Package store is the relational persistence layer: access keys,
// encrypted Bedrock credentials, and usage accounting.
//
// Grounded on prime-radiant-inc-transparent-agent-logger/db.go's
// CREATE TABLE IF NOT EXISTS schema-on-open pattern and plain
// database/sql query methods, generalized from session tracking to
// this gateway's AccessKey/BedrockKey/UsageRow/UsageAggregate model.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// AccessKeyStatus is the lifecycle state of an AccessKey row.
type AccessKeyStatus string

const (
	StatusActive  AccessKeyStatus = "active"
	StatusRevoked AccessKeyStatus = "revoked"
)

// AccessKey is the persisted tenant credential record (spec §3). The
// raw key is never stored; KeyHash is a salted fingerprint.
type AccessKey struct {
	ID            string
	UserID        string
	KeyHash       string
	KeyPrefix     string
	Status        AccessKeyStatus
	BedrockRegion string
	BedrockModel  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BedrockKey is the encrypted-at-rest tenant Bedrock credential, at
// most one per AccessKey.
type BedrockKey struct {
	AccessKeyID string
	Ciphertext  []byte
	KeyHash     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UsageRow is one append-only usage record.
type UsageRow struct {
	ID                       string
	RequestID                string
	Timestamp                time.Time
	UserID                   string
	AccessKeyID              string
	Model                    string
	InputTokens              int
	OutputTokens             int
	TotalTokens              int
	CacheReadInputTokens     *int
	CacheCreationInputTokens *int
	Provider                 string
	IsFallback               bool
	LatencyMS                int64
}

// BucketType is one of the five usage-aggregation granularities.
type BucketType string

const (
	BucketMinute BucketType = "minute"
	BucketHour   BucketType = "hour"
	BucketDay    BucketType = "day"
	BucketWeek   BucketType = "week"
	BucketMonth  BucketType = "month"
)

// Store is the persistence collaborator used by C1 (authn), C5
// (credential load), and C8 (usage recording).
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS access_keys (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		key_hash       TEXT NOT NULL UNIQUE,
		key_prefix     TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'active',
		bedrock_region TEXT NOT NULL DEFAULT '',
		bedrock_model  TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_keys_hash ON access_keys(key_hash);

	CREATE TABLE IF NOT EXISTS bedrock_keys (
		access_key_id TEXT PRIMARY KEY,
		ciphertext    BLOB NOT NULL,
		key_hash      TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		FOREIGN KEY (access_key_id) REFERENCES access_keys(id)
	);

	CREATE TABLE IF NOT EXISTS usage_rows (
		id                           TEXT PRIMARY KEY,
		request_id                   TEXT NOT NULL,
		ts                           TEXT NOT NULL,
		user_id                      TEXT NOT NULL,
		access_key_id                TEXT NOT NULL,
		model                        TEXT NOT NULL,
		input_tokens                 INTEGER NOT NULL,
		output_tokens                INTEGER NOT NULL,
		total_tokens                 INTEGER NOT NULL,
		cache_read_input_tokens      INTEGER,
		cache_creation_input_tokens  INTEGER,
		provider                     TEXT NOT NULL,
		is_fallback                  INTEGER NOT NULL DEFAULT 0,
		latency_ms                   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_rows_access_key ON usage_rows(access_key_id);

	CREATE TABLE IF NOT EXISTS usage_aggregates (
		bucket_type   TEXT NOT NULL,
		bucket_start  TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		access_key_id TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens  INTEGER NOT NULL DEFAULT 0,
		request_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (bucket_type, bucket_start, user_id, access_key_id)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers (tests, migrations)
// that need direct access outside the Store's own query methods.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the underlying connection is reachable, used by the
// internal /health/detail endpoint.
func (s *Store) Ping() error { return s.db.Ping() }

// FindAccessKeyByHash returns the active-or-not AccessKey for a
// fingerprint, or nil if no row matches.
func (s *Store) FindAccessKeyByHash(keyHash string) (*AccessKey, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, key_hash, key_prefix, status, bedrock_region, bedrock_model, created_at, updated_at
		FROM access_keys WHERE key_hash = ?
	`, keyHash)

	var ak AccessKey
	var createdAt, updatedAt string
	var status string
	err := row.Scan(&ak.ID, &ak.UserID, &ak.KeyHash, &ak.KeyPrefix, &status, &ak.BedrockRegion, &ak.BedrockModel, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ak.Status = AccessKeyStatus(status)
	ak.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	ak.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &ak, nil
}

// HasBedrockKey reports whether an access key has an associated
// Bedrock credential, without decrypting it.
func (s *Store) HasBedrockKey(accessKeyID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM bedrock_keys WHERE access_key_id = ?`, accessKeyID).Scan(&count)
	return count > 0, err
}

// LoadBedrockKey returns the encrypted credential row for an access
// key, or nil if none exists.
func (s *Store) LoadBedrockKey(accessKeyID string) (*BedrockKey, error) {
	row := s.db.QueryRow(`
		SELECT access_key_id, ciphertext, key_hash, created_at, updated_at
		FROM bedrock_keys WHERE access_key_id = ?
	`, accessKeyID)

	var bk BedrockKey
	var createdAt, updatedAt string
	err := row.Scan(&bk.AccessKeyID, &bk.Ciphertext, &bk.KeyHash, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	bk.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	bk.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &bk, nil
}

// InsertUsageRow persists one append-only usage record.
func (s *Store) InsertUsageRow(r *UsageRow) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_rows (
			id, request_id, ts, user_id, access_key_id, model,
			input_tokens, output_tokens, total_tokens,
			cache_read_input_tokens, cache_creation_input_tokens,
			provider, is_fallback, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.RequestID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.UserID, r.AccessKeyID, r.Model,
		r.InputTokens, r.OutputTokens, r.TotalTokens,
		r.CacheReadInputTokens, r.CacheCreationInputTokens,
		r.Provider, boolToInt(r.IsFallback), r.LatencyMS)
	return err
}

// UpsertUsageAggregate adds token/request deltas to the aggregate row
// for (bucketType, bucketStart, userID, accessKeyID), creating it on
// first touch. Grounded on prime-radiant's plain database/sql exec
// pattern, using SQLite's ON CONFLICT upsert clause for the natural
// key named in spec §3/§4.8.
func (s *Store) UpsertUsageAggregate(bucketType BucketType, bucketStart time.Time, userID, accessKeyID string, inputTokens, outputTokens, totalTokens int) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_aggregates (bucket_type, bucket_start, user_id, access_key_id, input_tokens, output_tokens, total_tokens, request_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(bucket_type, bucket_start, user_id, access_key_id) DO UPDATE SET
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			total_tokens = total_tokens + excluded.total_tokens,
			request_count = request_count + 1
	`, string(bucketType), bucketStart.UTC().Format(time.RFC3339), userID, accessKeyID, inputTokens, outputTokens, totalTokens)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
