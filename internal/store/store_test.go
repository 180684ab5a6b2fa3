package store

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFindAccessKeyByHashMissReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)
	ak, err := s.FindAccessKeyByHash("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ak != nil {
		t.Fatal("expected nil for unknown key hash")
	}
}

func TestInsertAndFindAccessKey(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO access_keys (id, user_id, key_hash, key_prefix, status, bedrock_region, bedrock_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, "ak_1", "user_1", "hash-abc", "sk-ab", "active", "us-east-1", "anthropic.claude-3-5-sonnet-20241022-v2:0", now, now)
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	ak, err := s.FindAccessKeyByHash("hash-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ak == nil {
		t.Fatal("expected a row")
	}
	if ak.UserID != "user_1" || ak.Status != StatusActive {
		t.Fatalf("unexpected row: %+v", ak)
	}
}

func TestHasBedrockKey(t *testing.T) {
	s := newTestStore(t)
	has, err := s.HasBedrockKey("ak_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if has {
		t.Fatal("expected no bedrock key before insert")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`
		INSERT INTO bedrock_keys (access_key_id, ciphertext, key_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, "ak_1", []byte("ciphertext"), "plain-hash", now, now)
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	has, err = s.HasBedrockKey("ak_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has {
		t.Fatal("expected a bedrock key after insert")
	}
}

func TestUpsertUsageAggregateAccumulates(t *testing.T) {
	s := newTestStore(t)
	bucketStart := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	if err := s.UpsertUsageAggregate(BucketHour, bucketStart, "user_1", "ak_1", 100, 50, 150); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertUsageAggregate(BucketHour, bucketStart, "user_1", "ak_1", 10, 5, 15); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var inputTokens, outputTokens, totalTokens, requestCount int
	row := s.db.QueryRow(`
		SELECT input_tokens, output_tokens, total_tokens, request_count
		FROM usage_aggregates WHERE bucket_type = ? AND bucket_start = ? AND user_id = ? AND access_key_id = ?
	`, string(BucketHour), bucketStart.UTC().Format(time.RFC3339), "user_1", "ak_1")
	if err := row.Scan(&inputTokens, &outputTokens, &totalTokens, &requestCount); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if inputTokens != 110 || outputTokens != 55 || totalTokens != 165 || requestCount != 2 {
		t.Fatalf("unexpected accumulation: input=%d output=%d total=%d count=%d", inputTokens, outputTokens, totalTokens, requestCount)
	}
}

func TestInsertUsageRow(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertUsageRow(&UsageRow{
		ID:           "row_1",
		RequestID:    "req_1",
		Timestamp:    time.Now(),
		UserID:       "user_1",
		AccessKeyID:  "ak_1",
		Model:        "anthropic.claude-3-5-sonnet-20241022-v2:0",
		InputTokens:  10,
		OutputTokens: 20,
		TotalTokens:  30,
		Provider:     "bedrock",
		IsFallback:   true,
		LatencyMS:    42,
	})
	if err != nil {
		t.Fatalf("insert usage row: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM usage_rows WHERE id = ?`, "row_1").Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}
