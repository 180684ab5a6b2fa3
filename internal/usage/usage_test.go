package usage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sergeybar/ak-gateway/internal/adapter"
	"github.com/sergeybar/ak-gateway/internal/clock"
	"github.com/sergeybar/ak-gateway/internal/metrics"
	"github.com/sergeybar/ak-gateway/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBucketStartTruncatesToBoundaries(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	tm := time.Date(2025, 1, 6, 12, 30, 45, 0, loc)

	if got := BucketStart(tm, store.BucketMinute, time.Monday, loc); !got.Equal(time.Date(2025, 1, 6, 12, 30, 0, 0, loc)) {
		t.Fatalf("minute bucket: got %v", got)
	}
	if got := BucketStart(tm, store.BucketHour, time.Monday, loc); !got.Equal(time.Date(2025, 1, 6, 12, 0, 0, 0, loc)) {
		t.Fatalf("hour bucket: got %v", got)
	}
	if got := BucketStart(tm, store.BucketDay, time.Monday, loc); !got.Equal(time.Date(2025, 1, 6, 0, 0, 0, 0, loc)) {
		t.Fatalf("day bucket: got %v", got)
	}
	if got := BucketStart(tm, store.BucketMonth, time.Monday, loc); !got.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, loc)) {
		t.Fatalf("month bucket: got %v", got)
	}
}

func TestBucketStartWeekBacksUpToConfiguredWeekday(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	// 2025-01-06 is a Monday.
	tm := time.Date(2025, 1, 6, 12, 30, 0, 0, loc)

	if got := BucketStart(tm, store.BucketWeek, time.Monday, loc); !got.Equal(time.Date(2025, 1, 6, 0, 0, 0, 0, loc)) {
		t.Fatalf("week(Monday): got %v", got)
	}
	if got := BucketStart(tm, store.BucketWeek, time.Sunday, loc); !got.Equal(time.Date(2025, 1, 5, 0, 0, 0, 0, loc)) {
		t.Fatalf("week(Sunday): got %v", got)
	}
}

func TestBucketStartWeekSundayItselfIsStartOfDay(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	// 2025-01-05 is a Sunday.
	tm := time.Date(2025, 1, 5, 23, 59, 0, 0, loc)
	got := BucketStart(tm, store.BucketWeek, time.Sunday, loc)
	if !got.Equal(time.Date(2025, 1, 5, 0, 0, 0, 0, loc)) {
		t.Fatalf("expected Sunday bucket to equal its own start-of-day, got %v", got)
	}
}

func TestRecordPersistsUsageRowOnlyForSuccessfulBedrockWithUsage(t *testing.T) {
	st := newTestStore(t)
	emitter := metrics.NewEmitter(metrics.NewRegistry(), 16, 1)
	t.Cleanup(emitter.Stop)
	r := New(st, emitter, zerolog.Nop(), clock.NewFrozen(time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)), time.Monday, time.UTC)

	r.Record(context.Background(), Event{
		RequestID: "req-1", AccessKeyID: "ak-1", UserID: "user-1",
		Provider: "plan", Success: true, HTTPStatus: 200,
	})
	r.Record(context.Background(), Event{
		RequestID: "req-2", AccessKeyID: "ak-1", UserID: "user-1",
		Provider: "bedrock", Success: false, HTTPStatus: 500,
		Usage: &adapter.Usage{InputTokens: 10, OutputTokens: 5},
	})
	r.Record(context.Background(), Event{
		RequestID: "req-3", AccessKeyID: "ak-1", UserID: "user-1",
		Provider: "bedrock", Success: true, HTTPStatus: 200,
	})

	var count int
	if err := st.DB().QueryRow(`SELECT COUNT(1) FROM usage_rows`).Scan(&count); err != nil {
		t.Fatalf("query usage_rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no persisted rows yet, got %d", count)
	}

	r.Record(context.Background(), Event{
		RequestID: "req-4", AccessKeyID: "ak-1", UserID: "user-1",
		Provider: "bedrock", Success: true, HTTPStatus: 200,
		Usage: &adapter.Usage{InputTokens: 10, OutputTokens: 5},
	})

	if err := st.DB().QueryRow(`SELECT COUNT(1) FROM usage_rows`).Scan(&count); err != nil {
		t.Fatalf("query usage_rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one persisted row, got %d", count)
	}

	var totalTokens int
	err := st.DB().QueryRow(`SELECT total_tokens FROM usage_aggregates WHERE bucket_type = 'day' AND user_id = ? AND access_key_id = ?`, "user-1", "ak-1").Scan(&totalTokens)
	if err != nil && err != sql.ErrNoRows {
		t.Fatalf("query usage_aggregates: %v", err)
	}
	if totalTokens != 15 {
		t.Fatalf("expected day aggregate of 15 tokens, got %d", totalTokens)
	}
}
