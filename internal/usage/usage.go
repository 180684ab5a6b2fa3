// Package usage implements the Usage Recorder (C8): it logs every
// request, fire-and-forget emits metrics, and — for successful
// Bedrock requests only — persists a usage row plus per-bucket
// aggregate deltas.
//
// Grounded on prime-radiant-inc-transparent-agent-logger/db.go's
// CREATE TABLE IF NOT EXISTS + database/sql upsert pattern (carried
// through internal/store), and on Sergey-Bar-Alfred's zerolog-based
// structured request logging.
package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sergeybar/ak-gateway/internal/adapter"
	"github.com/sergeybar/ak-gateway/internal/clock"
	"github.com/sergeybar/ak-gateway/internal/metrics"
	"github.com/sergeybar/ak-gateway/internal/store"
)

// Event carries everything the router and handler know about one
// completed request; Record decides what to log, emit, and persist.
type Event struct {
	RequestID   string
	AccessKeyID string
	KeyPrefix   string
	UserID      string
	Provider    string
	IsFallback  bool
	Success     bool
	ErrorKind   adapter.ErrorKind
	HTTPStatus  int
	LatencyMS   int64
	Model       string
	Usage       *adapter.Usage
}

// Recorder is the C8 collaborator.
type Recorder struct {
	store     *store.Store
	emitter   *metrics.Emitter
	logger    zerolog.Logger
	clock     clock.Clock
	weekStart time.Weekday
	loc       *time.Location
}

// New builds a Recorder. weekStart/loc configure the week bucket's
// start-of-week weekday and time zone (spec §4.8's Open Question,
// decided as a configurable default of Monday in UTC — see DESIGN.md).
// clk is the same injected Clock collaborator every other time source
// on the request path uses (spec §6), so persisted timestamps remain
// deterministic under a Frozen clock in tests.
func New(st *store.Store, emitter *metrics.Emitter, logger zerolog.Logger, clk clock.Clock, weekStart time.Weekday, loc *time.Location) *Recorder {
	if loc == nil {
		loc = time.UTC
	}
	return &Recorder{store: st, emitter: emitter, logger: logger, clock: clk, weekStart: weekStart, loc: loc}
}

// Record implements the C8 contract: always log, always fire-and-forget
// metrics, and persist only for a successful Bedrock call with usage.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	logEvent := r.logger.Info()
	if !ev.Success {
		logEvent = r.logger.Warn()
	}
	logEvent.
		Str("request_id", ev.RequestID).
		Str("access_key_prefix", ev.KeyPrefix).
		Str("provider", ev.Provider).
		Bool("is_fallback", ev.IsFallback).
		Int("status", ev.HTTPStatus).
		Str("error_kind", string(ev.ErrorKind)).
		Int64("latency_ms", ev.LatencyMS).
		Str("model", ev.Model).
		Msg("request completed")

	r.emitMetrics(ev)

	if ev.Provider != "bedrock" || !ev.Success || ev.Usage == nil {
		return
	}
	if err := r.persist(ev); err != nil {
		r.logger.Error().Err(err).Str("request_id", ev.RequestID).Msg("failed to persist usage row")
	}
}

func (r *Recorder) emitMetrics(ev Event) {
	labels := map[string]string{"provider": ev.Provider}
	if ev.Success {
		r.emitter.CounterInc("requests_total", labels)
	} else {
		labels["error_kind"] = string(ev.ErrorKind)
		r.emitter.CounterInc("request_errors_total", labels)
	}
	r.emitter.HistogramObserve("request_latency_ms", map[string]string{"provider": ev.Provider}, float64(ev.LatencyMS))
}

func (r *Recorder) persist(ev Event) error {
	now := r.clock.Now().In(r.loc)

	row := &store.UsageRow{
		ID:                       ev.RequestID,
		RequestID:                ev.RequestID,
		Timestamp:                now,
		UserID:                   ev.UserID,
		AccessKeyID:              ev.AccessKeyID,
		Model:                    ev.Model,
		InputTokens:              ev.Usage.InputTokens,
		OutputTokens:             ev.Usage.OutputTokens,
		TotalTokens:              ev.Usage.InputTokens + ev.Usage.OutputTokens,
		CacheReadInputTokens:     ev.Usage.CacheReadInputTokens,
		CacheCreationInputTokens: ev.Usage.CacheCreationInputTokens,
		Provider:                 ev.Provider,
		IsFallback:               ev.IsFallback,
		LatencyMS:                ev.LatencyMS,
	}
	if err := r.store.InsertUsageRow(row); err != nil {
		return err
	}

	for _, bt := range []store.BucketType{store.BucketMinute, store.BucketHour, store.BucketDay, store.BucketWeek, store.BucketMonth} {
		start := BucketStart(now, bt, r.weekStart, r.loc)
		if err := r.store.UpsertUsageAggregate(bt, start, ev.UserID, ev.AccessKeyID, ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.InputTokens+ev.Usage.OutputTokens); err != nil {
			return err
		}
	}
	return nil
}

// BucketStart truncates t to the start of the named bucket (spec
// §4.8's bucket_start rules; week backs up to weekStart at 00:00 in
// loc, day/hour/minute floor to their boundary, month floors to the
// first of the month).
func BucketStart(t time.Time, bucketType store.BucketType, weekStart time.Weekday, loc *time.Location) time.Time {
	t = t.In(loc)
	switch bucketType {
	case store.BucketMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	case store.BucketHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case store.BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case store.BucketWeek:
		dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		diff := int(dayStart.Weekday()) - int(weekStart)
		if diff < 0 {
			diff += 7
		}
		return dayStart.AddDate(0, 0, -diff)
	case store.BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return t
	}
}
