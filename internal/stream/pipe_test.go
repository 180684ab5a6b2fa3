package stream

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
)

type fakeByteStream struct {
	chunks [][]byte
	idx    int
	closed bool
	closeN int
}

func (f *fakeByteStream) Next() ([]byte, error) {
	if f.idx >= len(f.chunks) {
		return nil, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, nil
}

func (f *fakeByteStream) Close() error {
	f.closed = true
	f.closeN++
	return nil
}

func TestRelayCopiesAllChunksAndClosesOnce(t *testing.T) {
	src := &fakeByteStream{chunks: [][]byte{[]byte("data: a\n\n"), []byte("data: b\n\n")}}
	rec := httptest.NewRecorder()

	if _, err := New().Relay(context.Background(), rec, src, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Body.String() != "data: a\n\ndata: b\n\n" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if !src.closed || src.closeN != 1 {
		t.Fatalf("expected exactly one close, got closed=%v count=%d", src.closed, src.closeN)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected default content-type, got %q", ct)
	}
}

func TestRelayCapturesTrailingUsage(t *testing.T) {
	chunks := [][]byte{
		[]byte("data: {\"type\":\"message_start\"}\n\n"),
		[]byte("data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"input_tokens\":10,\"output_tokens\":5}}\n\n"),
		[]byte("data: {\"type\":\"message_stop\"}\n\n"),
	}
	src := &fakeByteStream{chunks: chunks}
	rec := httptest.NewRecorder()

	usage, err := New().Relay(context.Background(), rec, src, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage == nil || usage.InputTokens != 10 || usage.OutputTokens != 5 {
		t.Fatalf("expected captured usage {10,5}, got %+v", usage)
	}
}

type erroringByteStream struct {
	err error
}

func (e *erroringByteStream) Next() ([]byte, error) { return nil, e.err }
func (e *erroringByteStream) Close() error          { return nil }

func TestRelayPropagatesNonEOFError(t *testing.T) {
	boom := errors.New("upstream closed")
	src := &erroringByteStream{err: boom}
	rec := httptest.NewRecorder()

	_, err := New().Relay(context.Background(), rec, src, "")
	if !errors.Is(err, boom) {
		t.Fatalf("expected upstream error propagated, got %v", err)
	}
}

func TestRelayClosesSourceOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeByteStream{chunks: [][]byte{[]byte("data: a\n\n")}}
	rec := httptest.NewRecorder()

	cancel()
	_, _ = New().Relay(ctx, rec, src, "")

	if !src.closed {
		t.Fatal("expected source to be closed after context cancellation")
	}
}
