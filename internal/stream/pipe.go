// Package stream implements the streaming relay (C7): it copies bytes
// from an adapter.ByteStream to an http.ResponseWriter, flushing after
// every chunk, and guarantees the adapter stream is closed exactly
// once regardless of how the relay ends.
//
// Grounded on prime-radiant-inc-transparent-agent-logger/streaming.go's
// streamResponse flusher loop (bufio.Reader.ReadBytes + Write + Flush
// per line) and its StreamingResponseWriter/LimitedWriter "never
// propagate write errors into the copy loop" idiom, adapted from a
// byte-accumulating observability wrapper to a backpressure-safe relay
// with client-disconnect cancellation.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sergeybar/ak-gateway/internal/adapter"
)

// Pipe relays one adapter.ByteStream to one http.ResponseWriter.
type Pipe struct{}

func New() *Pipe { return &Pipe{} }

// Relay sets the SSE response headers, writes a 200 status line, and
// copies chunks from src to w until src is
// exhausted, the client disconnects, or src returns an error. It
// closes src exactly once before returning, and returns the Usage
// carried by the last "data: " event that contained one — neither
// provider's wire format puts usage anywhere else, so the relay itself
// is the only place that sees every frame and can hand it to the
// caller for usage recording.
func (p *Pipe) Relay(ctx context.Context, w http.ResponseWriter, src adapter.ByteStream, contentType string) (*adapter.Usage, error) {
	var closeOnce sync.Once
	closeSrc := func() error {
		var err error
		closeOnce.Do(func() { err = src.Close() })
		return err
	}
	defer closeSrc()

	if contentType == "" {
		contentType = "text/event-stream"
	}
	header := w.Header()
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeSrc()
		case <-done:
		}
	}()

	var usage *adapter.Usage
	for {
		chunk, err := src.Next()
		if len(chunk) > 0 {
			if u := extractUsage(chunk); u != nil {
				usage = u
			}
			if _, werr := w.Write(chunk); werr != nil {
				return usage, werr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return usage, nil
			}
			return usage, err
		}
	}
}

// extractUsage scans an SSE frame for a top-level "usage" field,
// tolerating both this gateway's own event shape and a pass-through
// provider's. Returns nil if the frame carries no usage.
func extractUsage(chunk []byte) *adapter.Usage {
	const prefix = "data: "
	for _, line := range strings.Split(string(chunk), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		var payload struct {
			Usage   *adapter.Usage `json:"usage"`
			Delta   *struct {
				Usage *adapter.Usage `json:"usage"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, prefix)), &payload); err != nil {
			continue
		}
		if payload.Usage != nil {
			return payload.Usage
		}
		if payload.Delta != nil && payload.Delta.Usage != nil {
			return payload.Delta.Usage
		}
	}
	return nil
}
