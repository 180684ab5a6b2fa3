// Package plan implements the Plan Adapter (C4): a true byte-for-byte
// pass-through HTTP client to the primary upstream.
//
// Grounded on prime-radiant-inc-transparent-agent-logger/proxy.go's
// createPassthroughClient (DisableCompression, no response-header
// timeout so long-streaming responses aren't cut off, ForceAttemptHTTP2)
// and copyHeaders, adapted from its multi-provider path-routed ServeHTTP
// into a single fixed-upstream Adapter implementation.
package plan

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sergeybar/ak-gateway/internal/adapter"
)

// Adapter is the Plan (primary) provider connector. It forwards the
// inbound body unchanged and classifies only transport/HTTP-status
// failures; a unary 200 reply is decoded into adapter.Response, and a
// streamed reply is relayed as raw bytes without parsing.
type Adapter struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, connectTimeout time.Duration) *Adapter {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		DisableCompression:    true,
		ResponseHeaderTimeout: 0,
		ForceAttemptHTTP2:     true,
	}
	return &Adapter{
		baseURL: baseURL,
		client: &http.Client{
			Transport: transport,
			Timeout:   0,
		},
	}
}

// passthroughHeaders is the fixed pass-through set forwarded verbatim
// to the Plan upstream (spec §4.4/§6), grounded on proxy_router.py's
// _extract_outgoing_headers: the gateway never injects its own
// credentials here, it only relays what the caller sent.
var passthroughHeaders = []string{"x-api-key", "Authorization", "anthropic-version", "anthropic-beta", "content-type"}

func (a *Adapter) Name() string { return "plan" }

func (a *Adapter) Close() error { return nil }

func (a *Adapter) do(ctx context.Context, path string, req *adapter.Request) (*http.Response, *adapter.Error) {
	body := req.Raw
	if len(body) == 0 {
		var err error
		body, err = json.Marshal(req)
		if err != nil {
			return nil, &adapter.Error{Kind: adapter.ClientError, HTTPStatus: 400, Message: "failed to encode request", Retryable: false}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.NetworkError, HTTPStatus: 0, Message: "failed to build upstream request", Retryable: true}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for _, name := range passthroughHeaders {
		if v, ok := req.Headers[name]; ok && v != "" {
			httpReq.Header.Set(name, v)
		}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &adapter.Error{Kind: adapter.Timeout, HTTPStatus: 504, Message: "upstream request canceled or timed out", Retryable: true}
		}
		return nil, &adapter.Error{Kind: adapter.NetworkError, HTTPStatus: 502, Message: "upstream request failed", Retryable: true}
	}
	return resp, nil
}

// Invoke forwards the request body unchanged and returns the unary
// reply decoded into adapter.Response; a status of 400 or above is
// returned as a classified *adapter.Error instead.
func (a *Adapter) Invoke(ctx context.Context, req *adapter.Request) (*adapter.Response, *adapter.Error) {
	resp, aerr := a.do(ctx, "/v1/messages", req)
	if aerr != nil {
		return nil, aerr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.NetworkError, HTTPStatus: 502, Message: "failed to read upstream response", Retryable: true}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyHTTPStatus(resp.StatusCode, respBody)
	}

	var out adapter.Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &adapter.Error{Kind: adapter.ServerError, HTTPStatus: 502, Message: "upstream returned malformed JSON", Retryable: true}
	}
	return &out, nil
}

// CountTokens forwards to the upstream's own count_tokens endpoint —
// Plan exposes one, so no local estimate is needed here.
func (a *Adapter) CountTokens(ctx context.Context, req *adapter.Request) (*adapter.CountResponse, *adapter.Error) {
	resp, aerr := a.do(ctx, "/v1/messages/count_tokens", req)
	if aerr != nil {
		return nil, aerr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.NetworkError, HTTPStatus: 502, Message: "failed to read upstream response", Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, classifyHTTPStatus(resp.StatusCode, respBody)
	}

	var out adapter.CountResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &adapter.Error{Kind: adapter.ServerError, HTTPStatus: 502, Message: "upstream returned malformed JSON", Retryable: true}
	}
	return &out, nil
}

// planByteStream relays the upstream's SSE body verbatim as raw reads
// of up to 4096 bytes; chunk boundaries are not aligned to the
// "data: ...\n\n" event framing.
type planByteStream struct {
	resp   *http.Response
	reader *bufio.Reader
}

func (s *planByteStream) Next() ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := s.reader.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func (s *planByteStream) Close() error { return s.resp.Body.Close() }

// Stream forwards the inbound body unchanged with stream:true and
// relays the upstream SSE body unchanged, byte-for-byte.
func (a *Adapter) Stream(ctx context.Context, req *adapter.Request) (adapter.ByteStream, *adapter.Error) {
	resp, aerr := a.do(ctx, "/v1/messages", req)
	if aerr != nil {
		return nil, aerr
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyHTTPStatus(resp.StatusCode, respBody)
	}
	return &planByteStream{resp: resp, reader: bufio.NewReader(resp.Body)}, nil
}

func classifyHTTPStatus(status int, body []byte) *adapter.Error {
	msg := extractErrorMessage(body)
	switch {
	case status == 429 || status == 408:
		return &adapter.Error{Kind: adapter.RateLimit, HTTPStatus: status, Message: msg, Retryable: true}
	case status == 504:
		return &adapter.Error{Kind: adapter.Timeout, HTTPStatus: status, Message: msg, Retryable: true}
	case status >= 500:
		return &adapter.Error{Kind: adapter.ServerError, HTTPStatus: status, Message: msg, Retryable: true}
	default:
		return &adapter.Error{Kind: adapter.ClientError, HTTPStatus: status, Message: msg, Retryable: false}
	}
}

func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return fmt.Sprintf("upstream error (%d bytes)", len(body))
}
