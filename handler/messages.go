// Package handler implements the gateway's public HTTP surface: the
// two `/ak/{access_key}/v1/messages...` endpoints, `/health`, and the
// additive internal admin/invalidation endpoints.
//
// Grounded on Sergey-Bar-Alfred's handler/proxy.go ChatCompletions
// (request decode → route → stream-or-unary response → record usage),
// re-targeted from its provider-registry dispatch onto this spec's
// fixed Plan/Bedrock router (internal/route) and path-based tenant
// resolution (internal/authn) instead of a bearer-token lookup.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sergeybar/ak-gateway/internal/adapter"
	"github.com/sergeybar/ak-gateway/internal/authn"
	"github.com/sergeybar/ak-gateway/internal/clock"
	"github.com/sergeybar/ak-gateway/internal/reqid"
	"github.com/sergeybar/ak-gateway/internal/route"
	"github.com/sergeybar/ak-gateway/internal/stream"
	"github.com/sergeybar/ak-gateway/internal/usage"
)

// Messages serves the two /ak/{access_key}/v1/messages... endpoints.
type Messages struct {
	authn      *authn.Authenticator
	router     *route.Router
	pipe       *stream.Pipe
	recorder   *usage.Recorder
	reqidGen   reqid.Generator
	clock      clock.Clock
	logger     zerolog.Logger
	planAPIKey string
}

func NewMessages(a *authn.Authenticator, r *route.Router, p *stream.Pipe, rec *usage.Recorder, gen reqid.Generator, clk clock.Clock, logger zerolog.Logger, planAPIKey string) *Messages {
	return &Messages{authn: a, router: r, pipe: p, recorder: rec, reqidGen: gen, clock: clk, logger: logger, planAPIKey: planAPIKey}
}

// errorEnvelope is the public error JSON shape (spec §6).
type errorEnvelope struct {
	Type      string      `json:"type"`
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{
		Type:      "error",
		Error:     errorDetail{Type: kind, Message: message},
		RequestID: requestID,
	})
}

// authenticate resolves the {access_key} path segment into a tenant,
// responding 404 (never 401) on any failure — spec §7: "to avoid
// confirming key presence to attackers".
func (h *Messages) authenticate(w http.ResponseWriter, r *http.Request, requestID string) *authn.RequestContext {
	rawKey := chi.URLParam(r, "access_key")
	ctx, err := h.authn.Authenticate(rawKey)
	if err != nil {
		h.logger.Error().Err(err).Str("request_id", requestID).Msg("authentication store lookup failed")
		writeError(w, http.StatusNotFound, "invalid_request_error", "not found", requestID)
		return nil
	}
	if ctx == nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "not found", requestID)
		return nil
	}
	return ctx
}

func tenantFrom(ctx *authn.RequestContext) *adapter.Tenant {
	return &adapter.Tenant{
		AccessKeyID:   ctx.AccessKeyID,
		UserID:        ctx.UserID,
		KeyPrefix:     ctx.KeyPrefix,
		BedrockRegion: ctx.BedrockRegion,
		BedrockModel:  ctx.BedrockModel,
		HasBedrockKey: ctx.HasBedrockKey,
	}
}

// passthroughHeaderNames is the inbound header set captured for
// forwarding to the Plan upstream (spec §4.4/§6), grounded on
// proxy_router.py's _extract_outgoing_headers.
var passthroughHeaderNames = []string{"x-api-key", "Authorization", "anthropic-version", "anthropic-beta", "content-type"}

func extractOutgoingHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(passthroughHeaderNames))
	for _, name := range passthroughHeaderNames {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	return headers
}

func decodeRequest(r *http.Request) (*adapter.Request, []byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, err
	}
	var req adapter.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, body, err
	}
	req.Raw = body
	req.Headers = extractOutgoingHeaders(r)
	return &req, body, nil
}

// CreateMessage handles POST /ak/{access_key}/v1/messages.
func (h *Messages) CreateMessage(w http.ResponseWriter, r *http.Request) {
	start := h.clock.Now()
	requestID := h.reqidGen.Next()
	w.Header().Set("X-Request-Id", requestID)

	ctx := h.authenticate(w, r, requestID)
	if ctx == nil {
		return
	}

	req, _, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body", requestID)
		return
	}

	tenant := tenantFrom(ctx)

	if req.Stream {
		outcome := h.router.Stream(r.Context(), tenant, req)
		if outcome.Err != nil {
			h.finishError(w, r, requestID, ctx, start, outcome.Provider, outcome.IsFallback, outcome.Err, "")
			return
		}
		streamUsage, relayErr := h.pipe.Relay(r.Context(), w, outcome.Stream, "text/event-stream")
		if relayErr != nil {
			h.logger.Warn().Err(relayErr).Str("request_id", requestID).Msg("stream relay ended with error")
		}
		h.recorder.Record(r.Context(), usage.Event{
			RequestID: requestID, AccessKeyID: ctx.AccessKeyID, KeyPrefix: ctx.KeyPrefix, UserID: ctx.UserID,
			Provider: outcome.Provider, IsFallback: outcome.IsFallback, Success: relayErr == nil, HTTPStatus: http.StatusOK,
			LatencyMS: h.clock.Now().Sub(start).Milliseconds(), Model: req.Model, Usage: streamUsage,
		})
		return
	}

	outcome := h.router.Route(r.Context(), tenant, req)
	if outcome.Err != nil {
		h.finishError(w, r, requestID, ctx, start, outcome.Provider, outcome.IsFallback, outcome.Err, req.Model)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(outcome.Response)

	h.recorder.Record(r.Context(), usage.Event{
		RequestID: requestID, AccessKeyID: ctx.AccessKeyID, KeyPrefix: ctx.KeyPrefix, UserID: ctx.UserID,
		Provider: outcome.Provider, IsFallback: outcome.IsFallback, Success: true, HTTPStatus: http.StatusOK,
		LatencyMS: h.clock.Now().Sub(start).Milliseconds(), Model: req.Model, Usage: &outcome.Response.Usage,
	})
}

func (h *Messages) finishError(w http.ResponseWriter, r *http.Request, requestID string, ctx *authn.RequestContext, start time.Time, provider string, isFallback bool, aerr *adapter.Error, model string) {
	writeError(w, aerr.HTTPStatus, adapter.PublicErrorType(aerr.Kind), aerr.Message, requestID)
	h.recorder.Record(r.Context(), usage.Event{
		RequestID: requestID, AccessKeyID: ctx.AccessKeyID, KeyPrefix: ctx.KeyPrefix, UserID: ctx.UserID,
		Provider: provider, IsFallback: isFallback, Success: false, ErrorKind: aerr.Kind, HTTPStatus: aerr.HTTPStatus,
		LatencyMS: h.clock.Now().Sub(start).Milliseconds(), Model: model,
	})
}

// CountTokens handles POST /ak/{access_key}/v1/messages/count_tokens.
// Unlike CreateMessage, it additionally requires an x-api-key or
// Authorization header, or a configured plan API key, before path auth
// runs at all (spec §6).
func (h *Messages) CountTokens(w http.ResponseWriter, r *http.Request) {
	start := h.clock.Now()
	requestID := h.reqidGen.Next()
	w.Header().Set("X-Request-Id", requestID)

	if r.Header.Get("x-api-key") == "" && r.Header.Get("Authorization") == "" && h.planAPIKey == "" {
		writeError(w, http.StatusUnauthorized, "authentication_error", "Missing API key for count_tokens", requestID)
		return
	}

	ctx := h.authenticate(w, r, requestID)
	if ctx == nil {
		return
	}

	req, _, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body", requestID)
		return
	}
	tenant := tenantFrom(ctx)

	resp, aerr := h.router.CountTokens(r.Context(), tenant, req)
	if aerr != nil {
		writeError(w, aerr.HTTPStatus, adapter.PublicErrorType(aerr.Kind), aerr.Message, requestID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)

	h.recorder.Record(r.Context(), usage.Event{
		RequestID: requestID, AccessKeyID: ctx.AccessKeyID, KeyPrefix: ctx.KeyPrefix, UserID: ctx.UserID,
		Provider: "count_tokens", Success: true, HTTPStatus: http.StatusOK,
		LatencyMS: h.clock.Now().Sub(start).Milliseconds(), Model: req.Model,
	})
}
