package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// HeaderNormalization coerces inbound Content-Type/Accept and removes
// upstream-provider headers before a response reaches the client, so
// callers see one consistent header set regardless of whether Plan or
// Bedrock served the request.
type HeaderNormalization struct {
	logger zerolog.Logger
}

// NewHeaderNormalization creates a new header normalization middleware.
func NewHeaderNormalization(logger zerolog.Logger) *HeaderNormalization {
	return &HeaderNormalization{logger: logger}
}

// Unlike the response side below, the gateway does not strip any
// inbound request headers: x-api-key, Authorization, anthropic-version
// and anthropic-beta are captured by the handler for pass-through to
// the Plan upstream (spec §4.4/§6, grounded on proxy_router.py's
// _extract_outgoing_headers), so normalization here is limited to
// Content-Type/Accept coercion below.

// headersToStripFromResponse are upstream headers that should not
// leak to the client.
var headersToStripFromResponse = []string{
	"x-api-key",
	"anthropic-version",
	"cf-ray",
	"cf-cache-status",
	"server",
	"x-request-id",
}

// gatewayResponseHeaders are headers the gateway always sets on responses.
var gatewayResponseHeaders = map[string]string{
	"X-Powered-By": "ak-gateway",
}

// Handler returns the HTTP middleware handler.
func (h *HeaderNormalization) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct != "" && strings.Contains(ct, "json") && ct != "application/json" {
			r.Header.Set("Content-Type", "application/json")
		}
		if r.Header.Get("Accept") == "" {
			r.Header.Set("Accept", "application/json")
		}

		wrapped := &headerNormWriter{ResponseWriter: w, logger: h.logger}
		next.ServeHTTP(wrapped, r)
	})
}

// headerNormWriter wraps http.ResponseWriter to normalize response headers.
type headerNormWriter struct {
	http.ResponseWriter
	logger      zerolog.Logger
	wroteHeader bool
}

func (hw *headerNormWriter) WriteHeader(code int) {
	if hw.wroteHeader {
		return
	}
	hw.wroteHeader = true

	for _, header := range headersToStripFromResponse {
		hw.ResponseWriter.Header().Del(header)
	}
	for k, v := range gatewayResponseHeaders {
		hw.ResponseWriter.Header().Set(k, v)
	}

	hw.ResponseWriter.WriteHeader(code)
}

func (hw *headerNormWriter) Write(b []byte) (int, error) {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
	return hw.ResponseWriter.Write(b)
}

// Flush supports streaming by delegating to the underlying writer.
func (hw *headerNormWriter) Flush() {
	if f, ok := hw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
