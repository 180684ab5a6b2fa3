// Package adapter defines the uniform provider contract (C3) that the
// Plan and Bedrock adapters implement, and the public Anthropic-shaped
// request/response types both translate to and from.
//
// Grounded on provider/provider.go's Provider/Stream interfaces, narrowed
// from an 11-provider OpenAI-compatible surface down to this spec's
// four-method contract: invoke, stream, count_tokens, close.
package adapter

import (
	"context"
	"encoding/json"
)

// ErrorKind is the internal error taxonomy (spec §7). Values, not names.
type ErrorKind string

const (
	RateLimit            ErrorKind = "rate_limit"
	UsageLimit           ErrorKind = "usage_limit"
	ServerError          ErrorKind = "server_error"
	ClientError          ErrorKind = "client_error"
	Timeout              ErrorKind = "timeout"
	NetworkError         ErrorKind = "network_error"
	BedrockAuthError     ErrorKind = "bedrock_auth_error"
	BedrockQuotaExceeded ErrorKind = "bedrock_quota_exceeded"
	BedrockValidation    ErrorKind = "bedrock_validation"
	BedrockModelError    ErrorKind = "bedrock_model_error"
	BedrockUnavailable   ErrorKind = "bedrock_unavailable"
)

// RetryableKinds is the set of kinds the router will fail over on.
var RetryableKinds = map[ErrorKind]bool{
	RateLimit:          true,
	ServerError:        true,
	Timeout:            true,
	NetworkError:       true,
	BedrockUnavailable: true,
}

// BreakerCountedKinds is the set of kinds that trip the circuit breaker
// (spec §4.2: "only failure kinds {server_error, timeout, network_error,
// bedrock_unavailable} count").
var BreakerCountedKinds = map[ErrorKind]bool{
	ServerError:        true,
	Timeout:            true,
	NetworkError:       true,
	BedrockUnavailable: true,
}

// PublicErrorType maps an internal ErrorKind to the public error envelope
// "type" field (spec §6 error-kind mapping table).
func PublicErrorType(kind ErrorKind) string {
	switch kind {
	case RateLimit, UsageLimit, BedrockQuotaExceeded:
		return "rate_limit_error"
	case ServerError, NetworkError, BedrockModelError:
		return "api_error"
	case ClientError, BedrockValidation:
		return "invalid_request_error"
	case Timeout, BedrockUnavailable:
		return "overloaded_error"
	case BedrockAuthError:
		return "authentication_error"
	default:
		return "api_error"
	}
}

// Error is the typed error every adapter method returns instead of a Go
// error value — adapter failures are data, not exceptions.
type Error struct {
	Kind       ErrorKind
	HTTPStatus int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// ContentBlock is the normalized public content element: a text block,
// a tool use request, or a tool result.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   interface{}     `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is one turn of the conversation. Content is a tagged variant
// at the wire level (string | object | list of blocks); ContentBlocks
// (via NormalizeContent) normalizes it.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ContentBlocks normalizes Content into a canonical []ContentBlock,
// regardless of whether the wire form was a bare string, a single
// block object, or a list of blocks (spec §9 "Dynamic request/content
// shapes").
func (m Message) ContentBlocks() []ContentBlock {
	return NormalizeContent(m.Content)
}

// NormalizeContent implements the tagged-variant-to-canonical-shape
// conversion named in spec §9: a string becomes one text block, a
// single object becomes a one-element list, a list passes through
// block-by-block.
func NormalizeContent(raw interface{}) []ContentBlock {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return []ContentBlock{{Type: "text", Text: v}}
	case map[string]interface{}:
		return []ContentBlock{blockFromMap(v)}
	case []interface{}:
		blocks := make([]ContentBlock, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				blocks = append(blocks, blockFromMap(m))
			}
		}
		return blocks
	default:
		return nil
	}
}

func blockFromMap(m map[string]interface{}) ContentBlock {
	b := ContentBlock{}
	if t, ok := m["type"].(string); ok {
		b.Type = t
	}
	if t, ok := m["text"].(string); ok {
		b.Text = t
	}
	if id, ok := m["id"].(string); ok {
		b.ID = id
	}
	if n, ok := m["name"].(string); ok {
		b.Name = n
	}
	if in, ok := m["input"]; ok {
		if raw, err := json.Marshal(in); err == nil {
			b.Input = raw
		}
	}
	if tid, ok := m["tool_use_id"].(string); ok {
		b.ToolUseID = tid
	}
	if c, ok := m["content"]; ok {
		b.Content = c
	}
	if ie, ok := m["is_error"].(bool); ok {
		b.IsError = ie
	}
	return b
}

// Tool is a public tool/function definition, accepting either the
// "function" (OpenAI-style) or flat "input_schema" (Anthropic-style)
// shape the spec's request-translation table names.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	Function     *ToolFunction   `json:"function,omitempty"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Schema resolves the effective JSON schema regardless of which of the
// two tool-definition shapes was used.
func (t Tool) Schema() json.RawMessage {
	if t.Function != nil && len(t.Function.Parameters) > 0 {
		return t.Function.Parameters
	}
	return t.InputSchema
}

// EffectiveName resolves the tool name regardless of shape.
func (t Tool) EffectiveName() string {
	if t.Function != nil && t.Function.Name != "" {
		return t.Function.Name
	}
	return t.Name
}

// Usage carries token accounting common to both unary responses and the
// terminal streaming event.
type Usage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens,omitempty"`
}

// Tenant carries the per-request authentication result (spec §3's
// RequestContext) that C5 needs to resolve which Bedrock credential
// and region/model to use. Plan ignores it entirely.
type Tenant struct {
	AccessKeyID   string
	UserID        string
	KeyPrefix     string
	BedrockRegion string
	BedrockModel  string
	HasBedrockKey bool
}

// Request is the public AnthropicRequest JSON shape (spec §4.5 request
// translation table lists its fields). Raw preserves the original body
// bytes for the Plan adapter's byte-for-byte pass-through.
type Request struct {
	Tenant *Tenant `json:"-"`

	// Headers carries the inbound pass-through header set (spec §4.4/§6:
	// x-api-key, Authorization, anthropic-version, anthropic-beta,
	// content-type) for the Plan adapter to forward verbatim to the
	// upstream. Never part of the JSON wire body.
	Headers map[string]string `json:"-"`

	Model         string            `json:"model"`
	Messages      []Message         `json:"messages"`
	System        interface{}       `json:"system,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Tools         []Tool            `json:"tools,omitempty"`
	ToolChoice    interface{}       `json:"tool_choice,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Stream        bool              `json:"stream,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// SystemBlocks normalizes System (string | block | list) into a flat
// list of text strings, per spec §4.5's "always flattened to list".
func (r *Request) SystemBlocks() []string {
	switch v := r.System.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case map[string]interface{}:
		if t, ok := v["text"].(string); ok {
			return []string{t}
		}
		return nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if t, ok := m["text"].(string); ok {
					out = append(out, t)
				}
			} else if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Response is the public AnthropicResponse JSON shape.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// CountResponse is the public count_tokens response.
type CountResponse struct {
	InputTokens int `json:"input_tokens"`
}

// ByteStream yields server-sent-event-formatted byte chunks already in
// the public wire format (spec §4.3).
type ByteStream interface {
	Next() ([]byte, error)
	Close() error
}

// Adapter is the uniform contract every upstream connector implements.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req *Request) (*Response, *Error)
	Stream(ctx context.Context, req *Request) (ByteStream, *Error)
	CountTokens(ctx context.Context, req *Request) (*CountResponse, *Error)
	Close() error
}
