// Package route implements the fixed two-provider fallback algorithm
// (C6): try the Plan adapter first, gated by the per-tenant circuit
// breaker, and fall back to Bedrock when the primary is unavailable or
// fails with a retryable, fallback-eligible error.
//
// Grounded structurally on Sergey-Bar-Alfred's handler/proxy.go
// ChatCompletions dispatch and routing/routing.go's Engine.Evaluate/
// SelectProvider, replacing rule-based provider selection with this
// spec's fixed algorithm.
package route

import (
	"context"

	"github.com/sergeybar/ak-gateway/internal/adapter"
	"github.com/sergeybar/ak-gateway/internal/breaker"
)

// Outcome reports the provider that served a request, whether it was
// a fallback, and the resulting adapter.Response or adapter.Error.
type Outcome struct {
	Provider   string
	IsFallback bool
	Response   *adapter.Response
	Err        *adapter.Error
}

// Router wires the breaker and the two provider adapters together.
type Router struct {
	breaker *breaker.Breaker
	plan    adapter.Adapter
	bedrock adapter.Adapter
}

func New(b *breaker.Breaker, plan, bedrock adapter.Adapter) *Router {
	return &Router{breaker: b, plan: plan, bedrock: bedrock}
}

// Route implements the unary algorithm (spec §4.6, steps 1-3).
func (r *Router) Route(ctx context.Context, tenant *adapter.Tenant, req *adapter.Request) *Outcome {
	req.Tenant = tenant
	key := tenant.AccessKeyID

	attemptedPrimary := false

	if allowed, trial := r.breaker.Allow(key); allowed {
		attemptedPrimary = true
		resp, err := r.plan.Invoke(ctx, req)
		if err == nil {
			r.breaker.RecordResult(key, true, true)
			return &Outcome{Provider: "plan", IsFallback: false, Response: resp}
		}
		r.breaker.RecordResult(key, false, adapter.BreakerCountedKinds[err.Kind])
		_ = trial

		if !err.Retryable || !adapter.RetryableKinds[err.Kind] {
			return &Outcome{Provider: "plan", IsFallback: false, Err: err}
		}
	}

	if tenant.HasBedrockKey {
		resp, err := r.bedrock.Invoke(ctx, req)
		if err != nil {
			return &Outcome{Provider: "bedrock", IsFallback: attemptedPrimary, Err: err}
		}
		return &Outcome{Provider: "bedrock", IsFallback: attemptedPrimary, Response: resp}
	}

	// No Bedrock key configured: surface the spec's fixed 503, never the
	// primary's own (retryable) error — matching ProxyRouter.route's final
	// fallthrough in the original implementation.
	return &Outcome{
		Provider: "plan",
		Err: &adapter.Error{
			Kind:       adapter.BedrockUnavailable,
			HTTPStatus: 503,
			Message:    "Service unavailable and no fallback configured",
			Retryable:  false,
		},
	}
}

// CountTokens serves the count_tokens endpoint: it prefers Plan when
// the breaker allows it, falling back to Bedrock when Plan is open or
// fails. It records a breaker result only when its Plan call was the
// HALF_OPEN trial, so the trial gate is released; otherwise it does no
// breaker bookkeeping — it estimates a token count, not a billable
// completion (spec §2.3).
func (r *Router) CountTokens(ctx context.Context, tenant *adapter.Tenant, req *adapter.Request) (*adapter.CountResponse, *adapter.Error) {
	req.Tenant = tenant
	key := tenant.AccessKeyID

	if allowed, trial := r.breaker.Allow(key); allowed {
		resp, err := r.plan.CountTokens(ctx, req)
		if trial {
			r.breaker.RecordResult(key, err == nil, err == nil || adapter.BreakerCountedKinds[err.Kind])
		}
		if err == nil {
			return resp, nil
		}
		if !tenant.HasBedrockKey {
			return nil, err
		}
	} else if !tenant.HasBedrockKey {
		return nil, &adapter.Error{Kind: adapter.BedrockUnavailable, HTTPStatus: 503, Message: "Service unavailable and no fallback configured", Retryable: false}
	}

	if tenant.HasBedrockKey {
		return r.bedrock.CountTokens(ctx, req)
	}
	return nil, &adapter.Error{Kind: adapter.BedrockUnavailable, HTTPStatus: 503, Message: "Service unavailable and no fallback configured", Retryable: false}
}

// StreamOutcome is Route's streaming counterpart: once a stream's
// first byte has left an adapter, no further switching is permitted,
// so the caller distinguishes pre-stream failures (switchable) from a
// live stream (not switchable) by checking Err alongside Stream.
type StreamOutcome struct {
	Provider   string
	IsFallback bool
	Stream     adapter.ByteStream
	Err        *adapter.Error
}

// Stream implements the streaming variant of the algorithm (spec
// §4.6's streaming paragraph): the primary is attempted; if it fails
// before any bytes are emitted and fallback is eligible, the secondary
// is attempted. Once either adapter returns a live ByteStream, no
// further switching occurs.
func (r *Router) Stream(ctx context.Context, tenant *adapter.Tenant, req *adapter.Request) *StreamOutcome {
	req.Tenant = tenant
	key := tenant.AccessKeyID

	attemptedPrimary := false

	if allowed, _ := r.breaker.Allow(key); allowed {
		attemptedPrimary = true
		stream, err := r.plan.Stream(ctx, req)
		if err == nil {
			r.breaker.RecordResult(key, true, true)
			return &StreamOutcome{Provider: "plan", IsFallback: false, Stream: stream}
		}
		r.breaker.RecordResult(key, false, adapter.BreakerCountedKinds[err.Kind])

		if !err.Retryable || !adapter.RetryableKinds[err.Kind] {
			return &StreamOutcome{Provider: "plan", IsFallback: false, Err: err}
		}
	}

	if tenant.HasBedrockKey {
		stream, err := r.bedrock.Stream(ctx, req)
		if err != nil {
			return &StreamOutcome{Provider: "bedrock", IsFallback: attemptedPrimary, Err: err}
		}
		return &StreamOutcome{Provider: "bedrock", IsFallback: attemptedPrimary, Stream: stream}
	}

	// No Bedrock key configured: surface the spec's fixed 503, never the
	// primary's own (retryable) error — matching ProxyRouter.route's final
	// fallthrough in the original implementation.
	return &StreamOutcome{
		Provider: "plan",
		Err: &adapter.Error{
			Kind:       adapter.BedrockUnavailable,
			HTTPStatus: 503,
			Message:    "Service unavailable and no fallback configured",
			Retryable:  false,
		},
	}
}
