package bedrock

import (
	"context"
	"errors"

	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/sergeybar/ak-gateway/internal/adapter"
)

// classifyError maps an AWS SDK/smithy error into the adapter error
// taxonomy (spec §4.5 "Error classification" table). Grounded on
// goadesign-goa-ai/features/model/bedrock/client.go's isRateLimited
// (errors.As on smithy.APIError, switch on .ErrorCode(), plus a
// raw-HTTP-status fallback via smithyhttp.ResponseError), extended
// from a single rate-limited boolean to the spec's full table —
// notably ThrottlingException classifies as bedrock_quota_exceeded,
// not rate_limit: Bedrock has no separate "too many requests, try
// again shortly" tier from "you are over your service quota".
func classifyError(ctx context.Context, err error) *adapter.Error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &adapter.Error{Kind: adapter.Timeout, HTTPStatus: 504, Message: "request canceled or timed out", Retryable: true}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnauthorizedOperation":
			return &adapter.Error{Kind: adapter.BedrockAuthError, HTTPStatus: 401, Message: apiErr.ErrorMessage(), Retryable: false}
		case "ThrottlingException", "ServiceQuotaExceededException":
			return &adapter.Error{Kind: adapter.BedrockQuotaExceeded, HTTPStatus: 429, Message: apiErr.ErrorMessage(), Retryable: false}
		case "ValidationException":
			return &adapter.Error{Kind: adapter.BedrockValidation, HTTPStatus: 400, Message: apiErr.ErrorMessage(), Retryable: false}
		case "ModelErrorException", "ModelStreamErrorException":
			return &adapter.Error{Kind: adapter.BedrockModelError, HTTPStatus: 502, Message: apiErr.ErrorMessage(), Retryable: false}
		case "ServiceUnavailableException", "InternalServerException":
			return &adapter.Error{Kind: adapter.BedrockUnavailable, HTTPStatus: 503, Message: apiErr.ErrorMessage(), Retryable: true}
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 401 || status == 403:
			return &adapter.Error{Kind: adapter.BedrockAuthError, HTTPStatus: status, Message: err.Error(), Retryable: false}
		case status == 429:
			return &adapter.Error{Kind: adapter.BedrockQuotaExceeded, HTTPStatus: status, Message: err.Error(), Retryable: false}
		case status >= 500:
			return &adapter.Error{Kind: adapter.BedrockUnavailable, HTTPStatus: status, Message: err.Error(), Retryable: true}
		case status >= 400:
			return &adapter.Error{Kind: adapter.BedrockValidation, HTTPStatus: status, Message: err.Error(), Retryable: false}
		}
	}

	return &adapter.Error{Kind: adapter.NetworkError, HTTPStatus: 502, Message: err.Error(), Retryable: true}
}
