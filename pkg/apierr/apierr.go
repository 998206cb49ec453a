// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeBackendError   = "backend_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeStoreError     = "store_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded      = "rate_limit_exceeded"
	CodeInternalError          = "internal_error"
	CodeBackendError           = "backend_error"
	CodeInvalidRequest         = "invalid_request"
	CodeInvalidJSON            = "invalid_json"
	CodePersistenceUnavailable = "persistence_unavailable"
	CodeStoreError             = "store_error"
	CodeNotFound               = "not_found"
	CodeMethodNotAllowed       = "method_not_allowed"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidJSON writes a 400 for a body that is not a valid request object.
func WriteInvalidJSON(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidJSON)
}

// WritePersistenceUnavailable writes the 400 returned by history and stats
// routes when no store is configured.
func WritePersistenceUnavailable(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadRequest, "Redis is not configured",
		TypeInvalidRequest, CodePersistenceUnavailable)
}

// WriteChatFailure writes the 500 returned for any failed chat submission.
// errType and code classify the cause; the status never varies.
func WriteChatFailure(ctx *fasthttp.RequestCtx, msg, errType, code string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, errType, code)
}

// WriteStoreError writes a 500 for a failed history or stats operation.
func WriteStoreError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeStoreError, CodeStoreError)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
