// Package backend implements the two upstream call shapes behind
// chat.Router:
//
//   - Gateway — an API-management gateway in front of several model
//     replicas. It reports the serving replica and the semantic cache status
//     through response headers.
//   - Direct — a single Azure OpenAI deployment called through the OpenAI SDK.
//     Backend id and cache status are never known in this mode.
//
// Exactly one of them is built at startup. Neither retries: any transport
// error, non-success status or malformed body surfaces as a single *Error.
package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/chat-gateway/internal/chat"
)

const (
	// DefaultTimeout is the upstream request timeout when none is configured.
	DefaultTimeout = 60 * time.Second

	// DefaultAPIVersion is the Azure OpenAI api-version query parameter.
	DefaultAPIVersion = "2024-10-01-preview"

	// HeaderBackend names the replica that served a gateway request.
	HeaderBackend = "x-openai-backend"
	// HeaderSemanticCache carries HIT or MISS when the gateway cache ran.
	HeaderSemanticCache = "x-semantic-cache"
	// HeaderSubscriptionKey authenticates against the gateway.
	HeaderSubscriptionKey = "Ocp-Apim-Subscription-Key"

	cacheHitToken = "HIT"
)

// ErrMalformedResponse means the upstream answered 2xx but without the
// expected fields.
var ErrMalformedResponse = errors.New("malformed upstream response")

// ErrUnsupportedRole means a message role has no equivalent in the call shape
// in use. The message is rejected rather than sent under another role.
var ErrUnsupportedRole = errors.New("unsupported message role")

// Error is the single Backend Failure type. StatusCode is zero for transport
// errors and timeouts.
type Error struct {
	Router     string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	prefix := e.Router + ": upstream"
	if e.Router == gatewayName {
		prefix = "APIM"
	}
	switch {
	case e.StatusCode > 0 && e.Body != "":
		return fmt.Sprintf("%s error %d: %s", prefix, e.StatusCode, e.Body)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s error %d", prefix, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", prefix, e.Err)
	default:
		return prefix + " failure"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the upstream status, 0 when no response was received.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Config carries both variants; a non-empty Gateway.BaseURL selects the
// gateway, otherwise the direct deployment is used.
type Config struct {
	Gateway GatewayConfig
	Direct  DirectConfig
}

// New builds the single router used for the lifetime of the process.
func New(cfg Config) chat.Router {
	if cfg.Gateway.BaseURL != "" {
		return NewGateway(cfg.Gateway)
	}
	return NewDirect(cfg.Direct)
}
