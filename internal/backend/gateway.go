package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nulpointcorp/chat-gateway/internal/chat"
)

const gatewayName = "gateway"

// maxErrorBody caps how much of an upstream error body is kept.
const maxErrorBody = 4 << 10

type (
	gatewayRequest struct {
		Messages []chat.Message `json:"messages"`
	}

	gatewayResponse struct {
		Choices []gatewayChoice `json:"choices"`
		Usage   *gatewayUsage   `json:"usage"`
	}

	gatewayChoice struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	}

	gatewayUsage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	}
)

// GatewayConfig configures a Gateway router.
type GatewayConfig struct {
	// BaseURL is the gateway root, e.g. "https://apim.example.net".
	BaseURL string
	// SubscriptionKey is sent as Ocp-Apim-Subscription-Key when non-empty.
	SubscriptionKey string
	// PathSuffix is inserted between BaseURL and /deployments.
	PathSuffix string
	Deployment string
	APIVersion string
	Timeout    time.Duration
}

// Gateway calls the deployment-scoped chat completions route of an API
// management gateway.
type Gateway struct {
	url             string
	subscriptionKey string
	client          *http.Client
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient replaces the HTTP client built from the config timeout.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.client = c }
}

// NewGateway builds the completion URL once; it does not change per request.
func NewGateway(cfg GatewayConfig, opts ...GatewayOption) *Gateway {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	g := &Gateway{
		url:             completionsURL(cfg.BaseURL, cfg.PathSuffix, cfg.Deployment, cfg.APIVersion),
		subscriptionKey: cfg.SubscriptionKey,
		client:          &http.Client{Timeout: cfg.Timeout},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

var _ chat.Router = (*Gateway)(nil)

func (g *Gateway) Name() string { return gatewayName }

// URL returns the completion endpoint this router posts to.
func (g *Gateway) URL() string { return g.url }

func (g *Gateway) Complete(ctx context.Context, msgs []chat.Message) (*chat.Completion, error) {
	body, err := json.Marshal(gatewayRequest{Messages: msgs})
	if err != nil {
		return nil, &Error{Router: gatewayName, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Router: gatewayName, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.subscriptionKey != "" {
		httpReq.Header.Set(HeaderSubscriptionKey, g.subscriptionKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Router: gatewayName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{
			Router:     gatewayName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(text)),
		}
	}

	var gr gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, &Error{Router: gatewayName, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if len(gr.Choices) == 0 || gr.Choices[0].Message == nil || gr.Choices[0].Message.Content == nil {
		return nil, &Error{Router: gatewayName, Err: fmt.Errorf("%w: no choices[0].message.content", ErrMalformedResponse)}
	}

	comp := &chat.Completion{
		Text:      *gr.Choices[0].Message.Content,
		BackendID: resp.Header.Get(HeaderBackend),
		Cache:     parseCacheHeader(resp.Header),
	}
	if gr.Usage != nil {
		comp.Usage = chat.Usage{
			PromptTokens:     gr.Usage.PromptTokens,
			CompletionTokens: gr.Usage.CompletionTokens,
			TotalTokens:      gr.Usage.TotalTokens,
		}
	}
	return comp, nil
}

// parseCacheHeader maps the semantic cache header to the tri-state: absent
// is unknown, "HIT" in any case is a hit, any other value is a miss.
func parseCacheHeader(h http.Header) chat.CacheStatus {
	values, ok := h[http.CanonicalHeaderKey(HeaderSemanticCache)]
	if !ok || len(values) == 0 {
		return chat.CacheUnknown
	}
	return chat.CacheStatusOf(strings.EqualFold(strings.TrimSpace(values[0]), cacheHitToken))
}

// completionsURL joins the gateway route:
//
//	<base>[/<suffix>]/deployments/<deployment>/chat/completions?api-version=<v>
func completionsURL(baseURL, suffix, deployment, apiVersion string) string {
	base := strings.TrimRight(baseURL, "/")
	suffix = strings.Trim(suffix, "/")
	if suffix != "" {
		base += "/" + suffix
	}
	q := url.Values{"api-version": []string{apiVersion}}
	return fmt.Sprintf("%s/deployments/%s/chat/completions?%s",
		base, url.PathEscape(deployment), q.Encode())
}
