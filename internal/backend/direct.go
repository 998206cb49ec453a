package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/chat-gateway/internal/chat"
)

const directName = "direct"

// DirectConfig configures a Direct router.
type DirectConfig struct {
	// Endpoint is the resource root, e.g. "https://myresource.openai.azure.com".
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
	Timeout    time.Duration
}

// Direct calls one Azure OpenAI deployment through the OpenAI SDK. It never
// reports a backend id or cache status.
type Direct struct {
	deployment string
	client     openaiSDK.Client
}

// DirectOption configures a Direct router.
type DirectOption func(*directOptions)

type directOptions struct {
	httpClient *http.Client
}

// WithDirectHTTPClient replaces the HTTP client built from the config timeout.
func WithDirectHTTPClient(c *http.Client) DirectOption {
	return func(o *directOptions) { o.httpClient = c }
}

// NewDirect points the SDK at
// <endpoint>/openai/deployments/<deployment>/chat/completions. SDK retries
// are disabled. Credentials the SDK picks up from OPENAI_* environment
// variables are stripped; only the Azure api-key is sent.
func NewDirect(cfg DirectConfig, opts ...DirectOption) *Direct {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	o := directOptions{httpClient: &http.Client{Timeout: cfg.Timeout}}
	for _, fn := range opts {
		fn(&o)
	}

	base := fmt.Sprintf("%s/openai/deployments/%s/",
		strings.TrimRight(cfg.Endpoint, "/"), cfg.Deployment)

	return &Direct{
		deployment: cfg.Deployment,
		client: openaiSDK.NewClient(
			option.WithBaseURL(base),
			option.WithHeaderDel("Authorization"),
			option.WithHeaderDel("OpenAI-Organization"),
			option.WithHeaderDel("OpenAI-Project"),
			option.WithHeader("api-key", cfg.APIKey),
			option.WithQuery("api-version", cfg.APIVersion),
			option.WithHTTPClient(o.httpClient),
			option.WithMaxRetries(0),
		),
	}
}

var _ chat.Router = (*Direct)(nil)

func (d *Direct) Name() string { return directName }

func (d *Direct) Complete(ctx context.Context, msgs []chat.Message) (*chat.Completion, error) {
	sdkMsgs, err := toSDKMessages(msgs)
	if err != nil {
		return nil, &Error{Router: directName, Err: err}
	}
	params := openaiSDK.ChatCompletionNewParams{
		Messages: sdkMsgs,
		Model:    d.deployment,
	}

	resp, err := d.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toBackendError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Router: directName, Err: fmt.Errorf("%w: no choices", ErrMalformedResponse)}
	}

	return &chat.Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: chat.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Cache: chat.CacheUnknown,
	}, nil
}

func toBackendError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &Error{
			Router:     directName,
			StatusCode: apierr.StatusCode,
			Body:       strings.TrimSpace(apierr.RawJSON()),
			Err:        err,
		}
	}
	return &Error{Router: directName, Err: err}
}

// toSDKMessages maps roles onto the SDK's message constructors. Roles that
// need more than role and content (tool, function) cannot be expressed.
func toSDKMessages(msgs []chat.Message) ([]openaiSDK.ChatCompletionMessageParamUnion, error) {
	out := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(msgs))
	for i, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, openaiSDK.SystemMessage(m.Content))
		case "developer":
			out = append(out, openaiSDK.DeveloperMessage(m.Content))
		case chat.RoleUser:
			out = append(out, openaiSDK.UserMessage(m.Content))
		case chat.RoleAssistant:
			out = append(out, openaiSDK.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("%w: messages[%d] has role %q", ErrUnsupportedRole, i, m.Role)
		}
	}
	return out, nil
}
