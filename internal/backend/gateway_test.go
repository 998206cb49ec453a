package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/chat-gateway/internal/chat"
)

func newTestGateway(srv *httptest.Server, suffix string) *Gateway {
	return NewGateway(GatewayConfig{
		BaseURL:         srv.URL,
		SubscriptionKey: "sub-key",
		PathSuffix:      suffix,
		Deployment:      "gpt-4o",
		APIVersion:      "2024-10-01-preview",
	})
}

func respondCompletion(w http.ResponseWriter, text string, prompt, completion int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": text}},
		},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	})
}

func TestCompletionsURL(t *testing.T) {
	cases := []struct {
		base, suffix, want string
	}{
		{"https://apim.example.net", "", "https://apim.example.net/deployments/gpt-4o/chat/completions?api-version=v1"},
		{"https://apim.example.net/", "openai", "https://apim.example.net/openai/deployments/gpt-4o/chat/completions?api-version=v1"},
		{"https://apim.example.net", "/openai/", "https://apim.example.net/openai/deployments/gpt-4o/chat/completions?api-version=v1"},
		{"https://apim.example.net", "//", "https://apim.example.net/deployments/gpt-4o/chat/completions?api-version=v1"},
	}
	for _, tc := range cases {
		if got := completionsURL(tc.base, tc.suffix, "gpt-4o", "v1"); got != tc.want {
			t.Errorf("completionsURL(%q, %q) = %q, want %q", tc.base, tc.suffix, got, tc.want)
		}
	}
}

func TestGateway_Complete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/openai/deployments/gpt-4o/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if v := r.URL.Query().Get("api-version"); v != "2024-10-01-preview" {
			t.Errorf("api-version = %q", v)
		}
		if k := r.Header.Get(HeaderSubscriptionKey); k != "sub-key" {
			t.Errorf("subscription key = %q", k)
		}

		var body struct {
			Messages []chat.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if len(body.Messages) != 2 || body.Messages[1].Content != "and now?" {
			t.Errorf("messages = %+v", body.Messages)
		}

		w.Header().Set(HeaderBackend, "replica-2")
		w.Header().Set(HeaderSemanticCache, " hit ")
		respondCompletion(w, "Hi there", 12, 4)
	}))
	defer srv.Close()

	g := newTestGateway(srv, "/openai/")
	comp, err := g.Complete(context.Background(), []chat.Message{
		{Role: "user", Content: "hello"},
		{Role: "user", Content: "and now?"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Text != "Hi there" {
		t.Errorf("text = %q", comp.Text)
	}
	if comp.BackendID != "replica-2" {
		t.Errorf("backend = %q", comp.BackendID)
	}
	if comp.Cache != chat.CacheHit {
		t.Errorf("cache = %v, want hit", comp.Cache)
	}
	want := chat.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16}
	if comp.Usage != want {
		t.Errorf("usage = %+v, want %+v", comp.Usage, want)
	}
}

func TestGateway_CacheHeader(t *testing.T) {
	cases := []struct {
		name   string
		header *string
		want   chat.CacheStatus
	}{
		{"absent", nil, chat.CacheUnknown},
		{"hit upper", strPtr("HIT"), chat.CacheHit},
		{"hit lower", strPtr("hit"), chat.CacheHit},
		{"miss", strPtr("MISS"), chat.CacheMiss},
		{"other", strPtr("BYPASS"), chat.CacheMiss},
		{"empty", strPtr(""), chat.CacheMiss},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.header != nil {
				h[http.CanonicalHeaderKey(HeaderSemanticCache)] = []string{*tc.header}
			}
			if got := parseCacheHeader(h); got != tc.want {
				t.Errorf("parseCacheHeader = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGateway_NoBackendHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondCompletion(w, "ok", 1, 1)
	}))
	defer srv.Close()

	comp, err := newTestGateway(srv, "").Complete(context.Background(), []chat.Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.BackendID != "" {
		t.Errorf("backend = %q, want empty", comp.BackendID)
	}
	if comp.Cache != chat.CacheUnknown {
		t.Errorf("cache = %v, want unknown", comp.Cache)
	}
}

func TestGateway_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestGateway(srv, "").Complete(context.Background(), []chat.Message{{Role: "user", Content: "x"}})
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("err = %T %v, want *Error", err, err)
	}
	if be.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("status = %d", be.HTTPStatus())
	}
	if be.Body != "quota exceeded" {
		t.Errorf("body = %q", be.Body)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestGateway_MalformedResponse(t *testing.T) {
	bodies := map[string]string{
		"no choices":   `{"choices":[]}`,
		"null content": `{"choices":[{"message":{"content":null}}]}`,
		"no message":   `{"choices":[{}]}`,
		"not json":     `<html>`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestGateway(srv, "").Complete(context.Background(), []chat.Message{{Role: "user", Content: "x"}})
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("err = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestGateway_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := NewGateway(GatewayConfig{BaseURL: srv.URL, Deployment: "d", Timeout: 50 * time.Millisecond})
	_, err := g.Complete(context.Background(), []chat.Message{{Role: "user", Content: "x"}})
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if be.HTTPStatus() != 0 {
		t.Errorf("status = %d, want 0 for a timeout", be.HTTPStatus())
	}
}

func TestGateway_NoSubscriptionKeyHeaderWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header[http.CanonicalHeaderKey(HeaderSubscriptionKey)]; ok {
			t.Error("subscription header sent with empty key")
		}
		respondCompletion(w, "ok", 0, 0)
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{BaseURL: srv.URL, Deployment: "d"})
	if _, err := g.Complete(context.Background(), []chat.Message{{Role: "user", Content: "x"}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestNew_SelectsVariant(t *testing.T) {
	r := New(Config{
		Gateway: GatewayConfig{BaseURL: "https://apim.example.net", Deployment: "d"},
		Direct:  DirectConfig{Endpoint: "https://res.openai.azure.com", APIKey: "k", Deployment: "d"},
	})
	if r.Name() != "gateway" {
		t.Errorf("with base URL: router = %q, want gateway", r.Name())
	}

	r = New(Config{Direct: DirectConfig{Endpoint: "https://res.openai.azure.com", APIKey: "k", Deployment: "d"}})
	if r.Name() != "direct" {
		t.Errorf("without base URL: router = %q, want direct", r.Name())
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Router: "gateway", StatusCode: 500, Body: "boom"}
	if got := err.Error(); got != "APIM error 500: boom" {
		t.Errorf("Error() = %q", got)
	}
}
