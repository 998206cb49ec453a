package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

const completionsSuffix = "/chat/completions"

// replyVocabulary feeds generated assistant replies.
var replyVocabulary = strings.Fields(
	"Sure here is a short answer about the topic you asked for " +
		"in plain words with one example and a brief summary at the end",
)

// generateReply returns an assistant reply of exactly n words.
func generateReply(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = replyVocabulary[rand.IntN(len(replyVocabulary))]
	}
	return strings.Join(words, " ") + "."
}

// simulateUpstream sleeps for the configured latency and then reports
// whether this call should fail with a 500.
func simulateUpstream(cfg Config) (fail bool) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// gatewayFault answers in the API management policy error shape:
// {"statusCode": 401, "message": "..."}.
func gatewayFault(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]any{"statusCode": status, "message": msg})
}

// azureFault answers in the Azure OpenAI error shape:
// {"error": {"code": "...", "message": "..."}}.
func azureFault(w http.ResponseWriter, status int, code, msg string) {
	respond(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg}})
}

type chatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// promptKey hashes the message sequence; identical prompts share a cache slot.
func (r chatRequest) promptKey() string {
	h := sha256.New()
	for _, m := range r.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// semanticCache is an exact-match stand-in for the gateway's semantic cache.
type semanticCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func (c *semanticCache) getOrStore(key, text string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries[key]; ok {
		return v, true
	}
	c.entries[key] = text
	return text, false
}

// newGatewayHandler simulates an API management gateway in front of several
// Azure OpenAI replicas. Any path ending in /deployments/<name>/chat/completions
// is accepted, so any APIM_API_SUFFIX works.
func newGatewayHandler(cfg Config) http.Handler {
	cache := &semanticCache{entries: make(map[string]string)}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deployment, ok := deploymentFromPath(r.URL.Path)
		if !ok {
			gatewayFault(w, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			gatewayFault(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if cfg.SubscriptionKey != "" && r.Header.Get("Ocp-Apim-Subscription-Key") != cfg.SubscriptionKey {
			gatewayFault(w, http.StatusUnauthorized, "access denied due to invalid subscription key")
			return
		}
		if simulateUpstream(cfg) {
			gatewayFault(w, http.StatusInternalServerError, "mock internal server error")
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			gatewayFault(w, http.StatusBadRequest, "invalid request body")
			return
		}

		text, hit := cache.getOrStore(req.promptKey(), generateReply(cfg.Words))
		cacheHeader := "MISS"
		if hit {
			cacheHeader = "HIT"
		}

		w.Header().Set("x-openai-backend", fmt.Sprintf("replica-%d", rand.IntN(cfg.Replicas)+1))
		w.Header().Set("x-semantic-cache", cacheHeader)
		writeCompletion(w, deployment, text, len(req.Messages), cfg.Words)
	})
}

// newAzureHandler simulates an Azure OpenAI resource addressed directly.
func newAzureHandler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/openai/") {
			azureFault(w, http.StatusNotFound, "not_found", "resource not found")
			return
		}
		deployment, ok := deploymentFromPath(r.URL.Path)
		if !ok {
			azureFault(w, http.StatusNotFound, "not_found", "resource not found")
			return
		}
		if r.URL.Query().Get("api-version") == "" {
			azureFault(w, http.StatusBadRequest, "invalid_request", "missing required query parameter api-version")
			return
		}
		if cfg.APIKey != "" && r.Header.Get("api-key") != cfg.APIKey {
			azureFault(w, http.StatusUnauthorized, "unauthorized", "access denied due to invalid api key")
			return
		}
		if simulateUpstream(cfg) {
			azureFault(w, http.StatusInternalServerError, "server_error", "mock internal server error")
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			azureFault(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}
		writeCompletion(w, deployment, generateReply(cfg.Words), len(req.Messages), cfg.Words)
	})
}

// deploymentFromPath extracts <name> from .../deployments/<name>/chat/completions.
func deploymentFromPath(path string) (string, bool) {
	if !strings.HasSuffix(path, completionsSuffix) {
		return "", false
	}
	rest := strings.TrimSuffix(path, completionsSuffix)
	i := strings.LastIndex(rest, "/deployments/")
	if i < 0 {
		return "", false
	}
	name := rest[i+len("/deployments/"):]
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// writeCompletion answers with a chat.completion body. Prompt tokens are
// approximated as five per message.
func writeCompletion(w http.ResponseWriter, model, text string, messages, words int) {
	inTokens := 5 * messages
	respond(w, http.StatusOK, map[string]any{
		"id":      fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     inTokens,
			"completion_tokens": words,
			"total_tokens":      inTokens + words,
		},
	})
}
