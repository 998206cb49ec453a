// Package chat holds the conversation model and the orchestrator that ties the
// history store, the backend router and the stats aggregator together.
//
// The storage and transport implementations live in their own packages
// (history, stats, backend) and satisfy the small interfaces declared in
// service.go, so the orchestrator can be exercised with in-memory doubles.
package chat

import (
	"bytes"
	"fmt"
)

// Conversation roles produced by the orchestrator. Explicit message sequences
// supplied by clients may carry other roles (e.g. "system"); they are passed
// through verbatim.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DirectBackendID is the stats key used when no intermediary reported which
// replica served the request.
const DirectBackendID = "direct"

type (
	// Message is the role/content pair sent upstream.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage reported by the upstream.
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	}

	// TurnMeta is attached to every assistant turn produced by the orchestrator.
	TurnMeta struct {
		LatencyMs int64       `json:"latency_ms"`
		Usage     Usage       `json:"usage"`
		BackendID *string     `json:"backend_id"`
		CacheHit  CacheStatus `json:"cache_hit"`
	}

	// Turn is one persisted message of a conversation.
	Turn struct {
		Role    string    `json:"role"`
		Content string    `json:"content"`
		Meta    *TurnMeta `json:"meta,omitempty"`
	}

	// ConversationSummary is one row of the recency listing.
	ConversationSummary struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		UpdatedAt int64  `json:"updated_at"`
	}

	// Completion is the normalized result of one upstream call, independent of
	// which call shape produced it. An empty BackendID means "not reported".
	Completion struct {
		Text      string
		Usage     Usage
		BackendID string
		Cache     CacheStatus
	}

	// Request is the body of POST /chat.
	Request struct {
		Messages []Message `json:"messages,omitempty"`
		Message  string    `json:"message,omitempty"`
		ChatID   string    `json:"chat_id,omitempty"`

		// RequestID correlates log lines; set by the HTTP layer.
		RequestID string `json:"-"`
	}

	// Reply is returned to the caller of POST /chat.
	Reply struct {
		Text      string  `json:"text"`
		LatencyMs int64   `json:"latency_ms"`
		Usage     Usage   `json:"usage"`
		BackendID *string `json:"backend_id"`
		CacheHit  *bool   `json:"cache_hit"`
	}
)

// Message strips the turn down to what the upstream accepts.
func (t Turn) Message() Message {
	return Message{Role: t.Role, Content: t.Content}
}

// Messages converts a turn sequence into the upstream message sequence.
func Messages(turns []Turn) []Message {
	msgs := make([]Message, len(turns))
	for i, t := range turns {
		msgs[i] = t.Message()
	}
	return msgs
}

// BackendStats is the aggregate record kept for one backend id.
type BackendStats struct {
	BackendID        string `json:"backend_id"`
	Responses        int64  `json:"responses"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	LatencyMsTotal   int64  `json:"latency_ms_total"`
	CacheHits        int64  `json:"cache_hits"`
	CacheMisses      int64  `json:"cache_misses"`
}

// AvgLatencyMs returns the mean latency per response, 0 when nothing was recorded.
func (s BackendStats) AvgLatencyMs() float64 {
	if s.Responses == 0 {
		return 0
	}
	return float64(s.LatencyMsTotal) / float64(s.Responses)
}

// CacheHitRatio returns hits / (hits + misses), ignoring responses whose cache
// status was unknown.
func (s BackendStats) CacheHitRatio() float64 {
	known := s.CacheHits + s.CacheMisses
	if known == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(known)
}

// CacheStatus is the tri-state semantic cache signal: unknown when the
// upstream said nothing about caching.
type CacheStatus int8

const (
	CacheUnknown CacheStatus = iota
	CacheHit
	CacheMiss
)

// CacheStatusOf converts a known boolean into a CacheStatus.
func CacheStatusOf(hit bool) CacheStatus {
	if hit {
		return CacheHit
	}
	return CacheMiss
}

// Known reports whether the upstream reported a cache status at all.
func (c CacheStatus) Known() bool { return c == CacheHit || c == CacheMiss }

// Bool returns nil for CacheUnknown, otherwise a pointer to the hit flag.
func (c CacheStatus) Bool() *bool {
	if !c.Known() {
		return nil
	}
	hit := c == CacheHit
	return &hit
}

func (c CacheStatus) String() string {
	switch c {
	case CacheHit:
		return "hit"
	case CacheMiss:
		return "miss"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as true, false or null.
func (c CacheStatus) MarshalJSON() ([]byte, error) {
	switch c {
	case CacheHit:
		return []byte("true"), nil
	case CacheMiss:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (c *CacheStatus) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true":
		*c = CacheHit
	case "false":
		*c = CacheMiss
	case "null":
		*c = CacheUnknown
	default:
		return fmt.Errorf("chat: invalid cache_hit value %s", data)
	}
	return nil
}
