package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/chat-gateway/internal/logger"
	"github.com/nulpointcorp/chat-gateway/internal/metrics"
)

// Router performs exactly one upstream completion call. Implementations live
// in the backend package; one is chosen at startup.
type Router interface {
	Name() string
	Complete(ctx context.Context, msgs []Message) (*Completion, error)
}

// HistoryStore persists conversations. Save is a full replace of the turn
// sequence, not an append.
type HistoryStore interface {
	Load(ctx context.Context, chatID string) ([]Turn, error)
	Save(ctx context.Context, chatID string, turns []Turn) error
	List(ctx context.Context) ([]ConversationSummary, error)
	Delete(ctx context.Context, chatID string) error
	Clear(ctx context.Context) error
}

// StatsStore aggregates per-backend counters. Record must be safe for
// unbounded concurrent calls on the same backend id.
type StatsStore interface {
	Record(ctx context.Context, backendID string, usage Usage, latencyMs int64, cache CacheStatus) error
	List(ctx context.Context) ([]BackendStats, error)
	Clear(ctx context.Context) error
}

// Persistence groups the two stores backed by the same key-value server.
// A nil *Persistence means the gateway runs stateless.
type Persistence struct {
	History HistoryStore
	Stats   StatsStore
}

// Options holds optional collaborators for a Service. All fields may be
// left zero.
type Options struct {
	// Persistence enables history and stats. Nil disables both.
	Persistence *Persistence

	// UpstreamTimeout bounds a single router call. Zero means no extra
	// deadline beyond the router's own HTTP client timeout.
	UpstreamTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Registry
	ChatLog *logger.Logger
}

// Service is the conversation orchestrator. It keeps no state between
// requests; everything durable flows through Persistence.
//
// Concurrent Send calls for the same chat id are not serialized: both may load
// the same history and the last Save wins, dropping the other's turns.
type Service struct {
	router          Router
	persistence     *Persistence
	upstreamTimeout time.Duration
	log             *slog.Logger
	metrics         *metrics.Registry
	chatLog         *logger.Logger
}

// NewService creates a Service around the router selected at startup.
func NewService(router Router, opts Options) *Service {
	if router == nil {
		panic("chat: router must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Persistence != nil && (opts.Persistence.History == nil || opts.Persistence.Stats == nil) {
		panic("chat: persistence requires both a history and a stats store")
	}
	return &Service{
		router:          router,
		persistence:     opts.Persistence,
		upstreamTimeout: opts.UpstreamTimeout,
		log:             log,
		metrics:         opts.Metrics,
		chatLog:         opts.ChatLog,
	}
}

// Persistent reports whether a history/stats store is configured.
func (s *Service) Persistent() bool { return s.persistence != nil }

// RouterName returns the name of the active upstream call shape.
func (s *Service) RouterName() string { return s.router.Name() }

// Resolve computes the effective message sequence for req:
//
//  1. persistence configured and chat id given: load the history, then either
//     append Message as a user turn or replace everything with Messages;
//  2. otherwise Messages verbatim;
//  3. otherwise a single user turn holding Message.
//
// An empty result is ErrInvalidRequest.
func (s *Service) Resolve(ctx context.Context, req *Request) ([]Turn, error) {
	var turns []Turn

	switch {
	case s.Persistent() && req.ChatID != "":
		loaded, err := s.persistence.History.Load(ctx, req.ChatID)
		if err != nil {
			s.storeError("history_load")
			return nil, err
		}
		turns = loaded
		if req.Message != "" {
			turns = append(turns, Turn{Role: RoleUser, Content: req.Message})
		} else if len(req.Messages) > 0 {
			turns = turnsFrom(req.Messages)
		}
	case len(req.Messages) > 0:
		turns = turnsFrom(req.Messages)
	case req.Message != "":
		turns = []Turn{{Role: RoleUser, Content: req.Message}}
	}

	if len(turns) == 0 {
		return nil, ErrInvalidRequest
	}
	return turns, nil
}

// Send runs one chat turn end to end. Any failure is returned as a *Failure
// wrapping the cause; a failed stats update after a successful history save
// is not rolled back.
func (s *Service) Send(ctx context.Context, req *Request) (*Reply, error) {
	turns, err := s.Resolve(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, req, "resolve", err)
	}

	s.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", req.RequestID),
		slog.String("chat_id", req.ChatID),
		slog.String("router", s.router.Name()),
		slog.Int("turns", len(turns)),
	)

	callCtx := ctx
	if s.upstreamTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.upstreamTimeout)
		defer cancel()
	}

	start := time.Now()
	comp, err := s.router.Complete(callCtx, Messages(turns))
	elapsed := time.Since(start)
	latencyMs := elapsed.Milliseconds()

	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveUpstream(s.router.Name(), "error", elapsed)
		}
		return nil, s.fail(ctx, req, "backend", err)
	}
	if s.metrics != nil {
		s.metrics.ObserveUpstream(s.router.Name(), "success", elapsed)
		s.metrics.RecordCompletion(statsKey(comp.BackendID), comp.Usage.PromptTokens,
			comp.Usage.CompletionTokens, comp.Cache.String())
	}

	var backendID *string
	if comp.BackendID != "" {
		id := comp.BackendID
		backendID = &id
	}

	if s.Persistent() && req.ChatID != "" {
		turns = append(turns, Turn{
			Role:    RoleAssistant,
			Content: comp.Text,
			Meta: &TurnMeta{
				LatencyMs: latencyMs,
				Usage:     comp.Usage,
				BackendID: backendID,
				CacheHit:  comp.Cache,
			},
		})

		if err := s.persistence.History.Save(ctx, req.ChatID, turns); err != nil {
			s.storeError("history_save")
			return nil, s.fail(ctx, req, "history", err)
		}
		if err := s.persistence.Stats.Record(ctx, statsKey(comp.BackendID), comp.Usage, latencyMs, comp.Cache); err != nil {
			s.storeError("stats_record")
			return nil, s.fail(ctx, req, "stats", err)
		}
	}

	s.logChat(req, comp, latencyMs)

	s.log.DebugContext(ctx, "chat_ok",
		slog.String("request_id", req.RequestID),
		slog.String("chat_id", req.ChatID),
		slog.String("backend_id", comp.BackendID),
		slog.String("cache", comp.Cache.String()),
		slog.Int64("latency_ms", latencyMs),
		slog.Int64("total_tokens", comp.Usage.TotalTokens),
	)

	return &Reply{
		Text:      comp.Text,
		LatencyMs: latencyMs,
		Usage:     comp.Usage,
		BackendID: backendID,
		CacheHit:  comp.Cache.Bool(),
	}, nil
}

// ── Management operations ────────────────────────────────────────────────────

// Conversations lists conversations by descending recency.
func (s *Service) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	if !s.Persistent() {
		return nil, ErrPersistenceUnavailable
	}
	return s.persistence.History.List(ctx)
}

// Conversation returns the full turn history of one conversation.
func (s *Service) Conversation(ctx context.Context, chatID string) ([]Turn, error) {
	if !s.Persistent() {
		return nil, ErrPersistenceUnavailable
	}
	return s.persistence.History.Load(ctx, chatID)
}

// DeleteConversation removes one conversation. Deleting an unknown id is a no-op.
func (s *Service) DeleteConversation(ctx context.Context, chatID string) error {
	if !s.Persistent() {
		return ErrPersistenceUnavailable
	}
	return s.persistence.History.Delete(ctx, chatID)
}

// ClearConversations removes every indexed conversation.
func (s *Service) ClearConversations(ctx context.Context) error {
	if !s.Persistent() {
		return ErrPersistenceUnavailable
	}
	return s.persistence.History.Clear(ctx)
}

// Stats returns the per-backend aggregates.
func (s *Service) Stats(ctx context.Context) ([]BackendStats, error) {
	if !s.Persistent() {
		return nil, ErrPersistenceUnavailable
	}
	return s.persistence.Stats.List(ctx)
}

// ClearStats removes all backend stat records.
func (s *Service) ClearStats(ctx context.Context) error {
	if !s.Persistent() {
		return ErrPersistenceUnavailable
	}
	return s.persistence.Stats.Clear(ctx)
}

// ── Private helpers ──────────────────────────────────────────────────────────

func (s *Service) fail(ctx context.Context, req *Request, stage string, err error) error {
	level := slog.LevelError
	if errors.Is(err, ErrInvalidRequest) {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "chat_failed",
		slog.String("request_id", req.RequestID),
		slog.String("chat_id", req.ChatID),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	return &Failure{Stage: stage, Err: err}
}

func (s *Service) storeError(op string) {
	if s.metrics != nil {
		s.metrics.RecordStoreError(op)
	}
}

// logChat enqueues a chat log entry to the async logger. Never blocks.
func (s *Service) logChat(req *Request, comp *Completion, latencyMs int64) {
	if s.chatLog == nil {
		return
	}
	id, err := uuid.Parse(req.RequestID)
	if err != nil {
		id = uuid.New()
	}
	s.chatLog.Log(logger.ChatLog{
		ID:               id,
		ChatID:           req.ChatID,
		Router:           s.router.Name(),
		BackendID:        statsKey(comp.BackendID),
		PromptTokens:     comp.Usage.PromptTokens,
		CompletionTokens: comp.Usage.CompletionTokens,
		LatencyMs:        latencyMs,
		Cache:            comp.Cache.String(),
		Persisted:        s.Persistent() && req.ChatID != "",
		CreatedAt:        time.Now(),
	})
}

func turnsFrom(msgs []Message) []Turn {
	turns := make([]Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}

// statsKey maps an unreported backend id to the direct sentinel.
func statsKey(backendID string) string {
	if backendID == "" {
		return DirectBackendID
	}
	return backendID
}
