package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/chat-gateway/internal/backend"
	"github.com/nulpointcorp/chat-gateway/internal/chat"
	"github.com/nulpointcorp/chat-gateway/pkg/apierr"
)

// statsView adds the derived ratios to the stored counters.
type statsView struct {
	chat.BackendStats
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
}

var statusOK = map[string]string{"status": "ok"}

func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx)
		if err != nil {
			s.log.WarnContext(ctx, "ratelimit_unavailable",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}
		if !allowed {
			s.recordRateLimit("rejected")
			apierr.WriteRateLimit(ctx)
			return
		}
		s.recordRateLimit("allowed")
	}

	var req chat.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidJSON(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	req.RequestID = reqID

	reply, err := s.svc.Send(ctx, &req)
	if err != nil {
		errType, code := classifyFailure(err)
		var be *backend.Error
		if errors.As(err, &be) {
			s.log.ErrorContext(ctx, "backend_error",
				slog.String("request_id", reqID),
				slog.String("router", be.Router),
				slog.Int("upstream_status", be.HTTPStatus()),
			)
		}
		apierr.WriteChatFailure(ctx, err.Error(), errType, code)
		return
	}

	writeJSON(ctx, reply)
}

// classifyFailure picks the error type and code for a failed chat turn. The
// HTTP status is 500 regardless.
func classifyFailure(err error) (errType, code string) {
	if errors.Is(err, chat.ErrInvalidRequest) {
		return apierr.TypeInvalidRequest, apierr.CodeInvalidRequest
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return apierr.TypeBackendError, apierr.CodeBackendError
	}
	var f *chat.Failure
	if errors.As(err, &f) {
		switch f.Stage {
		case "resolve", "history", "stats":
			return apierr.TypeStoreError, apierr.CodeStoreError
		}
	}
	return apierr.TypeServerError, apierr.CodeInternalError
}

func (s *Server) handleListChats(ctx *fasthttp.RequestCtx) {
	list, err := s.svc.Conversations(ctx)
	if err != nil {
		s.writeManagementError(ctx, "chats_list", err)
		return
	}
	writeJSON(ctx, list)
}

func (s *Server) handleGetChat(ctx *fasthttp.RequestCtx) {
	turns, err := s.svc.Conversation(ctx, chatID(ctx))
	if err != nil {
		s.writeManagementError(ctx, "chats_get", err)
		return
	}
	writeJSON(ctx, turns)
}

func (s *Server) handleDeleteChat(ctx *fasthttp.RequestCtx) {
	if err := s.svc.DeleteConversation(ctx, chatID(ctx)); err != nil {
		s.writeManagementError(ctx, "chats_delete", err)
		return
	}
	writeJSON(ctx, statusOK)
}

func (s *Server) handleClearChats(ctx *fasthttp.RequestCtx) {
	if err := s.svc.ClearConversations(ctx); err != nil {
		s.writeManagementError(ctx, "chats_clear", err)
		return
	}
	writeJSON(ctx, statusOK)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	list, err := s.svc.Stats(ctx)
	if err != nil {
		s.writeManagementError(ctx, "stats_list", err)
		return
	}
	out := make([]statsView, len(list))
	for i, st := range list {
		out[i] = statsView{
			BackendStats:  st,
			AvgLatencyMs:  st.AvgLatencyMs(),
			CacheHitRatio: st.CacheHitRatio(),
		}
	}
	writeJSON(ctx, out)
}

func (s *Server) handleClearStats(ctx *fasthttp.RequestCtx) {
	if err := s.svc.ClearStats(ctx); err != nil {
		s.writeManagementError(ctx, "stats_clear", err)
		return
	}
	writeJSON(ctx, statusOK)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, statusOK)
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, statusOK)
		return
	}
	snap := s.health.Snapshot()
	if !s.health.ReadinessOK() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, snap)
}

func (s *Server) writeManagementError(ctx *fasthttp.RequestCtx, op string, err error) {
	if errors.Is(err, chat.ErrPersistenceUnavailable) {
		apierr.WritePersistenceUnavailable(ctx)
		return
	}
	reqID, _ := ctx.UserValue("request_id").(string)
	s.log.ErrorContext(ctx, "store_error",
		slog.String("request_id", reqID),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	if s.metrics != nil {
		s.metrics.RecordStoreError(op)
	}
	apierr.WriteStoreError(ctx, err.Error())
}

func (s *Server) recordRateLimit(result string) {
	if s.metrics != nil {
		s.metrics.RecordRateLimit(result)
	}
}

func chatID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("id").(string)
	return id
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetBody(data)
}
