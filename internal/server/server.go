// Package server exposes the conversation orchestrator over HTTP.
//
// Routes:
//
//	POST   /chat          one chat turn
//	GET    /chats         conversations by recency
//	GET    /chats/{id}    full history of one conversation
//	DELETE /chats/{id}    delete one conversation
//	DELETE /chats         delete every conversation
//	GET    /stats         per-backend aggregates
//	DELETE /stats         reset aggregates
//	GET    /health        liveness
//	GET    /readiness     store reachability
//	GET    /metrics       Prometheus exposition
//
// History and stats routes answer 400 when the gateway runs without a store.
// Every failed chat turn is a 500 carrying the cause's message.
package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/chat-gateway/internal/chat"
	"github.com/nulpointcorp/chat-gateway/internal/health"
	"github.com/nulpointcorp/chat-gateway/internal/metrics"
	"github.com/nulpointcorp/chat-gateway/internal/ratelimit"
	"github.com/nulpointcorp/chat-gateway/pkg/apierr"
)

const (
	defaultMaxBodySize = 4 << 20
	readTimeout        = 30 * time.Second
	idleTimeout        = 120 * time.Second
)

// Options holds optional collaborators for a Server. All fields may be
// left zero.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Health backs GET /readiness. Nil means always ready.
	Health *health.Checker

	// RateLimiter bounds POST /chat. Nil disables limiting.
	RateLimiter *ratelimit.RPMLimiter

	// CORSOrigins is the allowed origin list; empty or ["*"] allows any.
	CORSOrigins []string

	// WriteTimeout must exceed the upstream timeout. Default: 90s.
	WriteTimeout time.Duration

	// MaxBodySize caps request bodies in bytes. Default: 4 MiB.
	MaxBodySize int
}

// Server is the HTTP front of the gateway.
type Server struct {
	svc     *chat.Service
	log     *slog.Logger
	metrics *metrics.Registry
	health  *health.Checker
	limiter *ratelimit.RPMLimiter

	handler fasthttp.RequestHandler
	srv     *fasthttp.Server
}

// New builds the route table and middleware chain around svc.
func New(svc *chat.Service, opts Options) *Server {
	if svc == nil {
		panic("server: service must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 90 * time.Second
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}

	s := &Server{
		svc:     svc,
		log:     log,
		metrics: opts.Metrics,
		health:  opts.Health,
		limiter: opts.RateLimiter,
	}

	s.handler = applyMiddleware(s.routes().Handler,
		recovery(log),
		requestID,
		timing,
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:            s.handler,
		Name:               "chat-gateway",
		ReadTimeout:        readTimeout,
		WriteTimeout:       writeTimeout,
		IdleTimeout:        idleTimeout,
		MaxRequestBodySize: maxBody,
	}
	return s
}

func (s *Server) routes() *router.Router {
	r := router.New()

	r.POST("/chat", instrument(s.metrics, "chat", s.handleChat))

	r.GET("/chats", instrument(s.metrics, "chats_list", s.handleListChats))
	r.DELETE("/chats", instrument(s.metrics, "chats_clear", s.handleClearChats))
	r.GET("/chats/{id}", instrument(s.metrics, "chats_get", s.handleGetChat))
	r.DELETE("/chats/{id}", instrument(s.metrics, "chats_delete", s.handleDeleteChat))

	r.GET("/stats", instrument(s.metrics, "stats_list", s.handleStats))
	r.DELETE("/stats", instrument(s.metrics, "stats_clear", s.handleClearStats))

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "route not found",
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed",
			apierr.TypeInvalidRequest, apierr.CodeMethodNotAllowed)
	}
	return r
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() fasthttp.RequestHandler { return s.handler }

// ListenAndServe blocks serving addr (e.g. ":8000") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve blocks serving ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
