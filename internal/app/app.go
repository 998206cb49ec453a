// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — Redis connection, when REDIS_HOST is set
//  2. initBackend  — the upstream router (APIM gateway or direct Azure OpenAI)
//  3. initServices — metrics registry, chat log, orchestrator, rate limiter
//  4. initServer   — readiness checker and HTTP routes
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/chat-gateway/internal/chat"
	"github.com/nulpointcorp/chat-gateway/internal/config"
	"github.com/nulpointcorp/chat-gateway/internal/health"
	"github.com/nulpointcorp/chat-gateway/internal/logger"
	"github.com/nulpointcorp/chat-gateway/internal/metrics"
	"github.com/nulpointcorp/chat-gateway/internal/ratelimit"
	"github.com/nulpointcorp/chat-gateway/internal/server"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connection, nil without REDIS_HOST.
	rdb *redis.Client

	router  chat.Router
	chatLog *logger.Logger
	prom    *metrics.Registry
	limiter *ratelimit.RPMLimiter
	svc     *chat.Service
	health  *health.Checker
	srv     *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backend", a.initBackend},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. On cancellation the server drains in-flight requests before Run
// returns.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting chat gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("router", a.router.Name()),
		slog.Bool("persistence", a.rdb != nil),
		slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases all resources in reverse-init order. Safe to call more than
// once.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.chatLog != nil {
		if err := a.chatLog.Close(); err != nil {
			a.log.Error("chat log close error", slog.String("error", err.Error()))
		}
		a.chatLog = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis builds a client from host/port/password/TLS settings and
// verifies connectivity with a PING.
func connectRedis(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     rc.Addr(),
		Password: rc.Password,
	}
	if rc.SSL {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: rc.Host,
		}
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping %s: %w", rc.Addr(), err)
	}

	return rdb, nil
}

// redisProbe adapts the shared client into a readiness probe. No new
// connections are opened.
func redisProbe(rdb redis.UniversalClient) health.Probe {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
