package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/chat-gateway/internal/backend"
	"github.com/nulpointcorp/chat-gateway/internal/chat"
	"github.com/nulpointcorp/chat-gateway/internal/health"
	"github.com/nulpointcorp/chat-gateway/internal/history"
	"github.com/nulpointcorp/chat-gateway/internal/logger"
	"github.com/nulpointcorp/chat-gateway/internal/metrics"
	"github.com/nulpointcorp/chat-gateway/internal/ratelimit"
	"github.com/nulpointcorp/chat-gateway/internal/server"
	"github.com/nulpointcorp/chat-gateway/internal/stats"
)

// initInfra establishes the optional Redis connection. Without REDIS_HOST
// the gateway runs stateless.
func (a *App) initInfra(ctx context.Context) error {
	if !a.cfg.Redis.Enabled() {
		a.log.Info("redis not configured, history and stats disabled")
		return nil
	}

	a.log.Info("connecting to redis",
		slog.String("addr", a.cfg.Redis.Addr()),
		slog.Bool("tls", a.cfg.Redis.SSL),
		slog.Bool("auth", a.cfg.Redis.Password != ""),
	)

	rdb, err := connectRedis(ctx, a.cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initBackend selects the upstream router from configuration.
func (a *App) initBackend(_ context.Context) error {
	cfg := a.cfg
	a.router = backend.New(backend.Config{
		Gateway: backend.GatewayConfig{
			BaseURL:         cfg.APIM.BaseURL,
			SubscriptionKey: cfg.APIM.SubscriptionKey,
			PathSuffix:      cfg.APIM.APISuffix,
			Deployment:      cfg.Azure.Deployment,
			APIVersion:      cfg.Azure.APIVersion,
			Timeout:         cfg.UpstreamTimeout,
		},
		Direct: backend.DirectConfig{
			Endpoint:   cfg.Azure.Endpoint,
			APIKey:     cfg.Azure.APIKey,
			Deployment: cfg.Azure.Deployment,
			APIVersion: cfg.Azure.APIVersion,
			Timeout:    cfg.UpstreamTimeout,
		},
	})

	a.log.Info("upstream router selected",
		slog.String("router", a.router.Name()),
		slog.String("deployment", cfg.Azure.Deployment),
		slog.String("api_version", cfg.Azure.APIVersion),
	)
	return nil
}

// initServices creates the metrics registry, the async chat log, the
// orchestrator and the optional rate limiter.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version, a.router.Name())

	chatLog, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("chat log: %w", err)
	}
	a.chatLog = chatLog

	opts := chat.Options{
		UpstreamTimeout: a.cfg.UpstreamTimeout,
		Logger:          a.log,
		Metrics:         a.prom,
		ChatLog:         a.chatLog,
	}
	if a.rdb != nil {
		opts.Persistence = &chat.Persistence{
			History: history.New(a.rdb, a.cfg.Redis.TTL),
			Stats:   stats.New(a.rdb),
		}
		a.log.Info("persistence enabled", slog.Duration("ttl", a.cfg.Redis.TTL))
	}
	a.svc = chat.NewService(a.router, opts)

	// Config validation guarantees Redis whenever a limit is set.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	return nil
}

// initServer starts the readiness checker and builds the HTTP server.
func (a *App) initServer(_ context.Context) error {
	var probe health.Probe
	if a.rdb != nil {
		probe = redisProbe(a.rdb)
	}
	a.health = health.New(a.baseCtx, probe, a.router.Name(), health.WithMetrics(a.prom))

	// The server must outlive one full upstream call.
	writeTimeout := a.cfg.UpstreamTimeout + a.cfg.UpstreamTimeout/2

	a.srv = server.New(a.svc, server.Options{
		Logger:       a.log,
		Metrics:      a.prom,
		Health:       a.health,
		RateLimiter:  a.limiter,
		CORSOrigins:  a.cfg.CORSOrigins,
		WriteTimeout: writeTimeout,
	})

	return nil
}
