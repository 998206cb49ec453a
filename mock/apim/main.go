// Command apim runs lightweight HTTP mock servers that simulate the upstreams
// the chat gateway talks to. It is used for E2E/load testing without real
// Azure credentials.
//
// Two servers are started:
//
//	API management gateway  :19101   (APIM_BASE_URL=http://localhost:19101)
//	Azure OpenAI resource   :19102   (AZURE_OPENAI_ENDPOINT=http://localhost:19102)
//
// The gateway mock spreads requests across MOCK_REPLICAS fake backends,
// reporting the chosen one in x-openai-backend, and answers repeated prompts
// from a semantic cache reported in x-semantic-cache.
//
// Environment overrides:
//
//	PORT_APIM, PORT_AZURE
//	MOCK_LATENCY_MS        — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE        — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_WORDS             — words in each response (default 10)
//	MOCK_REPLICAS          — backends behind the gateway (default 2)
//	MOCK_SUBSCRIPTION_KEY  — required Ocp-Apim-Subscription-Key, empty accepts any
//	MOCK_API_KEY           — required api-key for the Azure mock, empty accepts any
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared by both mock servers.
type Config struct {
	LatencyMS       int
	ErrorRate       float64
	Words           int
	Replicas        int
	SubscriptionKey string
	APIKey          string
}

func loadConfig() Config {
	c := Config{Words: 10, Replicas: 2}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Words = n
		}
	}
	if v := os.Getenv("MOCK_REPLICAS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Replicas = n
		}
	}
	c.SubscriptionKey = os.Getenv("MOCK_SUBSCRIPTION_KEY")
	c.APIKey = os.Getenv("MOCK_API_KEY")
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock upstream listening", slog.String("upstream", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("upstream", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock upstreams",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("replicas", cfg.Replicas),
	)

	servers := []*http.Server{
		startServer("apim", ":"+portFromEnv("PORT_APIM", 19101), newGatewayHandler(cfg), log),
		startServer("azure", ":"+portFromEnv("PORT_AZURE", 19102), newAzureHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstreams")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock upstreams stopped")
}
