// Package stats keeps per-backend usage counters in Redis hashes.
//
// Each backend id owns one hash, stats:backend:<id>. Every counter is updated
// with its own HINCRBY, so concurrent Record calls never lose increments.
// Fields are independent: a reader may observe some fields of an in-flight
// Record before others.
package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/chat-gateway/internal/chat"
)

const (
	keyPrefix = "stats:backend:"
	scanMatch = keyPrefix + "*"
	scanCount = 100

	defaultQueryTimeout = 2 * time.Second
)

// Hash field names.
const (
	fieldBackendID        = "backend_id"
	fieldResponses        = "responses"
	fieldPromptTokens     = "prompt_tokens"
	fieldCompletionTokens = "completion_tokens"
	fieldTotalTokens      = "total_tokens"
	fieldLatencyMsTotal   = "latency_ms_total"
	fieldCacheHits        = "cache_hits"
	fieldCacheMisses      = "cache_misses"
)

// Aggregator is a Redis-backed chat.StatsStore.
type Aggregator struct {
	client       redis.UniversalClient
	queryTimeout time.Duration
}

// New wraps an existing Redis client. The caller owns the client lifecycle.
func New(client redis.UniversalClient) *Aggregator {
	return &Aggregator{client: client, queryTimeout: defaultQueryTimeout}
}

var _ chat.StatsStore = (*Aggregator)(nil)

// Record adds one response to backendID's counters. cache_hits or
// cache_misses is incremented only when the cache status is known.
func (a *Aggregator) Record(
	ctx context.Context,
	backendID string,
	usage chat.Usage,
	latencyMs int64,
	cache chat.CacheStatus,
) error {
	key := keyPrefix + backendID

	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	// Plain pipeline, not MULTI: the increments are independent.
	_, err := a.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, key, fieldResponses, 1)
		p.HIncrBy(ctx, key, fieldPromptTokens, usage.PromptTokens)
		p.HIncrBy(ctx, key, fieldCompletionTokens, usage.CompletionTokens)
		p.HIncrBy(ctx, key, fieldTotalTokens, usage.TotalTokens)
		p.HIncrBy(ctx, key, fieldLatencyMsTotal, latencyMs)
		p.HSet(ctx, key, fieldBackendID, backendID)
		switch cache {
		case chat.CacheHit:
			p.HIncrBy(ctx, key, fieldCacheHits, 1)
		case chat.CacheMiss:
			p.HIncrBy(ctx, key, fieldCacheMisses, 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stats: record %s: %w", backendID, err)
	}
	return nil
}

// List returns one record per backend id that has recorded stats. Order
// follows Redis SCAN and is unspecified.
func (a *Aggregator) List(ctx context.Context) ([]chat.BackendStats, error) {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	keys, err := a.scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]chat.BackendStats, 0, len(keys))
	for _, key := range keys {
		data, err := a.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("stats: HGETALL %s: %w", key, err)
		}
		if len(data) == 0 {
			continue
		}
		out = append(out, decode(key, data))
	}
	return out, nil
}

// Clear removes all backend stat records.
func (a *Aggregator) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	keys, err := a.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := a.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("stats: clear: %w", err)
	}
	return nil
}

func (a *Aggregator) scan(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	// SCAN may return a key more than once across iterations.
	seen := make(map[string]struct{})
	for {
		batch, next, err := a.client.Scan(ctx, cursor, scanMatch, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("stats: SCAN %s: %w", scanMatch, err)
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func decode(key string, data map[string]string) chat.BackendStats {
	id := data[fieldBackendID]
	if id == "" {
		id = strings.TrimPrefix(key, keyPrefix)
	}
	return chat.BackendStats{
		BackendID:        id,
		Responses:        parseInt(data[fieldResponses]),
		PromptTokens:     parseInt(data[fieldPromptTokens]),
		CompletionTokens: parseInt(data[fieldCompletionTokens]),
		TotalTokens:      parseInt(data[fieldTotalTokens]),
		LatencyMsTotal:   parseInt(data[fieldLatencyMsTotal]),
		CacheHits:        parseInt(data[fieldCacheHits]),
		CacheMisses:      parseInt(data[fieldCacheMisses]),
	}
}

// parseInt treats absent or non-numeric fields as zero.
func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
