// Package ratelimit implements a global requests-per-minute limit on chat
// submissions using a Redis sliding window evaluated by an atomic Lua script.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = sorted set of admissions
// KEYS[2] = member sequence counter
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local seqkey = KEYS[2]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local seq = redis.call('INCR', seqkey)
		redis.call('ZADD', key, now, tostring(now) .. '-' .. tostring(seq))
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		redis.call('PEXPIRE', seqkey, math.ceil(window / 1000000))
		return 1
`)

// DefaultKey is the sorted set holding POST /chat admissions.
const DefaultKey = "ratelimit:chat:rpm"

// RPMLimiter checks a global requests-per-minute limit.
type RPMLimiter struct {
	rdb      redis.UniversalClient
	rpmLimit int
	key      string
	window   time.Duration
	now      func() time.Time
}

// Option configures an RPMLimiter.
type Option func(*RPMLimiter)

// WithKey overrides DefaultKey.
func WithKey(key string) Option {
	return func(r *RPMLimiter) { r.key = key }
}

// WithClock overrides the wall clock; the window slides on its readings.
func WithClock(now func() time.Time) Option {
	return func(r *RPMLimiter) { r.now = now }
}

// NewRPMLimiter creates a new RPMLimiter with the given global RPM limit.
// rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb redis.UniversalClient, rpmLimit int, opts ...Option) *RPMLimiter {
	r := &RPMLimiter{
		rdb:      rdb,
		rpmLimit: rpmLimit,
		key:      DefaultKey,
		window:   time.Minute,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Limit returns the configured requests per minute.
func (r *RPMLimiter) Limit() int { return r.rpmLimit }

// Allow reports whether the current request fits in the window. When Redis
// is unreachable the request is allowed and the error is returned alongside
// so the caller can log it.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{r.key, r.key + ":seq"},
		r.now().UnixNano(), r.window.Nanoseconds(), r.rpmLimit,
	).Int()
	if err != nil {
		return true, fmt.Errorf("ratelimit: %w", err)
	}
	return result == 1, nil
}
