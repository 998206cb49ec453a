// Package history persists conversations in Redis.
//
// Key layout:
//
//	chat:<id>       JSON array of turns          (TTL, refreshed on save)
//	chatmeta:<id>   JSON {title, updated_at}     (TTL, refreshed on save)
//	chat:updated    sorted set id → updated_at   (TTL, refreshed on save)
//
// There is no in-process caching: every call round-trips to Redis. Expiry of
// a conversation removes its turns and metadata but leaves the recency entry
// behind until Delete or Clear; List skips such entries.
//
// A conversation whose id is "updated" shares its turns key with the recency
// index.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/chat-gateway/internal/chat"
)

const (
	chatKeyPrefix = "chat:"
	metaKeyPrefix = "chatmeta:"
	recencyKey    = "chat:updated"

	// DefaultTitle is used when a conversation has no non-empty user turn.
	DefaultTitle = "New Chat"

	titleMaxRunes = 25

	defaultQueryTimeout = 2 * time.Second
)

// meta is the derived per-conversation metadata. It is recomputed in full on
// every save.
type meta struct {
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updated_at"`
}

// Store is a Redis-backed chat.HistoryStore.
type Store struct {
	client       redis.UniversalClient
	ttl          time.Duration
	queryTimeout time.Duration
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithQueryTimeout bounds each Redis round-trip.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) { s.queryTimeout = d }
}

// New wraps an existing Redis client. The caller owns the client lifecycle.
// ttl is the sliding expiry applied on every Save.
func New(client redis.UniversalClient, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		client:       client,
		ttl:          ttl,
		queryTimeout: defaultQueryTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ chat.HistoryStore = (*Store)(nil)

// Load returns the stored turns, or an empty sequence when the conversation
// is unknown or expired.
func (s *Store) Load(ctx context.Context, chatID string) ([]chat.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, chatKey(chatID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []chat.Turn{}, nil
		}
		return nil, fmt.Errorf("history: GET %s: %w", chatKey(chatID), err)
	}

	var turns []chat.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("history: decode %s: %w", chatKey(chatID), err)
	}
	if turns == nil {
		turns = []chat.Turn{}
	}
	return turns, nil
}

// Save replaces the full turn sequence, rewrites the metadata and upserts the
// recency entry, all in one MULTI/EXEC with a refreshed TTL.
func (s *Store) Save(ctx context.Context, chatID string, turns []chat.Turn) error {
	if turns == nil {
		turns = []chat.Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("history: encode turns: %w", err)
	}

	now := s.now().Unix()
	m, err := json.Marshal(meta{Title: Title(turns), UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("history: encode meta: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, chatKey(chatID), data, s.ttl)
		p.Set(ctx, metaKey(chatID), m, s.ttl)
		p.ZAdd(ctx, recencyKey, redis.Z{Score: float64(now), Member: chatID})
		if s.ttl > 0 {
			p.Expire(ctx, recencyKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: save %s: %w", chatID, err)
	}
	return nil
}

// List returns conversations by descending updated_at. Ids whose metadata has
// expired are skipped.
func (s *Store) List(ctx context.Context) ([]chat.ConversationSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	ids, err := s.client.ZRevRange(ctx, recencyKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: ZREVRANGE %s: %w", recencyKey, err)
	}
	out := make([]chat.ConversationSummary, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = metaKey(id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("history: MGET meta: %w", err)
	}

	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue // expired
		}
		m := meta{Title: DefaultTitle}
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, fmt.Errorf("history: decode %s: %w", keys[i], err)
		}
		out = append(out, chat.ConversationSummary{
			ID:        ids[i],
			Title:     m.Title,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return out, nil
}

// Delete removes the turns, the metadata and the recency entry. Deleting an
// unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, chatID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, chatKey(chatID), metaKey(chatID))
		p.ZRem(ctx, recencyKey, chatID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: delete %s: %w", chatID, err)
	}
	return nil
}

// Clear removes every conversation known to the recency index, then the
// index itself.
func (s *Store) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	ids, err := s.client.ZRange(ctx, recencyKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("history: ZRANGE %s: %w", recencyKey, err)
	}

	keys := make([]string, 0, 2*len(ids)+1)
	for _, id := range ids {
		keys = append(keys, chatKey(id), metaKey(id))
	}
	keys = append(keys, recencyKey)

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

// Title derives the conversation title: the first user turn, trimmed and cut
// to 25 characters, or DefaultTitle when that is empty or absent.
func Title(turns []chat.Turn) string {
	for _, t := range turns {
		if t.Role != chat.RoleUser {
			continue
		}
		title := strings.TrimSpace(t.Content)
		if utf8.RuneCountInString(title) > titleMaxRunes {
			title = string([]rune(title)[:titleMaxRunes])
		}
		if title == "" {
			return DefaultTitle
		}
		return title
	}
	return DefaultTitle
}

func chatKey(id string) string { return chatKeyPrefix + id }
func metaKey(id string) string { return metaKeyPrefix + id }
