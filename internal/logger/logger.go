// Package logger implements a non-blocking, batched chat log.
//
// Every completed chat turn produces one ChatLog entry. Entries are written to
// a buffered channel and flushed in batches by a background goroutine, so the
// request path never waits on log I/O. When the channel is full (> 10 000
// entries) new entries are dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

type ChatLog struct {
	ID               uuid.UUID
	ChatID           string
	Router           string
	BackendID        string
	PromptTokens     int64
	CompletionTokens int64
	LatencyMs        int64
	Cache            string
	Persisted        bool
	CreatedAt        time.Time
}

type Logger struct {
	ch        chan ChatLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan ChatLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. It never blocks; a full buffer drops the entry.
func (l *Logger) Log(entry ChatLog) {
	select {
	case <-l.done:
		atomic.AddInt64(&l.droppedLogs, 1)
		return
	default:
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the buffer and stops the flush goroutine. Safe to call twice.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]ChatLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "chat",
				slog.String("id", e.ID.String()),
				slog.String("chat_id", e.ChatID),
				slog.String("router", e.Router),
				slog.String("backend_id", e.BackendID),
				slog.Int64("prompt_tokens", e.PromptTokens),
				slog.Int64("completion_tokens", e.CompletionTokens),
				slog.Int64("latency_ms", e.LatencyMs),
				slog.String("cache", e.Cache),
				slog.Bool("persisted", e.Persisted),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
