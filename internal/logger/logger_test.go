package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNew_RejectsNilContext(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("expected error for nil context")
	}
}

func TestLogger_FlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))
	if err != nil {
		t.Fatal(err)
	}

	id := uuid.New()
	l.Log(ChatLog{
		ID:               id,
		ChatID:           "c1",
		Router:           "gateway",
		BackendID:        "replica-2",
		PromptTokens:     9,
		CompletionTokens: 3,
		LatencyMs:        120,
		Cache:            "hit",
		Persisted:        true,
		CreatedAt:        time.Unix(1_700_000_000, 0),
	})
	l.Log(ChatLog{ID: uuid.New(), Router: "direct", BackendID: "direct", Cache: "unknown"})

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", len(lines), buf.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first["msg"] != "chat" || first["id"] != id.String() || first["backend_id"] != "replica-2" {
		t.Errorf("first entry = %v", first)
	}
	if first["persisted"] != true || first["cache"] != "hit" {
		t.Errorf("first entry = %v", first)
	}
}

func TestLogger_DropsAfterClose(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))
	_ = l.Close()
	_ = l.Close()

	l.Log(ChatLog{ID: uuid.New()})
	if got := l.DroppedLogs(); got != 1 {
		t.Errorf("DroppedLogs = %d, want 1", got)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output after close: %s", buf.String())
	}
}

func TestNormalizeTime(t *testing.T) {
	if normalizeTime(time.Time{}).IsZero() {
		t.Error("zero time not replaced")
	}
	loc := time.FixedZone("X", 3600)
	in := time.Date(2024, 1, 1, 12, 0, 0, 0, loc)
	if got := normalizeTime(in); got.Location() != time.UTC || !got.Equal(in) {
		t.Errorf("normalizeTime = %v", got)
	}
}
