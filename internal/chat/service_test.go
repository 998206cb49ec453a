package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"
)

// --- in-memory doubles ------------------------------------------------------

type memHistory struct {
	mu      sync.Mutex
	chats   map[string][]Turn
	saves   int
	loadErr error
	saveErr error
}

func newMemHistory() *memHistory { return &memHistory{chats: make(map[string][]Turn)} }

func (h *memHistory) Load(_ context.Context, id string) ([]Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loadErr != nil {
		return nil, h.loadErr
	}
	return append([]Turn{}, h.chats[id]...), nil
}

func (h *memHistory) Save(_ context.Context, id string, turns []Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saves++
	if h.saveErr != nil {
		return h.saveErr
	}
	h.chats[id] = append([]Turn{}, turns...)
	return nil
}

func (h *memHistory) List(context.Context) ([]ConversationSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ConversationSummary, 0, len(h.chats))
	for id := range h.chats {
		out = append(out, ConversationSummary{ID: id})
	}
	return out, nil
}

func (h *memHistory) Delete(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.chats, id)
	return nil
}

func (h *memHistory) Clear(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats = make(map[string][]Turn)
	return nil
}

type recordCall struct {
	backendID string
	usage     Usage
	latencyMs int64
	cache     CacheStatus
}

type memStats struct {
	mu      sync.Mutex
	calls   []recordCall
	err     error
	cleared bool
}

func (s *memStats) Record(_ context.Context, id string, u Usage, lat int64, c CacheStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, recordCall{id, u, lat, c})
	return nil
}

func (s *memStats) List(context.Context) ([]BackendStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BackendStats, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, BackendStats{BackendID: c.backendID, Responses: 1})
	}
	return out, nil
}

func (s *memStats) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.cleared = true
	return nil
}

type fakeRouter struct {
	comp  Completion
	err   error
	delay time.Duration
	got   [][]Message
}

func (r *fakeRouter) Name() string { return "fake" }

func (r *fakeRouter) Complete(ctx context.Context, msgs []Message) (*Completion, error) {
	r.got = append(r.got, msgs)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	c := r.comp
	return &c, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newPersistentService(r Router) (*Service, *memHistory, *memStats) {
	h, s := newMemHistory(), &memStats{}
	svc := NewService(r, Options{
		Persistence: &Persistence{History: h, Stats: s},
		Logger:      quiet(),
	})
	return svc, h, s
}

// --- NewService -------------------------------------------------------------

func TestNewService_Panics(t *testing.T) {
	cases := map[string]func(){
		"nil router": func() { NewService(nil, Options{}) },
		"partial persistence": func() {
			NewService(&fakeRouter{}, Options{Persistence: &Persistence{History: newMemHistory()}})
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			fn()
		})
	}
}

// --- Resolve ----------------------------------------------------------------

func TestResolve(t *testing.T) {
	stored := []Turn{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply", Meta: &TurnMeta{LatencyMs: 5}},
	}
	explicit := []Message{{Role: "system", Content: "sys"}, {Role: RoleUser, Content: "q"}}

	cases := []struct {
		name       string
		persistent bool
		req        Request
		want       []Message
		wantErr    error
	}{
		{
			name:       "history plus message appends",
			persistent: true,
			req:        Request{ChatID: "c", Message: "next"},
			want:       []Message{{RoleUser, "first"}, {RoleAssistant, "reply"}, {RoleUser, "next"}},
		},
		{
			name:       "history with messages replaces",
			persistent: true,
			req:        Request{ChatID: "c", Messages: explicit},
			want:       explicit,
		},
		{
			name:       "message wins over messages when both given",
			persistent: true,
			req:        Request{ChatID: "c", Messages: explicit, Message: "next"},
			want:       []Message{{RoleUser, "first"}, {RoleAssistant, "reply"}, {RoleUser, "next"}},
		},
		{
			name:       "history alone is sent as is",
			persistent: true,
			req:        Request{ChatID: "c"},
			want:       []Message{{RoleUser, "first"}, {RoleAssistant, "reply"}},
		},
		{
			name:       "unknown chat id with message",
			persistent: true,
			req:        Request{ChatID: "fresh", Message: "hi"},
			want:       []Message{{RoleUser, "hi"}},
		},
		{
			name:       "unknown chat id and nothing else",
			persistent: true,
			req:        Request{ChatID: "fresh"},
			wantErr:    ErrInvalidRequest,
		},
		{
			name: "stateless messages verbatim",
			req:  Request{ChatID: "c", Messages: explicit, Message: "ignored"},
			want: explicit,
		},
		{
			name: "stateless single message",
			req:  Request{Message: "hello"},
			want: []Message{{RoleUser, "hello"}},
		},
		{
			name:    "empty",
			req:     Request{},
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var svc *Service
			if tc.persistent {
				var h *memHistory
				svc, h, _ = newPersistentService(&fakeRouter{})
				h.chats["c"] = stored
			} else {
				svc = NewService(&fakeRouter{}, Options{Logger: quiet()})
			}

			turns, err := svc.Resolve(context.Background(), &tc.req)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got := Messages(turns); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("messages = %+v, want %+v", got, tc.want)
			}
		})
	}
}

// --- Send -------------------------------------------------------------------

func TestSend_PersistsAndRecords(t *testing.T) {
	r := &fakeRouter{comp: Completion{
		Text:      "answer",
		Usage:     Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		BackendID: "replica-2",
		Cache:     CacheHit,
	}}
	svc, h, s := newPersistentService(r)

	reply, err := svc.Send(context.Background(), &Request{ChatID: "c1", Message: "question"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "answer" || reply.BackendID == nil || *reply.BackendID != "replica-2" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.CacheHit == nil || !*reply.CacheHit {
		t.Errorf("cache_hit = %v", reply.CacheHit)
	}

	// Upstream saw the role/content pairs only.
	if want := []Message{{RoleUser, "question"}}; !reflect.DeepEqual(r.got[0], want) {
		t.Errorf("upstream messages = %+v", r.got[0])
	}

	saved := h.chats["c1"]
	if len(saved) != 2 || saved[1].Role != RoleAssistant || saved[1].Meta == nil {
		t.Fatalf("saved = %+v", saved)
	}
	if saved[1].Meta.LatencyMs != reply.LatencyMs || saved[1].Meta.CacheHit != CacheHit {
		t.Errorf("meta = %+v", saved[1].Meta)
	}

	if len(s.calls) != 1 {
		t.Fatalf("record calls = %d", len(s.calls))
	}
	c := s.calls[0]
	if c.backendID != "replica-2" || c.usage != r.comp.Usage || c.cache != CacheHit || c.latencyMs != reply.LatencyMs {
		t.Errorf("record = %+v", c)
	}
}

func TestSend_UnreportedBackendIsDirect(t *testing.T) {
	svc, h, s := newPersistentService(&fakeRouter{comp: Completion{Text: "x"}})

	reply, err := svc.Send(context.Background(), &Request{ChatID: "c", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.BackendID != nil || reply.CacheHit != nil {
		t.Errorf("reply = %+v, want null backend and cache", reply)
	}
	if s.calls[0].backendID != DirectBackendID || s.calls[0].cache != CacheUnknown {
		t.Errorf("record = %+v", s.calls[0])
	}
	if m := h.chats["c"][1].Meta; m.BackendID != nil {
		t.Errorf("meta backend = %v, want nil", *m.BackendID)
	}
}

func TestSend_NoChatIDSkipsStores(t *testing.T) {
	svc, h, s := newPersistentService(&fakeRouter{comp: Completion{Text: "x", BackendID: "r1"}})

	if _, err := svc.Send(context.Background(), &Request{Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	if h.saves != 0 || len(s.calls) != 0 {
		t.Errorf("saves=%d records=%d, want none", h.saves, len(s.calls))
	}
}

func TestSend_Failures(t *testing.T) {
	upstream := errors.New("APIM error 500: boom")
	storeDown := errors.New("connection refused")

	cases := []struct {
		name      string
		setup     func(*fakeRouter, *memHistory, *memStats)
		wantStage string
		wantCause error
		wantSaves int
		wantRecs  int
	}{
		{
			name:      "backend",
			setup:     func(r *fakeRouter, _ *memHistory, _ *memStats) { r.err = upstream },
			wantStage: "backend",
			wantCause: upstream,
		},
		{
			name:      "history load",
			setup:     func(_ *fakeRouter, h *memHistory, _ *memStats) { h.loadErr = storeDown },
			wantStage: "resolve",
			wantCause: storeDown,
		},
		{
			name:      "history save",
			setup:     func(_ *fakeRouter, h *memHistory, _ *memStats) { h.saveErr = storeDown },
			wantStage: "history",
			wantCause: storeDown,
			wantSaves: 1,
		},
		{
			// The saved history is not rolled back.
			name:      "stats record",
			setup:     func(_ *fakeRouter, _ *memHistory, s *memStats) { s.err = storeDown },
			wantStage: "stats",
			wantCause: storeDown,
			wantSaves: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRouter{comp: Completion{Text: "ok"}}
			svc, h, s := newPersistentService(r)
			tc.setup(r, h, s)

			_, err := svc.Send(context.Background(), &Request{ChatID: "c", Message: "hi"})
			var f *Failure
			if !errors.As(err, &f) {
				t.Fatalf("err = %T %v, want *Failure", err, err)
			}
			if f.Stage != tc.wantStage {
				t.Errorf("stage = %q, want %q", f.Stage, tc.wantStage)
			}
			if !errors.Is(err, tc.wantCause) {
				t.Errorf("cause not reachable: %v", err)
			}
			if err.Error() != tc.wantCause.Error() {
				t.Errorf("message = %q, want cause message", err.Error())
			}
			if h.saves != tc.wantSaves || len(s.calls) != tc.wantRecs {
				t.Errorf("saves=%d records=%d", h.saves, len(s.calls))
			}
		})
	}
}

func TestSend_UpstreamTimeout(t *testing.T) {
	r := &fakeRouter{comp: Completion{Text: "late"}, delay: time.Second}
	svc := NewService(r, Options{UpstreamTimeout: 20 * time.Millisecond, Logger: quiet()})

	_, err := svc.Send(context.Background(), &Request{Message: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

// --- management -------------------------------------------------------------

func TestManagement_RequiresPersistence(t *testing.T) {
	svc := NewService(&fakeRouter{}, Options{Logger: quiet()})
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["Conversations"] = svc.Conversations(ctx)
	_, checks["Conversation"] = svc.Conversation(ctx, "x")
	checks["DeleteConversation"] = svc.DeleteConversation(ctx, "x")
	checks["ClearConversations"] = svc.ClearConversations(ctx)
	_, checks["Stats"] = svc.Stats(ctx)
	checks["ClearStats"] = svc.ClearStats(ctx)

	for op, err := range checks {
		if !errors.Is(err, ErrPersistenceUnavailable) {
			t.Errorf("%s: err = %v", op, err)
		}
	}
}

func TestManagement_Delegates(t *testing.T) {
	svc, h, s := newPersistentService(&fakeRouter{comp: Completion{Text: "x"}})
	ctx := context.Background()

	if _, err := svc.Send(ctx, &Request{ChatID: "a", Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	list, err := svc.Conversations(ctx)
	if err != nil || len(list) != 1 || list[0].ID != "a" {
		t.Errorf("Conversations = %+v, %v", list, err)
	}
	if err := svc.DeleteConversation(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.chats["a"]; ok {
		t.Error("conversation not deleted")
	}
	if err := svc.ClearStats(ctx); err != nil || !s.cleared {
		t.Errorf("ClearStats: %v cleared=%v", err, s.cleared)
	}
}
