package stats

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/chat-gateway/internal/chat"
)

func newTestAggregator(t *testing.T) (*Aggregator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func byID(list []chat.BackendStats) map[string]chat.BackendStats {
	out := make(map[string]chat.BackendStats, len(list))
	for _, s := range list {
		out[s.BackendID] = s
	}
	return out
}

func TestRecord_CacheCounters(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	usage := chat.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	for _, c := range []chat.CacheStatus{chat.CacheHit, chat.CacheMiss, chat.CacheUnknown, chat.CacheHit} {
		if err := a.Record(ctx, "replica-1", usage, 100, c); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	list, err := a.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d records, want 1", len(list))
	}
	got := list[0]
	want := chat.BackendStats{
		BackendID:        "replica-1",
		Responses:        4,
		PromptTokens:     40,
		CompletionTokens: 20,
		TotalTokens:      60,
		LatencyMsTotal:   400,
		CacheHits:        2,
		CacheMisses:      1,
	}
	if got != want {
		t.Errorf("stats = %+v\nwant %+v", got, want)
	}
	if avg := got.AvgLatencyMs(); avg != 100 {
		t.Errorf("AvgLatencyMs = %v", avg)
	}
	if r := got.CacheHitRatio(); r < 0.66 || r > 0.67 {
		t.Errorf("CacheHitRatio = %v, want 2/3", r)
	}
}

func TestRecord_ConcurrentIncrementsAreNotLost(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = a.Record(ctx, "direct", chat.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3}, 7, chat.CacheUnknown)
			}
		}()
	}
	wg.Wait()

	list, err := a.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	st := byID(list)["direct"]
	n := int64(workers * perWorker)
	if st.Responses != n || st.TotalTokens != 3*n || st.LatencyMsTotal != 7*n {
		t.Errorf("stats = %+v, want %d responses", st, n)
	}
	if st.CacheHits != 0 || st.CacheMisses != 0 {
		t.Errorf("unknown cache status counted: %+v", st)
	}
}

func TestList_MultipleBackends(t *testing.T) {
	a, mr := newTestAggregator(t)
	ctx := context.Background()

	for _, id := range []string{"replica-1", "replica-2", "direct"} {
		_ = a.Record(ctx, id, chat.Usage{TotalTokens: 1}, 1, chat.CacheMiss)
	}
	mr.Set("chat:replica-1", "not stats")

	list, err := a.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range list {
		ids = append(ids, s.BackendID)
	}
	sort.Strings(ids)
	if len(ids) != 3 || ids[0] != "direct" || ids[1] != "replica-1" || ids[2] != "replica-2" {
		t.Errorf("ids = %v", ids)
	}
}

func TestList_DecodeFallbacks(t *testing.T) {
	a, mr := newTestAggregator(t)

	// A hash written without backend_id and with a garbage counter.
	mr.HSet("stats:backend:legacy", "responses", "3", "cache_hits", "oops")

	list, err := a.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	st := byID(list)["legacy"]
	if st.BackendID != "legacy" || st.Responses != 3 || st.CacheHits != 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.CacheHitRatio() != 0 || st.AvgLatencyMs() != 0 {
		t.Errorf("derived = %v / %v", st.CacheHitRatio(), st.AvgLatencyMs())
	}
}

func TestList_Empty(t *testing.T) {
	a, _ := newTestAggregator(t)
	list, err := a.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("list = %#v, want empty non-nil", list)
	}
}

func TestClear(t *testing.T) {
	a, mr := newTestAggregator(t)
	ctx := context.Background()

	_ = a.Record(ctx, "replica-1", chat.Usage{}, 1, chat.CacheHit)
	_ = a.Record(ctx, "direct", chat.Usage{}, 1, chat.CacheUnknown)
	mr.Set("chat:keep", "[]")

	if err := a.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	list, _ := a.List(ctx)
	if len(list) != 0 {
		t.Errorf("list after clear = %+v", list)
	}
	if !mr.Exists("chat:keep") {
		t.Error("clear removed conversation keys")
	}
	if err := a.Clear(ctx); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestRecord_StoreDown(t *testing.T) {
	a, mr := newTestAggregator(t)
	mr.Close()
	if err := a.Record(context.Background(), "direct", chat.Usage{}, 1, chat.CacheUnknown); err == nil {
		t.Error("expected error with Redis down")
	}
}
