package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeHistory is an in-memory HistorySource.
type fakeHistory struct {
	mu    sync.Mutex
	msgs  map[string][]PlatformMessage
	err   error
	calls int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{msgs: make(map[string][]PlatformMessage)}
}

func (f *fakeHistory) ListHistory(_ context.Context, id ConversationID) ([]PlatformMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]PlatformMessage, len(f.msgs[id.Key()]))
	copy(out, f.msgs[id.Key()])
	return out, nil
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStore is an in-memory DurableStore.
type fakeStore struct {
	mu        sync.Mutex
	configs   map[string]*ThreadConfig
	assets    map[string][]AssetRecord
	configErr error
	assetErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs: make(map[string]*ThreadConfig),
		assets:  make(map[string][]AssetRecord),
	}
}

func (f *fakeStore) GetConfig(_ context.Context, id ConversationID) (*ThreadConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return nil, f.configErr
	}
	cfg, ok := f.configs[id.Key()]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (f *fakeStore) PutConfig(_ context.Context, id ConversationID, cfg *ThreadConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return f.configErr
	}
	cp := *cfg
	f.configs[id.Key()] = &cp
	return nil
}

func (f *fakeStore) DeleteConfig(_ context.Context, id ConversationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.configs, id.Key())
	return nil
}

func (f *fakeStore) ListAssets(_ context.Context, id ConversationID) ([]AssetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assetErr != nil {
		return nil, f.assetErr
	}
	out := make([]AssetRecord, len(f.assets[id.Key()]))
	copy(out, f.assets[id.Key()])
	return out, nil
}

func (f *fakeStore) PutAsset(_ context.Context, id ConversationID, rec AssetRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assetErr != nil {
		return f.assetErr
	}
	f.assets[id.Key()] = append(f.assets[id.Key()], rec)
	return nil
}

func (f *fakeStore) DeleteAssets(_ context.Context, id ConversationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.assets, id.Key())
	return nil
}

var _ HistorySource = (*fakeHistory)(nil)
var _ DurableStore = (*fakeStore)(nil)

func contentMsg(id, role, content string, ts time.Time) PlatformMessage {
	return PlatformMessage{ID: id, Role: role, Content: content, Timestamp: ts, Kind: KindContent}
}

func newTestCache(history *fakeHistory, store *fakeStore) *StateCache {
	acct := NewAccountant(10000, 0.8, 5, 2, nil)
	return NewStateCache(history, store, acct, nil)
}

func TestStateCache_RebuildFromHistory(t *testing.T) {
	id := testConvID("C1")
	ts := time.Now()

	history := newFakeHistory()
	history.msgs[id.Key()] = []PlatformMessage{
		contentMsg("1", "user", "hello", ts),
		{ID: "2", Role: "user", Content: "joined", Timestamp: ts, Kind: KindControl},
		contentMsg("3", "assistant", "hi there", ts.Add(time.Second)),
		{ID: "4", Role: "assistant", Content: "typing", Timestamp: ts, Kind: KindEphemeral},
		contentMsg("5", "user", "how are you", ts.Add(2*time.Second)),
	}

	cache := newTestCache(history, newFakeStore())

	wc, err := cache.GetOrRebuild(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOrRebuild failed: %v", err)
	}

	if len(wc.Turns) != 3 {
		t.Fatalf("expected 3 content turns, got %d", len(wc.Turns))
	}
	for i, want := range []string{"1", "3", "5"} {
		if wc.Turns[i].ID != want {
			t.Errorf("turn %d: expected ID %s, got %s", i, want, wc.Turns[i].ID)
		}
	}
	if wc.Turns[0].Source != SourcePlatform {
		t.Errorf("expected platform source, got %s", wc.Turns[0].Source)
	}
	if wc.TotalTokens <= 0 {
		t.Error("expected token estimate after rebuild")
	}
}

func TestStateCache_RebuildPreservesIdenticalTimestampOrder(t *testing.T) {
	id := testConvID("C1")
	ts := time.Now()

	history := newFakeHistory()
	history.msgs[id.Key()] = []PlatformMessage{
		contentMsg("A", "user", "first", ts),
		contentMsg("B", "user", "second", ts),
		contentMsg("C", "user", "third", ts),
	}

	cache := newTestCache(history, newFakeStore())

	wc, err := cache.GetOrRebuild(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOrRebuild failed: %v", err)
	}
	for i, want := range []string{"A", "B", "C"} {
		if wc.Turns[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, wc.Turns[i].ID)
		}
	}
}

func TestStateCache_RebuildIdempotent(t *testing.T) {
	id := testConvID("C1")
	history := newFakeHistory()
	history.msgs[id.Key()] = []PlatformMessage{
		contentMsg("1", "user", "hello", time.Now()),
	}

	cache := newTestCache(history, newFakeStore())
	ctx := context.Background()

	first, err := cache.GetOrRebuild(ctx, id)
	if err != nil {
		t.Fatalf("first GetOrRebuild failed: %v", err)
	}
	second, err := cache.GetOrRebuild(ctx, id)
	if err != nil {
		t.Fatalf("second GetOrRebuild failed: %v", err)
	}

	if first != second {
		t.Error("expected cache hit to return the same entry")
	}
	if history.callCount() != 1 {
		t.Errorf("expected exactly 1 history fetch, got %d", history.callCount())
	}
}

func TestStateCache_RebuildFailureLeavesCacheClean(t *testing.T) {
	id := testConvID("C1")
	history := newFakeHistory()
	history.err = errors.New("platform timeout")

	cache := newTestCache(history, newFakeStore())

	_, err := cache.GetOrRebuild(context.Background(), id)
	if !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable, got %v", err)
	}
	if cache.Len() != 0 {
		t.Error("failed rebuild must not leave a partial entry")
	}

	// Recovery: the next access retries against the platform.
	history.mu.Lock()
	history.err = nil
	history.msgs[id.Key()] = []PlatformMessage{contentMsg("1", "user", "hi", time.Now())}
	history.mu.Unlock()

	wc, err := cache.GetOrRebuild(context.Background(), id)
	if err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
	if len(wc.Turns) != 1 {
		t.Errorf("expected 1 turn after recovery, got %d", len(wc.Turns))
	}
}

func TestStateCache_RebuildSurfacesDurableStoreFailure(t *testing.T) {
	id := testConvID("C1")
	history := newFakeHistory()
	history.msgs[id.Key()] = []PlatformMessage{contentMsg("1", "user", "hi", time.Now())}

	store := newFakeStore()
	store.configErr = errors.New("disk full")

	cache := newTestCache(history, store)

	_, err := cache.GetOrRebuild(context.Background(), id)
	if !errors.Is(err, ErrDurableStore) {
		t.Fatalf("expected ErrDurableStore, got %v", err)
	}
	if cache.Len() != 0 {
		t.Error("failed rebuild must not leave a partial entry")
	}
}

func TestStateCache_RebuildOversizedRetainedWindowStaysCached(t *testing.T) {
	id := testConvID("C1")
	ctx := context.Background()

	// Two historical turns of ~100 tokens each against a 100 token budget
	// with a retained window of 2: trimming cannot get under budget.
	big := strings.Repeat("x", 400)
	history := newFakeHistory()
	history.msgs[id.Key()] = []PlatformMessage{
		contentMsg("1", "user", big, time.Now()),
		contentMsg("2", "assistant", big, time.Now()),
	}

	acct := NewAccountant(100, 0.8, 5, 2, nil)
	cache := NewStateCache(history, newFakeStore(), acct, nil)

	wc, err := cache.GetOrRebuild(ctx, id)
	if !errors.Is(err, ErrOversizedTurn) {
		t.Fatalf("expected ErrOversizedTurn from rebuild, got %v", err)
	}
	if wc == nil || len(wc.Turns) != 2 {
		t.Fatalf("expected the assembled context returned with the error, got %+v", wc)
	}
	if cache.Len() != 1 {
		t.Fatal("oversized rebuild must still be cached")
	}

	// Later accesses reuse the entry instead of re-fetching and re-failing.
	again, err := cache.GetOrRebuild(ctx, id)
	if err != nil {
		t.Fatalf("cached access after oversized rebuild failed: %v", err)
	}
	if again != wc {
		t.Error("expected the cached entry reused")
	}
	if history.callCount() != 1 {
		t.Errorf("expected exactly 1 history fetch, got %d", history.callCount())
	}

	// Appends keep working in degraded mode; the overflow stays reported
	// and the newest turn is never dropped.
	got, err := cache.Append(ctx, id, Turn{Role: "user", Content: "small follow-up"})
	if !errors.Is(err, ErrOversizedTurn) {
		t.Fatalf("expected ErrOversizedTurn from degraded append, got %v", err)
	}
	if got.Turns[len(got.Turns)-1].Content != "small follow-up" {
		t.Error("newest turn must survive degraded-mode trimming")
	}
}

func TestStateCache_RebuildMergesDurableState(t *testing.T) {
	id := testConvID("C1")
	ctx := context.Background()

	history := newFakeHistory()
	history.msgs[id.Key()] = []PlatformMessage{contentMsg("1", "user", "hi", time.Now())}

	store := newFakeStore()
	if err := store.PutConfig(ctx, id, &ThreadConfig{Model: "claude-sonnet", Language: "pt-BR"}); err != nil {
		t.Fatalf("PutConfig failed: %v", err)
	}
	if err := store.PutAsset(ctx, id, NewAssetRecord("image", "https://files.example/a.png", 0)); err != nil {
		t.Fatalf("PutAsset failed: %v", err)
	}

	cache := newTestCache(history, store)

	wc, err := cache.GetOrRebuild(ctx, id)
	if err != nil {
		t.Fatalf("GetOrRebuild failed: %v", err)
	}
	if wc.Config.Model != "claude-sonnet" || wc.Config.Language != "pt-BR" {
		t.Errorf("expected durable config merged, got %+v", wc.Config)
	}
	if len(wc.Assets) != 1 || wc.Assets[0].Kind != "image" {
		t.Errorf("expected durable asset ledger merged, got %+v", wc.Assets)
	}
}

func TestStateCache_AppendOrderAndActivity(t *testing.T) {
	id := testConvID("C1")
	ctx := context.Background()
	cache := newTestCache(newFakeHistory(), newFakeStore())

	before := time.Now()
	for _, content := range []string{"one", "two", "three"} {
		if _, err := cache.Append(ctx, id, Turn{Role: "user", Content: content, Source: SourcePlatform}); err != nil {
			t.Fatalf("Append %q failed: %v", content, err)
		}
	}

	wc, err := cache.GetOrRebuild(ctx, id)
	if err != nil {
		t.Fatalf("GetOrRebuild failed: %v", err)
	}
	if len(wc.Turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(wc.Turns))
	}
	for i, want := range []string{"one", "two", "three"} {
		if wc.Turns[i].Content != want {
			t.Errorf("turn %d: expected %q, got %q", i, want, wc.Turns[i].Content)
		}
		if wc.Turns[i].ID == "" || wc.Turns[i].Tokens <= 0 {
			t.Errorf("turn %d missing ID or token estimate: %+v", i, wc.Turns[i])
		}
	}
	if wc.LastActivity.Before(before) {
		t.Error("LastActivity not refreshed by Append")
	}
}

func TestStateCache_AppendRejectsInvalidTurn(t *testing.T) {
	cache := newTestCache(newFakeHistory(), newFakeStore())
	ctx := context.Background()

	if _, err := cache.Append(ctx, testConvID("C1"), Turn{Content: "no role"}); err == nil {
		t.Error("expected error for missing role")
	}
	if _, err := cache.Append(ctx, testConvID("C1"), Turn{Role: "user"}); err == nil {
		t.Error("expected error for missing content")
	}
}

func TestStateCache_AppendTrimsOverBudget(t *testing.T) {
	id := testConvID("C1")
	ctx := context.Background()

	// Tight budget: threshold 80 tokens, each turn costs ~25.
	acct := NewAccountant(100, 0.8, 2, 2, nil)
	cache := NewStateCache(newFakeHistory(), newFakeStore(), acct, nil)

	content := "0123456789012345678901234567890123456789012345678901234567890123456789012345678901234567890123"
	for i := 0; i < 4; i++ {
		if _, err := cache.Append(ctx, id, Turn{Role: "user", Content: content}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	wc, _ := cache.GetOrRebuild(ctx, id)
	if len(wc.Turns) >= 4 {
		t.Errorf("expected oldest turns trimmed, still have %d", len(wc.Turns))
	}
	if wc.Turns[len(wc.Turns)-1].Content != content {
		t.Error("newest turn must survive trimming")
	}
}

func TestStateCache_AppendOversizedTurnKeptAndReported(t *testing.T) {
	id := testConvID("C1")
	ctx := context.Background()

	acct := NewAccountant(10, 0.8, 1, 1, nil)
	cache := NewStateCache(newFakeHistory(), newFakeStore(), acct, nil)

	huge := Turn{Role: "user", Content: "this content is far larger than a ten token budget allows for"}
	wc, err := cache.Append(ctx, id, huge)
	if !errors.Is(err, ErrOversizedTurn) {
		t.Fatalf("expected ErrOversizedTurn, got %v", err)
	}
	if wc == nil || len(wc.Turns) != 1 {
		t.Fatal("oversized newest turn must still be present in the context")
	}
}

func TestStateCache_AppendAssertsLockHeld(t *testing.T) {
	id := testConvID("C1")
	lm := NewLockManager(nil)
	cache := newTestCache(newFakeHistory(), newFakeStore()).WithLockAssertions(lm)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic when appending without the conversation lock")
			}
		}()
		cache.Append(ctx, id, Turn{Role: "user", Content: "hi"})
	}()

	h, err := lm.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer h.Release()

	if _, err := cache.Append(ctx, id, Turn{Role: "user", Content: "hi"}); err != nil {
		t.Errorf("Append under the lock failed: %v", err)
	}
}

func TestStateCache_RecordAssetPersistsAndLedgers(t *testing.T) {
	id := testConvID("C1")
	ctx := context.Background()
	store := newFakeStore()
	cache := newTestCache(newFakeHistory(), store)

	if _, err := cache.Append(ctx, id, Turn{Role: "assistant", Content: "generated a chart"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	rec := AssetRecord{Kind: "image", Reference: "https://files.example/chart.png", TurnIndex: 0}
	if err := cache.RecordAsset(ctx, id, rec); err != nil {
		t.Fatalf("RecordAsset failed: %v", err)
	}

	wc, _ := cache.GetOrRebuild(ctx, id)
	if len(wc.Assets) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(wc.Assets))
	}
	if wc.Assets[0].ID == "" || wc.Assets[0].CreatedAt.IsZero() {
		t.Error("RecordAsset must fill ID and CreatedAt")
	}

	persisted, err := store.ListAssets(ctx, id)
	if err != nil {
		t.Fatalf("ListAssets failed: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Reference != rec.Reference {
		t.Errorf("expected asset persisted durably, got %+v", persisted)
	}
}

func TestStateCache_RecordAssetDurableFailureSkipsLedger(t *testing.T) {
	id := testConvID("C1")
	ctx := context.Background()
	store := newFakeStore()
	cache := newTestCache(newFakeHistory(), store)

	if _, err := cache.GetOrRebuild(ctx, id); err != nil {
		t.Fatalf("GetOrRebuild failed: %v", err)
	}

	store.mu.Lock()
	store.assetErr = errors.New("disk full")
	store.mu.Unlock()

	err := cache.RecordAsset(ctx, id, AssetRecord{Kind: "image", Reference: "x"})
	if !errors.Is(err, ErrDurableStore) {
		t.Fatalf("expected ErrDurableStore, got %v", err)
	}

	wc, _ := cache.GetOrRebuild(ctx, id)
	if len(wc.Assets) != 0 {
		t.Error("ledger must not record an asset the store rejected")
	}
}

func TestStateCache_InvalidateForcesRebuild(t *testing.T) {
	id := testConvID("C1")
	ctx := context.Background()
	history := newFakeHistory()
	history.msgs[id.Key()] = []PlatformMessage{contentMsg("1", "user", "hi", time.Now())}

	cache := newTestCache(history, newFakeStore())

	if _, err := cache.GetOrRebuild(ctx, id); err != nil {
		t.Fatalf("GetOrRebuild failed: %v", err)
	}
	cache.Invalidate(id)
	if cache.Len() != 0 {
		t.Error("Invalidate must drop the entry")
	}

	if _, err := cache.GetOrRebuild(ctx, id); err != nil {
		t.Fatalf("rebuild after invalidate failed: %v", err)
	}
	if history.callCount() != 2 {
		t.Errorf("expected 2 history fetches across invalidate, got %d", history.callCount())
	}
}

func TestStateCache_EvictRespectsCutoffAndIsolation(t *testing.T) {
	ctx := context.Background()
	idA := testConvID("A")
	idB := testConvID("B")
	cache := newTestCache(newFakeHistory(), newFakeStore())

	wcA, err := cache.GetOrRebuild(ctx, idA)
	if err != nil {
		t.Fatalf("GetOrRebuild A failed: %v", err)
	}
	if _, err := cache.GetOrRebuild(ctx, idB); err != nil {
		t.Fatalf("GetOrRebuild B failed: %v", err)
	}

	// A is stale, B is fresh.
	wcA.LastActivity = time.Now().Add(-25 * time.Hour)

	cutoff := time.Now().Add(-24 * time.Hour)
	if !cache.Evict(idA, cutoff) {
		t.Error("expected stale entry evicted")
	}
	if cache.Evict(idB, cutoff) {
		t.Error("fresh entry must not be evicted")
	}
	if cache.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", cache.Len())
	}
	if _, ok := cache.LastActivity(idB); !ok {
		t.Error("eviction of A must not touch B")
	}
}
