package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	cachememory "github.com/estatechat/internal/cache/memory"
	"github.com/estatechat/internal/config"
	"github.com/estatechat/internal/model"
)

type fakeStore struct {
	mu    sync.Mutex
	saved map[string]model.Presence
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]model.Presence)}
}

func (s *fakeStore) Save(ctx context.Context, p *model.Presence) error {
	// Сериализация вне лока трекера, как в настоящем хранилище.
	if _, err := json.Marshal(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[p.UserID] = *p
	return nil
}

func (s *fakeStore) Get(ctx context.Context, userID string) (*model.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.saved[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type bcastCall struct {
	kind           string
	userID         string
	conversationID string
	isTyping       bool
	public         model.PresencePublic
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []bcastCall
}

func (b *fakeBroadcaster) PresenceChanged(userID string, p model.PresencePublic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, bcastCall{kind: "presence", userID: userID, public: p})
}

func (b *fakeBroadcaster) TypingChanged(conversationID, userID string, isTyping bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, bcastCall{kind: "typing", userID: userID, conversationID: conversationID, isTyping: isTyping})
}

func (b *fakeBroadcaster) presenceCalls() []bcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bcastCall
	for _, c := range b.calls {
		if c.kind == "presence" {
			out = append(out, c)
		}
	}
	return out
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		TypingTTL:      10 * time.Second,
		AutoAwayAfter:  10 * time.Minute,
		StaleConnAfter: 90 * time.Second,
	}
}

func newTestTracker() (*Tracker, *fakeStore, *fakeBroadcaster) {
	store := newFakeStore()
	bcast := &fakeBroadcaster{}
	tr := NewTracker(store, cachememory.New(), bcast, testConfig())
	return tr, store, bcast
}

func TestConnectTwiceDisconnectOnce(t *testing.T) {
	tr, _, bcast := newTestTracker()

	tr.Connect("u1", "c1", "web")
	tr.Connect("u1", "c2", "mobile")

	p := tr.Self("u1")
	if !p.IsOnline || p.Status != model.StatusOnline {
		t.Fatalf("status after two connects: %+v", p)
	}
	if p.ConnectionCount != 2 {
		t.Fatalf("connection count = %d, want 2", p.ConnectionCount)
	}
	if p.SessionCount != 1 {
		t.Fatalf("session count = %d, want 1 (second device is the same session)", p.SessionCount)
	}
	// Трансляция только на переходе offline -> online.
	if got := bcast.presenceCalls(); len(got) != 1 {
		t.Fatalf("presence broadcasts = %d, want 1", len(got))
	}

	tr.Disconnect("u1", "c1")
	p = tr.Self("u1")
	if !p.IsOnline || p.ConnectionCount != 1 {
		t.Fatalf("after first disconnect: online=%v count=%d", p.IsOnline, p.ConnectionCount)
	}
	if got := bcast.presenceCalls(); len(got) != 1 {
		t.Fatalf("partial disconnect must not broadcast, got %d", len(got))
	}

	tr.Disconnect("u1", "c2")
	p = tr.Self("u1")
	if p.IsOnline || p.Status != model.StatusOffline || p.ConnectionCount != 0 {
		t.Fatalf("after last disconnect: %+v", p)
	}
	if p.LastSeenAt == nil {
		t.Fatal("last_seen_at not set")
	}
	if p.LastSessionSeconds < 0 {
		t.Fatalf("last session seconds = %d", p.LastSessionSeconds)
	}
	if got := bcast.presenceCalls(); len(got) != 2 {
		t.Fatalf("presence broadcasts = %d, want 2 (online + offline)", len(got))
	}
}

func TestSessionStatsAccumulate(t *testing.T) {
	tr, store, _ := newTestTracker()
	base := time.Now()
	tr.now = func() time.Time { return base }

	tr.Connect("u1", "c1", "web")
	tr.now = func() time.Time { return base.Add(40 * time.Second) }
	tr.Disconnect("u1", "c1")

	p := tr.Self("u1")
	if p.LastSessionSeconds != 40 {
		t.Fatalf("last session = %d, want 40", p.LastSessionSeconds)
	}
	if p.TotalOnlineSeconds != 40 {
		t.Fatalf("total online = %d, want 40", p.TotalOnlineSeconds)
	}

	tr.now = func() time.Time { return base.Add(time.Minute) }
	tr.Connect("u1", "c2", "web")
	tr.now = func() time.Time { return base.Add(90 * time.Second) }
	tr.Disconnect("u1", "c2")

	p = tr.Self("u1")
	if p.SessionCount != 2 || p.TotalOnlineSeconds != 70 || p.LastSessionSeconds != 30 {
		t.Fatalf("stats after two sessions: %+v", p)
	}
	saved, _ := store.Get(context.Background(), "u1")
	if saved == nil || saved.TotalOnlineSeconds != 70 {
		t.Fatalf("stats not persisted: %+v", saved)
	}
}

func TestDisconnectAllConnections(t *testing.T) {
	tr, _, _ := newTestTracker()
	tr.Connect("u1", "c1", "web")
	tr.Connect("u1", "c2", "mobile")

	tr.Disconnect("u1", "")
	p := tr.Self("u1")
	if p.IsOnline || p.ConnectionCount != 0 {
		t.Fatalf("force disconnect left state: %+v", p)
	}
}

func TestAutoAwayWhileConnectionAlive(t *testing.T) {
	tr, _, _ := newTestTracker()
	base := time.Now()
	tr.now = func() time.Time { return base }

	tr.Connect("u1", "c1", "web")

	// Pong'и держат сокет живым, но пользователь молчит: транспортный
	// heartbeat не должен откладывать авто-away.
	for i := 1; i <= 11; i++ {
		tr.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		tr.Heartbeat("u1", "c1")
		tr.SweepStale()
	}
	p := tr.Self("u1")
	if p.Status != model.StatusAway || !p.IsOnline || p.ConnectionCount != 1 {
		t.Fatalf("after 11 idle minutes with live socket: %+v", p)
	}

	// Очередной pong статус не трогает.
	tr.Heartbeat("u1", "c1")
	if p := tr.Self("u1"); p.Status != model.StatusAway {
		t.Fatalf("transport heartbeat cleared away: %+v", p)
	}

	// Явное действие пользователя возвращает online.
	tr.Activity("u1")
	if p := tr.Self("u1"); p.Status != model.StatusOnline {
		t.Fatalf("activity did not clear away: %+v", p)
	}
}

func TestConcurrentDisconnects(t *testing.T) {
	tr, _, _ := newTestTracker()
	const conns = 16
	for i := 0; i < conns; i++ {
		tr.Connect("u1", fmt.Sprintf("c%d", i), "web")
	}

	// Снимок уходит в Save вне лока; параллельные дисконнекты компактят
	// слайс подключений на месте. Ловится детектором гонок.
	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Disconnect("u1", fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	p := tr.Self("u1")
	if p.IsOnline || p.ConnectionCount != 0 {
		t.Fatalf("after concurrent disconnects: %+v", p)
	}
}

func TestSweepDropsStaleConnections(t *testing.T) {
	tr, _, bcast := newTestTracker()
	base := time.Now()
	tr.now = func() time.Time { return base }

	tr.Connect("u1", "c1", "web")
	tr.now = func() time.Time { return base.Add(time.Minute) }
	tr.Connect("u1", "c2", "mobile")

	// c1 не шлёт heartbeat дольше StaleConnAfter, c2 ещё жив.
	tr.now = func() time.Time { return base.Add(2 * time.Minute) }
	tr.SweepStale()
	p := tr.Self("u1")
	if p.ConnectionCount != 1 || !p.IsOnline {
		t.Fatalf("after partial sweep: count=%d online=%v", p.ConnectionCount, p.IsOnline)
	}

	// Теперь протухает и c2 — пользователь уходит в offline.
	tr.now = func() time.Time { return base.Add(5 * time.Minute) }
	tr.SweepStale()
	p = tr.Self("u1")
	if p.IsOnline || p.Status != model.StatusOffline {
		t.Fatalf("after full sweep: %+v", p)
	}
	last := bcast.presenceCalls()
	if len(last) == 0 || last[len(last)-1].public.Status != model.StatusOffline {
		t.Fatal("offline transition not broadcast")
	}
}

func TestTypingExpiresByTTL(t *testing.T) {
	tr, _, bcast := newTestTracker()
	base := time.Now()
	tr.now = func() time.Time { return base }

	tr.Connect("u1", "c1", "web")
	tr.SetTyping("u1", "conv1", true)

	tr.now = func() time.Time { return base.Add(11 * time.Second) }
	tr.SweepStale()

	var stop *bcastCall
	bcast.mu.Lock()
	for i := range bcast.calls {
		c := bcast.calls[i]
		if c.kind == "typing" && !c.isTyping {
			stop = &c
		}
	}
	bcast.mu.Unlock()
	if stop == nil || stop.conversationID != "conv1" {
		t.Fatal("typing TTL expiry did not broadcast stop")
	}
	if p := tr.Self("u1"); p.TypingConversationID != nil {
		t.Fatal("typing state not cleared")
	}
}

func TestTypingRespectsPrivacy(t *testing.T) {
	tr, _, bcast := newTestTracker()
	off := false
	tr.Connect("u1", "c1", "web")
	tr.SetPrivacy("u1", nil, &off)

	before := len(bcast.calls)
	tr.SetTyping("u1", "conv1", true)
	bcast.mu.Lock()
	after := len(bcast.calls)
	bcast.mu.Unlock()
	if after != before {
		t.Fatal("typing broadcast leaked despite share_typing=false")
	}
}

func TestPublicHonorsShareOnline(t *testing.T) {
	tr, _, _ := newTestTracker()
	off := false
	tr.Connect("u1", "c1", "web")
	tr.SetPrivacy("u1", &off, nil)

	pub := tr.Public(context.Background(), "u1")
	if pub.IsOnline || pub.Status != model.StatusOffline {
		t.Fatalf("privacy leak: %+v", pub)
	}
}

func TestPublicFallsBackToStore(t *testing.T) {
	tr, store, _ := newTestTracker()
	seen := time.Now().Add(-time.Hour)
	store.saved["ghost"] = model.Presence{
		UserID:            "ghost",
		IsOnline:          true, // строка пережила рестарт и врёт
		Status:            model.StatusOnline,
		LastSeenAt:        &seen,
		ShareOnlineStatus: true,
	}

	pub := tr.Public(context.Background(), "ghost")
	if pub.IsOnline || pub.Status != model.StatusOffline {
		t.Fatalf("unknown-to-process user must read offline: %+v", pub)
	}
	if pub.LastSeenAt == nil {
		t.Fatal("last_seen_at lost in fallback")
	}
}
