// Package presence отслеживает статусы пользователей по живым подключениям.
// Состояние в памяти процесса авторитетно; строка в Postgres и снимок в Redis
// пишутся best-effort и служат для перезапуска и читающих реплик.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/estatechat/internal/cache"
	"github.com/estatechat/internal/config"
	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/model"
)

// Store — долговременное хранилище присутствия.
type Store interface {
	Save(ctx context.Context, p *model.Presence) error
	Get(ctx context.Context, userID string) (*model.Presence, error)
}

// Broadcaster доводит смену статуса и набор текста до заинтересованных сокетов.
type Broadcaster interface {
	PresenceChanged(userID string, p model.PresencePublic)
	TypingChanged(conversationID, userID string, isTyping bool)
}

// userState — состояние одного пользователя со своим мьютексом: конкурентные
// connect/disconnect одного пользователя сериализуются, разные пользователи
// друг друга не ждут.
type userState struct {
	mu sync.Mutex
	p  model.Presence
	// lastInput — последнее явное действие пользователя (кадр с сокета,
	// смена статуса). Транспортные pong сюда не попадают: авто-away меряет
	// человека, а не сокет.
	lastInput time.Time
}

// snapshotLocked копирует состояние вместе со слайсом подключений: снимок
// уходит из-под лока в persist, а сам слайс компактится на месте.
func snapshotLocked(p *model.Presence) model.Presence {
	snap := *p
	if len(p.Connections) > 0 {
		snap.Connections = append([]model.Connection(nil), p.Connections...)
	}
	return snap
}

type Tracker struct {
	mu    sync.RWMutex
	users map[string]*userState

	store Store
	cache cache.Store
	bcast Broadcaster
	cfg   config.EngineConfig

	now func() time.Time
}

func NewTracker(store Store, cc cache.Store, bcast Broadcaster, cfg config.EngineConfig) *Tracker {
	return &Tracker{
		users: make(map[string]*userState),
		store: store,
		cache: cc,
		bcast: bcast,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Run гоняет периодическую зачистку до отмены контекста.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PresenceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SweepStale()
		}
	}
}

// ensure возвращает состояние пользователя, при первом обращении поднимая
// настройки приватности и накопленную статистику из БД.
func (t *Tracker) ensure(userID string) *userState {
	t.mu.RLock()
	st, ok := t.users[userID]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	if st, ok = t.users[userID]; ok {
		t.mu.Unlock()
		return st
	}
	st = &userState{p: model.Presence{
		UserID:            userID,
		Status:            model.StatusOffline,
		ShareOnlineStatus: true,
		ShareTyping:       true,
	}}
	t.users[userID] = st
	t.mu.Unlock()

	// Гидратация вне обоих локов: гонка двух первых подключений безвредна,
	// перетираются только стартовые нули.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	saved, err := t.store.Get(ctx, userID)
	if err == nil && saved != nil {
		st.mu.Lock()
		if st.p.ConnectionCount == 0 {
			st.p.ShareOnlineStatus = saved.ShareOnlineStatus
			st.p.ShareTyping = saved.ShareTyping
			st.p.StatusMessage = saved.StatusMessage
			st.p.SessionCount = saved.SessionCount
			st.p.TotalOnlineSeconds = saved.TotalOnlineSeconds
			st.p.LastSessionSeconds = saved.LastSessionSeconds
			st.p.LastSeenAt = saved.LastSeenAt
		}
		st.mu.Unlock()
	}
	return st
}

// Connect регистрирует подключение. Переход offline -> online случается
// только на первом подключении; второе устройство статус не меняет.
func (t *Tracker) Connect(userID, connID, device string) {
	st := t.ensure(userID)
	now := t.now()

	st.mu.Lock()
	wentOnline := st.p.ConnectionCount == 0
	st.p.Connections = append(st.p.Connections, model.Connection{
		ID:           connID,
		Device:       device,
		ConnectedAt:  now,
		LastActiveAt: now,
	})
	st.p.ConnectionCount = len(st.p.Connections)
	st.p.IsOnline = true
	st.lastInput = now
	if wentOnline {
		st.p.Status = model.StatusOnline
		st.p.OnlineSince = &now
		st.p.SessionCount++
	}
	st.p.UpdatedAt = now
	snap := snapshotLocked(&st.p)
	st.mu.Unlock()

	t.persist(&snap)
	if wentOnline {
		t.bcast.PresenceChanged(userID, snap.Public())
	}
}

// Disconnect снимает подключение; пустой connID сбрасывает все
// (принудительный выход). Нулевой счётчик переводит в offline и
// закрывает сессию в накопительной статистике.
func (t *Tracker) Disconnect(userID, connID string) {
	st := t.ensure(userID)
	now := t.now()

	st.mu.Lock()
	if st.p.ConnectionCount == 0 {
		st.mu.Unlock()
		return
	}
	if connID == "" {
		st.p.Connections = nil
	} else {
		kept := st.p.Connections[:0]
		for _, c := range st.p.Connections {
			if c.ID != connID {
				kept = append(kept, c)
			}
		}
		st.p.Connections = kept
	}
	st.p.ConnectionCount = len(st.p.Connections)
	wentOffline := st.p.ConnectionCount == 0
	if wentOffline {
		t.markOfflineLocked(&st.p, now)
	}
	st.p.UpdatedAt = now
	snap := snapshotLocked(&st.p)
	st.mu.Unlock()

	t.persist(&snap)
	if wentOffline {
		t.bcast.PresenceChanged(userID, snap.Public())
	}
}

// markOfflineLocked закрывает сессию; вызывается под локом userState.
func (t *Tracker) markOfflineLocked(p *model.Presence, now time.Time) {
	p.IsOnline = false
	p.Status = model.StatusOffline
	p.Connections = nil
	p.ConnectionCount = 0
	p.LastSeenAt = &now
	if p.OnlineSince != nil {
		dur := int64(now.Sub(*p.OnlineSince).Seconds())
		p.LastSessionSeconds = dur
		p.TotalOnlineSeconds += dur
		p.OnlineSince = nil
	}
	p.TypingConversationID = nil
	p.TypingAt = nil
}

// Heartbeat отмечает живость транспорта (pong от клиента). Это не действие
// пользователя: авто-away оно не снимает и не откладывает.
func (t *Tracker) Heartbeat(userID, connID string) {
	st := t.ensure(userID)
	now := t.now()

	st.mu.Lock()
	for i := range st.p.Connections {
		if st.p.Connections[i].ID == connID {
			st.p.Connections[i].LastActiveAt = now
			break
		}
	}
	st.mu.Unlock()
}

// Activity фиксирует явное действие пользователя (кадр с сокета, отправленное
// сообщение) и снимает авто-away.
func (t *Tracker) Activity(userID string) {
	st := t.ensure(userID)
	now := t.now()

	st.mu.Lock()
	st.lastInput = now
	if st.p.IsOnline && st.p.Status == model.StatusAway {
		st.p.Status = model.StatusOnline
		st.p.UpdatedAt = now
		snap := snapshotLocked(&st.p)
		st.mu.Unlock()
		t.persist(&snap)
		t.bcast.PresenceChanged(userID, snap.Public())
		return
	}
	st.mu.Unlock()
}

// SetStatus — явный выбор статуса пользователем, не зависит от числа подключений.
func (t *Tracker) SetStatus(userID string, status model.PresenceStatus, message string) {
	st := t.ensure(userID)
	now := t.now()

	st.mu.Lock()
	st.lastInput = now
	st.p.Status = status
	st.p.StatusMessage = message
	st.p.UpdatedAt = now
	snap := snapshotLocked(&st.p)
	st.mu.Unlock()

	t.persist(&snap)
	t.bcast.PresenceChanged(userID, snap.Public())
}

// SetTyping транслирует набор текста участникам диалога. Состояние
// консультативное: истекает по TTL и в БД не обязано попадать.
func (t *Tracker) SetTyping(userID, conversationID string, isTyping bool) {
	st := t.ensure(userID)

	st.mu.Lock()
	if !st.p.ShareTyping {
		st.mu.Unlock()
		return
	}
	if isTyping {
		now := t.now()
		st.p.TypingConversationID = &conversationID
		st.p.TypingAt = &now
	} else {
		st.p.TypingConversationID = nil
		st.p.TypingAt = nil
	}
	st.mu.Unlock()

	t.bcast.TypingChanged(conversationID, userID, isTyping)
}

// SetPrivacy переключает видимость статуса и набора текста.
func (t *Tracker) SetPrivacy(userID string, shareOnline, shareTyping *bool) {
	st := t.ensure(userID)
	now := t.now()

	st.mu.Lock()
	if shareOnline != nil {
		st.p.ShareOnlineStatus = *shareOnline
	}
	if shareTyping != nil {
		st.p.ShareTyping = *shareTyping
	}
	st.p.UpdatedAt = now
	snap := snapshotLocked(&st.p)
	st.mu.Unlock()

	t.persist(&snap)
	t.bcast.PresenceChanged(userID, snap.Public())
}

// Self возвращает полное состояние владельцу.
func (t *Tracker) Self(userID string) model.Presence {
	st := t.ensure(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshotLocked(&st.p)
}

// Public — снимок для других пользователей с учётом приватности.
// Незнакомый процессу пользователь читается из снимка кэша, затем из БД.
func (t *Tracker) Public(ctx context.Context, userID string) model.PresencePublic {
	t.mu.RLock()
	st, ok := t.users[userID]
	t.mu.RUnlock()
	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.p.Public()
	}

	if cached, err := t.cache.GetPresence(ctx, userID); err == nil && cached != nil {
		return *cached
	}
	if saved, err := t.store.Get(ctx, userID); err == nil && saved != nil {
		// Процесс перезапускался: живых подключений нет, строка может врать.
		saved.IsOnline = false
		if saved.Status != model.StatusOffline {
			saved.Status = model.StatusOffline
		}
		return saved.Public()
	}
	return model.PresencePublic{UserID: userID, Status: model.StatusOffline}
}

// SweepStale — две независимые зачистки: авто-away для простаивающих и
// принудительный offline для подключений без heartbeat (негладкие обрывы).
// Best-effort: ошибки логируются, основной поток записи не блокируется.
func (t *Tracker) SweepStale() {
	now := t.now()

	t.mu.RLock()
	states := make(map[string]*userState, len(t.users))
	for id, st := range t.users {
		states[id] = st
	}
	t.mu.RUnlock()

	for userID, st := range states {
		st.mu.Lock()
		if st.p.ConnectionCount == 0 {
			// Набор текста мог пережить offline при гонке, чистим заодно.
			st.p.TypingConversationID = nil
			st.p.TypingAt = nil
			st.mu.Unlock()
			continue
		}

		// Протухшие подключения выбрасываются.
		kept := st.p.Connections[:0]
		for _, c := range st.p.Connections {
			if now.Sub(c.LastActiveAt) < t.cfg.StaleConnAfter {
				kept = append(kept, c)
			}
		}
		dropped := len(st.p.Connections) - len(kept)
		st.p.Connections = kept
		st.p.ConnectionCount = len(kept)

		var typingStopped *string
		if st.p.TypingAt != nil && now.Sub(*st.p.TypingAt) > t.cfg.TypingTTL {
			typingStopped = st.p.TypingConversationID
			st.p.TypingConversationID = nil
			st.p.TypingAt = nil
		}

		changed := dropped > 0
		wentOffline := false
		switch {
		case st.p.ConnectionCount == 0:
			t.markOfflineLocked(&st.p, now)
			wentOffline = true
		case st.p.Status == model.StatusOnline && now.Sub(st.lastInput) >= t.cfg.AutoAwayAfter:
			st.p.Status = model.StatusAway
			changed = true
		}
		if changed || wentOffline {
			st.p.UpdatedAt = now
		}
		snap := snapshotLocked(&st.p)
		st.mu.Unlock()

		if typingStopped != nil {
			t.bcast.TypingChanged(*typingStopped, userID, false)
		}
		if changed || wentOffline {
			t.persist(&snap)
			t.bcast.PresenceChanged(userID, snap.Public())
		}
	}
}

// persist пишет строку в БД и снимок в кэш. Ошибки не фатальны:
// память процесса остаётся источником истины.
func (t *Tracker) persist(p *model.Presence) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.store.Save(ctx, p); err != nil {
		logger.Errorf("presence save user=%s: %v", p.UserID, err)
	}
	pub := p.Public()
	if err := t.cache.SetPresence(ctx, &pub, 0); err != nil {
		logger.Errorf("presence cache user=%s: %v", p.UserID, err)
	}
}
