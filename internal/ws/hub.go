package ws

import (
	"context"
	"sync"
	"time"

	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/logger"
)

// Membership отдаёт диалоги, в которых пользователь активен. При подключении
// сокет вступает во все свои комнаты разом.
type Membership interface {
	ActiveConversationIDs(ctx context.Context, userID string) ([]string, error)
}

// SessionEvents — обратные вызовы хаба: жизненный цикл подключения и
// входящие кадры (typing, mark_read). Реализует presence-трекер и пайплайн
// сообщений; до SetSessionEvents кадры молча игнорируются.
type SessionEvents interface {
	Connected(userID, connID, device string)
	Disconnected(userID, connID string)
	Heartbeat(userID, connID string)
	Typing(ctx context.Context, userID, conversationID string, isTyping bool)
	MarkRead(ctx context.Context, userID, conversationID, messageID string)
}

type Hub struct {
	mu      sync.RWMutex
	byUser  map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	total   int
	maxConns int

	membership Membership
	events     SessionEvents

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(membership Membership, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		byUser:     make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		membership: membership,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

// SetSessionEvents задаётся после конструктора: хаб и сервисы ссылаются
// друг на друга, собрать их за один проход нельзя.
func (h *Hub) SetSessionEvents(ev SessionEvents) {
	h.events = ev
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Собираем клиентов под локом, без I/O под мьютексом.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.byUser {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.byUser = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Сетевой I/O вне лока.
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	convIDs, err := h.membership.ActiveConversationIDs(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws load rooms user=%s: %v", c.userID, err)
		c.Close()
		return
	}

	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.byUser[c.userID]; !ok {
		h.byUser[c.userID] = make(map[*Client]struct{})
	}
	h.byUser[c.userID][c] = struct{}{}
	for _, id := range convIDs {
		if _, ok := h.rooms[id]; !ok {
			h.rooms[id] = make(map[*Client]struct{})
		}
		h.rooms[id][c] = struct{}{}
		c.roomIDs[id] = struct{}{}
	}
	h.total++
	h.mu.Unlock()

	if h.events != nil {
		h.events.Connected(c.userID, c.connID, c.device)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.byUser[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.byUser, c.userID)
	}
	for id := range c.roomIDs {
		if room, ok := h.rooms[id]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, id)
			}
		}
	}
	h.total--
	h.mu.Unlock()

	// Сетевой I/O вне лока.
	c.Close()

	if h.events != nil {
		h.events.Disconnected(c.userID, c.connID)
	}
}

// JoinRoom подключает живые сокеты пользователя к комнате диалога.
// Вызывается при добавлении участника; без сокетов это no-op.
func (h *Hub) JoinRoom(conversationID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.byUser[userID]
	if !ok {
		return
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[conversationID] = room
	}
	for c := range clients {
		room[c] = struct{}{}
		c.roomIDs[conversationID] = struct{}{}
	}
}

// LeaveRoom отключает сокеты пользователя от комнаты (выход из диалога).
func (h *Hub) LeaveRoom(conversationID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.byUser[userID]
	if !ok {
		return
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	for c := range clients {
		delete(room, c)
		delete(c.roomIDs, conversationID)
	}
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}

// BroadcastToConversation рассылает событие всем сокетам комнаты,
// кроме подключений excludeUserID (пустая строка — без исключений).
func (h *Hub) BroadcastToConversation(conversationID string, env event.Envelope, excludeUserID string) {
	h.mu.RLock()
	room, ok := h.rooms[conversationID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(room))
	for c := range room {
		if excludeUserID != "" && c.userID == excludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, env)
	}
}

// SendToUser доставляет событие на все подключения пользователя.
func (h *Hub) SendToUser(userID string, env event.Envelope) {
	h.mu.RLock()
	clients, ok := h.byUser[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, env)
	}
}

// IsUserConnected сообщает, есть ли у пользователя хоть один живой сокет
// (решение пуш-или-сокет при доставке уведомлений).
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// ConnectionTotal — живых сокетов всего (админская статистика).
func (h *Hub) ConnectionTotal() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// inRoom: состоит ли сокет в комнате диалога. roomIDs меняется только под
// мьютексом хаба, поэтому чтение тоже идёт под ним.
func (h *Hub) inRoom(c *Client, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.roomIDs[conversationID]
	return ok
}

func (h *Hub) sendToClient(c *Client, env event.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		// Backpressure: буфер отправки полон, медленный клиент закрывается.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

// handleFrame разбирает входящий кадр. Тяжёлые операции идут через REST,
// по сокету ходят только typing и отметки прочтения.
func (h *Hub) handleFrame(ctx context.Context, c *Client, f IncomingFrame) {
	if h.events == nil {
		return
	}
	switch f.Type {
	case event.TypeTyping:
		// Индикатор уходит только в комнаты, где сокет состоит: клиент не
		// может печатать в чужой диалог.
		if f.ConversationID == "" || !h.inRoom(c, f.ConversationID) {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		h.events.Typing(ctx, c.userID, f.ConversationID, f.IsTyping)
	case event.TypeMessageRead:
		if f.ConversationID == "" || f.MessageID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		h.events.MarkRead(ctx, c.userID, f.ConversationID, f.MessageID)
	default:
		h.sendToClient(c, event.Envelope{Type: event.TypeError, Payload: event.ErrorPayload{Message: "unknown frame type"}})
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
