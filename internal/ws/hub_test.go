package ws

import (
	"context"
	"sync"
	"testing"

	"github.com/estatechat/internal/event"
)

type typingCall struct {
	userID         string
	conversationID string
	isTyping       bool
}

type fakeSessionEvents struct {
	mu     sync.Mutex
	typing []typingCall
	reads  []string
}

func (f *fakeSessionEvents) Connected(userID, connID, device string) {}
func (f *fakeSessionEvents) Disconnected(userID, connID string)      {}
func (f *fakeSessionEvents) Heartbeat(userID, connID string)         {}

func (f *fakeSessionEvents) Typing(ctx context.Context, userID, conversationID string, isTyping bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typingCall{userID: userID, conversationID: conversationID, isTyping: isTyping})
}

func (f *fakeSessionEvents) MarkRead(ctx context.Context, userID, conversationID, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, messageID)
}

func (f *fakeSessionEvents) typingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.typing)
}

func TestTypingFrameRequiresRoomMembership(t *testing.T) {
	h := NewHub(nil, 10)
	ev := &fakeSessionEvents{}
	h.SetSessionEvents(ev)

	c := NewClient(h, nil, "u1", "conn1", "web", 8)
	h.byUser["u1"] = map[*Client]struct{}{c: {}}

	frame := IncomingFrame{Type: event.TypeTyping, ConversationID: "conv1", IsTyping: true}

	// Сокет не состоит в комнате — кадр молча отбрасывается.
	h.handleFrame(context.Background(), c, frame)
	if n := ev.typingCount(); n != 0 {
		t.Fatalf("typing leaked into a foreign conversation: %d calls", n)
	}

	h.JoinRoom("conv1", "u1")
	h.handleFrame(context.Background(), c, frame)
	if n := ev.typingCount(); n != 1 {
		t.Fatalf("typing for own room: %d calls, want 1", n)
	}

	// После выхода из комнаты кадры снова игнорируются.
	h.LeaveRoom("conv1", "u1")
	h.handleFrame(context.Background(), c, frame)
	if n := ev.typingCount(); n != 1 {
		t.Fatalf("typing after leave: %d calls, want 1", n)
	}

	// Пустой conversation_id не проходит независимо от членства.
	h.handleFrame(context.Background(), c, IncomingFrame{Type: event.TypeTyping, IsTyping: true})
	if n := ev.typingCount(); n != 1 {
		t.Fatalf("typing with empty conversation id: %d calls, want 1", n)
	}
}
