package message_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estatechat/internal/apperr"
	cachememory "github.com/estatechat/internal/cache/memory"
	"github.com/estatechat/internal/config"
	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/message"
	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/repository"
	"github.com/estatechat/internal/testutil"
	"github.com/estatechat/internal/unread"
)

// fakeFanout запоминает всё, что ушло бы в сокеты.
type fakeFanout struct {
	mu        sync.Mutex
	broadcast []event.Envelope
	direct    map[string][]event.Envelope
	connected map[string]bool
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{direct: make(map[string][]event.Envelope), connected: make(map[string]bool)}
}

func (f *fakeFanout) SendToUser(userID string, env event.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct[userID] = append(f.direct[userID], env)
}

func (f *fakeFanout) BroadcastToConversation(conversationID string, env event.Envelope, excludeUserID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, env)
}

func (f *fakeFanout) IsUserConnected(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[userID]
}

func (f *fakeFanout) lastBroadcast(t *testing.T) event.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcast) == 0 {
		t.Fatal("no broadcasts recorded")
	}
	return f.broadcast[len(f.broadcast)-1]
}

type noopStream struct{}

func (noopStream) Publish(ctx context.Context, key string, env event.Envelope) {}

type pipelineEnv struct {
	pool    *pgxpool.Pool
	pipe    *message.Pipeline
	fanout  *fakeFanout
	partRep *repository.ParticipantRepository
	sender  string
	reader  string
	convID  string
}

func newPipelineEnv(t *testing.T, cfg config.EngineConfig) *pipelineEnv {
	t.Helper()
	pool := testutil.StartPostgres(t)

	msgRepo := repository.NewMessageRepository(pool)
	partRepo := repository.NewParticipantRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	reactRepo := repository.NewReactionRepository(pool)
	readRepo := repository.NewReadRepository(pool)
	convRepo := repository.NewConversationRepository(pool)

	fanout := newFakeFanout()
	syncer := unread.NewSynchronizer(readRepo, fanout)
	pipe := message.NewPipeline(msgRepo, partRepo, userRepo, reactRepo, syncer,
		cachememory.New(), fanout, nil, noopStream{}, cfg)

	sender := testutil.SeedUser(t, pool, "Анна", model.RoleBuyer)
	reader := testutil.SeedUser(t, pool, "Сергей", model.RoleAgent)

	c := &model.Conversation{
		ID:             uuid.New().String(),
		Type:           model.ConversationDirect,
		CreatedBy:      sender,
		LastActivityAt: time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	now := time.Now().UTC()
	parts := []model.Participant{
		{ConversationID: c.ID, UserID: sender, Role: model.ParticipantAdmin, JoinedAt: now},
		{ConversationID: c.ID, UserID: reader, Role: model.ParticipantMember, JoinedAt: now},
	}
	if err := convRepo.CreateWithParticipants(context.Background(), c, parts, nil); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	return &pipelineEnv{pool: pool, pipe: pipe, fanout: fanout, partRep: partRepo,
		sender: sender, reader: reader, convID: c.ID}
}

func defaultEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		EditWindow:       24 * time.Hour,
		TypingTTL:        10 * time.Second,
		RecentRingSize:   50,
		UploadSessionTTL: 15 * time.Minute,
	}
}

func TestPipelineSend(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	e := newPipelineEnv(t, defaultEngineConfig())
	ctx := context.Background()

	t.Run("plain text", func(t *testing.T) {
		m, err := e.pipe.Send(ctx, e.sender, message.SendParams{
			ConversationID: e.convID, Content: "добрый день, квартира ещё доступна?",
		})
		if err != nil {
			t.Fatal(err)
		}
		if m.Type != model.MessageText || m.Status != model.MessageStatusSent {
			t.Fatalf("message: %+v", m)
		}
		if m.Sender == nil || m.Sender.Name != "Анна" {
			t.Fatal("sender not hydrated")
		}
		env := e.fanout.lastBroadcast(t)
		if env.Type != event.TypeNewMessage {
			t.Fatalf("broadcast type %s", env.Type)
		}

		// Получателю стало на одно непрочитанное больше.
		p, err := e.partRep.Get(ctx, e.convID, e.reader)
		if err != nil {
			t.Fatal(err)
		}
		if p.UnreadCount != 1 {
			t.Fatalf("reader unread = %d, want 1", p.UnreadCount)
		}
	})

	t.Run("outsider rejected", func(t *testing.T) {
		outsider := testutil.SeedUser(t, e.pool, "Ольга", model.RoleBuyer)
		_, err := e.pipe.Send(ctx, outsider, message.SendParams{ConversationID: e.convID, Content: "пустите"})
		if apperr.KindOf(err) != apperr.KindAuthorization {
			t.Fatalf("err = %v, want authorization", err)
		}
	})

	t.Run("client message id makes retries idempotent", func(t *testing.T) {
		params := message.SendParams{ConversationID: e.convID, Content: "один раз", ClientMessageID: "cid-1"}
		first, err := e.pipe.Send(ctx, e.sender, params)
		if err != nil {
			t.Fatal(err)
		}
		second, err := e.pipe.Send(ctx, e.sender, params)
		if err != nil {
			t.Fatal(err)
		}
		if first.ID != second.ID {
			t.Fatalf("retry created a new message: %s != %s", first.ID, second.ID)
		}
	})

	t.Run("viewing request payload", func(t *testing.T) {
		m, err := e.pipe.Send(ctx, e.sender, message.SendParams{
			ConversationID: e.convID,
			Type:           model.MessageViewingRequest,
			Payload: &model.ViewingRequestPayload{
				PropertyID: "p1", ProposedAt: time.Now().Add(48 * time.Hour), Status: "requested",
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := m.Payload.(*model.ViewingRequestPayload); !ok {
			t.Fatalf("payload type %T", m.Payload)
		}
	})

	t.Run("payload type mismatch rejected", func(t *testing.T) {
		_, err := e.pipe.Send(ctx, e.sender, message.SendParams{
			ConversationID: e.convID,
			Type:           model.MessageOffer,
			Payload:        &model.LocationPayload{Latitude: 1, Longitude: 1},
		})
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("reply must stay in the conversation", func(t *testing.T) {
		other := testutil.SeedUser(t, e.pool, "Ирина", model.RoleAgent)
		convRepo := repository.NewConversationRepository(e.pool)
		c2 := &model.Conversation{
			ID: uuid.New().String(), Type: model.ConversationDirect, CreatedBy: e.sender,
			LastActivityAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
		}
		now := time.Now().UTC()
		err := convRepo.CreateWithParticipants(ctx, c2, []model.Participant{
			{ConversationID: c2.ID, UserID: e.sender, Role: model.ParticipantAdmin, JoinedAt: now},
			{ConversationID: c2.ID, UserID: other, Role: model.ParticipantMember, JoinedAt: now},
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		foreign, err := e.pipe.Send(ctx, e.sender, message.SendParams{ConversationID: c2.ID, Content: "в другом диалоге"})
		if err != nil {
			t.Fatal(err)
		}
		_, err = e.pipe.Send(ctx, e.sender, message.SendParams{
			ConversationID: e.convID, Content: "ответ", ReplyToID: foreign.ID,
		})
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("system type rejected from users", func(t *testing.T) {
		_, err := e.pipe.Send(ctx, e.sender, message.SendParams{
			ConversationID: e.convID, Type: model.MessageSystem, Content: "я система",
		})
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("err = %v, want validation", err)
		}
	})
}

func TestPipelineEditAndDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	e := newPipelineEnv(t, defaultEngineConfig())
	ctx := context.Background()

	m, err := e.pipe.Send(ctx, e.sender, message.SendParams{ConversationID: e.convID, Content: "первоначальный текст"})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("edit by sender", func(t *testing.T) {
		edited, err := e.pipe.Edit(ctx, m.ID, e.sender, "исправленный текст")
		if err != nil {
			t.Fatal(err)
		}
		if edited.Content != "исправленный текст" || !edited.IsEdited {
			t.Fatalf("edited: %+v", edited)
		}
		if edited.OriginalContent == nil || *edited.OriginalContent != "первоначальный текст" {
			t.Fatal("original content lost")
		}
	})

	t.Run("edit by another participant rejected", func(t *testing.T) {
		_, err := e.pipe.Edit(ctx, m.ID, e.reader, "чужая правка")
		if apperr.KindOf(err) != apperr.KindAuthorization {
			t.Fatalf("err = %v, want authorization", err)
		}
	})

	t.Run("edit outside the window rejected", func(t *testing.T) {
		expired := newPipelineEnv(t, config.EngineConfig{EditWindow: -time.Second, RecentRingSize: 50})
		em, err := expired.pipe.Send(ctx, expired.sender, message.SendParams{ConversationID: expired.convID, Content: "поздно"})
		if err != nil {
			t.Fatal(err)
		}
		_, err = expired.pipe.Edit(ctx, em.ID, expired.sender, "уже нельзя")
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("delete scrubs content for readers", func(t *testing.T) {
		if err := e.pipe.SoftDelete(ctx, m.ID, e.sender); err != nil {
			t.Fatal(err)
		}
		got, err := e.pipe.Get(ctx, m.ID, e.reader)
		if err != nil {
			t.Fatal(err)
		}
		if !got.IsDeleted {
			t.Fatal("deletion flag lost")
		}
		if got.Content != "" || got.OriginalContent != nil {
			t.Fatalf("deleted message leaked content: %+v", got)
		}
		// Повторное удаление — no-op.
		if err := e.pipe.SoftDelete(ctx, m.ID, e.sender); err != nil {
			t.Fatalf("repeat delete: %v", err)
		}
	})
}

func TestPipelineReactionsAndReads(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	e := newPipelineEnv(t, defaultEngineConfig())
	ctx := context.Background()

	m, err := e.pipe.Send(ctx, e.sender, message.SendParams{ConversationID: e.convID, Content: "как насчёт просмотра?"})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("reaction add is idempotent", func(t *testing.T) {
		if err := e.pipe.AddReaction(ctx, m.ID, e.reader, "👍"); err != nil {
			t.Fatal(err)
		}
		before := len(e.fanout.broadcast)
		if err := e.pipe.AddReaction(ctx, m.ID, e.reader, "👍"); err != nil {
			t.Fatal(err)
		}
		if len(e.fanout.broadcast) != before {
			t.Fatal("duplicate reaction broadcast")
		}
		got, err := e.pipe.Get(ctx, m.ID, e.sender)
		if err != nil {
			t.Fatal(err)
		}
		if users := got.Reactions["👍"]; len(users) != 1 || users[0] != e.reader {
			t.Fatalf("reactions: %+v", got.Reactions)
		}
	})

	t.Run("read receipt reaches the sender", func(t *testing.T) {
		if err := e.pipe.MarkRead(ctx, m.ID, e.reader); err != nil {
			t.Fatal(err)
		}
		e.fanout.mu.Lock()
		envs := e.fanout.direct[e.sender]
		e.fanout.mu.Unlock()
		if len(envs) == 0 {
			t.Fatal("no read receipt delivered to sender")
		}
		receipt, ok := envs[len(envs)-1].Payload.(event.ReadReceiptPayload)
		if !ok {
			t.Fatalf("receipt payload %T", envs[len(envs)-1].Payload)
		}
		if receipt.MessageID != m.ID || receipt.ReaderID != e.reader {
			t.Fatalf("receipt: %+v", receipt)
		}
	})

	t.Run("reading own message sends no receipt", func(t *testing.T) {
		own, err := e.pipe.Send(ctx, e.sender, message.SendParams{ConversationID: e.convID, Content: "своё"})
		if err != nil {
			t.Fatal(err)
		}
		e.fanout.mu.Lock()
		before := len(e.fanout.direct[e.sender])
		e.fanout.mu.Unlock()
		if err := e.pipe.MarkRead(ctx, own.ID, e.sender); err != nil {
			t.Fatal(err)
		}
		e.fanout.mu.Lock()
		after := len(e.fanout.direct[e.sender])
		e.fanout.mu.Unlock()
		if after != before {
			t.Fatal("self-read produced a receipt")
		}
	})
}

func TestPipelineHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	e := newPipelineEnv(t, defaultEngineConfig())
	ctx := context.Background()

	texts := []string{"раз", "два", "три", "четыре", "пять"}
	var sent []*model.Message
	for _, txt := range texts {
		m, err := e.pipe.Send(ctx, e.sender, message.SendParams{ConversationID: e.convID, Content: txt})
		if err != nil {
			t.Fatal(err)
		}
		sent = append(sent, m)
	}

	t.Run("fresh tail", func(t *testing.T) {
		msgs, err := e.pipe.History(ctx, e.convID, e.reader, message.HistoryParams{Limit: 3})
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 3 {
			t.Fatalf("len = %d, want 3", len(msgs))
		}
		if msgs[0].Content != "три" || msgs[2].Content != "пять" {
			t.Fatalf("tail order: %q .. %q", msgs[0].Content, msgs[2].Content)
		}
	})

	t.Run("cursor into older history", func(t *testing.T) {
		anchor := sent[2]
		msgs, err := e.pipe.History(ctx, e.convID, e.reader, message.HistoryParams{
			CursorAt: &anchor.CreatedAt, CursorID: anchor.ID, Limit: 10,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 2 || msgs[0].Content != "раз" || msgs[1].Content != "два" {
			t.Fatalf("older page: %+v", contents(msgs))
		}
	})

	t.Run("deleted messages come back scrubbed", func(t *testing.T) {
		if err := e.pipe.SoftDelete(ctx, sent[0].ID, e.sender); err != nil {
			t.Fatal(err)
		}
		msgs, err := e.pipe.History(ctx, e.convID, e.reader, message.HistoryParams{Limit: 10})
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range msgs {
			if m.ID == sent[0].ID {
				if !m.IsDeleted || m.Content != "" {
					t.Fatalf("deleted message leaked: %+v", m)
				}
				return
			}
		}
		t.Fatal("deleted message missing from history")
	})

	t.Run("outsider denied", func(t *testing.T) {
		outsider := testutil.SeedUser(t, e.pool, "Никита", model.RoleBuyer)
		_, err := e.pipe.History(ctx, e.convID, outsider, message.HistoryParams{Limit: 10})
		if apperr.KindOf(err) != apperr.KindAuthorization {
			t.Fatalf("err = %v, want authorization", err)
		}
	})
}

func contents(msgs []*model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
