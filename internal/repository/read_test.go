package repository_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/repository"
	"github.com/estatechat/internal/testutil"
)

func seedConversation(t *testing.T, pool *pgxpool.Pool, userIDs ...string) string {
	t.Helper()
	convRepo := repository.NewConversationRepository(pool)
	c := newConversation(userIDs[0], model.ConversationGroup)
	if len(userIDs) == 2 {
		c.Type = model.ConversationDirect
	}
	if err := convRepo.CreateWithParticipants(context.Background(), c, participants(c.ID, userIDs...), nil); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return c.ID
}

func sendText(t *testing.T, msgRepo *repository.MessageRepository, conversationID, senderID, content string) *model.Message {
	t.Helper()
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       &senderID,
		Type:           model.MessageText,
		Content:        content,
		Status:         model.MessageStatusSent,
	}
	if err := msgRepo.Create(context.Background(), m); err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return m
}

func TestUnreadCounters(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	pool := testutil.StartPostgres(t)
	ctx := context.Background()

	msgRepo := repository.NewMessageRepository(pool)
	readRepo := repository.NewReadRepository(pool)
	partRepo := repository.NewParticipantRepository(pool)

	sender := testutil.SeedUser(t, pool, "Анна", model.RoleBuyer)
	reader := testutil.SeedUser(t, pool, "Сергей", model.RoleAgent)
	convID := seedConversation(t, pool, sender, reader)

	var msgs []*model.Message
	for i, text := range []string{"первое", "второе", "третье"} {
		m := sendText(t, msgRepo, convID, sender, text)
		if err := readRepo.IncrementUnread(ctx, convID, &sender); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		msgs = append(msgs, m)
	}

	p, err := partRepo.Get(ctx, convID, reader)
	if err != nil {
		t.Fatal(err)
	}
	if p.UnreadCount != 3 {
		t.Fatalf("reader unread = %d, want 3", p.UnreadCount)
	}
	// Отправителю свои сообщения в счётчик не попадают.
	p, err = partRepo.Get(ctx, convID, sender)
	if err != nil {
		t.Fatal(err)
	}
	if p.UnreadCount != 0 {
		t.Fatalf("sender unread = %d, want 0", p.UnreadCount)
	}

	t.Run("mark read resets and records receipts", func(t *testing.T) {
		advanced, err := readRepo.MarkRead(ctx, convID, reader, msgs[2].ID)
		if err != nil || !advanced {
			t.Fatalf("mark read: advanced=%v err=%v", advanced, err)
		}
		p, err := partRepo.Get(ctx, convID, reader)
		if err != nil {
			t.Fatal(err)
		}
		if p.UnreadCount != 0 {
			t.Fatalf("unread after read = %d, want 0", p.UnreadCount)
		}
		if p.LastReadMessageID == nil || *p.LastReadMessageID != msgs[2].ID {
			t.Fatalf("last_read_message_id = %v, want %s", p.LastReadMessageID, msgs[2].ID)
		}

		readers, err := readRepo.ListReaders(ctx, msgs[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(readers) != 1 || readers[0].UserID != reader {
			t.Fatalf("receipts for first message = %+v", readers)
		}

		m, err := msgRepo.GetByID(ctx, msgs[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if m.ReadCount != 1 {
			t.Fatalf("read_count = %d, want 1", m.ReadCount)
		}
	})

	t.Run("read pointer never moves backwards", func(t *testing.T) {
		advanced, err := readRepo.MarkRead(ctx, convID, reader, msgs[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if advanced {
			t.Fatal("mark read of an earlier message must be a no-op")
		}
		p, err := partRepo.Get(ctx, convID, reader)
		if err != nil {
			t.Fatal(err)
		}
		if *p.LastReadMessageID != msgs[2].ID {
			t.Fatalf("pointer regressed to %s", *p.LastReadMessageID)
		}
	})

	t.Run("repeat of same message is idempotent", func(t *testing.T) {
		advanced, err := readRepo.MarkRead(ctx, convID, reader, msgs[2].ID)
		if err != nil {
			t.Fatal(err)
		}
		if advanced {
			t.Fatal("repeated mark read reported advanced=true")
		}
	})

	t.Run("mark read of unknown message", func(t *testing.T) {
		_, err := readRepo.MarkRead(ctx, convID, reader, uuid.New().String())
		if !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("unknown message: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("mark read with malformed id is not a not-found", func(t *testing.T) {
		// Битый id валит сам запрос, а не выборку: наружу должна уйти
		// ошибка зависимости, а не ErrNotFound.
		_, err := readRepo.MarkRead(ctx, convID, reader, "не-uuid")
		if err == nil {
			t.Fatal("expected error for malformed message id")
		}
		if errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("malformed id collapsed into ErrNotFound: %v", err)
		}
	})

	t.Run("total unread across conversations", func(t *testing.T) {
		other := testutil.SeedUser(t, pool, "Ольга", model.RoleAgent)
		conv2 := seedConversation(t, pool, other, reader)
		sendText(t, msgRepo, conv2, other, "ещё диалог")
		if err := readRepo.IncrementUnread(ctx, conv2, &other); err != nil {
			t.Fatal(err)
		}
		sendText(t, msgRepo, convID, sender, "четвёртое")
		if err := readRepo.IncrementUnread(ctx, convID, &sender); err != nil {
			t.Fatal(err)
		}

		total, err := readRepo.TotalUnread(ctx, reader)
		if err != nil {
			t.Fatal(err)
		}
		if total != 2 {
			t.Fatalf("total unread = %d, want 2", total)
		}
	})

	t.Run("system message increments everyone", func(t *testing.T) {
		sys := &model.Message{
			ID:             uuid.New().String(),
			ConversationID: convID,
			Type:           model.MessageSystem,
			Content:        "участник вышел",
			Status:         model.MessageStatusSent,
		}
		if err := msgRepo.Create(ctx, sys); err != nil {
			t.Fatal(err)
		}
		before, _ := partRepo.Get(ctx, convID, sender)
		if err := readRepo.IncrementUnread(ctx, convID, nil); err != nil {
			t.Fatal(err)
		}
		after, err := partRepo.Get(ctx, convID, sender)
		if err != nil {
			t.Fatal(err)
		}
		if after.UnreadCount != before.UnreadCount+1 {
			t.Fatalf("system message did not increment sender: %d -> %d", before.UnreadCount, after.UnreadCount)
		}
	})
}
