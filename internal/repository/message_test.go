package repository_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/repository"
	"github.com/estatechat/internal/testutil"
)

func TestMessageRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres")
	}
	pool := testutil.StartPostgres(t)
	ctx := context.Background()

	msgRepo := repository.NewMessageRepository(pool)
	convRepo := repository.NewConversationRepository(pool)

	sender := testutil.SeedUser(t, pool, "Анна", model.RoleBuyer)
	peer := testutil.SeedUser(t, pool, "Сергей", model.RoleAgent)
	convID := seedConversation(t, pool, sender, peer)

	var all []*model.Message
	for i := 0; i < 7; i++ {
		all = append(all, sendText(t, msgRepo, convID, sender, fmt.Sprintf("сообщение %d", i)))
	}

	t.Run("create touches conversation header", func(t *testing.T) {
		c, err := convRepo.GetByID(ctx, convID)
		if err != nil {
			t.Fatal(err)
		}
		if c.MessageCount != 7 {
			t.Fatalf("message_count = %d, want 7", c.MessageCount)
		}
		if c.LastMessagePreview != "сообщение 6" {
			t.Fatalf("preview = %q", c.LastMessagePreview)
		}
		if c.LastMessageAt == nil || !c.LastMessageAt.Equal(all[6].CreatedAt) {
			t.Fatalf("last_message_at = %v, want %v", c.LastMessageAt, all[6].CreatedAt)
		}
	})

	t.Run("tail without cursor is chronological", func(t *testing.T) {
		page, err := msgRepo.List(ctx, convID, repository.ListPage{Limit: 3})
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 3 {
			t.Fatalf("len = %d, want 3", len(page))
		}
		for i, want := range []string{"сообщение 4", "сообщение 5", "сообщение 6"} {
			if page[i].Content != want {
				t.Errorf("page[%d] = %q, want %q", i, page[i].Content, want)
			}
		}
	})

	t.Run("backward cursor pages without gaps or duplicates", func(t *testing.T) {
		tail, err := msgRepo.List(ctx, convID, repository.ListPage{Limit: 3})
		if err != nil {
			t.Fatal(err)
		}
		first := tail[0]
		older, err := msgRepo.List(ctx, convID, repository.ListPage{
			CursorAt: &first.CreatedAt, CursorID: first.ID, Limit: 3,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(older) != 3 {
			t.Fatalf("len = %d, want 3", len(older))
		}
		for i, want := range []string{"сообщение 1", "сообщение 2", "сообщение 3"} {
			if older[i].Content != want {
				t.Errorf("older[%d] = %q, want %q", i, older[i].Content, want)
			}
		}
	})

	t.Run("forward cursor resumes after a point", func(t *testing.T) {
		anchor := all[4]
		newer, err := msgRepo.List(ctx, convID, repository.ListPage{
			CursorAt: &anchor.CreatedAt, CursorID: anchor.ID, Forward: true, Limit: 10,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(newer) != 2 {
			t.Fatalf("len = %d, want 2", len(newer))
		}
		if newer[0].Content != "сообщение 5" || newer[1].Content != "сообщение 6" {
			t.Fatalf("forward page: %q, %q", newer[0].Content, newer[1].Content)
		}
	})

	t.Run("edit keeps the first original", func(t *testing.T) {
		m := all[0]
		if err := msgRepo.Edit(ctx, m.ID, "правка один"); err != nil {
			t.Fatal(err)
		}
		if err := msgRepo.Edit(ctx, m.ID, "правка два"); err != nil {
			t.Fatal(err)
		}
		got, err := msgRepo.GetByID(ctx, m.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Content != "правка два" {
			t.Fatalf("content = %q", got.Content)
		}
		if !got.IsEdited || got.EditedAt == nil {
			t.Fatal("edit flags not set")
		}
		if got.OriginalContent == nil || *got.OriginalContent != "сообщение 0" {
			t.Fatalf("original_content = %v, want the pre-edit text", got.OriginalContent)
		}
	})

	t.Run("soft delete blocks further edits", func(t *testing.T) {
		m := all[1]
		if err := msgRepo.SoftDelete(ctx, m.ID); err != nil {
			t.Fatal(err)
		}
		if err := msgRepo.Edit(ctx, m.ID, "нельзя"); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("edit after delete: %v, want ErrNotFound", err)
		}
		got, err := msgRepo.GetByID(ctx, m.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.IsDeleted || got.DeletedAt == nil {
			t.Fatal("delete flags not set")
		}
	})

	t.Run("find by client message id", func(t *testing.T) {
		cm := &model.Message{
			ID:              uuid.New().String(),
			ConversationID:  convID,
			SenderID:        &sender,
			Type:            model.MessageText,
			Content:         "ретрай",
			Status:          model.MessageStatusSent,
			ClientMessageID: "client-42",
		}
		if err := msgRepo.Create(ctx, cm); err != nil {
			t.Fatal(err)
		}
		found, err := msgRepo.FindByClientID(ctx, convID, sender, "client-42")
		if err != nil {
			t.Fatal(err)
		}
		if found.ID != cm.ID {
			t.Fatalf("found %s, want %s", found.ID, cm.ID)
		}
		if _, err := msgRepo.FindByClientID(ctx, convID, sender, "missing"); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("missing client id: %v", err)
		}
	})

	t.Run("search respects membership", func(t *testing.T) {
		outsider := testutil.SeedUser(t, pool, "Ольга", model.RoleBuyer)
		hits, err := msgRepo.Search(ctx, sender, "сообщение", 50)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) == 0 {
			t.Fatal("member search found nothing")
		}
		none, err := msgRepo.Search(ctx, outsider, "сообщение", 50)
		if err != nil {
			t.Fatal(err)
		}
		if len(none) != 0 {
			t.Fatalf("outsider search leaked %d messages", len(none))
		}
	})

	t.Run("payload survives storage", func(t *testing.T) {
		m := &model.Message{
			ID:             uuid.New().String(),
			ConversationID: convID,
			SenderID:       &sender,
			Type:           model.MessageOffer,
			Status:         model.MessageStatusSent,
			Payload:        &model.OfferPayload{PropertyID: "p9", AmountCents: 950000000, Currency: "RUB"},
		}
		if err := msgRepo.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
		got, err := msgRepo.GetByID(ctx, m.ID)
		if err != nil {
			t.Fatal(err)
		}
		offer, ok := got.Payload.(*model.OfferPayload)
		if !ok {
			t.Fatalf("payload type %T", got.Payload)
		}
		if offer.AmountCents != 950000000 || offer.PropertyID != "p9" {
			t.Fatalf("payload mismatch: %+v", offer)
		}
	})
}
