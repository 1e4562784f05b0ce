// Package unread пересчитывает счётчики непрочитанного и квитанции
// прочтения. Чисто производное состояние: два входа, OnMessageCreated
// и OnMessageRead, оба безопасны при конкурентных вызовах.
package unread

import (
	"context"
	"fmt"
	"time"

	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/model"
)

// Counters — операции хранилища над счётчиками и отметками.
type Counters interface {
	IncrementUnread(ctx context.Context, conversationID string, senderID *string) error
	MarkRead(ctx context.Context, conversationID, userID, messageID string) (advanced bool, err error)
	TotalUnread(ctx context.Context, userID string) (int, error)
}

// Receipts доводит квитанцию до личной комнаты отправителя.
type Receipts interface {
	SendToUser(userID string, env event.Envelope)
}

type Synchronizer struct {
	counters Counters
	receipts Receipts
}

func NewSynchronizer(counters Counters, receipts Receipts) *Synchronizer {
	return &Synchronizer{counters: counters, receipts: receipts}
}

// OnMessageCreated поднимает unread_count всем активным участникам, кроме
// отправителя, одним атомарным UPDATE. Инкремент на строке БД, а не
// read-modify-write в приложении: конкурентные отправители не теряют единицы.
func (s *Synchronizer) OnMessageCreated(ctx context.Context, conversationID string, senderID *string) error {
	defer logger.DeferLogDuration("unread.OnMessageCreated", time.Now())()
	if err := s.counters.IncrementUnread(ctx, conversationID, senderID); err != nil {
		return fmt.Errorf("unread.OnMessageCreated: %w", err)
	}
	return nil
}

// OnMessageRead сдвигает отметку прочтения читателя и шлёт квитанцию
// отправителю сообщения. Повторное прочтение идемпотентно: счётчик уже
// нулевой, квитанция не дублируется.
func (s *Synchronizer) OnMessageRead(ctx context.Context, m *model.Message, readerID string) error {
	defer logger.DeferLogDuration("unread.OnMessageRead", time.Now())()
	advanced, err := s.counters.MarkRead(ctx, m.ConversationID, readerID, m.ID)
	if err != nil {
		return fmt.Errorf("unread.OnMessageRead: %w", err)
	}
	if !advanced {
		return nil
	}
	if m.SenderID != nil && *m.SenderID != readerID {
		s.receipts.SendToUser(*m.SenderID, event.Envelope{
			Type: event.TypeMessageRead,
			Payload: event.ReadReceiptPayload{
				MessageID:      m.ID,
				ConversationID: m.ConversationID,
				ReaderID:       readerID,
				ReadAt:         time.Now().UTC(),
			},
		})
	}
	return nil
}

// Total — суммарный бейдж пользователя по всем диалогам.
func (s *Synchronizer) Total(ctx context.Context, userID string) (int, error) {
	n, err := s.counters.TotalUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("unread.Total: %w", err)
	}
	return n, nil
}
