package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReadRepository struct {
	pool *pgxpool.Pool
}

func NewReadRepository(pool *pgxpool.Pool) *ReadRepository {
	return &ReadRepository{pool: pool}
}

// MarkRead атомарно сдвигает отметку прочтения участника на message и
// сбрасывает unread_count, попутно фиксируя квитанции по всем сообщениям
// до message включительно. Идемпотентно: повторная отметка того же или
// более раннего сообщения ничего не меняет (advanced=false).
func (r *ReadRepository) MarkRead(ctx context.Context, conversationID, userID, messageID string) (advanced bool, err error) {
	defer logger.DeferLogDuration("read.MarkRead", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("readRepo.MarkRead begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var at time.Time
	var id string
	err = tx.QueryRow(ctx,
		`SELECT created_at, id FROM messages WHERE id = $1 AND conversation_id = $2`,
		messageID, conversationID,
	).Scan(&at, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("readRepo.MarkRead lookup: %w", err)
	}

	// Сдвиг отметки только вперёд: более поздний read не откатывается.
	tag, err := tx.Exec(ctx,
		`UPDATE participants p
		 SET last_read_message_id = $3, last_read_at = now(), unread_count = 0
		 WHERE p.conversation_id = $1 AND p.user_id = $2 AND p.is_active
		   AND (p.last_read_message_id IS NULL OR (
		        SELECT (m.created_at, m.id) < ($4, $3) FROM messages m
		        WHERE m.id = p.last_read_message_id))`,
		conversationID, userID, messageID, at,
	)
	if err != nil {
		return false, fmt.Errorf("readRepo.MarkRead advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	// Квитанции для чужих сообщений до отметки; повторные игнорируются.
	_, err = tx.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT m.id, $2, now() FROM messages m
		 WHERE m.conversation_id = $1 AND (m.created_at, m.id) <= ($4, $3)
		   AND (m.sender_id IS NULL OR m.sender_id <> $2)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		conversationID, userID, messageID, at,
	)
	if err != nil {
		return false, fmt.Errorf("readRepo.MarkRead receipts: %w", err)
	}

	// read_count сообщений пересчитывается по фактическим квитанциям.
	_, err = tx.Exec(ctx,
		`UPDATE messages m
		 SET read_count = (SELECT count(*) FROM message_reads r WHERE r.message_id = m.id)
		 WHERE m.conversation_id = $1 AND (m.created_at, m.id) <= ($4, $3)`,
		conversationID, userID, messageID, at,
	)
	if err != nil {
		return false, fmt.Errorf("readRepo.MarkRead counts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("readRepo.MarkRead commit: %w", err)
	}
	return true, nil
}

// IncrementUnread поднимает счётчик непрочитанного всем активным участникам,
// кроме отправителя, одним UPDATE.
func (r *ReadRepository) IncrementUnread(ctx context.Context, conversationID string, senderID *string) error {
	defer logger.DeferLogDuration("read.IncrementUnread", time.Now())()
	var err error
	if senderID == nil {
		_, err = r.pool.Exec(ctx,
			`UPDATE participants SET unread_count = unread_count + 1
			 WHERE conversation_id = $1 AND is_active`, conversationID)
	} else {
		_, err = r.pool.Exec(ctx,
			`UPDATE participants SET unread_count = unread_count + 1
			 WHERE conversation_id = $1 AND user_id <> $2 AND is_active`,
			conversationID, *senderID)
	}
	if err != nil {
		return fmt.Errorf("readRepo.IncrementUnread: %w", err)
	}
	return nil
}

// ListReaders возвращает квитанции по сообщению.
func (r *ReadRepository) ListReaders(ctx context.Context, messageID string) ([]model.MessageRead, error) {
	defer logger.DeferLogDuration("read.ListReaders", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, read_at FROM message_reads
		 WHERE message_id = $1 ORDER BY read_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("readRepo.ListReaders query: %w", err)
	}
	defer rows.Close()

	reads := make([]model.MessageRead, 0, 4)
	for rows.Next() {
		var mr model.MessageRead
		if err := rows.Scan(&mr.MessageID, &mr.UserID, &mr.ReadAt); err != nil {
			return nil, fmt.Errorf("readRepo.ListReaders scan: %w", err)
		}
		reads = append(reads, mr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readRepo.ListReaders rows: %w", err)
	}
	return reads, nil
}

// TotalUnread — суммарный бейдж пользователя по всем активным диалогам.
func (r *ReadRepository) TotalUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("read.TotalUnread", time.Now())()
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(unread_count), 0) FROM participants
		 WHERE user_id = $1 AND is_active`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("readRepo.TotalUnread: %w", err)
	}
	return total, nil
}
