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

type ParticipantRepository struct {
	pool *pgxpool.Pool
}

func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

func (r *ParticipantRepository) Get(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	defer logger.DeferLogDuration("part.Get", time.Now())()
	p := &model.Participant{}
	err := r.pool.QueryRow(ctx,
		`SELECT conversation_id, user_id, role, is_active, joined_at, left_at,
		        last_read_message_id, last_read_at, unread_count, notify_enabled
		 FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&p.ConversationID, &p.UserID, &p.Role, &p.IsActive, &p.JoinedAt, &p.LeftAt,
		&p.LastReadMessageID, &p.LastReadAt, &p.UnreadCount, &p.NotifyEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("partRepo.Get: %w", err)
	}
	return p, nil
}

func (r *ParticipantRepository) IsActiveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("part.IsActiveMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM participants
		 WHERE conversation_id = $1 AND user_id = $2 AND is_active)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("partRepo.IsActiveMember: %w", err)
	}
	return exists, nil
}

// Activate добавляет участника (или реактивирует вышедшего) и двигает
// participant_count той же транзакцией. Идемпотентно: повторная активация
// активного участника ничего не меняет и возвращает added=false.
func (r *ParticipantRepository) Activate(ctx context.Context, conversationID, userID string, role model.ParticipantRole) (added bool, err error) {
	defer logger.DeferLogDuration("part.Activate", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("partRepo.Activate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Вставка или реактивация; активный участник не трогается (xmax-трюки не нужны —
	// условие WHERE NOT is_active отличает реактивацию от no-op).
	tag, err := tx.Exec(ctx,
		`INSERT INTO participants (conversation_id, user_id, role, is_active, joined_at, notify_enabled)
		 VALUES ($1, $2, $3, TRUE, now(), TRUE)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE
		 SET is_active = TRUE, left_at = NULL, joined_at = now(), role = EXCLUDED.role
		 WHERE NOT participants.is_active`,
		conversationID, userID, role,
	)
	if err != nil {
		return false, fmt.Errorf("partRepo.Activate upsert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations SET participant_count = participant_count + 1 WHERE id = $1`,
		conversationID,
	)
	if err != nil {
		return false, fmt.Errorf("partRepo.Activate count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("partRepo.Activate commit: %w", err)
	}
	return true, nil
}

// Deactivate мягко выводит участника (is_active=false, left_at) и уменьшает
// participant_count той же транзакцией. Идемпотентно.
func (r *ParticipantRepository) Deactivate(ctx context.Context, conversationID, userID string) (removed bool, err error) {
	defer logger.DeferLogDuration("part.Deactivate", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("partRepo.Deactivate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE participants SET is_active = FALSE, left_at = now()
		 WHERE conversation_id = $1 AND user_id = $2 AND is_active`,
		conversationID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("partRepo.Deactivate update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations SET participant_count = participant_count - 1 WHERE id = $1`,
		conversationID,
	)
	if err != nil {
		return false, fmt.Errorf("partRepo.Deactivate count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("partRepo.Deactivate commit: %w", err)
	}
	return true, nil
}

// ListActive возвращает активных участников диалога вместе с профилями.
func (r *ParticipantRepository) ListActive(ctx context.Context, conversationID string) ([]model.Participant, error) {
	defer logger.DeferLogDuration("part.ListActive", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT p.conversation_id, p.user_id, p.role, p.is_active, p.joined_at, p.left_at,
		        p.last_read_message_id, p.last_read_at, p.unread_count, p.notify_enabled,
		        u.id, u.name, u.avatar_url, u.role
		 FROM participants p
		 JOIN users u ON u.id = p.user_id
		 WHERE p.conversation_id = $1 AND p.is_active
		 ORDER BY p.joined_at`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("partRepo.ListActive query: %w", err)
	}
	defer rows.Close()

	parts := make([]model.Participant, 0, 8)
	for rows.Next() {
		var p model.Participant
		u := &model.UserPublic{}
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.IsActive, &p.JoinedAt, &p.LeftAt,
			&p.LastReadMessageID, &p.LastReadAt, &p.UnreadCount, &p.NotifyEnabled,
			&u.ID, &u.Name, &u.AvatarURL, &u.Role); err != nil {
			return nil, fmt.Errorf("partRepo.ListActive scan: %w", err)
		}
		p.User = u
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partRepo.ListActive rows: %w", err)
	}
	return parts, nil
}

// ActiveUserIDs возвращает id активных участников (для fan-out).
func (r *ParticipantRepository) ActiveUserIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("part.ActiveUserIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM participants WHERE conversation_id = $1 AND is_active`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("partRepo.ActiveUserIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("partRepo.ActiveUserIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partRepo.ActiveUserIDs rows: %w", err)
	}
	return ids, nil
}

// ActiveConversationIDs возвращает id диалогов, где пользователь активен
// (подключение сокета: вступление во все комнаты разом).
func (r *ParticipantRepository) ActiveConversationIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("part.ActiveConversationIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id FROM participants WHERE user_id = $1 AND is_active`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("partRepo.ActiveConversationIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("partRepo.ActiveConversationIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partRepo.ActiveConversationIDs rows: %w", err)
	}
	return ids, nil
}

// SetNotify переключает уведомления участника.
func (r *ParticipantRepository) SetNotify(ctx context.Context, conversationID, userID string, enabled bool) error {
	defer logger.DeferLogDuration("part.SetNotify", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE participants SET notify_enabled = $3
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, enabled,
	)
	if err != nil {
		return fmt.Errorf("partRepo.SetNotify: %w", err)
	}
	return nil
}
