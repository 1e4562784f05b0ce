package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

const conversationColumns = `id, conv_type, title, created_by, property_id,
	last_message_preview, last_message_at, last_activity_at, message_count,
	participant_count, is_archived, archived_at, archived_by, created_at`

const conversationColumnsC = `c.id, c.conv_type, c.title, c.created_by, c.property_id,
	c.last_message_preview, c.last_message_at, c.last_activity_at, c.message_count,
	c.participant_count, c.is_archived, c.archived_at, c.archived_by, c.created_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	c := &model.Conversation{}
	err := row.Scan(&c.ID, &c.Type, &c.Title, &c.CreatedBy, &c.PropertyID,
		&c.LastMessagePreview, &c.LastMessageAt, &c.LastActivityAt, &c.MessageCount,
		&c.ParticipantCount, &c.IsArchived, &c.ArchivedAt, &c.ArchivedBy, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateWithParticipants создаёт диалог, всех участников и системное сообщение
// одной транзакцией — всё или ничего. Для прямых диалогов направляющий ключ
// direct_key защищён уникальным индексом: при гонке двух создателей второй
// получает ErrConflict, и вызывающий код возвращает существующий диалог.
func (r *ConversationRepository) CreateWithParticipants(ctx context.Context, c *model.Conversation, parts []model.Participant, sysMsg *model.Message) error {
	defer logger.DeferLogDuration("conv.CreateWithParticipants", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var directKey *string
	if c.Type == model.ConversationDirect && len(parts) == 2 {
		k := model.DirectKey(parts[0].UserID, parts[1].UserID)
		directKey = &k
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, conv_type, title, created_by, property_id,
		     last_activity_at, participant_count, direct_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.Type, c.Title, c.CreatedBy, c.PropertyID,
		c.LastActivityAt, len(parts), directKey, c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("convRepo.Create insert: %w", err)
	}

	for _, p := range parts {
		_, err = tx.Exec(ctx,
			`INSERT INTO participants (conversation_id, user_id, role, is_active, joined_at, notify_enabled)
			 VALUES ($1, $2, $3, TRUE, $4, TRUE)`,
			c.ID, p.UserID, p.Role, p.JoinedAt,
		)
		if err != nil {
			return fmt.Errorf("convRepo.Create participant %s: %w", p.UserID, err)
		}
	}

	if sysMsg != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, msg_type, content, status, created_at)
			 VALUES ($1, $2, NULL, $3, $4, $5, $6)`,
			sysMsg.ID, c.ID, sysMsg.Type, sysMsg.Content, sysMsg.Status, sysMsg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("convRepo.Create system message: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE conversations SET message_count = message_count + 1,
			     last_message_preview = $2, last_message_at = $3, last_activity_at = $3
			 WHERE id = $1`,
			c.ID, sysMsg.Content, sysMsg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("convRepo.Create touch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convRepo.Create commit: %w", err)
	}
	c.ParticipantCount = len(parts)
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c, err := scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

// FindDirect ищет прямой диалог неупорядоченной пары по direct_key.
func (r *ConversationRepository) FindDirect(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindDirect", time.Now())()
	c, err := scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE direct_key = $1`,
		model.DirectKey(userA, userB)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.FindDirect: %w", err)
	}
	return c, nil
}

// FindPropertyInquiry ищет живую заявку той же пары по тому же объекту:
// оба участника активны. Самая свежая по активности, если таких несколько.
func (r *ConversationRepository) FindPropertyInquiry(ctx context.Context, userA, userB, propertyID string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindPropertyInquiry", time.Now())()
	c, err := scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumnsC+` FROM conversations c
		 WHERE c.conv_type = 'property_inquiry' AND c.property_id = $3
		   AND EXISTS (SELECT 1 FROM participants p
		               WHERE p.conversation_id = c.id AND p.user_id = $1 AND p.is_active)
		   AND EXISTS (SELECT 1 FROM participants p
		               WHERE p.conversation_id = c.id AND p.user_id = $2 AND p.is_active)
		 ORDER BY c.last_activity_at DESC
		 LIMIT 1`, userA, userB, propertyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.FindPropertyInquiry: %w", err)
	}
	return c, nil
}

// ListFilter — фильтры списка диалогов пользователя.
type ListFilter struct {
	Type     model.ConversationType
	Archived *bool
	Search   string
	Limit    int
	Offset   int
}

// ListForUser возвращает диалоги, где пользователь — активный участник,
// по убыванию последней активности.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string, f ListFilter) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.ListForUser", time.Now())()
	sql := `SELECT ` + conversationColumnsC + `
		 FROM conversations c
		 JOIN participants p ON p.conversation_id = c.id AND p.user_id = $1 AND p.is_active
		 WHERE TRUE`
	args := []any{userID}
	if f.Type != "" {
		args = append(args, f.Type)
		sql += fmt.Sprintf(" AND c.conv_type = $%d", len(args))
	}
	if f.Archived != nil {
		args = append(args, *f.Archived)
		sql += fmt.Sprintf(" AND c.is_archived = $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, f.Search)
		sql += fmt.Sprintf(" AND (c.title ILIKE '%%' || $%d || '%%' OR c.last_message_preview ILIKE '%%' || $%d || '%%')", len(args), len(args))
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	args = append(args, f.Limit)
	sql += fmt.Sprintf(" ORDER BY c.last_activity_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	sql += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, f.Limit)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("convRepo.ListForUser scan: %w", err)
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser rows: %w", err)
	}
	return convs, nil
}

// SetArchived выставляет/снимает архивный флаг.
func (r *ConversationRepository) SetArchived(ctx context.Context, id, userID string, archived bool) error {
	defer logger.DeferLogDuration("conv.SetArchived", time.Now())()
	var tag pgconn.CommandTag
	var err error
	if archived {
		tag, err = r.pool.Exec(ctx,
			`UPDATE conversations SET is_archived = TRUE, archived_at = now(), archived_by = $2 WHERE id = $1`,
			id, userID)
	} else {
		tag, err = r.pool.Exec(ctx,
			`UPDATE conversations SET is_archived = FALSE, archived_at = NULL, archived_by = NULL WHERE id = $1`,
			id, userID)
	}
	if err != nil {
		return fmt.Errorf("convRepo.SetArchived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EngineStats — агрегаты для админских эндпоинтов.
type EngineStats struct {
	MessagesToday       int64 `json:"messages_today"`
	MessagesWeek        int64 `json:"messages_week"`
	ActiveConversations int64 `json:"active_conversations"`
	OnlineUsers         int64 `json:"online_users"`
}

// GetEngineStats считает агрегаты по всей базе (только для admin).
func (r *ConversationRepository) GetEngineStats(ctx context.Context) (*EngineStats, error) {
	defer logger.DeferLogDuration("conv.GetEngineStats", time.Now())()
	s := &EngineStats{}

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE NOT is_deleted AND created_at >= CURRENT_DATE`,
	).Scan(&s.MessagesToday)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetEngineStats today: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE NOT is_deleted AND created_at >= CURRENT_DATE - INTERVAL '7 days'`,
	).Scan(&s.MessagesWeek)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetEngineStats week: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations
		 WHERE NOT is_archived AND last_activity_at >= now() - INTERVAL '7 days'`,
	).Scan(&s.ActiveConversations)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetEngineStats conversations: %w", err)
	}

	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM presence WHERE is_online`).Scan(&s.OnlineUsers)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetEngineStats online: %w", err)
	}
	return s, nil
}
