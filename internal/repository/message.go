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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.msg_type, m.status, m.content,
	m.payload, m.reply_to_id, m.client_message_id, m.original_content, m.is_edited, m.edited_at,
	m.is_deleted, m.deleted_at, m.read_count, m.created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	var payload []byte
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Status, &m.Content,
		&payload, &m.ReplyToID, &m.ClientMessageID, &m.OriginalContent, &m.IsEdited, &m.EditedAt,
		&m.IsDeleted, &m.DeletedAt, &m.ReadCount, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		p, derr := model.DecodePayload(m.Type, payload)
		if derr != nil {
			return nil, derr
		}
		m.Payload = p
	}
	return m, nil
}

// Create вставляет сообщение и обновляет шапку диалога
// (message_count, превью, last_message_at) одной транзакцией.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	payload, err := model.EncodePayload(m.Payload)
	if err != nil {
		return fmt.Errorf("msgRepo.Create payload: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, msg_type, status, content,
		                       payload, reply_to_id, client_message_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		m.ID, m.ConversationID, m.SenderID, m.Type, m.Status, m.Content,
		payload, m.ReplyToID, m.ClientMessageID,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("msgRepo.Create insert: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations
		 SET message_count = message_count + 1,
		     last_message_preview = $2,
		     last_message_at = $3,
		     last_activity_at = $3
		 WHERE id = $1`,
		m.ConversationID, m.Preview(), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create touch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// FindByClientID ищет сообщение по (диалог, отправитель, client_message_id)
// для идемпотентной отправки при ретраях клиента.
func (r *MessageRepository) FindByClientID(ctx context.Context, conversationID, senderID, clientMessageID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.FindByClientID", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.conversation_id = $1 AND m.sender_id = $2 AND m.client_message_id = $3
		 ORDER BY m.created_at DESC LIMIT 1`,
		conversationID, senderID, clientMessageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.FindByClientID: %w", err)
	}
	return m, nil
}

// ListPage — страница истории с курсором по (created_at, id).
type ListPage struct {
	CursorAt *time.Time
	CursorID string
	Forward  bool // true: от курсора к новым, false: к старым
	Limit    int
}

// List возвращает сообщения в хронологическом порядке. Без курсора
// отдаётся хвост истории (последние Limit сообщений).
func (r *MessageRepository) List(ctx context.Context, conversationID string, page ListPage) ([]*model.Message, error) {
	defer logger.DeferLogDuration("msg.List", time.Now())()
	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case page.CursorAt == nil:
		// Хвост: последние limit, затем разворот в хронологию.
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM messages m
			 WHERE m.conversation_id = $1
			 ORDER BY m.created_at DESC, m.id DESC LIMIT $2`,
			conversationID, limit)
	case page.Forward:
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM messages m
			 WHERE m.conversation_id = $1 AND (m.created_at, m.id) > ($2, $3)
			 ORDER BY m.created_at, m.id LIMIT $4`,
			conversationID, *page.CursorAt, page.CursorID, limit)
	default:
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM messages m
			 WHERE m.conversation_id = $1 AND (m.created_at, m.id) < ($2, $3)
			 ORDER BY m.created_at DESC, m.id DESC LIMIT $4`,
			conversationID, *page.CursorAt, page.CursorID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.List query: %w", err)
	}
	defer rows.Close()

	msgs := make([]*model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.List scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.List rows: %w", err)
	}

	if page.CursorAt == nil || !page.Forward {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// Edit заменяет текст, один раз запоминая исходный (original_content
// пишется только при первом редактировании, снимок не перетирается).
func (r *MessageRepository) Edit(ctx context.Context, id, content string) error {
	defer logger.DeferLogDuration("msg.Edit", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages
		 SET original_content = COALESCE(original_content, content),
		     content = $2, is_edited = TRUE, edited_at = now()
		 WHERE id = $1 AND NOT is_deleted`,
		id, content,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Edit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete помечает сообщение удалённым. Содержимое остаётся в строке,
// наружу оно не отдаётся (см. Message.Scrub).
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = TRUE, deleted_at = now()
		 WHERE id = $1 AND NOT is_deleted`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) SetStatus(ctx context.Context, id string, status model.MessageStatus) error {
	defer logger.DeferLogDuration("msg.SetStatus", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1`, id, status,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SetStatus: %w", err)
	}
	return nil
}

// Search ищет по тексту в диалогах, где пользователь активный участник.
func (r *MessageRepository) Search(ctx context.Context, userID, query string, limit int) ([]*model.Message, error) {
	defer logger.DeferLogDuration("msg.Search", time.Now())()
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 JOIN participants p ON p.conversation_id = m.conversation_id
		 WHERE p.user_id = $1 AND p.is_active
		   AND NOT m.is_deleted AND m.content ILIKE '%' || $2 || '%'
		 ORDER BY m.created_at DESC LIMIT $3`,
		userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Search query: %w", err)
	}
	defer rows.Close()

	msgs := make([]*model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.Search scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.Search rows: %w", err)
	}
	return msgs, nil
}
