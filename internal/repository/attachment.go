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

type AttachmentRepository struct {
	pool *pgxpool.Pool
}

func NewAttachmentRepository(pool *pgxpool.Pool) *AttachmentRepository {
	return &AttachmentRepository{pool: pool}
}

const attachmentColumns = `id, message_id, conversation_id, uploader_id, file_name, mime_type,
	file_size, kind, storage_url, thumbnail_url, preview_url, status, process_error,
	scan_status, is_deleted, deleted_at, expires_at, created_at, updated_at`

func scanAttachment(row pgx.Row) (*model.FileAttachment, error) {
	a := &model.FileAttachment{}
	err := row.Scan(&a.ID, &a.MessageID, &a.ConversationID, &a.UploaderID, &a.FileName, &a.MimeType,
		&a.FileSize, &a.Kind, &a.StorageURL, &a.ThumbnailURL, &a.PreviewURL, &a.Status, &a.ProcessError,
		&a.ScanStatus, &a.IsDeleted, &a.DeletedAt, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AttachmentRepository) Create(ctx context.Context, a *model.FileAttachment) error {
	defer logger.DeferLogDuration("attach.Create", time.Now())()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO attachments (id, message_id, conversation_id, uploader_id, file_name, mime_type,
		                          file_size, kind, storage_url, status, scan_status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING created_at, updated_at`,
		a.ID, a.MessageID, a.ConversationID, a.UploaderID, a.FileName, a.MimeType,
		a.FileSize, a.Kind, a.StorageURL, a.Status, a.ScanStatus, a.ExpiresAt,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("attachRepo.Create: %w", err)
	}
	return nil
}

func (r *AttachmentRepository) GetByID(ctx context.Context, id string) (*model.FileAttachment, error) {
	defer logger.DeferLogDuration("attach.GetByID", time.Now())()
	a, err := scanAttachment(r.pool.QueryRow(ctx,
		`SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("attachRepo.GetByID: %w", err)
	}
	return a, nil
}

// ClaimPending забирает пачку ожидающих вложений под обработку.
// FOR UPDATE SKIP LOCKED: несколько воркеров не пересекаются на одной строке.
func (r *AttachmentRepository) ClaimPending(ctx context.Context, limit int) ([]*model.FileAttachment, error) {
	defer logger.DeferLogDuration("attach.ClaimPending", time.Now())()
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE attachments SET status = 'processing', updated_at = now()
		 WHERE id IN (
		     SELECT id FROM attachments
		     WHERE status = 'pending' AND NOT is_deleted
		     ORDER BY created_at LIMIT $1
		     FOR UPDATE SKIP LOCKED)
		 RETURNING `+attachmentColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("attachRepo.ClaimPending query: %w", err)
	}
	defer rows.Close()

	claimed := make([]*model.FileAttachment, 0, limit)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("attachRepo.ClaimPending scan: %w", err)
		}
		claimed = append(claimed, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attachRepo.ClaimPending rows: %w", err)
	}
	return claimed, nil
}

// MarkCompleted фиксирует результат обработки: превью и вердикт проверки.
func (r *AttachmentRepository) MarkCompleted(ctx context.Context, id, thumbnailURL, previewURL string, scan model.ScanStatus) error {
	defer logger.DeferLogDuration("attach.MarkCompleted", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE attachments
		 SET status = 'completed', thumbnail_url = $2, preview_url = $3,
		     scan_status = $4, updated_at = now()
		 WHERE id = $1`,
		id, thumbnailURL, previewURL, scan,
	)
	if err != nil {
		return fmt.Errorf("attachRepo.MarkCompleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AttachmentRepository) MarkFailed(ctx context.Context, id, reason string) error {
	defer logger.DeferLogDuration("attach.MarkFailed", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE attachments SET status = 'failed', process_error = $2, updated_at = now()
		 WHERE id = $1`, id, reason,
	)
	if err != nil {
		return fmt.Errorf("attachRepo.MarkFailed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BindMessage привязывает вложение к сопутствующему сообщению.
func (r *AttachmentRepository) BindMessage(ctx context.Context, id, messageID string) error {
	defer logger.DeferLogDuration("attach.BindMessage", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE attachments SET message_id = $2, updated_at = now()
		 WHERE id = $1 AND message_id IS NULL`, id, messageID,
	)
	if err != nil {
		return fmt.Errorf("attachRepo.BindMessage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AttachmentRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("attach.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE attachments SET is_deleted = TRUE, deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND NOT is_deleted`, id,
	)
	if err != nil {
		return fmt.Errorf("attachRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireSweep мягко удаляет вложения с истекшим сроком хранения и
// возвращает их пути для зачистки blob-хранилища.
func (r *AttachmentRepository) ExpireSweep(ctx context.Context, now time.Time) ([]string, error) {
	defer logger.DeferLogDuration("attach.ExpireSweep", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE attachments SET is_deleted = TRUE, deleted_at = now(), updated_at = now()
		 WHERE expires_at IS NOT NULL AND expires_at <= $1 AND NOT is_deleted
		 RETURNING storage_url`, now)
	if err != nil {
		return nil, fmt.Errorf("attachRepo.ExpireSweep query: %w", err)
	}
	defer rows.Close()

	urls := make([]string, 0, 8)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("attachRepo.ExpireSweep scan: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attachRepo.ExpireSweep rows: %w", err)
	}
	return urls, nil
}

// ListForConversation — вложения диалога (галерея файлов).
func (r *AttachmentRepository) ListForConversation(ctx context.Context, conversationID string, limit int) ([]*model.FileAttachment, error) {
	defer logger.DeferLogDuration("attach.ListForConversation", time.Now())()
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+attachmentColumns+` FROM attachments
		 WHERE conversation_id = $1 AND NOT is_deleted AND status = 'completed'
		 ORDER BY created_at DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("attachRepo.ListForConversation query: %w", err)
	}
	defer rows.Close()

	list := make([]*model.FileAttachment, 0, limit)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("attachRepo.ListForConversation scan: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attachRepo.ListForConversation rows: %w", err)
	}
	return list, nil
}
