// Package attachment ведёт файл от запроса на загрузку до истечения срока
// хранения: сессии загрузки, фоновая обработка, зачистка.
package attachment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/estatechat/internal/apperr"
	"github.com/estatechat/internal/cache"
	"github.com/estatechat/internal/config"
	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/message"
	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/repository"
	"github.com/google/uuid"
)

// Разрешённые MIME-типы по категориям. Всё вне списка отклоняется
// на этапе request-upload, до каких-либо записей.
var allowedMime = map[string]model.AttachmentKind{
	"image/jpeg": model.KindImage,
	"image/png":  model.KindImage,
	"image/gif":  model.KindImage,
	"image/webp": model.KindImage,
	"image/heic": model.KindImage,

	"application/pdf":    model.KindDocument,
	"application/msword": model.KindDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": model.KindDocument,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       model.KindDocument,
	"text/plain": model.KindDocument,

	"video/mp4":       model.KindVideo,
	"video/webm":      model.KindVideo,
	"video/quicktime": model.KindVideo,

	"audio/mpeg": model.KindAudio,
	"audio/ogg":  model.KindAudio,
	"audio/wav":  model.KindAudio,
	"audio/webm": model.KindAudio,
}

// Fanout — доставка событий загрузки.
type Fanout interface {
	SendToUser(userID string, env event.Envelope)
	BroadcastToConversation(conversationID string, env event.Envelope, excludeUserID string)
}

// Blobs — внешнее хранилище байтов; пайплайн трогает его только при зачистке.
type Blobs interface {
	Remove(stored string)
}

type Pipeline struct {
	repo     *repository.AttachmentRepository
	partRepo *repository.ParticipantRepository
	msgs     *message.Pipeline
	cache    cache.Store
	fanout   Fanout
	blobs    Blobs
	cfg      config.EngineConfig
}

func NewPipeline(
	repo *repository.AttachmentRepository,
	partRepo *repository.ParticipantRepository,
	msgs *message.Pipeline,
	cc cache.Store,
	fanout Fanout,
	blobs Blobs,
	cfg config.EngineConfig,
) *Pipeline {
	return &Pipeline{
		repo:     repo,
		partRepo: partRepo,
		msgs:     msgs,
		cache:    cc,
		fanout:   fanout,
		blobs:    blobs,
		cfg:      cfg,
	}
}

// Run гоняет обработку очереди и зачистку истёкших до отмены контекста.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AttachmentSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessQueue(ctx)
			p.ExpireSweep(ctx)
		}
	}
}

// RequestUpload валидирует заявку и выдаёт одноразовый handle с TTL.
// Никаких строк в БД до complete-upload не появляется.
func (p *Pipeline) RequestUpload(ctx context.Context, conversationID, userID, fileName string, fileSize int64, mimeType string) (*model.UploadSession, error) {
	defer logger.DeferLogDuration("attachment.RequestUpload", time.Now())()

	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, apperr.Validationf("file name required")
	}
	if fileSize <= 0 {
		return nil, apperr.Validationf("file size must be positive")
	}
	if fileSize > p.cfg.MaxUploadSize {
		return nil, apperr.Validationf("file too large: %d bytes over the %d limit", fileSize, p.cfg.MaxUploadSize)
	}
	kind, ok := allowedMime[strings.ToLower(mimeType)]
	if !ok {
		return nil, apperr.Validationf("mime type %q not allowed", mimeType)
	}

	ok, err := p.partRepo.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		return nil, apperr.Dependency("check membership", err)
	}
	if !ok {
		return nil, apperr.Authorizationf("user %s is not an active participant", userID)
	}

	s := &model.UploadSession{
		Handle:         uuid.New().String(),
		ConversationID: conversationID,
		UploaderID:     userID,
		FileName:       fileName,
		MimeType:       strings.ToLower(mimeType),
		FileSize:       fileSize,
		Kind:           kind,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.cache.SetUploadSession(ctx, s, p.cfg.UploadSessionTTL); err != nil {
		return nil, apperr.Dependency("store upload session", err)
	}
	return s, nil
}

// CompleteUpload превращает handle в строку вложения и сопутствующее
// сообщение нужного типа, после чего файл уходит обычным путём рассылки.
// Обработка (превью, проверка) остаётся фоновому воркеру.
func (p *Pipeline) CompleteUpload(ctx context.Context, handle, uploaderID, stored string, actualSize int64) (*model.FileAttachment, *model.Message, error) {
	defer logger.DeferLogDuration("attachment.CompleteUpload", time.Now())()

	s, err := p.cache.GetUploadSession(ctx, handle)
	if err != nil {
		return nil, nil, apperr.Dependency("load upload session", err)
	}
	if s == nil {
		return nil, nil, apperr.NotFoundf("upload handle expired or unknown")
	}
	if s.UploaderID != uploaderID {
		return nil, nil, apperr.Authorizationf("upload handle belongs to another user")
	}
	if actualSize > p.cfg.MaxUploadSize {
		return nil, nil, apperr.Validationf("uploaded file exceeds the %d byte limit", p.cfg.MaxUploadSize)
	}

	expires := time.Now().UTC().Add(p.cfg.AttachmentTTL)
	a := &model.FileAttachment{
		ID:             uuid.New().String(),
		ConversationID: s.ConversationID,
		UploaderID:     s.UploaderID,
		FileName:       s.FileName,
		MimeType:       s.MimeType,
		FileSize:       actualSize,
		Kind:           s.Kind,
		StorageURL:     stored,
		Status:         model.AttachmentPending,
		ScanStatus:     model.ScanPending,
		ExpiresAt:      &expires,
	}
	if err := p.repo.Create(ctx, a); err != nil {
		return nil, nil, apperr.Dependency("persist attachment", err)
	}

	m, err := p.msgs.Send(ctx, uploaderID, message.SendParams{
		ConversationID: s.ConversationID,
		Type:           model.MessageTypeForKind(s.Kind),
		Content:        s.FileName,
		Payload: &model.AttachmentPayload{
			AttachmentID: a.ID,
			FileName:     s.FileName,
			MimeType:     s.MimeType,
			FileSize:     actualSize,
			URL:          "/api/attachments/" + a.ID + "/download",
		},
	})
	if err != nil {
		// Сообщение не записалось: вложение остаётся сиротой до зачистки,
		// клиенту отдаём ошибку для ретрая.
		return nil, nil, err
	}
	if err := p.repo.BindMessage(ctx, a.ID, m.ID); err != nil {
		logger.Errorf("attachment bind message attachment=%s: %v", a.ID, err)
	}
	a.MessageID = &m.ID

	if err := p.cache.DeleteUploadSession(ctx, handle); err != nil {
		logger.Errorf("attachment drop session handle=%s: %v", handle, err)
	}

	p.fanout.SendToUser(uploaderID, event.Envelope{Type: event.TypeUploadReady, Payload: event.UploadPayload{
		AttachmentID:   a.ID,
		ConversationID: a.ConversationID,
		MessageID:      m.ID,
		Status:         string(a.Status),
	}})
	return a, m, nil
}

// Get отдаёт метаданные вложения участнику его диалога.
func (p *Pipeline) Get(ctx context.Context, attachmentID, userID string) (*model.FileAttachment, error) {
	a, err := p.repo.GetByID(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFoundf("attachment %s not found", attachmentID)
		}
		return nil, apperr.Dependency("load attachment", err)
	}
	if a.IsDeleted {
		return nil, apperr.NotFoundf("attachment %s not found", attachmentID)
	}
	ok, err := p.partRepo.IsActiveMember(ctx, a.ConversationID, userID)
	if err != nil {
		return nil, apperr.Dependency("check membership", err)
	}
	if !ok {
		return nil, apperr.Authorizationf("user %s is not an active participant", userID)
	}
	return a, nil
}

// ListForConversation — галерея файлов диалога.
func (p *Pipeline) ListForConversation(ctx context.Context, conversationID, userID string, limit int) ([]*model.FileAttachment, error) {
	ok, err := p.partRepo.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		return nil, apperr.Dependency("check membership", err)
	}
	if !ok {
		return nil, apperr.Authorizationf("user %s is not an active participant", userID)
	}
	list, err := p.repo.ListForConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, apperr.Dependency("list attachments", err)
	}
	return list, nil
}

// ProcessQueue забирает pending-вложения и прогоняет обработку:
// изображениям и видео — превью, остальным — прямой проход. Проверка
// содержимого пока заглушка: всё, что прошло магические байты при
// сохранении, помечается clean. Ошибки не валят воркер.
func (p *Pipeline) ProcessQueue(ctx context.Context) {
	defer logger.DeferLogDuration("attachment.ProcessQueue", time.Now())()

	claimed, err := p.repo.ClaimPending(ctx, 10)
	if err != nil {
		logger.Errorf("attachment claim pending: %v", err)
		return
	}
	for _, a := range claimed {
		thumbURL, previewURL := "", ""
		if a.Kind == model.KindImage || a.Kind == model.KindVideo {
			// Превью пока указывает на исходный блоб; генерация уменьшенных
			// копий подключается здесь, не трогая машину состояний.
			thumbURL = "/api/attachments/" + a.ID + "/download"
			previewURL = thumbURL
		}

		if err := p.repo.MarkCompleted(ctx, a.ID, thumbURL, previewURL, model.ScanClean); err != nil {
			logger.Errorf("attachment complete %s: %v", a.ID, err)
			if ferr := p.repo.MarkFailed(ctx, a.ID, err.Error()); ferr != nil {
				logger.Errorf("attachment mark failed %s: %v", a.ID, ferr)
			}
			p.notify(a, string(model.AttachmentFailed), err.Error(), "")
			continue
		}
		p.notify(a, string(model.AttachmentCompleted), "", thumbURL)
	}
}

func (p *Pipeline) notify(a *model.FileAttachment, status, errMsg, thumbURL string) {
	evType := event.TypeUploadCompleted
	if status == string(model.AttachmentFailed) {
		evType = event.TypeUploadFailed
	}
	payload := event.UploadPayload{
		AttachmentID:   a.ID,
		ConversationID: a.ConversationID,
		Status:         status,
		Error:          errMsg,
		ThumbnailURL:   thumbURL,
	}
	if a.MessageID != nil {
		payload.MessageID = *a.MessageID
	}
	p.fanout.BroadcastToConversation(a.ConversationID, event.Envelope{Type: evType, Payload: payload}, "")
}

// ExpireSweep мягко удаляет просроченные вложения и чистит блобы.
func (p *Pipeline) ExpireSweep(ctx context.Context) {
	defer logger.DeferLogDuration("attachment.ExpireSweep", time.Now())()

	stored, err := p.repo.ExpireSweep(ctx, time.Now().UTC())
	if err != nil {
		logger.Errorf("attachment expire sweep: %v", err)
		return
	}
	for _, name := range stored {
		p.blobs.Remove(name)
	}
	if len(stored) > 0 {
		logger.Infof("attachment expire sweep removed %d blobs", len(stored))
	}
}
