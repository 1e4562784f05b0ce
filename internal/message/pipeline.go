// Package message — путь сообщения: валидация, запись, рассылка.
// Владеет семантикой редактирования, удаления, реакций и ответов.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/estatechat/internal/apperr"
	"github.com/estatechat/internal/cache"
	"github.com/estatechat/internal/config"
	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/repository"
	"github.com/estatechat/internal/unread"
	"github.com/google/uuid"
)

const maxContentLen = 10000

// Fanout — комнаты живых подключений.
type Fanout interface {
	SendToUser(userID string, env event.Envelope)
	BroadcastToConversation(conversationID string, env event.Envelope, excludeUserID string)
	IsUserConnected(userID string) bool
}

// Notifier отправляет пуш-уведомления. nil — пуши выключены.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// StreamPublisher — внешний поток доменных событий (best-effort).
type StreamPublisher interface {
	Publish(ctx context.Context, key string, env event.Envelope)
}

type Pipeline struct {
	msgRepo   *repository.MessageRepository
	partRepo  *repository.ParticipantRepository
	userRepo  *repository.UserRepository
	reactRepo *repository.ReactionRepository
	sync      *unread.Synchronizer
	cache     cache.Store
	fanout    Fanout
	notifier  Notifier
	stream    StreamPublisher
	cfg       config.EngineConfig
}

func NewPipeline(
	msgRepo *repository.MessageRepository,
	partRepo *repository.ParticipantRepository,
	userRepo *repository.UserRepository,
	reactRepo *repository.ReactionRepository,
	sync *unread.Synchronizer,
	cc cache.Store,
	fanout Fanout,
	notifier Notifier,
	stream StreamPublisher,
	cfg config.EngineConfig,
) *Pipeline {
	return &Pipeline{
		msgRepo:   msgRepo,
		partRepo:  partRepo,
		userRepo:  userRepo,
		reactRepo: reactRepo,
		sync:      sync,
		cache:     cc,
		fanout:    fanout,
		notifier:  notifier,
		stream:    stream,
		cfg:       cfg,
	}
}

// SendParams — вход отправки.
type SendParams struct {
	ConversationID  string
	Type            model.MessageType
	Content         string
	Payload         model.Payload
	ReplyToID       string
	ClientMessageID string
}

// Send проводит сообщение по конвейеру: проверка участия, валидация,
// запись (вместе с шапкой диалога одной транзакцией), счётчики
// непрочитанного, рассылка в комнату и пуши отключённым участникам.
// ClientMessageID делает повтор той же отправки идемпотентным.
func (p *Pipeline) Send(ctx context.Context, senderID string, in SendParams) (*model.Message, error) {
	defer logger.DeferLogDuration("pipeline.Send", time.Now())()

	if in.ConversationID == "" {
		return nil, apperr.Validationf("conversation id required")
	}
	content := strings.TrimSpace(in.Content)
	msgType := in.Type
	if msgType == "" {
		msgType = model.MessageText
	}
	if msgType == model.MessageSystem {
		return nil, apperr.Validationf("system messages cannot be sent by users")
	}
	if content == "" && in.Payload == nil {
		return nil, apperr.Validationf("message content required")
	}
	if len(content) > maxContentLen {
		return nil, apperr.Validationf("message too long (max %d)", maxContentLen)
	}
	if in.Payload != nil {
		if !payloadMatches(in.Payload, msgType) {
			return nil, apperr.Validationf("payload does not match message type %q", msgType)
		}
		if err := in.Payload.Validate(); err != nil {
			return nil, apperr.Validationf("invalid payload: %v", err)
		}
	}

	if err := p.requireMember(ctx, in.ConversationID, senderID); err != nil {
		return nil, err
	}

	// Ретрай клиента с тем же client_message_id возвращает уже записанное.
	if in.ClientMessageID != "" {
		existing, err := p.msgRepo.FindByClientID(ctx, in.ConversationID, senderID, in.ClientMessageID)
		if err == nil {
			p.hydrate(ctx, existing)
			return existing, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Dependency("check client message id", err)
		}
	}

	var replyToID *string
	if in.ReplyToID != "" {
		replied, err := p.msgRepo.GetByID(ctx, in.ReplyToID)
		if err != nil || replied.ConversationID != in.ConversationID {
			return nil, apperr.Validationf("reply target not found in this conversation")
		}
		replyToID = &in.ReplyToID
	}

	m := &model.Message{
		ID:              uuid.New().String(),
		ConversationID:  in.ConversationID,
		SenderID:        &senderID,
		Type:            msgType,
		Content:         content,
		Payload:         in.Payload,
		ReplyToID:       replyToID,
		ClientMessageID: in.ClientMessageID,
		Status:          model.MessageStatusSent,
	}
	if err := p.msgRepo.Create(ctx, m); err != nil {
		return nil, apperr.Dependency("persist message", err)
	}

	if err := p.sync.OnMessageCreated(ctx, in.ConversationID, &senderID); err != nil {
		// Сообщение уже записано; счётчики догонит следующий read.
		logger.Errorf("pipeline unread increment conversation=%s: %v", in.ConversationID, err)
	}

	p.hydrate(ctx, m)
	p.distribute(ctx, m, senderID)
	return m, nil
}

// PostSystem пишет служебное сообщение и рассылает его. Используется
// пайплайном вложений и менеджером диалогов.
func (p *Pipeline) PostSystem(ctx context.Context, conversationID, text string, msgType model.MessageType, payload model.Payload) (*model.Message, error) {
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       nil,
		Type:           msgType,
		Content:        text,
		Payload:        payload,
		Status:         model.MessageStatusSent,
	}
	if err := p.msgRepo.Create(ctx, m); err != nil {
		return nil, apperr.Dependency("persist system message", err)
	}
	if err := p.sync.OnMessageCreated(ctx, conversationID, nil); err != nil {
		logger.Errorf("pipeline unread increment conversation=%s: %v", conversationID, err)
	}
	p.distribute(ctx, m, "")
	return m, nil
}

// distribute: комната, кольцо последних, пуши, внешний поток.
func (p *Pipeline) distribute(ctx context.Context, m *model.Message, senderID string) {
	env := event.Envelope{Type: event.TypeNewMessage, Payload: m}
	p.fanout.BroadcastToConversation(m.ConversationID, env, "")
	p.pushRecent(ctx, m)
	p.stream.Publish(ctx, m.ConversationID, env)

	if p.notifier == nil {
		return
	}
	ids, err := p.partRepo.ActiveUserIDs(ctx, m.ConversationID)
	if err != nil {
		logger.Errorf("pipeline notify members conversation=%s: %v", m.ConversationID, err)
		return
	}
	title := "Новое сообщение"
	if m.Sender != nil && m.Sender.Name != "" {
		title = m.Sender.Name
	}
	body := m.Preview()
	data := map[string]string{"conversation_id": m.ConversationID, "message_id": m.ID}
	for _, uid := range ids {
		if uid == senderID || p.fanout.IsUserConnected(uid) {
			continue
		}
		uid := uid
		go p.notifier.Notify(context.Background(), uid, title, body, data)
	}
}

// Edit: менять может только отправитель и только внутри окна редактирования.
// Первое редактирование сохраняет исходный текст, повторные его не трогают.
func (p *Pipeline) Edit(ctx context.Context, messageID, editorID, newContent string) (*model.Message, error) {
	defer logger.DeferLogDuration("pipeline.Edit", time.Now())()

	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, apperr.Validationf("new content required")
	}
	if len(newContent) > maxContentLen {
		return nil, apperr.Validationf("message too long (max %d)", maxContentLen)
	}

	m, err := p.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID == nil || *m.SenderID != editorID {
		return nil, apperr.Authorizationf("only the sender can edit a message")
	}
	if m.IsDeleted {
		return nil, apperr.NotFoundf("message %s not found", messageID)
	}
	if time.Since(m.CreatedAt) > p.cfg.EditWindow {
		return nil, apperr.Validationf("edit window expired")
	}

	if err := p.msgRepo.Edit(ctx, messageID, newContent); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFoundf("message %s not found", messageID)
		}
		return nil, apperr.Dependency("edit message", err)
	}
	p.dropRecent(ctx, m.ConversationID)

	m, err = p.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	p.hydrate(ctx, m)

	editedAt := time.Now().UTC()
	if m.EditedAt != nil {
		editedAt = *m.EditedAt
	}
	env := event.Envelope{Type: event.TypeMessageEdited, Payload: event.MessageEditedPayload{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
		Content:        newContent,
		EditedAt:       editedAt,
	}}
	p.fanout.BroadcastToConversation(m.ConversationID, env, "")
	p.stream.Publish(ctx, m.ConversationID, env)
	return m, nil
}

// SoftDelete помечает сообщение удалённым. Переход одностороний; контент
// остаётся в строке для аудита и зачищается на каждом пути чтения.
func (p *Pipeline) SoftDelete(ctx context.Context, messageID, requesterID string) error {
	defer logger.DeferLogDuration("pipeline.SoftDelete", time.Now())()

	m, err := p.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID == nil || *m.SenderID != requesterID {
		return apperr.Authorizationf("only the sender can delete a message")
	}
	if m.IsDeleted {
		return nil
	}

	if err := p.msgRepo.SoftDelete(ctx, messageID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return apperr.Dependency("delete message", err)
	}
	p.dropRecent(ctx, m.ConversationID)

	env := event.Envelope{Type: event.TypeMessageDeleted, Payload: event.MessageDeletedPayload{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
	}}
	p.fanout.BroadcastToConversation(m.ConversationID, env, "")
	p.stream.Publish(ctx, m.ConversationID, env)
	return nil
}

// AddReaction идемпотентно ставит реакцию и рассылает полную карту реакций
// сообщения: клиентам не нужно самим сводить add/remove.
func (p *Pipeline) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	return p.changeReaction(ctx, messageID, userID, emoji, true)
}

// RemoveReaction снимает реакцию; отсутствующая реакция не ошибка.
func (p *Pipeline) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	return p.changeReaction(ctx, messageID, userID, emoji, false)
}

func (p *Pipeline) changeReaction(ctx context.Context, messageID, userID, emoji string, add bool) error {
	defer logger.DeferLogDuration("pipeline.changeReaction", time.Now())()
	if emoji == "" {
		return apperr.Validationf("emoji required")
	}

	m, err := p.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.IsDeleted {
		return apperr.NotFoundf("message %s not found", messageID)
	}
	if err := p.requireMember(ctx, m.ConversationID, userID); err != nil {
		return err
	}

	var changed bool
	if add {
		changed, err = p.reactRepo.Add(ctx, messageID, userID, emoji)
	} else {
		changed, err = p.reactRepo.Remove(ctx, messageID, userID, emoji)
	}
	if err != nil {
		return apperr.Dependency("change reaction", err)
	}
	if !changed {
		return nil
	}
	p.dropRecent(ctx, m.ConversationID)

	grouped, err := p.reactRepo.Grouped(ctx, messageID)
	if err != nil {
		logger.Errorf("pipeline reactions message=%s: %v", messageID, err)
		grouped = nil
	}
	env := event.Envelope{Type: event.TypeReactionChanged, Payload: event.ReactionPayload{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
		UserID:         userID,
		Emoji:          emoji,
		Added:          add,
		Reactions:      grouped,
	}}
	p.fanout.BroadcastToConversation(m.ConversationID, env, "")
	p.stream.Publish(ctx, m.ConversationID, env)
	return nil
}

// MarkRead сдвигает отметку прочтения читателя. Квитанция отправителю
// уходит внутри синхронизатора.
func (p *Pipeline) MarkRead(ctx context.Context, messageID, readerID string) error {
	defer logger.DeferLogDuration("pipeline.MarkRead", time.Now())()

	m, err := p.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := p.requireMember(ctx, m.ConversationID, readerID); err != nil {
		return err
	}
	if err := p.sync.OnMessageRead(ctx, m, readerID); err != nil {
		return apperr.Dependency("mark read", err)
	}
	return nil
}

// Get возвращает сообщение с отправителем и реакциями; удалённое приходит зачищенным.
func (p *Pipeline) Get(ctx context.Context, messageID, userID string) (*model.Message, error) {
	m, err := p.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := p.requireMember(ctx, m.ConversationID, userID); err != nil {
		return nil, err
	}
	p.hydrate(ctx, m)
	m.Scrub()
	return m, nil
}

// HistoryParams — курсорная страница истории.
type HistoryParams struct {
	CursorAt *time.Time
	CursorID string
	Forward  bool
	Limit    int
}

// History отдаёт страницу сообщений в хронологическом порядке. Свежий хвост
// без курсора идёт через кольцо в кэше, промахи и курсоры — из БД.
func (p *Pipeline) History(ctx context.Context, conversationID, userID string, page HistoryParams) ([]*model.Message, error) {
	defer logger.DeferLogDuration("pipeline.History", time.Now())()

	if err := p.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	if page.CursorAt == nil && limit <= p.cfg.RecentRingSize {
		if msgs, ok := p.recentFromCache(ctx, conversationID, limit); ok {
			return msgs, nil
		}
	}

	msgs, err := p.msgRepo.List(ctx, conversationID, repository.ListPage{
		CursorAt: page.CursorAt,
		CursorID: page.CursorID,
		Forward:  page.Forward,
		Limit:    limit,
	})
	if err != nil {
		return nil, apperr.Dependency("load history", err)
	}
	p.hydrateMany(ctx, msgs)
	for _, m := range msgs {
		m.Scrub()
	}
	return msgs, nil
}

// Search ищет по тексту в диалогах, где пользователь активный участник.
func (p *Pipeline) Search(ctx context.Context, userID, query string, limit int) ([]*model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validationf("search query required")
	}
	msgs, err := p.msgRepo.Search(ctx, userID, query, limit)
	if err != nil {
		return nil, apperr.Dependency("search messages", err)
	}
	p.hydrateMany(ctx, msgs)
	for _, m := range msgs {
		m.Scrub()
	}
	return msgs, nil
}

// payloadMatches: нагрузка вложения обслуживает четыре файловых типа,
// остальные нагрузки привязаны к одному типу каждая.
func payloadMatches(p model.Payload, t model.MessageType) bool {
	if _, ok := p.(*model.AttachmentPayload); ok {
		switch t {
		case model.MessageImage, model.MessageDocument, model.MessageAudio, model.MessageVideo:
			return true
		}
		return false
	}
	return p.PayloadType() == t
}

func (p *Pipeline) getMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := p.msgRepo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFoundf("message %s not found", id)
	}
	if err != nil {
		return nil, apperr.Dependency("load message", err)
	}
	return m, nil
}

func (p *Pipeline) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := p.partRepo.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		return apperr.Dependency("check membership", err)
	}
	if !ok {
		return apperr.Authorizationf("user %s is not an active participant", userID)
	}
	return nil
}

// hydrate дополняет сообщение отправителем, реакциями и превью ответа.
func (p *Pipeline) hydrate(ctx context.Context, m *model.Message) {
	if m.SenderID != nil && m.Sender == nil {
		if u, err := p.userRepo.GetByID(ctx, *m.SenderID); err == nil {
			pub := u.ToPublic()
			m.Sender = &pub
		}
	}
	if m.Reactions == nil {
		if grouped, err := p.reactRepo.Grouped(ctx, m.ID); err == nil && len(grouped) > 0 {
			m.Reactions = grouped
		}
	}
	if m.ReplyToID != nil && m.ReplyTo == nil {
		if replied, err := p.msgRepo.GetByID(ctx, *m.ReplyToID); err == nil {
			replied.Scrub()
			m.ReplyTo = &model.Message{
				ID:        replied.ID,
				SenderID:  replied.SenderID,
				Type:      replied.Type,
				Content:   replied.Content,
				IsDeleted: replied.IsDeleted,
			}
		}
	}
}

// hydrateMany — страница: отправители и реакции двумя запросами, не N+1.
func (p *Pipeline) hydrateMany(ctx context.Context, msgs []*model.Message) {
	if len(msgs) == 0 {
		return
	}
	senderIDs := make([]string, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	msgIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		msgIDs = append(msgIDs, m.ID)
		if m.SenderID == nil {
			continue
		}
		if _, ok := seen[*m.SenderID]; ok {
			continue
		}
		seen[*m.SenderID] = struct{}{}
		senderIDs = append(senderIDs, *m.SenderID)
	}

	users, err := p.userRepo.GetActiveByIDs(ctx, senderIDs)
	if err == nil {
		byID := make(map[string]model.UserPublic, len(users))
		for _, u := range users {
			byID[u.ID] = u.ToPublic()
		}
		for _, m := range msgs {
			if m.SenderID == nil {
				continue
			}
			if pub, ok := byID[*m.SenderID]; ok {
				pub := pub
				m.Sender = &pub
			}
		}
	}

	reactions, err := p.reactRepo.GroupedForMany(ctx, msgIDs)
	if err == nil {
		for _, m := range msgs {
			if g, ok := reactions[m.ID]; ok {
				m.Reactions = g
			}
		}
	}
}

// pushRecent кладёт сериализованное сообщение в кольцо горячей истории.
func (p *Pipeline) pushRecent(ctx context.Context, m *model.Message) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := p.cache.PushRecent(ctx, m.ConversationID, raw, p.cfg.RecentRingSize); err != nil {
		logger.Errorf("pipeline recent ring conversation=%s: %v", m.ConversationID, err)
	}
}

func (p *Pipeline) dropRecent(ctx context.Context, conversationID string) {
	if err := p.cache.DropRecent(ctx, conversationID); err != nil {
		logger.Errorf("pipeline drop recent conversation=%s: %v", conversationID, err)
	}
}

// recentFromCache собирает хвост истории из кольца. Кольцо хранит новые
// первыми; наружу хронология. Неполное кольцо не принимается: короткая
// история неотличима от обрезанной, читаем БД.
func (p *Pipeline) recentFromCache(ctx context.Context, conversationID string, limit int) ([]*model.Message, bool) {
	raws, err := p.cache.GetRecent(ctx, conversationID, limit)
	if err != nil || len(raws) < limit {
		return nil, false
	}
	msgs := make([]*model.Message, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var m cachedMessage
		if err := json.Unmarshal(raws[i], &m); err != nil {
			return nil, false
		}
		msgs = append(msgs, m.toModel())
	}
	return msgs, true
}

// cachedMessage повторяет model.Message с сырым payload: интерфейсное поле
// из JSON напрямую не разбирается.
type cachedMessage struct {
	model.Message
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *cachedMessage) toModel() *model.Message {
	m := c.Message
	if len(c.Payload) > 0 {
		if p, err := model.DecodePayload(m.Type, c.Payload); err == nil {
			m.Payload = p
		}
	}
	m.Scrub()
	return &m
}
