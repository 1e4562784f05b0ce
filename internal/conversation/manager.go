// Package conversation владеет жизненным циклом диалогов: создание с
// дедупликацией личных переписок, состав участников, архивация.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/estatechat/internal/apperr"
	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/repository"
	"github.com/google/uuid"
)

// Fanout — комнаты живых подключений.
type Fanout interface {
	SendToUser(userID string, env event.Envelope)
	BroadcastToConversation(conversationID string, env event.Envelope, excludeUserID string)
	JoinRoom(conversationID, userID string)
	LeaveRoom(conversationID, userID string)
}

// StreamPublisher — внешний поток доменных событий (best-effort).
type StreamPublisher interface {
	Publish(ctx context.Context, key string, env event.Envelope)
}

type Manager struct {
	convRepo *repository.ConversationRepository
	partRepo *repository.ParticipantRepository
	userRepo *repository.UserRepository
	msgRepo  *repository.MessageRepository
	fanout   Fanout
	stream   StreamPublisher
}

func NewManager(
	convRepo *repository.ConversationRepository,
	partRepo *repository.ParticipantRepository,
	userRepo *repository.UserRepository,
	msgRepo *repository.MessageRepository,
	fanout Fanout,
	stream StreamPublisher,
) *Manager {
	return &Manager{
		convRepo: convRepo,
		partRepo: partRepo,
		userRepo: userRepo,
		msgRepo:  msgRepo,
		fanout:   fanout,
		stream:   stream,
	}
}

// CreateParams — вход создания диалога.
type CreateParams struct {
	Type           model.ConversationType
	Title          string
	ParticipantIDs []string
	PropertyID     string
}

// Create создаёт диалог: строка, участники (создатель получает роль admin)
// и системное сообщение пишутся одной транзакцией. Для direct повторное
// создание той же пары возвращает существующий диалог с Existing=true,
// гонка двух сторон решается уникальным индексом по ключу пары.
func (m *Manager) Create(ctx context.Context, creatorID string, p CreateParams) (*model.ConversationView, error) {
	defer logger.DeferLogDuration("conv.Create", time.Now())()

	ids := dedupe(append(p.ParticipantIDs, creatorID))
	if len(ids) < 2 {
		return nil, apperr.Validationf("conversation needs at least one other participant")
	}
	switch p.Type {
	case model.ConversationDirect:
		if len(ids) != 2 {
			return nil, apperr.Validationf("direct conversation requires exactly 2 participants, got %d", len(ids))
		}
	case model.ConversationGroup, model.ConversationPropertyInquiry, model.ConversationSupport:
	default:
		return nil, apperr.Validationf("unknown conversation type %q", p.Type)
	}
	if p.Type == model.ConversationPropertyInquiry && p.PropertyID == "" {
		return nil, apperr.Validationf("property_inquiry conversation requires property id")
	}

	users, err := m.userRepo.GetActiveByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Dependency("load participants", err)
	}
	if len(users) != len(ids) {
		return nil, apperr.Validationf("some participants are unknown or inactive")
	}

	// Повторная заявка той же пары по тому же объекту возвращает живой диалог,
	// как и у прямых переписок.
	if p.Type == model.ConversationPropertyInquiry && len(ids) == 2 {
		existing, ferr := m.convRepo.FindPropertyInquiry(ctx, ids[0], ids[1], p.PropertyID)
		if ferr == nil {
			return m.view(ctx, existing, true)
		}
		if !errors.Is(ferr, repository.ErrNotFound) {
			return nil, apperr.Dependency("find property inquiry", ferr)
		}
	}

	now := time.Now().UTC()
	c := &model.Conversation{
		ID:             uuid.New().String(),
		Type:           p.Type,
		Title:          strings.TrimSpace(p.Title),
		CreatedBy:      creatorID,
		PropertyID:     p.PropertyID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	parts := make([]model.Participant, 0, len(ids))
	for _, id := range ids {
		role := model.ParticipantMember
		if id == creatorID {
			role = model.ParticipantAdmin
		}
		parts = append(parts, model.Participant{
			ConversationID: c.ID,
			UserID:         id,
			Role:           role,
			IsActive:       true,
			JoinedAt:       now,
			NotifyEnabled:  true,
		})
	}
	sysMsg := systemMessage(c.ID, "conversation created")
	sysMsg.CreatedAt = now

	err = m.convRepo.CreateWithParticipants(ctx, c, parts, sysMsg)
	if errors.Is(err, repository.ErrConflict) && p.Type == model.ConversationDirect {
		// Вторая сторона успела первой: отдаём её диалог.
		existing, ferr := m.convRepo.FindDirect(ctx, ids[0], ids[1])
		if ferr != nil {
			return nil, apperr.Dependency("find direct", ferr)
		}
		return m.view(ctx, existing, true)
	}
	if err != nil {
		return nil, apperr.Dependency("create conversation", err)
	}

	for _, id := range ids {
		m.fanout.JoinRoom(c.ID, id)
		m.fanout.SendToUser(id, event.Envelope{Type: event.TypeConversationNew, Payload: c})
	}
	m.stream.Publish(ctx, c.ID, event.Envelope{Type: event.TypeConversationNew, Payload: c})

	return m.view(ctx, c, false)
}

// FindDirect — детерминированный поиск личной переписки пары (сценарий
// "продолжить чат" в карточке объекта).
func (m *Manager) FindDirect(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	c, err := m.convRepo.FindDirect(ctx, userA, userB)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFoundf("no direct conversation for this pair")
	}
	if err != nil {
		return nil, apperr.Dependency("find direct", err)
	}
	return c, nil
}

// AddParticipant подключает пользователя (или возвращает вышедшего).
// Идемпотентно: уже активный участник не меняет ни счётчик, ни ленту.
func (m *Manager) AddParticipant(ctx context.Context, conversationID, userID, addedBy string) error {
	defer logger.DeferLogDuration("conv.AddParticipant", time.Now())()

	c, err := m.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if c.Type == model.ConversationDirect {
		return apperr.Validationf("cannot add participants to a direct conversation")
	}
	if err := m.requireActor(ctx, conversationID, addedBy); err != nil {
		return err
	}
	user, err := m.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFoundf("user %s not found", userID)
		}
		return apperr.Dependency("load user", err)
	}
	if !user.IsActive {
		return apperr.Validationf("user %s is inactive", userID)
	}

	added, err := m.partRepo.Activate(ctx, conversationID, userID, model.ParticipantMember)
	if err != nil {
		return apperr.Dependency("add participant", err)
	}
	if !added {
		return nil
	}

	m.fanout.JoinRoom(conversationID, userID)
	env := event.Envelope{Type: event.TypeParticipantJoined, Payload: event.ParticipantPayload{
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       user.Name,
		ActorID:        addedBy,
	}}
	m.fanout.BroadcastToConversation(conversationID, env, "")
	m.stream.Publish(ctx, conversationID, env)

	m.postSystem(ctx, conversationID, user.Name+" joined the conversation")
	return nil
}

// RemoveParticipant мягко выводит пользователя. removedBy == userID — выход
// по своей воле, иначе исключение актором-участником.
func (m *Manager) RemoveParticipant(ctx context.Context, conversationID, userID, removedBy string) error {
	defer logger.DeferLogDuration("conv.RemoveParticipant", time.Now())()

	c, err := m.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if c.Type == model.ConversationDirect {
		return apperr.Validationf("cannot leave a direct conversation, archive it instead")
	}
	if err := m.requireActor(ctx, conversationID, removedBy); err != nil {
		return err
	}

	removed, err := m.partRepo.Deactivate(ctx, conversationID, userID)
	if err != nil {
		return apperr.Dependency("remove participant", err)
	}
	if !removed {
		return nil
	}

	m.fanout.LeaveRoom(conversationID, userID)
	env := event.Envelope{Type: event.TypeParticipantLeft, Payload: event.ParticipantPayload{
		ConversationID: conversationID,
		UserID:         userID,
		ActorID:        removedBy,
		IsLeave:        userID == removedBy,
	}}
	m.fanout.BroadcastToConversation(conversationID, env, "")
	m.stream.Publish(ctx, conversationID, env)

	if user, uerr := m.userRepo.GetByID(ctx, userID); uerr == nil {
		m.postSystem(ctx, conversationID, user.Name+" left the conversation")
	}
	return nil
}

// SetArchived переключает архивный флаг со штампом кто и когда.
func (m *Manager) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	defer logger.DeferLogDuration("conv.SetArchived", time.Now())()
	if err := m.requireActor(ctx, conversationID, userID); err != nil {
		return err
	}
	err := m.convRepo.SetArchived(ctx, conversationID, userID, archived)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFoundf("conversation %s not found", conversationID)
	}
	if err != nil {
		return apperr.Dependency("archive", err)
	}

	env := event.Envelope{Type: event.TypeConversationMeta, Payload: map[string]any{
		"conversation_id": conversationID,
		"is_archived":     archived,
	}}
	m.fanout.BroadcastToConversation(conversationID, env, "")
	m.stream.Publish(ctx, conversationID, env)
	return nil
}

// List — диалоги пользователя с фильтрами по типу, архиву и тексту.
func (m *Manager) List(ctx context.Context, userID string, filter repository.ListFilter) ([]model.Conversation, error) {
	list, err := m.convRepo.ListForUser(ctx, userID, filter)
	if err != nil {
		return nil, apperr.Dependency("list conversations", err)
	}
	return list, nil
}

// Get — карточка диалога с участниками, доступна только участнику.
func (m *Manager) Get(ctx context.Context, conversationID, userID string) (*model.ConversationView, error) {
	if err := m.requireActor(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	c, err := m.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return m.view(ctx, c, false)
}

func (m *Manager) getConversation(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := m.convRepo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFoundf("conversation %s not found", id)
	}
	if err != nil {
		return nil, apperr.Dependency("load conversation", err)
	}
	return c, nil
}

// requireActor: действовать может только активный участник.
func (m *Manager) requireActor(ctx context.Context, conversationID, userID string) error {
	ok, err := m.partRepo.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		return apperr.Dependency("check membership", err)
	}
	if !ok {
		return apperr.Authorizationf("user %s is not an active participant", userID)
	}
	return nil
}

func (m *Manager) view(ctx context.Context, c *model.Conversation, existing bool) (*model.ConversationView, error) {
	parts, err := m.partRepo.ListActive(ctx, c.ID)
	if err != nil {
		return nil, apperr.Dependency("load participants", err)
	}
	return &model.ConversationView{Conversation: *c, Participants: parts, Existing: existing}, nil
}

// postSystem пишет служебное сообщение в ленту; ошибка не валит операцию.
func (m *Manager) postSystem(ctx context.Context, conversationID, text string) {
	msg := systemMessage(conversationID, text)
	if err := m.msgRepo.Create(ctx, msg); err != nil {
		logger.Errorf("conv system message conversation=%s: %v", conversationID, err)
		return
	}
	m.fanout.BroadcastToConversation(conversationID, event.Envelope{Type: event.TypeNewMessage, Payload: msg}, "")
}

func systemMessage(conversationID, text string) *model.Message {
	return &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       nil,
		Type:           model.MessageSystem,
		Content:        text,
		Status:         model.MessageStatusSent,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
