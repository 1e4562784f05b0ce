// Package event описывает словарь событий движка: типы, конверт и типизированные
// payload-структуры. Используется и fan-out слоем (WebSocket), и внешним потоком (Kafka).
package event

import (
	"time"

	"github.com/estatechat/internal/model"
)

type Type string

const (
	TypeNewMessage        Type = "new_message"
	TypeMessageEdited     Type = "message_edited"
	TypeMessageDeleted    Type = "message_deleted"
	TypeMessageRead       Type = "message_read"
	TypeReactionChanged   Type = "reaction_changed"
	TypeTyping            Type = "typing"
	TypePresenceChanged   Type = "presence_changed"
	TypeConversationNew   Type = "conversation_created"
	TypeConversationMeta  Type = "conversation_updated"
	TypeParticipantJoined Type = "participant_joined"
	TypeParticipantLeft   Type = "participant_left"
	TypeUploadReady       Type = "upload_ready"
	TypeUploadCompleted   Type = "upload_completed"
	TypeUploadFailed      Type = "upload_failed"
	TypeError             Type = "error"
)

// Envelope — конверт исходящего события. Payload — типизированная структура,
// map[string]any в горячем пути не используется.
type Envelope struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

type MessageEditedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// ReadReceiptPayload уходит в личную комнату отправителя прочитанного сообщения.
type ReadReceiptPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	ReadAt         time.Time `json:"read_at"`
}

type ReactionPayload struct {
	MessageID      string              `json:"message_id"`
	ConversationID string              `json:"conversation_id"`
	UserID         string              `json:"user_id"`
	Emoji          string              `json:"emoji"`
	Added          bool                `json:"added"`
	Reactions      map[string][]string `json:"reactions"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type PresencePayload struct {
	UserID   string               `json:"user_id"`
	Presence model.PresencePublic `json:"presence"`
}

type ParticipantPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
	// IsLeave=true — участник вышел сам, не был исключён.
	IsLeave bool `json:"is_leave,omitempty"`
}

type UploadPayload struct {
	AttachmentID   string `json:"attachment_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	ThumbnailURL   string `json:"thumbnail_url,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
