package model

import "time"

type MessageType string

const (
	MessageText           MessageType = "text"
	MessageImage          MessageType = "image"
	MessageDocument       MessageType = "document"
	MessagePropertyLink   MessageType = "property_link"
	MessageViewingRequest MessageType = "viewing_request"
	MessageOffer          MessageType = "offer"
	MessageSystem         MessageType = "system"
	MessageAudio          MessageType = "audio"
	MessageVideo          MessageType = "video"
	MessageLocation       MessageType = "location"
)

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	// SenderID nil — системное сообщение.
	SenderID        *string       `json:"sender_id,omitempty"`
	Type            MessageType   `json:"type"`
	Content         string        `json:"content"`
	Payload         Payload       `json:"payload,omitempty"`
	ReplyToID       *string       `json:"reply_to_id,omitempty"`
	Status          MessageStatus `json:"status"`
	IsEdited        bool          `json:"is_edited"`
	OriginalContent *string       `json:"original_content,omitempty"`
	EditedAt        *time.Time    `json:"edited_at,omitempty"`
	IsDeleted       bool          `json:"is_deleted"`
	DeletedAt       *time.Time    `json:"deleted_at,omitempty"`
	// Reactions — emoji -> множество user id (в JSON — отсортированный список).
	Reactions       map[string][]string `json:"reactions,omitempty"`
	ClientMessageID string              `json:"client_message_id,omitempty"`
	ReadCount       int                 `json:"read_count"`
	CreatedAt       time.Time           `json:"created_at"`

	Sender  *UserPublic `json:"sender,omitempty"`
	ReplyTo *Message    `json:"reply_to,omitempty"`
}

// Scrub зачищает чувствительную нагрузку удалённого сообщения перед отдачей клиенту.
// Строка в БД остаётся как есть (аудит), но наружу контент не уходит.
func (m *Message) Scrub() {
	if !m.IsDeleted {
		return
	}
	m.Content = ""
	m.Payload = nil
	m.OriginalContent = nil
	m.Reactions = nil
	m.ReplyTo = nil
}

// Preview — короткая строка для шапки диалога.
func (m *Message) Preview() string {
	switch m.Type {
	case MessageText, MessageSystem:
		const max = 120
		if r := []rune(m.Content); len(r) > max {
			return string(r[:max])
		}
		return m.Content
	case MessageImage:
		return "[изображение]"
	case MessageDocument:
		return "[документ]"
	case MessageAudio:
		return "[аудио]"
	case MessageVideo:
		return "[видео]"
	case MessageLocation:
		return "[геометка]"
	case MessagePropertyLink:
		return "[объект]"
	case MessageViewingRequest:
		return "[заявка на просмотр]"
	case MessageOffer:
		return "[предложение цены]"
	default:
		return "[" + string(m.Type) + "]"
	}
}

// MessageRead — отметка о прочтении: одна строка на (message, user).
type MessageRead struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
