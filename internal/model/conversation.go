package model

import (
	"sort"
	"time"
)

type ConversationType string

const (
	ConversationDirect          ConversationType = "direct"
	ConversationGroup           ConversationType = "group"
	ConversationPropertyInquiry ConversationType = "property_inquiry"
	ConversationSupport         ConversationType = "support"
)

type Conversation struct {
	ID                 string           `json:"id"`
	Type               ConversationType `json:"type"`
	Title              string           `json:"title"`
	CreatedBy          string           `json:"created_by"`
	PropertyID         string           `json:"property_id,omitempty"`
	LastMessagePreview string           `json:"last_message_preview"`
	LastMessageAt      *time.Time       `json:"last_message_at,omitempty"`
	LastActivityAt     time.Time        `json:"last_activity_at"`
	MessageCount       int64            `json:"message_count"`
	ParticipantCount   int              `json:"participant_count"`
	IsArchived         bool             `json:"is_archived"`
	ArchivedAt         *time.Time       `json:"archived_at,omitempty"`
	ArchivedBy         *string          `json:"archived_by,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// DirectKey — детерминированный ключ неупорядоченной пары пользователей.
// Уникальный частичный индекс по нему не даёт создать второй прямой диалог той же пары.
func DirectKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

type ParticipantRole string

const (
	ParticipantMember    ParticipantRole = "participant"
	ParticipantAdmin     ParticipantRole = "admin"
	ParticipantModerator ParticipantRole = "moderator"
)

// Participant — членство пользователя в диалоге. Уникально по (диалог, пользователь);
// при выходе деактивируется, при повторном входе реактивируется.
type Participant struct {
	ConversationID    string          `json:"conversation_id"`
	UserID            string          `json:"user_id"`
	Role              ParticipantRole `json:"role"`
	IsActive          bool            `json:"is_active"`
	JoinedAt          time.Time       `json:"joined_at"`
	LeftAt            *time.Time      `json:"left_at,omitempty"`
	LastReadMessageID *string         `json:"last_read_message_id,omitempty"`
	LastReadAt        *time.Time      `json:"last_read_at,omitempty"`
	UnreadCount       int             `json:"unread_count"`
	NotifyEnabled     bool            `json:"notify_enabled"`
	User              *UserPublic     `json:"user,omitempty"`
}

// ConversationView — диалог со списком участников и состоянием для конкретного пользователя.
type ConversationView struct {
	Conversation Conversation  `json:"conversation"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
	// Existing=true — create вернул уже существующий диалог (дедупликация прямых).
	Existing bool `json:"existing,omitempty"`
}
