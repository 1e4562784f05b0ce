package model

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Connection — одно живое подключение пользователя (вкладка/устройство).
type Connection struct {
	ID           string    `json:"id"`
	Device       string    `json:"device,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Presence — состояние пользователя, посчитанное по подключениям:
// IsOnline истинно тогда и только тогда, когда ConnectionCount > 0.
type Presence struct {
	UserID          string         `json:"user_id"`
	IsOnline        bool           `json:"is_online"`
	Status          PresenceStatus `json:"status"`
	StatusMessage   string         `json:"status_message,omitempty"`
	ConnectionCount int            `json:"connection_count"`
	Connections     []Connection   `json:"connections,omitempty"`
	OnlineSince     *time.Time     `json:"online_since,omitempty"`
	LastSeenAt      *time.Time     `json:"last_seen_at,omitempty"`

	// Набор текста: указатель на диалог + момент; консультативно, истекает по TTL.
	TypingConversationID *string    `json:"typing_conversation_id,omitempty"`
	TypingAt             *time.Time `json:"typing_at,omitempty"`

	// Приватность
	ShareOnlineStatus bool `json:"share_online_status"`
	ShareTyping       bool `json:"share_typing"`

	// Накопительная статистика сессий
	SessionCount       int64 `json:"session_count"`
	TotalOnlineSeconds int64 `json:"total_online_seconds"`
	LastSessionSeconds int64 `json:"last_session_seconds"`

	UpdatedAt time.Time `json:"updated_at"`
}

// PresencePublic — снимок для других пользователей (учитывает приватность).
type PresencePublic struct {
	UserID     string         `json:"user_id"`
	IsOnline   bool           `json:"is_online"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt *time.Time     `json:"last_seen_at,omitempty"`
}

// Public строит публичный снимок: при выключенном ShareOnlineStatus наружу
// всегда offline без last seen.
func (p *Presence) Public() PresencePublic {
	if !p.ShareOnlineStatus {
		return PresencePublic{UserID: p.UserID, IsOnline: false, Status: StatusOffline}
	}
	return PresencePublic{
		UserID:     p.UserID,
		IsOnline:   p.IsOnline,
		Status:     p.Status,
		LastSeenAt: p.LastSeenAt,
	}
}
