package cache

import (
	"context"
	"time"

	"github.com/estatechat/internal/model"
)

// Store — быстрый слой поверх Postgres: сессии загрузки, снимки присутствия,
// кольцо последних сообщений, push-подписки. Реализации: redis.Client,
// memory.Client (для -dev без Redis).
type Store interface {
	// Сессии загрузки файлов. Хэндл живёт до первого Complete или TTL.
	SetUploadSession(ctx context.Context, s *model.UploadSession, ttl time.Duration) error
	GetUploadSession(ctx context.Context, handle string) (*model.UploadSession, error)
	DeleteUploadSession(ctx context.Context, handle string) error

	// Снимки присутствия для читающих реплик и межсервисных запросов.
	SetPresence(ctx context.Context, p *model.PresencePublic, ttl time.Duration) error
	GetPresence(ctx context.Context, userID string) (*model.PresencePublic, error)

	// Кольцо последних сообщений диалога: горячая история без похода в БД.
	PushRecent(ctx context.Context, conversationID string, raw []byte, ringSize int) error
	GetRecent(ctx context.Context, conversationID string, limit int) ([][]byte, error)
	DropRecent(ctx context.Context, conversationID string) error

	// Web-push подписки: несколько устройств на пользователя.
	AddPushSubscription(ctx context.Context, userID string, sub []byte) error
	GetPushSubscriptions(ctx context.Context, userID string) ([][]byte, error)
	RemovePushSubscription(ctx context.Context, userID string, sub []byte) error

	Close() error
}
