package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PresenceRepository struct {
	pool *pgxpool.Pool
}

func NewPresenceRepository(pool *pgxpool.Pool) *PresenceRepository {
	return &PresenceRepository{pool: pool}
}

// Save пишет полный снимок присутствия пользователя. Авторитетно состояние
// в памяти трекера, строка служит для перезапуска и статистики.
func (r *PresenceRepository) Save(ctx context.Context, p *model.Presence) error {
	defer logger.DeferLogDuration("presence.Save", time.Now())()
	conns, err := json.Marshal(p.Connections)
	if err != nil {
		return fmt.Errorf("presenceRepo.Save marshal: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO presence (user_id, is_online, status, status_message, connection_count,
		                       connections, online_since, last_seen_at, typing_conversation_id,
		                       typing_at, share_online_status, share_typing, session_count,
		                       total_online_seconds, last_session_seconds, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		     is_online = EXCLUDED.is_online,
		     status = EXCLUDED.status,
		     status_message = EXCLUDED.status_message,
		     connection_count = EXCLUDED.connection_count,
		     connections = EXCLUDED.connections,
		     online_since = EXCLUDED.online_since,
		     last_seen_at = EXCLUDED.last_seen_at,
		     typing_conversation_id = EXCLUDED.typing_conversation_id,
		     typing_at = EXCLUDED.typing_at,
		     share_online_status = EXCLUDED.share_online_status,
		     share_typing = EXCLUDED.share_typing,
		     session_count = EXCLUDED.session_count,
		     total_online_seconds = EXCLUDED.total_online_seconds,
		     last_session_seconds = EXCLUDED.last_session_seconds,
		     updated_at = now()`,
		p.UserID, p.IsOnline, p.Status, p.StatusMessage, p.ConnectionCount,
		conns, p.OnlineSince, p.LastSeenAt, p.TypingConversationID,
		p.TypingAt, p.ShareOnlineStatus, p.ShareTyping, p.SessionCount,
		p.TotalOnlineSeconds, p.LastSessionSeconds,
	)
	if err != nil {
		return fmt.Errorf("presenceRepo.Save: %w", err)
	}
	return nil
}

func (r *PresenceRepository) Get(ctx context.Context, userID string) (*model.Presence, error) {
	defer logger.DeferLogDuration("presence.Get", time.Now())()
	p := &model.Presence{}
	var conns []byte
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, is_online, status, status_message, connection_count, connections,
		        online_since, last_seen_at, typing_conversation_id, typing_at,
		        share_online_status, share_typing, session_count, total_online_seconds,
		        last_session_seconds, updated_at
		 FROM presence WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.IsOnline, &p.Status, &p.StatusMessage, &p.ConnectionCount, &conns,
		&p.OnlineSince, &p.LastSeenAt, &p.TypingConversationID, &p.TypingAt,
		&p.ShareOnlineStatus, &p.ShareTyping, &p.SessionCount, &p.TotalOnlineSeconds,
		&p.LastSessionSeconds, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("presenceRepo.Get: %w", err)
	}
	if len(conns) > 0 {
		if err := json.Unmarshal(conns, &p.Connections); err != nil {
			return nil, fmt.Errorf("presenceRepo.Get connections: %w", err)
		}
	}
	return p, nil
}

// MarkAllOffline сбрасывает онлайн-флаги после перезапуска процесса:
// живых соединений больше нет, записи не должны врать.
func (r *PresenceRepository) MarkAllOffline(ctx context.Context) error {
	defer logger.DeferLogDuration("presence.MarkAllOffline", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE presence
		 SET is_online = FALSE, status = 'offline', connection_count = 0,
		     connections = '[]', typing_conversation_id = NULL, typing_at = NULL,
		     last_seen_at = COALESCE(last_seen_at, updated_at), updated_at = now()
		 WHERE is_online`)
	if err != nil {
		return fmt.Errorf("presenceRepo.MarkAllOffline: %w", err)
	}
	return nil
}
