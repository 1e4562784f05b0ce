package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/estatechat/internal/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// Add ставит реакцию. Повторная реакция тем же emoji идемпотентна (added=false).
func (r *ReactionRepository) Add(ctx context.Context, messageID, userID, emoji string) (added bool, err error) {
	defer logger.DeferLogDuration("react.Add", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
		messageID, userID, emoji,
	)
	if err != nil {
		return false, fmt.Errorf("reactRepo.Add: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Remove снимает реакцию; отсутствующая реакция не ошибка (removed=false).
func (r *ReactionRepository) Remove(ctx context.Context, messageID, userID, emoji string) (removed bool, err error) {
	defer logger.DeferLogDuration("react.Remove", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM message_reactions
		 WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return false, fmt.Errorf("reactRepo.Remove: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Grouped возвращает реакции сообщения как emoji -> user id.
func (r *ReactionRepository) Grouped(ctx context.Context, messageID string) (map[string][]string, error) {
	defer logger.DeferLogDuration("react.Grouped", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT emoji, user_id FROM message_reactions
		 WHERE message_id = $1 ORDER BY emoji, created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("reactRepo.Grouped query: %w", err)
	}
	defer rows.Close()

	grouped := make(map[string][]string)
	for rows.Next() {
		var emoji, userID string
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, fmt.Errorf("reactRepo.Grouped scan: %w", err)
		}
		grouped[emoji] = append(grouped[emoji], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactRepo.Grouped rows: %w", err)
	}
	return grouped, nil
}

// GroupedForMany — реакции для пачки сообщений (страница истории одним запросом).
func (r *ReactionRepository) GroupedForMany(ctx context.Context, messageIDs []string) (map[string]map[string][]string, error) {
	defer logger.DeferLogDuration("react.GroupedForMany", time.Now())()
	if len(messageIDs) == 0 {
		return map[string]map[string][]string{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, emoji, user_id FROM message_reactions
		 WHERE message_id = ANY($1) ORDER BY message_id, emoji, created_at`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("reactRepo.GroupedForMany query: %w", err)
	}
	defer rows.Close()

	byMessage := make(map[string]map[string][]string)
	for rows.Next() {
		var messageID, emoji, userID string
		if err := rows.Scan(&messageID, &emoji, &userID); err != nil {
			return nil, fmt.Errorf("reactRepo.GroupedForMany scan: %w", err)
		}
		g := byMessage[messageID]
		if g == nil {
			g = make(map[string][]string)
			byMessage[messageID] = g
		}
		g[emoji] = append(g[emoji], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactRepo.GroupedForMany rows: %w", err)
	}
	return byMessage, nil
}
