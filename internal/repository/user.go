package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Upsert синхронизирует профиль из сервиса идентификации. Движок пользователями
// не владеет: строки нужны для внешних ключей и отображения имени/аватара.
func (r *UserRepository) Upsert(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, name, avatar_url, role, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, avatar_url = EXCLUDED.avatar_url,
		     role = EXCLUDED.role, is_active = EXCLUDED.is_active`,
		u.ID, u.Name, u.AvatarURL, u.Role, u.IsActive, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Upsert: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, avatar_url, role, is_active, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.AvatarURL, &u.Role, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// GetActiveByIDs возвращает активных пользователей из списка id (для валидации участников).
func (r *UserRepository) GetActiveByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	defer logger.DeferLogDuration("user.GetActiveByIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, avatar_url, role, is_active, created_at
		 FROM users WHERE id = ANY($1) AND is_active`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetActiveByIDs query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, len(ids))
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.AvatarURL, &u.Role, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("userRepo.GetActiveByIDs scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.GetActiveByIDs rows: %w", err)
	}
	return users, nil
}

// Search ищет активных пользователей по префиксу имени (для выбора собеседника).
func (r *UserRepository) Search(ctx context.Context, query string, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.Search", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, avatar_url, role, is_active, created_at
		 FROM users
		 WHERE is_active AND name ILIKE $1 || '%'
		 ORDER BY name
		 LIMIT $2`, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.Search query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.AvatarURL, &u.Role, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("userRepo.Search scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.Search rows: %w", err)
	}
	return users, nil
}
