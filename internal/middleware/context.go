package middleware

import (
	"context"

	"github.com/estatechat/internal/model"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserRoleKey contextKey = "user_role"
)

// GetUserID возвращает user_id из контекста (устанавливается IdentityValidate).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetUserRole возвращает роль пользователя из контекста (устанавливается IdentityValidate).
func GetUserRole(ctx context.Context) model.UserRole {
	v, _ := ctx.Value(UserRoleKey).(model.UserRole)
	return v
}
