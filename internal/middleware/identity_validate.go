package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/estatechat/internal/model"
)

// UserUpserter синхронизирует локальную копию пользователя с тем, что вернул
// сервис идентификации.
type UserUpserter interface {
	Upsert(ctx context.Context, u *model.User) error
}

// IdentityValidate резолвит bearer-токен через внешний сервис идентификации.
// Движок сам токены не проверяет и не хранит: доверяет паре (user_id, role),
// которую вернул сервис, и кладёт её в контекст запроса. Профиль пользователя
// (имя, аватар, роль) апсертится в локальную таблицу, чтобы выдача диалогов
// не ходила во внешний сервис на каждый запрос.
func IdentityValidate(identityServiceURL string, users UserUpserter, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, identityServiceURL+"/internal/resolve", nil)
			if err != nil {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := client.Do(req)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			var result struct {
				UserID    string `json:"user_id"`
				Name      string `json:"name"`
				AvatarURL string `json:"avatar_url"`
				Role      string `json:"role"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			role := model.UserRole(result.Role)
			switch role {
			case model.RoleBuyer, model.RoleAgent, model.RoleAdmin:
			default:
				role = model.RoleBuyer
			}
			if users != nil {
				u := &model.User{
					ID:        result.UserID,
					Name:      result.Name,
					AvatarURL: result.AvatarURL,
					Role:      role,
					IsActive:  true,
				}
				// Апсерт best-effort: если БД моргнула, запрос всё равно
				// обслуживаем по данным сервиса идентификации.
				_ = users.Upsert(r.Context(), u)
			}
			ctx := context.WithValue(r.Context(), UserIDKey, result.UserID)
			ctx = context.WithValue(ctx, UserRoleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminOnly пропускает только пользователей с ролью admin. Вешается после
// IdentityValidate.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserRole(r.Context()) != model.RoleAdmin {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken достаёт токен из заголовка Authorization либо из query
// (WebSocket из браузера не умеет ставить заголовки).
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}
