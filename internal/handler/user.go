package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/repository"
)

type UserHandler struct {
	userRepo *repository.UserRepository
}

func NewUserHandler(userRepo *repository.UserRepository) *UserHandler {
	return &UserHandler{userRepo: userRepo}
}

// Search ищет пользователей по имени (для начала нового диалога).
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	users, err := h.userRepo.Search(r.Context(), query, queryInt(r, "limit", 20))
	if err != nil {
		writeAppError(w, err)
		return
	}
	public := make([]model.UserPublic, 0, len(users))
	for i := range users {
		public = append(public, users[i].ToPublic())
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": public})
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.userRepo.GetByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}
