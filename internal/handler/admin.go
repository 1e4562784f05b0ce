package handler

import (
	"net/http"

	"github.com/estatechat/internal/repository"
	"github.com/estatechat/internal/ws"
)

// AdminHandler — служебные эндпоинты; роуты закрываются middleware.AdminOnly.
type AdminHandler struct {
	convRepo *repository.ConversationRepository
	hub      *ws.Hub
}

func NewAdminHandler(convRepo *repository.ConversationRepository, hub *ws.Hub) *AdminHandler {
	return &AdminHandler{convRepo: convRepo, hub: hub}
}

// Stats отдаёт агрегаты движка плюс число живых WebSocket-соединений этого процесса.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.convRepo.GetEngineStats(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":          stats,
		"ws_connections": h.hub.ConnectionTotal(),
	})
}
