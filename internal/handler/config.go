package handler

import (
	"net/http"

	"github.com/estatechat/internal/config"
	"github.com/estatechat/internal/push"
)

// ConfigHandler отдаёт публичные параметры конфигурации для клиента.
type ConfigHandler struct {
	cfg    *config.Config
	sender *push.Sender
}

func NewConfigHandler(cfg *config.Config, sender *push.Sender) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, sender: sender}
}

// GetClientConfig возвращает лимиты и фичи, которые клиент должен знать до
// первого запроса (без авторизации).
func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_upload_size_bytes": h.cfg.MaxUploadSize,
		"edit_window_seconds":   int(h.cfg.Engine.EditWindow.Seconds()),
		"typing_ttl_seconds":    int(h.cfg.Engine.TypingTTL.Seconds()),
	})
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if !h.sender.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.sender.PublicKey(),
	})
}
