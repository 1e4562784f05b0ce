package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/estatechat/internal/middleware"
	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/presence"
	"github.com/estatechat/internal/unread"
)

type PresenceHandler struct {
	tracker *presence.Tracker
	sync    *unread.Synchronizer
}

func NewPresenceHandler(tracker *presence.Tracker, sync *unread.Synchronizer) *PresenceHandler {
	return &PresenceHandler{tracker: tracker, sync: sync}
}

// Me возвращает собственное presence целиком (включая приватность и статистику сессий).
func (h *PresenceHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Self(middleware.GetUserID(r.Context())))
}

// Get возвращает публичное presence другого пользователя (с учётом его приватности).
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Public(r.Context(), chi.URLParam(r, "userID")))
}

type SetStatusRequest struct {
	Status  model.PresenceStatus `json:"status"`
	Message string               `json:"message"`
}

func (h *PresenceHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch req.Status {
	case model.StatusOnline, model.StatusAway, model.StatusBusy:
	default:
		writeError(w, http.StatusBadRequest, "status must be online, away or busy")
		return
	}
	h.tracker.SetStatus(middleware.GetUserID(r.Context()), req.Status, req.Message)
	w.WriteHeader(http.StatusNoContent)
}

type SetPrivacyRequest struct {
	ShareOnline *bool `json:"share_online"`
	ShareTyping *bool `json:"share_typing"`
}

func (h *PresenceHandler) SetPrivacy(w http.ResponseWriter, r *http.Request) {
	var req SetPrivacyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	h.tracker.SetPrivacy(middleware.GetUserID(r.Context()), req.ShareOnline, req.ShareTyping)
	w.WriteHeader(http.StatusNoContent)
}

// UnreadTotal — суммарный счётчик непрочитанного для бейджа приложения.
func (h *PresenceHandler) UnreadTotal(w http.ResponseWriter, r *http.Request) {
	total, err := h.sync.Total(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total_unread": total})
}
