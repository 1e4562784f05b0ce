package handler

import (
	"encoding/json"
	"net/http"

	"github.com/estatechat/internal/middleware"
	"github.com/estatechat/internal/push"
)

// PushHandler обрабатывает подписку на пуш-уведомления.
type PushHandler struct {
	sender *push.Sender
}

func NewPushHandler(sender *push.Sender) *PushHandler {
	return &PushHandler{sender: sender}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if !h.sender.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push disabled")
		return
	}
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Subscription.Endpoint == "" || req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.sender.Subscribe(r.Context(), middleware.GetUserID(r.Context()), req.Subscription); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest — тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.sender.Unsubscribe(r.Context(), middleware.GetUserID(r.Context()), req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
