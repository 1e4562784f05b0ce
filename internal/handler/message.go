package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/estatechat/internal/message"
	"github.com/estatechat/internal/middleware"
	"github.com/estatechat/internal/model"
)

type MessageHandler struct {
	pipe *message.Pipeline
}

func NewMessageHandler(pipe *message.Pipeline) *MessageHandler {
	return &MessageHandler{pipe: pipe}
}

type SendMessageRequest struct {
	Type            model.MessageType `json:"type"`
	Content         string            `json:"content"`
	Payload         json.RawMessage   `json:"payload"`
	ReplyToID       string            `json:"reply_to_id"`
	ClientMessageID string            `json:"client_message_id"`
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Type == "" {
		req.Type = model.MessageText
	}
	payload, err := model.DecodePayload(req.Type, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	msg, err := h.pipe.Send(r.Context(), middleware.GetUserID(r.Context()), message.SendParams{
		ConversationID:  chi.URLParam(r, "id"),
		Type:            req.Type,
		Content:         req.Content,
		Payload:         payload,
		ReplyToID:       req.ReplyToID,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// History отдаёт страницу истории. Курсор — пара (cursor_at, cursor_id)
// последнего сообщения предыдущей страницы; forward=1 листает к новым.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	page := message.HistoryParams{
		CursorAt: queryTime(r, "cursor_at"),
		CursorID: r.URL.Query().Get("cursor_id"),
		Forward:  queryBool(r, "forward"),
		Limit:    queryInt(r, "limit", 50),
	}
	msgs, err := h.pipe.History(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), page)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	msg, err := h.pipe.Get(r.Context(), chi.URLParam(r, "messageID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := h.pipe.Edit(r.Context(), chi.URLParam(r, "messageID"), middleware.GetUserID(r.Context()), req.Content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.pipe.SoftDelete(r.Context(), chi.URLParam(r, "messageID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	h.changeReaction(w, r, true)
}

func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	h.changeReaction(w, r, false)
}

func (h *MessageHandler) changeReaction(w http.ResponseWriter, r *http.Request, add bool) {
	var req ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji required")
		return
	}
	var err error
	if add {
		err = h.pipe.AddReaction(r.Context(), chi.URLParam(r, "messageID"), middleware.GetUserID(r.Context()), req.Emoji)
	} else {
		err = h.pipe.RemoveReaction(r.Context(), chi.URLParam(r, "messageID"), middleware.GetUserID(r.Context()), req.Emoji)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead двигает указатель прочитанного текущего пользователя до сообщения.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	err := h.pipe.MarkRead(r.Context(), chi.URLParam(r, "messageID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	msgs, err := h.pipe.Search(r.Context(), middleware.GetUserID(r.Context()), query, queryInt(r, "limit", 30))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
