package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/estatechat/internal/conversation"
	"github.com/estatechat/internal/message"
	"github.com/estatechat/internal/middleware"
	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/repository"
)

type ConversationHandler struct {
	mgr  *conversation.Manager
	pipe *message.Pipeline
}

func NewConversationHandler(mgr *conversation.Manager, pipe *message.Pipeline) *ConversationHandler {
	return &ConversationHandler{mgr: mgr, pipe: pipe}
}

type CreateConversationRequest struct {
	Type           model.ConversationType `json:"type"`
	Title          string                 `json:"title"`
	ParticipantIDs []string               `json:"participant_ids"`
	PropertyID     string                 `json:"property_id"`
}

// Create создаёт диалог. Повторный create прямого диалога с тем же собеседником
// возвращает существующий (existing=true) со статусом 200 вместо 201.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	view, err := h.mgr.Create(r.Context(), middleware.GetUserID(r.Context()), conversation.CreateParams{
		Type:           req.Type,
		Title:          req.Title,
		ParticipantIDs: req.ParticipantIDs,
		PropertyID:     req.PropertyID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusCreated
	if view.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, view)
}

// PropertyInquiryRequest — шорткат «написать агенту по объявлению»: диалог
// property_inquiry плюс первое сообщение одним запросом.
type PropertyInquiryRequest struct {
	AgentID    string `json:"agent_id"`
	PropertyID string `json:"property_id"`
	Message    string `json:"message"`
}

func (h *ConversationHandler) PropertyInquiry(w http.ResponseWriter, r *http.Request) {
	var req PropertyInquiryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	buyerID := middleware.GetUserID(r.Context())
	view, err := h.mgr.Create(r.Context(), buyerID, conversation.CreateParams{
		Type:           model.ConversationPropertyInquiry,
		ParticipantIDs: []string{req.AgentID},
		PropertyID:     req.PropertyID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	if req.Message != "" {
		msg, err := h.pipe.Send(r.Context(), buyerID, message.SendParams{
			ConversationID: view.Conversation.ID,
			Type:           model.MessageText,
			Content:        req.Message,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		view.LastMessage = msg
	}
	status := http.StatusCreated
	if view.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, view)
}

// List возвращает диалоги текущего пользователя с фильтрами из query.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	f := repository.ListFilter{
		Type:   model.ConversationType(r.URL.Query().Get("type")),
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("archived"); v != "" {
		archived := v == "1" || v == "true"
		f.Archived = &archived
	}
	list, err := h.mgr.List(r.Context(), middleware.GetUserID(r.Context()), f)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.mgr.Get(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type ParticipantRequest struct {
	UserID string `json:"user_id"`
}

func (h *ConversationHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	err := h.mgr.AddParticipant(r.Context(), chi.URLParam(r, "id"), req.UserID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveParticipant убирает участника; участник может удалить сам себя (leave).
func (h *ConversationHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	err := h.mgr.RemoveParticipant(r.Context(), chi.URLParam(r, "id"), userID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	err := h.mgr.RemoveParticipant(r.Context(), chi.URLParam(r, "id"), me, me)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.setArchived(w, r, true)
}

func (h *ConversationHandler) Unarchive(w http.ResponseWriter, r *http.Request) {
	h.setArchived(w, r, false)
}

func (h *ConversationHandler) setArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	err := h.mgr.SetArchived(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), archived)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
