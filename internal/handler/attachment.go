package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/estatechat/internal/attachment"
	"github.com/estatechat/internal/blobstore"
	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/middleware"
)

type AttachmentHandler struct {
	pipe          *attachment.Pipeline
	blobs         *blobstore.Store
	maxUploadSize int64
}

func NewAttachmentHandler(pipe *attachment.Pipeline, blobs *blobstore.Store, maxUploadSize int64) *AttachmentHandler {
	return &AttachmentHandler{pipe: pipe, blobs: blobs, maxUploadSize: maxUploadSize}
}

type RequestUploadRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
}

// RequestUpload валидирует метаданные файла до приёма байтов и выдаёт
// одноразовый handle загрузки.
func (h *AttachmentHandler) RequestUpload(w http.ResponseWriter, r *http.Request) {
	var req RequestUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	session, err := h.pipe.RequestUpload(r.Context(), chi.URLParam(r, "id"),
		middleware.GetUserID(r.Context()), req.FileName, req.FileSize, req.MimeType)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// Upload принимает байты по handle из request-upload (multipart, поле "file"),
// кладёт их в блоб-хранилище и завершает загрузку: строка вложения + сопутствующее
// сообщение в диалоге.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	stored, size, err := h.blobs.Save(r.Context(), header.Filename, file)
	if err != nil {
		logger.Errorf("upload save: %v", err)
		writeError(w, http.StatusBadRequest, "failed to store file")
		return
	}
	att, msg, err := h.pipe.CompleteUpload(r.Context(), handle, middleware.GetUserID(r.Context()), stored, size)
	if err != nil {
		// Строки вложения нет — убираем осиротевший блоб.
		h.blobs.Remove(stored)
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"attachment": att, "message": msg})
}

func (h *AttachmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	att, err := h.pipe.Get(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// Download отдаёт файл; доступ только активным участникам диалога вложения.
func (h *AttachmentHandler) Download(w http.ResponseWriter, r *http.Request) {
	att, err := h.pipe.Get(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.blobs.Serve(w, r, att.StorageURL, att.FileName)
}

// ListForConversation возвращает вложения диалога (медиа-галерея).
func (h *AttachmentHandler) ListForConversation(w http.ResponseWriter, r *http.Request) {
	list, err := h.pipe.ListForConversation(r.Context(), chi.URLParam(r, "id"),
		middleware.GetUserID(r.Context()), queryInt(r, "limit", 50))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": list})
}
