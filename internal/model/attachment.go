package model

import (
	"strings"
	"time"
)

// AttachmentStatus — машина состояний обработки: pending -> processing -> completed | failed.
type AttachmentStatus string

const (
	AttachmentPending    AttachmentStatus = "pending"
	AttachmentProcessing AttachmentStatus = "processing"
	AttachmentCompleted  AttachmentStatus = "completed"
	AttachmentFailed     AttachmentStatus = "failed"
)

type ScanStatus string

const (
	ScanPending ScanStatus = "pending"
	ScanClean   ScanStatus = "clean"
	ScanFlagged ScanStatus = "flagged"
)

// AttachmentKind — категория файла, вычисляется из MIME-типа.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindDocument AttachmentKind = "document"
	KindVideo    AttachmentKind = "video"
	KindAudio    AttachmentKind = "audio"
)

// KindForMime определяет категорию по MIME-типу; пустая строка — тип не разрешён.
func KindForMime(mime string) AttachmentKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	default:
		return KindDocument
	}
}

// MessageTypeForKind — тип сопутствующего сообщения для категории вложения.
func MessageTypeForKind(k AttachmentKind) MessageType {
	switch k {
	case KindImage:
		return MessageImage
	case KindVideo:
		return MessageVideo
	case KindAudio:
		return MessageAudio
	default:
		return MessageDocument
	}
}

type FileAttachment struct {
	ID             string `json:"id"`
	// MessageID nil до создания сопутствующего сообщения (между request-upload и complete-upload).
	MessageID      *string          `json:"message_id,omitempty"`
	ConversationID string           `json:"conversation_id"`
	UploaderID     string           `json:"uploader_id"`
	FileName       string           `json:"file_name"`
	MimeType       string           `json:"mime_type"`
	FileSize       int64            `json:"file_size"`
	Kind           AttachmentKind   `json:"kind"`
	StorageURL     string           `json:"storage_url"`
	ThumbnailURL   string           `json:"thumbnail_url,omitempty"`
	PreviewURL     string           `json:"preview_url,omitempty"`
	Status         AttachmentStatus `json:"status"`
	ProcessError   string           `json:"process_error,omitempty"`
	ScanStatus     ScanStatus       `json:"scan_status"`
	IsDeleted      bool             `json:"is_deleted"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// UploadSession — handle между request-upload и complete-upload; живёт в кеше с TTL.
type UploadSession struct {
	Handle         string         `json:"handle"`
	ConversationID string         `json:"conversation_id"`
	UploaderID     string         `json:"uploader_id"`
	FileName       string         `json:"file_name"`
	MimeType       string         `json:"mime_type"`
	FileSize       int64          `json:"file_size"`
	Kind           AttachmentKind `json:"kind"`
	CreatedAt      time.Time      `json:"created_at"`
}
