package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload — структурированная нагрузка сообщения. Вариант определяется типом
// сообщения: на каждый тег ровно одна конкретная форма, открытых map нет.
type Payload interface {
	PayloadType() MessageType
	Validate() error
}

// PropertyLinkPayload — карточка объекта в сообщении типа property_link.
type PropertyLinkPayload struct {
	PropertyID string `json:"property_id"`
	Title      string `json:"title,omitempty"`
	PriceCents int64  `json:"price_cents,omitempty"`
	Currency   string `json:"currency,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	URL        string `json:"url,omitempty"`
}

func (p *PropertyLinkPayload) PayloadType() MessageType { return MessagePropertyLink }

func (p *PropertyLinkPayload) Validate() error {
	if p.PropertyID == "" {
		return fmt.Errorf("property_id is required")
	}
	return nil
}

// ViewingRequestPayload — запрос на просмотр объекта.
type ViewingRequestPayload struct {
	PropertyID string     `json:"property_id"`
	ProposedAt time.Time  `json:"proposed_at"`
	Note       string     `json:"note,omitempty"`
	Status     string     `json:"status,omitempty"` // requested/confirmed/declined
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

func (p *ViewingRequestPayload) PayloadType() MessageType { return MessageViewingRequest }

func (p *ViewingRequestPayload) Validate() error {
	if p.PropertyID == "" {
		return fmt.Errorf("property_id is required")
	}
	if p.ProposedAt.IsZero() {
		return fmt.Errorf("proposed_at is required")
	}
	return nil
}

// OfferPayload — ценовое предложение по объекту.
type OfferPayload struct {
	PropertyID  string     `json:"property_id"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Status      string     `json:"status,omitempty"` // pending/accepted/rejected/withdrawn
}

func (p *OfferPayload) PayloadType() MessageType { return MessageOffer }

func (p *OfferPayload) Validate() error {
	if p.PropertyID == "" {
		return fmt.Errorf("property_id is required")
	}
	if p.AmountCents <= 0 {
		return fmt.Errorf("amount_cents must be positive")
	}
	if p.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	return nil
}

// LocationPayload — координаты в сообщении типа location.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

func (p *LocationPayload) PayloadType() MessageType { return MessageLocation }

func (p *LocationPayload) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude out of range")
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude out of range")
	}
	return nil
}

// AttachmentPayload — ссылка на вложение в сообщениях типа image/document/audio/video.
type AttachmentPayload struct {
	AttachmentID string `json:"attachment_id"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	FileSize     int64  `json:"file_size"`
	URL          string `json:"url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func (p *AttachmentPayload) PayloadType() MessageType { return MessageDocument }

func (p *AttachmentPayload) Validate() error {
	if p.AttachmentID == "" {
		return fmt.Errorf("attachment_id is required")
	}
	return nil
}

// DecodePayload разбирает JSON-нагрузку согласно типу сообщения.
// Для типов без структурированной нагрузки (text, system) возвращает nil.
func DecodePayload(t MessageType, data []byte) (Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var p Payload
	switch t {
	case MessagePropertyLink:
		p = &PropertyLinkPayload{}
	case MessageViewingRequest:
		p = &ViewingRequestPayload{}
	case MessageOffer:
		p = &OfferPayload{}
	case MessageLocation:
		p = &LocationPayload{}
	case MessageImage, MessageDocument, MessageAudio, MessageVideo:
		p = &AttachmentPayload{}
	case MessageText, MessageSystem:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// EncodePayload сериализует нагрузку в JSON для хранения; nil — SQL NULL.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.PayloadType(), err)
	}
	return data, nil
}
