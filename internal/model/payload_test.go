package model

import (
	"strings"
	"testing"
	"time"
)

func TestDecodePayloadPerType(t *testing.T) {
	cases := []struct {
		msgType MessageType
		raw     string
		want    any
	}{
		{MessagePropertyLink, `{"property_id":"p1","title":"2к квартира","price_cents":1250000000,"currency":"RUB"}`, &PropertyLinkPayload{}},
		{MessageViewingRequest, `{"property_id":"p1","proposed_at":"2026-09-01T14:00:00Z"}`, &ViewingRequestPayload{}},
		{MessageOffer, `{"property_id":"p1","amount_cents":1100000000,"currency":"RUB"}`, &OfferPayload{}},
		{MessageLocation, `{"latitude":55.75,"longitude":37.62,"label":"офис"}`, &LocationPayload{}},
		{MessageImage, `{"attachment_id":"a1","file_name":"plan.png","mime_type":"image/png","file_size":1024}`, &AttachmentPayload{}},
	}
	for _, c := range cases {
		p, err := DecodePayload(c.msgType, []byte(c.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", c.msgType, err)
		}
		if p == nil {
			t.Fatalf("decode %s: nil payload", c.msgType)
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("validate %s: %v", c.msgType, err)
		}
	}
}

func TestDecodePayloadTextIsNil(t *testing.T) {
	p, err := DecodePayload(MessageText, []byte(`{"anything":1}`))
	if err != nil || p != nil {
		t.Fatalf("text payload: got %v, %v; want nil, nil", p, err)
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	if _, err := DecodePayload(MessageType("sticker"), []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	at := time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)
	in := &ViewingRequestPayload{PropertyID: "p7", ProposedAt: at, Note: "после 18:00", Status: "requested"}
	data, err := EncodePayload(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodePayload(MessageViewingRequest, data)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := out.(*ViewingRequestPayload)
	if !ok {
		t.Fatalf("wrong payload type %T", out)
	}
	if got.PropertyID != in.PropertyID || !got.ProposedAt.Equal(in.ProposedAt) || got.Note != in.Note {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestPayloadValidation(t *testing.T) {
	bad := []Payload{
		&PropertyLinkPayload{},
		&ViewingRequestPayload{PropertyID: "p1"},
		&OfferPayload{PropertyID: "p1", AmountCents: 0, Currency: "RUB"},
		&OfferPayload{PropertyID: "p1", AmountCents: 100, Currency: ""},
		&LocationPayload{Latitude: 91},
		&AttachmentPayload{},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("case %d (%T): expected validation error", i, p)
		}
	}
}

func TestScrubDeletedMessage(t *testing.T) {
	orig := "старый текст"
	m := &Message{
		Type:            MessageText,
		Content:         "секретный адрес",
		OriginalContent: &orig,
		Reactions:       map[string][]string{"👍": {"u1"}},
		IsDeleted:       true,
	}
	m.Scrub()
	if m.Content != "" || m.OriginalContent != nil || m.Reactions != nil {
		t.Fatalf("scrub left content behind: %+v", m)
	}
	if !m.IsDeleted {
		t.Fatal("scrub must keep the deletion flag")
	}
}

func TestScrubKeepsLiveMessage(t *testing.T) {
	m := &Message{Type: MessageText, Content: "привет"}
	m.Scrub()
	if m.Content != "привет" {
		t.Fatal("scrub must not touch live messages")
	}
}

func TestPreviewTruncatesRuneSafe(t *testing.T) {
	m := &Message{Type: MessageText, Content: strings.Repeat("ж", 200)}
	got := m.Preview()
	if r := []rune(got); len(r) != 120 {
		t.Fatalf("preview length = %d runes, want 120", len(r))
	}
	if strings.ContainsRune(got, '�') {
		t.Fatal("preview split a multibyte rune")
	}
}

func TestPreviewPlaceholders(t *testing.T) {
	m := &Message{Type: MessageOffer, Content: "не должно попасть в шапку"}
	if got := m.Preview(); got == m.Content || got == "" {
		t.Fatalf("offer preview = %q, want placeholder", got)
	}
}
