package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind tags which payload variant a message carries.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
)

// Valid reports whether k is a known payload variant.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio:
		return true
	}
	return false
}

var (
	ErrEmptyPayload     = errors.New("message payload is empty")
	ErrAmbiguousPayload = errors.New("message payload carries more than one variant")
	ErrMalformedRow     = errors.New("malformed message row")
)

// Waveform is a normalized amplitude summary of a voice note, values in [0,1].
// A nil Waveform means none was extracted and playback degrades to duration only.
type Waveform []float64

// Payload is exactly one of text, image reference or audio reference.
type Payload struct {
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ImageURL   string      `json:"image_url,omitempty"`
	AudioURL   string      `json:"audio_url,omitempty"`
	Waveform   Waveform    `json:"waveform,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
}

func TextPayload(text string) Payload {
	return Payload{Kind: KindText, Text: text}
}

func ImagePayload(url string) Payload {
	return Payload{Kind: KindImage, ImageURL: url}
}

func AudioPayload(url string, waveform Waveform, duration time.Duration) Payload {
	return Payload{Kind: KindAudio, AudioURL: url, Waveform: waveform, DurationMS: duration.Milliseconds()}
}

// Validate enforces that exactly one variant is populated and that it matches Kind.
func (p Payload) Validate() error {
	populated := 0
	if p.Text != "" {
		populated++
	}
	if p.ImageURL != "" {
		populated++
	}
	if p.AudioURL != "" {
		populated++
	}
	if populated == 0 {
		return ErrEmptyPayload
	}
	if populated > 1 {
		return ErrAmbiguousPayload
	}

	switch p.Kind {
	case KindText:
		if p.Text == "" {
			return fmt.Errorf("text message without text: %w", ErrEmptyPayload)
		}
	case KindImage:
		if p.ImageURL == "" {
			return fmt.Errorf("image message without url: %w", ErrEmptyPayload)
		}
	case KindAudio:
		if p.AudioURL == "" {
			return fmt.Errorf("audio message without url: %w", ErrEmptyPayload)
		}
		for _, v := range p.Waveform {
			if v < 0 || v > 1 {
				return fmt.Errorf("waveform sample %v out of range", v)
			}
		}
	default:
		return fmt.Errorf("unknown message kind %q", p.Kind)
	}
	return nil
}

// Preview is a short human readable description used for push bodies.
func (p Payload) Preview(limit int) string {
	switch p.Kind {
	case KindImage:
		return "sent a photo"
	case KindAudio:
		return "sent a voice message"
	}
	runes := []rune(p.Text)
	if limit > 0 && len(runes) > limit {
		return string(runes[:limit]) + "…"
	}
	return p.Text
}

// Message is one entry of a conversation. ID is assigned by the database
// and increases monotonically.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	ReceiverID     uuid.UUID `json:"receiver_id"`
	Payload        Payload   `json:"payload"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageDraft is what a client submits; ID and CreatedAt come back from storage.
type MessageDraft struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	ReceiverID     uuid.UUID `json:"receiver_id"`
	Payload        Payload   `json:"payload"`
}

// MessageRow is the flat, loosely-typed shape used on the wire and in
// realtime records. Absent and null fields decode to nil.
type MessageRow struct {
	ID             *int64          `json:"id"`
	ConversationID *uuid.UUID      `json:"conversation_id"`
	SenderID       *uuid.UUID      `json:"sender_id"`
	ReceiverID     *uuid.UUID      `json:"receiver_id"`
	Kind           *MessageKind    `json:"kind"`
	Text           *string         `json:"text"`
	ImageURL       *string         `json:"image_url"`
	AudioURL       *string         `json:"audio_url"`
	Waveform       json.RawMessage `json:"waveform"`
	DurationMS     *int64          `json:"duration_ms"`
	IsRead         *bool           `json:"is_read"`
	CreatedAt      *time.Time      `json:"created_at"`
}

// ToRow flattens m into its wire shape.
func (m Message) ToRow() MessageRow {
	row := MessageRow{
		ID:             &m.ID,
		ConversationID: &m.ConversationID,
		SenderID:       &m.SenderID,
		ReceiverID:     &m.ReceiverID,
		Kind:           &m.Payload.Kind,
		IsRead:         &m.IsRead,
		CreatedAt:      &m.CreatedAt,
	}
	switch m.Payload.Kind {
	case KindText:
		row.Text = &m.Payload.Text
	case KindImage:
		row.ImageURL = &m.Payload.ImageURL
	case KindAudio:
		row.AudioURL = &m.Payload.AudioURL
		if m.Payload.DurationMS > 0 {
			row.DurationMS = &m.Payload.DurationMS
		}
		if m.Payload.Waveform != nil {
			row.Waveform, _ = json.Marshal(m.Payload.Waveform)
		}
	}
	return row
}

// Patch converts a row into a partial update. Malformed waveform JSON is
// dropped rather than failing the whole row.
func (r MessageRow) Patch() (MessagePatch, error) {
	if r.ID == nil || *r.ID <= 0 {
		return MessagePatch{}, fmt.Errorf("%w: missing id", ErrMalformedRow)
	}
	if r.Kind != nil && *r.Kind != "" && !r.Kind.Valid() {
		return MessagePatch{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedRow, *r.Kind)
	}
	patch := MessagePatch{
		ID:             *r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Kind:           r.Kind,
		Text:           r.Text,
		ImageURL:       r.ImageURL,
		AudioURL:       r.AudioURL,
		DurationMS:     r.DurationMS,
		IsRead:         r.IsRead,
		CreatedAt:      r.CreatedAt,
	}
	if len(r.Waveform) > 0 && string(r.Waveform) != "null" {
		var wf Waveform
		if err := json.Unmarshal(r.Waveform, &wf); err == nil {
			patch.Waveform = wf
		}
	}
	return patch, nil
}

// Normalize turns a complete row into a Message, rejecting rows that do not
// carry identity, both participants and exactly one valid payload.
func (r MessageRow) Normalize() (Message, error) {
	patch, err := r.Patch()
	if err != nil {
		return Message{}, err
	}
	msg, ok := patch.Complete()
	if !ok {
		return Message{}, fmt.Errorf("%w: message %d is incomplete", ErrMalformedRow, patch.ID)
	}
	if err := msg.Payload.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: message %d: %v", ErrMalformedRow, patch.ID, err)
	}
	return msg, nil
}

// MessagePatch is a partial message: nil fields are unknown.
type MessagePatch struct {
	ID             int64
	ConversationID *uuid.UUID
	SenderID       *uuid.UUID
	ReceiverID     *uuid.UUID
	Kind           *MessageKind
	Text           *string
	ImageURL       *string
	AudioURL       *string
	Waveform       Waveform
	DurationMS     *int64
	IsRead         *bool
	CreatedAt      *time.Time
}

// Complete builds a Message when the patch carries enough to render one.
func (p MessagePatch) Complete() (Message, bool) {
	if p.ConversationID == nil || p.SenderID == nil || p.ReceiverID == nil || p.Kind == nil {
		return Message{}, false
	}
	msg := Message{
		ID:             p.ID,
		ConversationID: *p.ConversationID,
		SenderID:       *p.SenderID,
		ReceiverID:     *p.ReceiverID,
		Payload:        Payload{Kind: *p.Kind},
	}
	msg.Merge(p)
	return msg, true
}

// Merge applies p onto m field by field. Populated fields in p win; nil
// pointers and empty strings never erase what m already knows. The read
// flag only moves from false to true.
func (m *Message) Merge(p MessagePatch) {
	if p.ID != m.ID {
		return
	}
	if p.ConversationID != nil && *p.ConversationID != uuid.Nil {
		m.ConversationID = *p.ConversationID
	}
	if p.SenderID != nil && *p.SenderID != uuid.Nil {
		m.SenderID = *p.SenderID
	}
	if p.ReceiverID != nil && *p.ReceiverID != uuid.Nil {
		m.ReceiverID = *p.ReceiverID
	}
	if p.Kind != nil && *p.Kind != "" {
		m.Payload.Kind = *p.Kind
	}
	if p.Text != nil && *p.Text != "" {
		m.Payload.Text = *p.Text
	}
	if p.ImageURL != nil && *p.ImageURL != "" {
		m.Payload.ImageURL = *p.ImageURL
	}
	if p.AudioURL != nil && *p.AudioURL != "" {
		m.Payload.AudioURL = *p.AudioURL
	}
	if len(p.Waveform) > 0 {
		m.Payload.Waveform = append(Waveform(nil), p.Waveform...)
	}
	if p.DurationMS != nil && *p.DurationMS > 0 {
		m.Payload.DurationMS = *p.DurationMS
	}
	if p.IsRead != nil && *p.IsRead {
		m.IsRead = true
	}
	if p.CreatedAt != nil && !p.CreatedAt.IsZero() {
		m.CreatedAt = *p.CreatedAt
	}
}

// PatchOf returns the full patch equivalent of m.
func PatchOf(m Message) MessagePatch {
	p, _ := m.ToRow().Patch()
	return p
}

type SendMessageRequest struct {
	Payload Payload `json:"payload"`
}

type GetMessagesRequest struct {
	BeforeID int64 `form:"before_id"`
	Limit    int   `form:"limit"`
}

type MarkReadRequest struct {
	IDs []int64 `json:"ids" binding:"required,min=1,max=500"`
}

// UnreadResponse groups unread message ids by conversation.
type UnreadResponse struct {
	Conversations map[uuid.UUID][]int64 `json:"conversations"`
}
