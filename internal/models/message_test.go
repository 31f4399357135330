package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr error
	}{
		{
			name:    "Valid text",
			payload: TextPayload("hello"),
		},
		{
			name:    "Valid image",
			payload: ImagePayload("https://cdn.example.com/a.jpg"),
		},
		{
			name:    "Valid audio without waveform",
			payload: AudioPayload("https://cdn.example.com/a.webm", nil, 3*time.Second),
		},
		{
			name:    "Empty",
			payload: Payload{Kind: KindText},
			wantErr: ErrEmptyPayload,
		},
		{
			name:    "Two variants",
			payload: Payload{Kind: KindText, Text: "hi", ImageURL: "https://cdn.example.com/a.jpg"},
			wantErr: ErrAmbiguousPayload,
		},
		{
			name:    "Kind mismatch",
			payload: Payload{Kind: KindImage, Text: "hi"},
			wantErr: ErrEmptyPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	bad := AudioPayload("https://cdn.example.com/a.webm", Waveform{0.2, 1.5}, time.Second)
	if err := bad.Validate(); err == nil {
		t.Fatal("expected out of range waveform to fail validation")
	}
}

func TestPayload_Preview(t *testing.T) {
	if got := TextPayload("hello world").Preview(5); got != "hello…" {
		t.Errorf("Preview() = %q", got)
	}
	if got := ImagePayload("u").Preview(5); got != "sent a photo" {
		t.Errorf("Preview() = %q", got)
	}
	if got := AudioPayload("u", nil, 0).Preview(5); got != "sent a voice message" {
		t.Errorf("Preview() = %q", got)
	}
}

func TestMessageRow_Normalize(t *testing.T) {
	conv, sender, receiver := uuid.New(), uuid.New(), uuid.New()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, m Message)
	}{
		{
			name: "Text row",
			raw:  `{"id":7,"conversation_id":"` + conv.String() + `","sender_id":"` + sender.String() + `","receiver_id":"` + receiver.String() + `","kind":"text","text":"hey","is_read":false}`,
			check: func(t *testing.T, m Message) {
				if m.ID != 7 || m.Payload.Text != "hey" || m.SenderID != sender {
					t.Fatalf("unexpected message %+v", m)
				}
			},
		},
		{
			name: "Audio row with waveform",
			raw:  `{"id":8,"conversation_id":"` + conv.String() + `","sender_id":"` + sender.String() + `","receiver_id":"` + receiver.String() + `","kind":"audio","audio_url":"https://x/a","waveform":[0,0.5,1],"duration_ms":1500}`,
			check: func(t *testing.T, m Message) {
				if len(m.Payload.Waveform) != 3 || m.Payload.DurationMS != 1500 {
					t.Fatalf("unexpected audio payload %+v", m.Payload)
				}
			},
		},
		{
			name: "Malformed waveform degrades to nil",
			raw:  `{"id":9,"conversation_id":"` + conv.String() + `","sender_id":"` + sender.String() + `","receiver_id":"` + receiver.String() + `","kind":"audio","audio_url":"https://x/a","waveform":"oops"}`,
			check: func(t *testing.T, m Message) {
				if m.Payload.Waveform != nil {
					t.Fatalf("expected nil waveform, got %v", m.Payload.Waveform)
				}
			},
		},
		{
			name:    "Missing id",
			raw:     `{"conversation_id":"` + conv.String() + `","kind":"text","text":"x"}`,
			wantErr: true,
		},
		{
			name:    "Missing participants",
			raw:     `{"id":10,"conversation_id":"` + conv.String() + `","kind":"text","text":"x"}`,
			wantErr: true,
		},
		{
			name:    "Two payload variants",
			raw:     `{"id":11,"conversation_id":"` + conv.String() + `","sender_id":"` + sender.String() + `","receiver_id":"` + receiver.String() + `","kind":"text","text":"x","image_url":"https://x/i"}`,
			wantErr: true,
		},
		{
			name:    "Unknown kind",
			raw:     `{"id":12,"conversation_id":"` + conv.String() + `","sender_id":"` + sender.String() + `","receiver_id":"` + receiver.String() + `","kind":"sticker","text":"x"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var row MessageRow
			if err := json.Unmarshal([]byte(tt.raw), &row); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			msg, err := row.Normalize()
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRow) {
					t.Fatalf("expected ErrMalformedRow, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() error: %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestMessage_Merge(t *testing.T) {
	conv, sender, receiver := uuid.New(), uuid.New(), uuid.New()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := Message{
		ID:             3,
		ConversationID: conv,
		SenderID:       sender,
		ReceiverID:     receiver,
		Payload:        AudioPayload("https://x/a", nil, 0),
		CreatedAt:      created,
	}

	empty := ""
	dur := int64(2500)
	msg.Merge(MessagePatch{ID: 3, AudioURL: &empty, Waveform: Waveform{0.1, 1}, DurationMS: &dur})
	if msg.Payload.AudioURL != "https://x/a" {
		t.Fatalf("empty field erased audio url: %q", msg.Payload.AudioURL)
	}
	if len(msg.Payload.Waveform) != 2 || msg.Payload.DurationMS != 2500 {
		t.Fatalf("populated fields not merged: %+v", msg.Payload)
	}

	read, unread := true, false
	msg.Merge(MessagePatch{ID: 3, IsRead: &read})
	msg.Merge(MessagePatch{ID: 3, IsRead: &unread})
	if !msg.IsRead {
		t.Fatal("read flag moved back to false")
	}

	other := "other"
	msg.Merge(MessagePatch{ID: 4, Text: &other})
	if msg.Payload.Text != "" {
		t.Fatal("patch for another id was applied")
	}
	if !msg.CreatedAt.Equal(created) {
		t.Fatalf("created_at changed: %v", msg.CreatedAt)
	}
}

func TestPatchOfRoundTrip(t *testing.T) {
	msg := Message{
		ID:             5,
		ConversationID: uuid.New(),
		SenderID:       uuid.New(),
		ReceiverID:     uuid.New(),
		Payload:        AudioPayload("https://x/a", Waveform{0, 1}, 1200*time.Millisecond),
		CreatedAt:      time.Now().UTC(),
	}
	got, ok := PatchOf(msg).Complete()
	if !ok {
		t.Fatal("expected complete patch")
	}
	if got.ID != msg.ID || got.Payload.AudioURL != msg.Payload.AudioURL || got.Payload.DurationMS != 1200 || len(got.Payload.Waveform) != 2 {
		t.Fatalf("unexpected message %+v", got)
	}
}
