package chat

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/alicasapp/backend/internal/models"
)

// PageSize is the number of messages fetched per page.
const PageSize = 20

var (
	ErrNotOpen              = errors.New("no conversation is open")
	ErrSuperseded           = errors.New("conversation changed while the operation was running")
	ErrConversationDeclined = errors.New("conversation was declined")
	ErrConversationExists   = errors.New("a conversation with this user already exists")
	ErrInvalidPeer          = errors.New("invalid conversation peer")
	ErrNotFound             = errors.New("conversation not found")
	ErrForbidden            = errors.New("not a participant of this conversation")
)

// ConversationBackend is the persistence surface for conversation rows,
// scoped to the signed-in user.
type ConversationBackend interface {
	GetConversation(ctx context.Context, id uuid.UUID) (models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	// RequestConversation fails with ErrConversationExists when the pair
	// already has a conversation in either direction.
	RequestConversation(ctx context.Context, peer uuid.UUID) (models.Conversation, error)
	RespondConversation(ctx context.Context, id uuid.UUID, status models.ConversationStatus) (models.Conversation, error)
}

// MessageBackend is the persistence surface for message rows.
type MessageBackend interface {
	// FetchMessages returns up to limit messages of the conversation in
	// descending id order. beforeID of 0 means the newest page.
	FetchMessages(ctx context.Context, conversationID uuid.UUID, beforeID int64, limit int) ([]models.Message, error)
	InsertMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error)
}

// MediaUploader stores a blob and returns its stable public URL.
type MediaUploader interface {
	Upload(ctx context.Context, contentType string, r io.Reader) (string, error)
}

type Backend interface {
	ConversationBackend
	MessageBackend
	MediaUploader
}
