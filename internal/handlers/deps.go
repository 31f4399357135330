package handlers

import (
	"context"

	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/google/uuid"
)

// ConversationStore is the persistence the conversation routes need.
// *repository.ConversationRepository implements it.
type ConversationStore interface {
	Create(ctx context.Context, requesterID, addresseeID uuid.UUID) (*models.Conversation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error)
	UpdateStatus(ctx context.Context, id, actorID uuid.UUID, status models.ConversationStatus) (*models.Conversation, error)
}

// MessageStore is implemented by *repository.MessageRepository.
type MessageStore interface {
	Insert(ctx context.Context, draft models.MessageDraft) (*models.Message, error)
	FetchPage(ctx context.Context, conversationID uuid.UUID, beforeID int64, limit int) ([]*models.Message, error)
	MarkRead(ctx context.Context, receiverID uuid.UUID, ids []int64) ([]*models.Message, error)
	UnreadByConversation(ctx context.Context, receiverID uuid.UUID) (map[uuid.UUID][]int64, error)
}

// ChangePublisher fans a row change out to realtime subscribers.
type ChangePublisher interface {
	PublishChange(ctx context.Context, env realtime.Envelope) error
}
