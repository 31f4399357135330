package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/session"
)

// Inbox manages conversation requests for the signed-in user.
type Inbox struct {
	sess    *session.Session
	backend ConversationBackend
	logger  *zap.Logger
}

func NewInbox(sess *session.Session, backend ConversationBackend, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{sess: sess, backend: backend, logger: logger}
}

// Request opens a pending conversation with peer. An existing conversation
// between the pair, in either direction, yields ErrConversationExists.
func (i *Inbox) Request(ctx context.Context, peer uuid.UUID) (models.Conversation, error) {
	if peer == uuid.Nil || peer == i.sess.UserID() {
		return models.Conversation{}, ErrInvalidPeer
	}
	conv, err := i.backend.RequestConversation(ctx, peer)
	if err != nil {
		if errors.Is(err, ErrConversationExists) {
			i.logger.Info("conversation request rejected, pair already exists",
				zap.String("peer_id", peer.String()))
			return models.Conversation{}, err
		}
		return models.Conversation{}, fmt.Errorf("failed to request conversation: %w", err)
	}
	return conv, nil
}

func (i *Inbox) Accept(ctx context.Context, id uuid.UUID) (models.Conversation, error) {
	return i.respond(ctx, id, models.StatusAccepted)
}

func (i *Inbox) Decline(ctx context.Context, id uuid.UUID) (models.Conversation, error) {
	return i.respond(ctx, id, models.StatusDeclined)
}

func (i *Inbox) respond(ctx context.Context, id uuid.UUID, status models.ConversationStatus) (models.Conversation, error) {
	conv, err := i.backend.RespondConversation(ctx, id, status)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to %s conversation: %w", verb(status), err)
	}
	return conv, nil
}

func verb(status models.ConversationStatus) string {
	if status == models.StatusAccepted {
		return "accept"
	}
	return "decline"
}

// List returns the user's conversations, newest activity first.
func (i *Inbox) List(ctx context.Context) ([]models.Conversation, error) {
	convs, err := i.backend.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}
