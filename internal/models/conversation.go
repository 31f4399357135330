package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a direct conversation.
type ConversationStatus string

const (
	StatusPending  ConversationStatus = "pending"
	StatusAccepted ConversationStatus = "accepted"
	StatusDeclined ConversationStatus = "declined"
)

// Valid reports whether s is one of the known lifecycle states.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDeclined:
		return true
	}
	return false
}

// Conversation is a two-party thread. The participant pair never changes
// after creation; only Status moves.
type Conversation struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	RequesterID uuid.UUID          `json:"requester_id" db:"requester_id"`
	AddresseeID uuid.UUID          `json:"addressee_id" db:"addressee_id"`
	Status      ConversationStatus `json:"status" db:"status"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.RequesterID == userID || c.AddresseeID == userID
}

// Partner returns the participant that is not self.
func (c *Conversation) Partner(self uuid.UUID) (uuid.UUID, error) {
	switch self {
	case c.RequesterID:
		return c.AddresseeID, nil
	case c.AddresseeID:
		return c.RequesterID, nil
	}
	return uuid.Nil, fmt.Errorf("user %s is not a participant of conversation %s", self, c.ID)
}

// CanTransition reports whether actor may move the conversation to next.
// Only the addressee answers a pending request.
func (c *Conversation) CanTransition(actor uuid.UUID, next ConversationStatus) error {
	if next != StatusAccepted && next != StatusDeclined {
		return fmt.Errorf("invalid target status %q", next)
	}
	if c.Status != StatusPending {
		return fmt.Errorf("conversation is already %s", c.Status)
	}
	if actor != c.AddresseeID {
		return fmt.Errorf("only the addressee can answer a conversation request")
	}
	return nil
}

type CreateConversationRequest struct {
	PeerID uuid.UUID `json:"peer_id" binding:"required"`
}

// ConversationWithUnread is the inbox row rendered by the conversation list.
type ConversationWithUnread struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}
