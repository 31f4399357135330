package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alicasapp/backend/internal/models"
	"github.com/google/uuid"
)

// EventType is the kind of row change carried by an Event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

// Event is a single change to a persisted row. Record holds the full row as
// it was written.
type Event struct {
	Type   EventType       `json:"type"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// ConversationTopic scopes message changes to one conversation.
func ConversationTopic(conversationID uuid.UUID) string {
	return "messages:conversation_id=" + conversationID.String()
}

// InboxTopic carries conversation lifecycle changes and message changes
// where the user is sender or receiver.
func InboxTopic(userID uuid.UUID) string {
	return "inbox:user_id=" + userID.String()
}

// MessageEvent wraps a message row into an event.
func MessageEvent(typ EventType, msg models.Message) (Event, error) {
	record, err := json.Marshal(msg.ToRow())
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode message record: %w", err)
	}
	return Event{Type: typ, Table: TableMessages, Record: record}, nil
}

// ConversationEvent wraps a conversation row into an event.
func ConversationEvent(typ EventType, conv models.Conversation) (Event, error) {
	record, err := json.Marshal(conv)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode conversation record: %w", err)
	}
	return Event{Type: typ, Table: TableConversations, Record: record}, nil
}

// DecodeMessage normalizes a messages event into a patch. Records that are
// not message rows or lack an id are rejected.
func DecodeMessage(ev Event) (models.MessagePatch, error) {
	if ev.Table != TableMessages {
		return models.MessagePatch{}, fmt.Errorf("event for table %q is not a message", ev.Table)
	}
	if ev.Type != EventInsert && ev.Type != EventUpdate {
		return models.MessagePatch{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	var row models.MessageRow
	if err := json.Unmarshal(ev.Record, &row); err != nil {
		return models.MessagePatch{}, fmt.Errorf("failed to decode message record: %w", err)
	}
	return row.Patch()
}

// DecodeConversation normalizes a conversations event.
func DecodeConversation(ev Event) (models.Conversation, error) {
	if ev.Table != TableConversations {
		return models.Conversation{}, fmt.Errorf("event for table %q is not a conversation", ev.Table)
	}
	var conv models.Conversation
	if err := json.Unmarshal(ev.Record, &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to decode conversation record: %w", err)
	}
	if conv.ID == uuid.Nil || !conv.Status.Valid() {
		return models.Conversation{}, fmt.Errorf("malformed conversation record")
	}
	return conv, nil
}

// Envelope is the frame published on the change bus and sent over the
// websocket, naming the topic an event belongs to.
type Envelope struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

// TopicKind names the scope of a topic.
type TopicKind string

const (
	TopicConversation TopicKind = "messages:conversation_id="
	TopicInbox        TopicKind = "inbox:user_id="
)

// ParseTopic splits a topic produced by ConversationTopic or InboxTopic.
func ParseTopic(topic string) (TopicKind, uuid.UUID, error) {
	for _, kind := range []TopicKind{TopicConversation, TopicInbox} {
		rest, ok := strings.CutPrefix(topic, string(kind))
		if !ok {
			continue
		}
		id, err := uuid.Parse(rest)
		if err != nil {
			return "", uuid.Nil, fmt.Errorf("invalid id in topic %q: %w", topic, err)
		}
		return kind, id, nil
	}
	return "", uuid.Nil, fmt.Errorf("unknown topic %q", topic)
}
