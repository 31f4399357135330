// Package testsupport provides an in-memory messaging backend and helpers
// shared by package tests.
package testsupport

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alicasapp/backend/internal/chat"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/alicasapp/backend/internal/session"
)

// Server is an in-memory stand-in for the persistence and realtime
// backend. Every write publishes insert/update events on its broker the
// same way the HTTP server does over Redis.
type Server struct {
	broker *realtime.Broker

	mu            sync.Mutex
	conversations map[uuid.UUID]models.Conversation
	messages      []models.Message
	nextID        int64
	blobs         map[string][]byte
	markReadCalls [][]int64

	// BeforeFetch, when set, runs at the start of every FetchMessages call.
	BeforeFetch func()
	// UploadErr, when set, fails every upload.
	UploadErr error
	// MarkReadErr, when set, fails every MarkRead call.
	MarkReadErr error
}

func NewServer() *Server {
	return &Server{
		broker:        realtime.NewBroker(),
		conversations: make(map[uuid.UUID]models.Conversation),
		blobs:         make(map[string][]byte),
	}
}

// Broker is the realtime feed clients subscribe to.
func (s *Server) Broker() *realtime.Broker { return s.broker }

// As returns a backend view scoped to userID.
func (s *Server) As(userID uuid.UUID) *Backend {
	return &Backend{server: s, self: userID}
}

// AddConversation stores a conversation without publishing.
func (s *Server) AddConversation(requester, addressee uuid.UUID, status models.ConversationStatus) models.Conversation {
	now := time.Now().UTC()
	conv := models.Conversation{
		ID:          uuid.New(),
		RequesterID: requester,
		AddresseeID: addressee,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return conv
}

// SeedText inserts n text messages from sender without publishing and
// returns them in ascending id order.
func (s *Server) SeedText(conv models.Conversation, sender uuid.UUID, n int) []models.Message {
	receiver, err := conv.Partner(sender)
	if err != nil {
		panic(err)
	}
	out := make([]models.Message, 0, n)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		msg := s.insertLocked(models.MessageDraft{
			ConversationID: conv.ID,
			SenderID:       sender,
			ReceiverID:     receiver,
			Payload:        models.TextPayload(fmt.Sprintf("message %d", s.nextID+1)),
		})
		out = append(out, msg)
	}
	return out
}

// Message returns the stored row for id.
func (s *Server) Message(id int64) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

// MessageCount is the number of stored rows.
func (s *Server) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// MarkReadCalls returns the id sets passed to MarkRead, in call order.
func (s *Server) MarkReadCalls() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int64, len(s.markReadCalls))
	for i, ids := range s.markReadCalls {
		out[i] = slices.Clone(ids)
	}
	return out
}

// PublishMessage publishes msg as if it were written by the database.
func (s *Server) PublishMessage(typ realtime.EventType, msg models.Message) {
	ev, err := realtime.MessageEvent(typ, msg)
	if err != nil {
		panic(err)
	}
	s.broker.Publish(realtime.ConversationTopic(msg.ConversationID), ev)
	s.broker.Publish(realtime.InboxTopic(msg.SenderID), ev)
	if msg.ReceiverID != msg.SenderID {
		s.broker.Publish(realtime.InboxTopic(msg.ReceiverID), ev)
	}
}

func (s *Server) publishConversation(typ realtime.EventType, conv models.Conversation) {
	ev, err := realtime.ConversationEvent(typ, conv)
	if err != nil {
		panic(err)
	}
	s.broker.Publish(realtime.ConversationTopic(conv.ID), ev)
	s.broker.Publish(realtime.InboxTopic(conv.RequesterID), ev)
	s.broker.Publish(realtime.InboxTopic(conv.AddresseeID), ev)
}

func (s *Server) insertLocked(draft models.MessageDraft) models.Message {
	s.nextID++
	msg := models.Message{
		ID:             s.nextID,
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		ReceiverID:     draft.ReceiverID,
		Payload:        draft.Payload,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg
}

// Backend implements chat.Backend and the read/unread surfaces for one user.
type Backend struct {
	server *Server
	self   uuid.UUID
}

var _ chat.Backend = (*Backend)(nil)

func (b *Backend) conversation(id uuid.UUID) (models.Conversation, error) {
	conv, ok := b.server.conversations[id]
	if !ok {
		return models.Conversation{}, chat.ErrNotFound
	}
	if !conv.HasParticipant(b.self) {
		return models.Conversation{}, chat.ErrForbidden
	}
	return conv, nil
}

func (b *Backend) GetConversation(ctx context.Context, id uuid.UUID) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	b.server.mu.Lock()
	defer b.server.mu.Unlock()
	return b.conversation(id)
}

func (b *Backend) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.server.mu.Lock()
	defer b.server.mu.Unlock()
	var out []models.Conversation
	for _, conv := range b.server.conversations {
		if conv.HasParticipant(b.self) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (b *Backend) RequestConversation(ctx context.Context, peer uuid.UUID) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	b.server.mu.Lock()
	for _, conv := range b.server.conversations {
		if conv.HasParticipant(b.self) && conv.HasParticipant(peer) {
			b.server.mu.Unlock()
			return models.Conversation{}, chat.ErrConversationExists
		}
	}
	now := time.Now().UTC()
	conv := models.Conversation{
		ID:          uuid.New(),
		RequesterID: b.self,
		AddresseeID: peer,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.server.conversations[conv.ID] = conv
	b.server.mu.Unlock()

	b.server.publishConversation(realtime.EventInsert, conv)
	return conv, nil
}

func (b *Backend) RespondConversation(ctx context.Context, id uuid.UUID, status models.ConversationStatus) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	b.server.mu.Lock()
	conv, err := b.conversation(id)
	if err == nil {
		err = conv.CanTransition(b.self, status)
	}
	if err != nil {
		b.server.mu.Unlock()
		return models.Conversation{}, err
	}
	conv.Status = status
	conv.UpdatedAt = time.Now().UTC()
	b.server.conversations[id] = conv
	b.server.mu.Unlock()

	b.server.publishConversation(realtime.EventUpdate, conv)
	return conv, nil
}

func (b *Backend) FetchMessages(ctx context.Context, conversationID uuid.UUID, beforeID int64, limit int) ([]models.Message, error) {
	if hook := b.server.BeforeFetch; hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.server.mu.Lock()
	defer b.server.mu.Unlock()
	if _, err := b.conversation(conversationID); err != nil {
		return nil, err
	}
	var out []models.Message
	for i := len(b.server.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := b.server.messages[i]
		if m.ConversationID != conversationID {
			continue
		}
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *Backend) InsertMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if err := draft.Payload.Validate(); err != nil {
		return models.Message{}, err
	}
	b.server.mu.Lock()
	conv, err := b.conversation(draft.ConversationID)
	if err != nil {
		b.server.mu.Unlock()
		return models.Message{}, err
	}
	if draft.SenderID != b.self || !conv.HasParticipant(draft.ReceiverID) || draft.ReceiverID == b.self {
		b.server.mu.Unlock()
		return models.Message{}, chat.ErrForbidden
	}
	if conv.Status == models.StatusDeclined {
		b.server.mu.Unlock()
		return models.Message{}, chat.ErrConversationDeclined
	}
	msg := b.server.insertLocked(draft)
	b.server.mu.Unlock()

	b.server.PublishMessage(realtime.EventInsert, msg)
	return msg, nil
}

// MarkRead flips the read flag of ids received by the user and returns the
// ids that changed.
func (b *Backend) MarkRead(ctx context.Context, ids []int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.server.mu.Lock()
	b.server.markReadCalls = append(b.server.markReadCalls, slices.Clone(ids))
	if err := b.server.MarkReadErr; err != nil {
		b.server.mu.Unlock()
		return nil, err
	}
	var updated []models.Message
	for i := range b.server.messages {
		m := &b.server.messages[i]
		if m.ReceiverID == b.self && !m.IsRead && slices.Contains(ids, m.ID) {
			m.IsRead = true
			updated = append(updated, *m)
		}
	}
	b.server.mu.Unlock()

	out := make([]int64, 0, len(updated))
	for _, m := range updated {
		b.server.PublishMessage(realtime.EventUpdate, m)
		out = append(out, m.ID)
	}
	return out, nil
}

// UnreadMessages groups unread ids received by the user by conversation.
func (b *Backend) UnreadMessages(ctx context.Context) (map[uuid.UUID][]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.server.mu.Lock()
	defer b.server.mu.Unlock()
	out := make(map[uuid.UUID][]int64)
	for _, m := range b.server.messages {
		if m.ReceiverID == b.self && !m.IsRead {
			out[m.ConversationID] = append(out[m.ConversationID], m.ID)
		}
	}
	return out, nil
}

func (b *Backend) Upload(ctx context.Context, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.server.UploadErr; err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.server.mu.Lock()
	defer b.server.mu.Unlock()
	key := fmt.Sprintf("blob-%d", len(b.server.blobs)+1)
	b.server.blobs[key] = data
	return "https://media.test/" + key, nil
}

// NewSession starts a session for a fresh user and closes it on cleanup.
func NewSession(t testing.TB, username string) *session.Session {
	t.Helper()
	sess, err := session.New(context.Background(), session.Identity{UserID: uuid.New(), Username: username}, "token-"+username)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess
}
